// Package agents owns the agent registry and the dispatch path every
// invocation goes through: schema validation, policy gate, pacing, timeout
// and cancellation handling.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opsmith-ai/opsmith/internal/platerr"
)

// FieldSpec describes one input field of an agent.
type FieldSpec struct {
	Type     string `json:"type"` // string, number, bool, object, list
	Required bool   `json:"required"`
}

// Descriptor is a static registry entry.
type Descriptor struct {
	Name            string               `json:"agent_name"`
	Category        string               `json:"category"`
	Capabilities    []string             `json:"capabilities"`
	InputSchema     map[string]FieldSpec `json:"input_schema,omitempty"`
	Timeout         time.Duration        `json:"timeout"`
	ApprovalDefault bool                 `json:"approval_default"`
	CostClass       string               `json:"cost_class"`
	RatePerSecond   float64              `json:"rate_per_second,omitempty"`
}

// Result is what a handler returns on success. AgentName is stamped by the
// dispatcher when the handler leaves it empty.
type Result struct {
	AgentName     string                 `json:"agent_name,omitempty"`
	Message       string                 `json:"message"`
	Intent        string                 `json:"intent,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SideEffects   []string               `json:"side_effects,omitempty"`
	RealExecution bool                   `json:"real_execution"`
}

// Handler is the agent invocation interface. Handlers must honor ctx
// cancellation.
type Handler func(ctx context.Context, input map[string]interface{}) (*Result, error)

type registration struct {
	desc    Descriptor
	handler Handler
	limiter *rate.Limiter
}

// Registry is the static agent table, extensible at runtime by Register.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*registration)}
}

// Register adds an agent. Names are unique.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("agent name is required")
	}
	if handler == nil {
		return fmt.Errorf("agent %s has no handler", desc.Name)
	}
	if desc.Timeout == 0 {
		desc.Timeout = 30 * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[desc.Name]; exists {
		return fmt.Errorf("agent %s already registered", desc.Name)
	}

	var limiter *rate.Limiter
	if desc.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(desc.RatePerSecond), int(desc.RatePerSecond)+1)
	}
	r.agents[desc.Name] = &registration{desc: desc, handler: handler, limiter: limiter}
	return nil
}

// Get resolves an agent by name.
func (r *Registry) Get(name string) (*Descriptor, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[name]
	if !ok {
		return nil, nil, platerr.New(platerr.KindUnknownAgent, "unknown agent %q", name)
	}
	desc := reg.desc
	return &desc, reg.handler, nil
}

func (r *Registry) limiterFor(name string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.agents[name]; ok {
		return reg.limiter
	}
	return nil
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validateInput checks the input map against the descriptor's schema.
func validateInput(desc *Descriptor, input map[string]interface{}) error {
	for field, spec := range desc.InputSchema {
		v, present := input[field]
		if !present {
			if spec.Required {
				return platerr.New(platerr.KindInvalidInput, "missing required field %q", field)
			}
			continue
		}
		if !typeMatches(spec.Type, v) {
			return platerr.New(platerr.KindInvalidInput, "field %q must be %s", field, spec.Type)
		}
	}
	return nil
}

func typeMatches(kind string, v interface{}) bool {
	switch kind {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "list":
		_, ok := v.([]interface{})
		return ok
	default:
		return true
	}
}
