// Package features gates per-tenant capabilities. Explicit assignments win;
// otherwise rollout rules admit orgs deterministically by hash so a
// percentage rollout is stable across evaluations and restarts.
package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opsmith-ai/opsmith/internal/storage"
)

// RolloutRule admits a percentage of orgs, optionally restricted to a plan.
type RolloutRule struct {
	Feature    string `yaml:"feature" json:"feature"`
	Percentage int    `yaml:"percentage" json:"percentage"`
	TargetPlan string `yaml:"target_plan,omitempty" json:"target_plan,omitempty"`
}

// PlanSource resolves an org's plan type for rule matching.
type PlanSource interface {
	PlanOf(ctx context.Context, orgID string) (string, error)
}

// PlanFunc adapts a function to PlanSource.
type PlanFunc func(ctx context.Context, orgID string) (string, error)

func (f PlanFunc) PlanOf(ctx context.Context, orgID string) (string, error) { return f(ctx, orgID) }

// Service evaluates flags and keeps the onboarding state.
type Service struct {
	store  storage.Store
	plans  PlanSource
	logger *zap.Logger

	mu    sync.RWMutex
	rules map[string]RolloutRule
}

// NewService creates the service. plans may be nil, in which case rules with
// a target_plan never match.
func NewService(store storage.Store, plans PlanSource, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		plans:  plans,
		logger: logger,
		rules:  make(map[string]RolloutRule),
	}
}

func flagKey(orgID, feature string) string {
	return fmt.Sprintf("feature:%s:%s", orgID, feature)
}

// SetRules replaces the rollout rule set.
func (s *Service) SetRules(rules []RolloutRule) {
	next := make(map[string]RolloutRule, len(rules))
	for _, r := range rules {
		next[r.Feature] = r
	}
	s.mu.Lock()
	s.rules = next
	s.mu.Unlock()
	s.logger.Info("Rollout rules updated", zap.Int("rules", len(rules)))
}

// ReloadHandler adapts SetRules to the config watcher so the rules file can
// be hot-reloaded. Expects a document of the form {rules: [...]}.
func (s *Service) ReloadHandler() func(doc map[string]interface{}) error {
	return func(doc map[string]interface{}) error {
		raw, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		var parsed struct {
			Rules []RolloutRule `yaml:"rules"`
		}
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return fmt.Errorf("bad rollout rules document: %w", err)
		}
		for _, r := range parsed.Rules {
			if r.Feature == "" || r.Percentage < 0 || r.Percentage > 100 {
				return fmt.Errorf("rollout rule %q needs a feature and a percentage in [0,100]", r.Feature)
			}
		}
		s.SetRules(parsed.Rules)
		return nil
	}
}

// SetFlag records an explicit per-org assignment.
func (s *Service) SetFlag(ctx context.Context, orgID, feature string, enabled bool) error {
	raw, _ := json.Marshal(enabled)
	if err := s.store.Put(ctx, flagKey(orgID, feature), raw, 0); err != nil {
		return fmt.Errorf("failed to persist flag: %w", err)
	}
	s.logger.Info("Feature flag set",
		zap.String("org_id", orgID),
		zap.String("feature", feature),
		zap.Bool("enabled", enabled))
	return nil
}

// ClearFlag removes an explicit assignment; the org falls back to rollout
// rules.
func (s *Service) ClearFlag(ctx context.Context, orgID, feature string) error {
	return s.store.Delete(ctx, flagKey(orgID, feature))
}

// Enabled evaluates a flag: explicit assignment first, then the rollout
// rule, then deny.
func (s *Service) Enabled(ctx context.Context, orgID, feature string) (bool, error) {
	raw, err := s.store.Get(ctx, flagKey(orgID, feature))
	if err == nil {
		var enabled bool
		if err := json.Unmarshal(raw, &enabled); err != nil {
			return false, fmt.Errorf("corrupt flag document: %w", err)
		}
		return enabled, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to load flag: %w", err)
	}

	s.mu.RLock()
	rule, ok := s.rules[feature]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return s.ruleAdmits(ctx, orgID, rule)
}

func (s *Service) ruleAdmits(ctx context.Context, orgID string, rule RolloutRule) (bool, error) {
	if bucket(orgID, rule.Feature) >= rule.Percentage {
		return false, nil
	}
	if rule.TargetPlan == "" {
		return true, nil
	}
	if s.plans == nil {
		return false, nil
	}
	plan, err := s.plans.PlanOf(ctx, orgID)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(plan, rule.TargetPlan), nil
}

// bucket maps (org, feature) into [0,100). FNV-1a keeps the assignment
// stable without coordination.
func bucket(orgID, feature string) int {
	h := fnv.New32a()
	h.Write([]byte(orgID))
	h.Write([]byte(feature))
	return int(h.Sum32() % 100)
}

// EffectiveFlags returns every feature visible to the org: explicit
// assignments overlaid on the rollout rule set.
func (s *Service) EffectiveFlags(ctx context.Context, orgID string) (map[string]bool, error) {
	out := make(map[string]bool)

	s.mu.RLock()
	rules := make([]RolloutRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, r)
	}
	s.mu.RUnlock()
	for _, rule := range rules {
		admitted, err := s.ruleAdmits(ctx, orgID, rule)
		if err != nil {
			return nil, err
		}
		out[rule.Feature] = admitted
	}

	prefix := flagKey(orgID, "")
	pairs, err := s.store.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan flags: %w", err)
	}
	for key, raw := range pairs {
		var enabled bool
		if err := json.Unmarshal(raw, &enabled); err != nil {
			continue
		}
		out[strings.TrimPrefix(key, prefix)] = enabled
	}
	return out, nil
}

// KnownFeatures lists the features currently covered by rollout rules.
func (s *Service) KnownFeatures() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PurgeOrg drops every flag and the onboarding record of an org; part of
// org deletion.
func (s *Service) PurgeOrg(ctx context.Context, orgID string) error {
	pairs, err := s.store.Scan(ctx, flagKey(orgID, ""))
	if err != nil {
		return fmt.Errorf("failed to scan flags: %w", err)
	}
	for key := range pairs {
		if err := s.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, onboardingKey(orgID))
}
