// Package policy is an optional rego gate consulted before agent dispatch.
// It runs in one of three modes: off (never consulted), dry-run (evaluated
// and logged, never blocks), enforce (denials block the dispatch).
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/metrics"
)

// Enforcement modes.
const (
	ModeOff     = "off"
	ModeDryRun  = "dry-run"
	ModeEnforce = "enforce"
)

// decisionQuery is the rego document every loaded policy contributes to.
const decisionQuery = "data.opsmith.dispatch.decision"

// Input is the dispatch context handed to the policies.
type Input struct {
	UserID  string   `json:"user_id"`
	OrgID   string   `json:"org_id"`
	Roles   []string `json:"roles"`
	Agent   string   `json:"agent"`
	Intent  string   `json:"intent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Decision is the gate's verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Gate evaluates dispatch requests against compiled rego policies.
type Gate struct {
	cfg      config.PolicyConfig
	compiled *rego.PreparedEvalQuery
	enabled  bool
	logger   *zap.Logger
}

// NewGate compiles the policies under cfg.Path. With fail_closed unset, load
// failures degrade the gate to a pass-through.
func NewGate(cfg config.PolicyConfig, logger *zap.Logger) (*Gate, error) {
	g := &Gate{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.Mode != ModeOff,
		logger:  logger,
	}
	if !g.enabled {
		return g, nil
	}

	if err := g.load(); err != nil {
		if cfg.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, gate is pass-through", zap.Error(err))
		g.enabled = false
	}
	return g, nil
}

func (g *Gate) load() error {
	modules := make(map[string]string)
	err := filepath.Walk(g.cfg.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(g.cfg.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no policy files under %s", g.cfg.Path)
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to compile policies: %w", err)
	}
	g.compiled = &compiled

	g.logger.Info("Policies compiled",
		zap.Int("policy_count", len(modules)),
		zap.String("mode", g.cfg.Mode))
	return nil
}

// Check evaluates the input. In dry-run mode denials are logged but the
// returned decision always allows.
func (g *Gate) Check(ctx context.Context, input *Input) (*Decision, error) {
	if !g.enabled || g.compiled == nil {
		return &Decision{Allow: true, Reason: "policy gate disabled"}, nil
	}

	decision, err := g.evaluate(ctx, input)
	if err != nil {
		if g.cfg.FailClosed {
			return &Decision{Allow: false, Reason: "policy evaluation failed"}, nil
		}
		g.logger.Warn("Policy evaluation failed, allowing", zap.Error(err))
		return &Decision{Allow: true, Reason: "policy evaluation failed"}, nil
	}

	metrics.PolicyDecisions.WithLabelValues(g.cfg.Mode, strconv.FormatBool(decision.Allow)).Inc()
	if !decision.Allow && g.cfg.Mode == ModeDryRun {
		g.logger.Warn("Policy would deny (dry-run)",
			zap.String("agent", input.Agent),
			zap.String("org_id", input.OrgID),
			zap.String("reason", decision.Reason))
		return &Decision{Allow: true, Reason: "dry-run: " + decision.Reason}, nil
	}
	return decision, nil
}

func (g *Gate) evaluate(ctx context.Context, input *Input) (*Decision, error) {
	results, err := g.compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"user_id": input.UserID,
		"org_id":  input.OrgID,
		"roles":   input.Roles,
		"agent":   input.Agent,
		"intent":  input.Intent,
		"message": input.Message,
	}))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// No decision document produced; treat as allow.
		return &Decision{Allow: true, Reason: "no decision"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decision document has unexpected shape")
	}
	decision := &Decision{}
	if allow, ok := doc["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reason, ok := doc["reason"].(string); ok {
		decision.Reason = reason
	}
	return decision, nil
}
