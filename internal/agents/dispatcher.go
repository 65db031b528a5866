package agents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/policy"
)

// cancelGrace is how long the dispatcher waits for a handler to acknowledge
// cancellation before abandoning it.
const cancelGrace = 2 * time.Second

// Meta is the caller context attached to every invocation.
type Meta struct {
	UserID    string
	OrgID     string
	Roles     []string
	SessionID string
	Intent    string
	Message   string
}

// UsageEvent records one invocation outcome for analytics.
type UsageEvent struct {
	AgentName string        `json:"agent_name"`
	UserID    string        `json:"user_id"`
	OrgID     string        `json:"org_id"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// UsageSink consumes usage events. Implementations must not block.
type UsageSink func(UsageEvent)

// Dispatcher executes agent invocations. It is stateless; admission control
// happens upstream in the request shell and the workflow engine.
type Dispatcher struct {
	registry *Registry
	gate     *policy.Gate
	sink     UsageSink
	logger   *zap.Logger
}

// NewDispatcher creates the dispatcher. gate and sink may be nil.
func NewDispatcher(registry *Registry, gate *policy.Gate, sink UsageSink, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, gate: gate, sink: sink, logger: logger}
}

// Invoke runs one agent call end to end. deadline tightens the descriptor
// timeout when smaller; zero means descriptor timeout alone.
func (d *Dispatcher) Invoke(ctx context.Context, agentName string, input map[string]interface{}, deadline time.Duration, meta Meta) (*Result, error) {
	desc, handler, err := d.registry.Get(agentName)
	if err != nil {
		return nil, err
	}
	if err := validateInput(desc, input); err != nil {
		return nil, err
	}

	if d.gate != nil {
		decision, err := d.gate.Check(ctx, &policy.Input{
			UserID:  meta.UserID,
			OrgID:   meta.OrgID,
			Roles:   meta.Roles,
			Agent:   agentName,
			Intent:  meta.Intent,
			Message: meta.Message,
		})
		if err != nil {
			return nil, err
		}
		if !decision.Allow {
			return nil, platerr.New(platerr.KindForbidden, "dispatch denied by policy: %s", decision.Reason)
		}
	}

	if limiter := d.registry.limiterFor(agentName); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, platerr.Wrap(platerr.KindCancelled, err, "request cancelled")
		}
	}

	timeout := desc.Timeout
	if deadline > 0 && deadline < timeout {
		timeout = deadline
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := d.run(callCtx, handler, input)
	elapsed := time.Since(start)

	status := "ok"
	switch {
	case err == nil:
	case platerr.IsKind(err, platerr.KindAgentTimeout):
		status = "timeout"
	case platerr.IsKind(err, platerr.KindCancelled):
		status = "cancelled"
	default:
		status = "error"
	}

	metrics.AgentInvocations.WithLabelValues(agentName, status).Inc()
	metrics.AgentInvocationDuration.WithLabelValues(agentName).Observe(float64(elapsed.Milliseconds()))
	if d.sink != nil {
		d.sink(UsageEvent{
			AgentName: agentName,
			UserID:    meta.UserID,
			OrgID:     meta.OrgID,
			Status:    status,
			Duration:  elapsed,
			At:        start,
		})
	}

	if err != nil {
		d.logger.Warn("Agent invocation failed",
			zap.String("agent", agentName),
			zap.String("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}
	if result.AgentName == "" {
		result.AgentName = desc.Name
	}
	return result, nil
}

type handlerOutcome struct {
	result *Result
	err    error
}

// run executes the handler, mapping context termination onto the error
// taxonomy. On cancellation the handler gets a grace interval to return.
func (d *Dispatcher) run(ctx context.Context, handler Handler, input map[string]interface{}) (*Result, error) {
	done := make(chan handlerOutcome, 1)
	go func() {
		result, err := handler(ctx, input)
		done <- handlerOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		return d.mapOutcome(ctx, outcome)
	case <-ctx.Done():
		// Handler saw the same ctx; give it a moment to acknowledge.
		select {
		case outcome := <-done:
			return d.mapOutcome(ctx, outcome)
		case <-time.After(cancelGrace):
			return nil, d.ctxError(ctx)
		}
	}
}

func (d *Dispatcher) mapOutcome(ctx context.Context, outcome handlerOutcome) (*Result, error) {
	if outcome.err != nil {
		if ctx.Err() != nil {
			return nil, d.ctxError(ctx)
		}
		if platerr.IsKind(outcome.err, platerr.KindInvalidInput) {
			return nil, outcome.err
		}
		return nil, platerr.Wrap(platerr.KindAgentError, outcome.err, "agent failed")
	}
	if ctx.Err() != nil {
		return nil, d.ctxError(ctx)
	}
	return outcome.result, nil
}

func (d *Dispatcher) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return platerr.New(platerr.KindAgentTimeout, "agent timed out")
	}
	return platerr.New(platerr.KindCancelled, "request cancelled")
}
