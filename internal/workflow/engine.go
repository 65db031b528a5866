// Package workflow drives multi-step template executions. Instances advance
// one step per continue call, wait at approval gates, persist after every
// transition, and survive restarts. Step execution never holds the instance
// lock across an agent invocation; an in-flight marker serializes callers
// instead.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

// ApprovalNotifier is told when an instance enters or leaves the waiting
// state so the owning session can track its pending approvals.
type ApprovalNotifier func(ctx context.Context, orgID, sessionID, workflowID string, pending bool) error

// Engine orchestrates workflow instances.
type Engine struct {
	store      storage.Store
	dispatcher *agents.Dispatcher
	quotas     *quota.Engine
	catalog    *Catalog
	notifier   ApprovalNotifier
	logger     *zap.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewEngine creates the engine.
func NewEngine(store storage.Store, dispatcher *agents.Dispatcher, quotas *quota.Engine, catalog *Catalog, logger *zap.Logger) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		quotas:     quotas,
		catalog:    catalog,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
		inflight:   make(map[string]context.CancelFunc),
	}
}

// StartMeta carries the caller identity into start.
type StartMeta struct {
	UserID    string
	OrgID     string
	Roles     []string
	SessionID string
}

// BindApprovalNotifier attaches session-side approval tracking. Must be
// called before the engine serves requests.
func (e *Engine) BindApprovalNotifier(fn ApprovalNotifier) { e.notifier = fn }

func (e *Engine) notifyApproval(ctx context.Context, inst *Instance, pending bool) {
	if e.notifier == nil || inst.SessionID == "" {
		return
	}
	if err := e.notifier(ctx, inst.OrgID, inst.SessionID, inst.ID, pending); err != nil {
		e.logger.Warn("Failed to track pending approval",
			zap.String("workflow_id", inst.ID),
			zap.Error(err))
	}
}

func instanceKey(id string) string { return "workflow:" + id }

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

func (e *Engine) load(ctx context.Context, id string) (*Instance, error) {
	raw, err := e.store.Get(ctx, instanceKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, platerr.New(platerr.KindWorkflowNotFound, "workflow not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("corrupt workflow document: %w", err)
	}
	return &inst, nil
}

func (e *Engine) persist(ctx context.Context, inst *Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}
	if err := e.store.Put(ctx, instanceKey(inst.ID), raw, 0); err != nil {
		return fmt.Errorf("failed to persist workflow: %w", err)
	}
	return nil
}

// guard enforces tenant isolation on instance access.
func guard(inst *Instance, orgID string) error {
	if inst.OrgID != orgID {
		return platerr.New(platerr.KindForbidden, "workflow belongs to another org")
	}
	return nil
}

// DetectIntent exposes the catalog's keyword lookup to the request shell.
func (e *Engine) DetectIntent(message string) (string, bool) {
	return e.catalog.DetectIntent(message)
}

// Templates lists the catalog.
func (e *Engine) Templates() []Template {
	return e.catalog.List()
}

// Start charges the workflow quotas and arms a new instance at step 1. If
// the first step is approval-gated the instance waits immediately; otherwise
// it stays Running for continue calls to drive.
func (e *Engine) Start(ctx context.Context, templateType string, meta StartMeta, initialMessage string, initialContext map[string]interface{}) (*Outcome, error) {
	template, ok := e.catalog.Get(templateType)
	if !ok {
		return nil, platerr.New(platerr.KindInvalidInput, "unknown workflow type %q", templateType)
	}

	// Concurrent slot first since it is the one that can be released if
	// the monthly charge rejects.
	slot, err := e.quotas.CheckAndConsume(ctx, meta.OrgID, quota.ResourceConcurrentWorkflows, 1)
	if err != nil {
		return nil, err
	}
	if !slot.Admitted {
		return nil, platerr.New(platerr.KindQuotaExceeded, "concurrent workflow limit reached")
	}
	monthly, err := e.quotas.CheckAndConsume(ctx, meta.OrgID, quota.ResourceWorkflowsPerMonth, 1)
	if err == nil && !monthly.Admitted {
		err = platerr.New(platerr.KindQuotaExceeded, "monthly workflow limit reached")
	}
	if err != nil {
		if relErr := e.quotas.Release(ctx, meta.OrgID, quota.ResourceConcurrentWorkflows, 1); relErr != nil {
			e.logger.Warn("Failed to release workflow slot", zap.Error(relErr))
		}
		return nil, err
	}

	inst := &Instance{
		ID:             uuid.NewString(),
		TemplateType:   templateType,
		OwnerUserID:    meta.UserID,
		OrgID:          meta.OrgID,
		SessionID:      meta.SessionID,
		Status:         StatusRunning,
		InitialMessage: initialMessage,
		InitialContext: initialContext,
		StartedAt:      time.Now().UTC(),
	}
	if template.Steps[0].ApprovalRequired {
		inst.Status = StatusWaitingApproval
		metrics.ApprovalsPending.Inc()
	}
	if err := e.persist(ctx, inst); err != nil {
		return nil, err
	}
	if inst.Status == StatusWaitingApproval {
		e.notifyApproval(ctx, inst, true)
	}

	metrics.WorkflowsStarted.WithLabelValues(templateType).Inc()
	e.logger.Info("Workflow started",
		zap.String("workflow_id", inst.ID),
		zap.String("template", templateType),
		zap.String("org_id", meta.OrgID))
	return e.outcome(inst, &template, nil), nil
}

// Continue drives the current step of a Running (or Paused) instance.
func (e *Engine) Continue(ctx context.Context, orgID, workflowID, message string, meta agents.Meta) (*Outcome, error) {
	lock := e.lockFor(workflowID)
	lock.Lock()

	inst, err := e.load(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := guard(inst, orgID); err != nil {
		lock.Unlock()
		return nil, err
	}
	template, ok := e.catalog.Get(inst.TemplateType)
	if !ok {
		lock.Unlock()
		return nil, platerr.New(platerr.KindInternal, "template %q missing from catalog", inst.TemplateType)
	}

	switch inst.Status {
	case StatusRunning:
	case StatusPaused:
		// Resuming. The current step may still need its approval.
		if template.Steps[inst.CurrentStepIndex].ApprovalRequired {
			inst.Status = StatusWaitingApproval
			metrics.ApprovalsPending.Inc()
			if err := e.persist(ctx, inst); err != nil {
				lock.Unlock()
				return nil, err
			}
			e.notifyApproval(ctx, inst, true)
			lock.Unlock()
			return e.outcome(inst, &template, nil), nil
		}
		inst.Status = StatusRunning
	case StatusWaitingApproval:
		lock.Unlock()
		return nil, platerr.New(platerr.KindIllegalTransition, "workflow is waiting for approval")
	default:
		lock.Unlock()
		return nil, platerr.New(platerr.KindIllegalTransition, "workflow is %s", inst.Status)
	}

	e.mu.Lock()
	_, busy := e.inflight[workflowID]
	e.mu.Unlock()
	if busy {
		lock.Unlock()
		return nil, platerr.New(platerr.KindIllegalTransition, "a step is already executing")
	}

	return e.executeStep(ctx, lock, inst, &template, message, meta)
}

// executeStep runs the current step. Called with the instance lock held;
// releases it around the agent invocation.
func (e *Engine) executeStep(ctx context.Context, lock *sync.Mutex, inst *Instance, template *Template, message string, meta agents.Meta) (*Outcome, error) {
	step := template.Steps[inst.CurrentStepIndex]
	input := e.composeInput(inst, template, step, message)

	callCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[inst.ID] = cancel
	e.mu.Unlock()
	workflowID := inst.ID
	lock.Unlock()

	start := time.Now()
	result, invokeErr := e.dispatcher.Invoke(callCtx, step.AgentName, input, 0, meta)
	metrics.WorkflowStepDuration.WithLabelValues(template.Type).Observe(time.Since(start).Seconds())

	lock.Lock()
	defer lock.Unlock()
	e.mu.Lock()
	delete(e.inflight, workflowID)
	e.mu.Unlock()
	cancel()

	// Reload: a cancel may have landed while the agent ran.
	inst, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if IsTerminal(inst.Status) {
		return nil, platerr.New(platerr.KindCancelled, "workflow was cancelled during the step")
	}

	now := time.Now().UTC()
	if invokeErr != nil {
		failed := StepResult{
			StepIndex:     inst.CurrentStepIndex,
			StepName:      step.DisplayName,
			AgentName:     step.AgentName,
			AgentResponse: platerr.MessageOf(invokeErr),
			ExecutedAt:    now,
			Status:        StepFailed,
		}
		inst.Results = append(inst.Results, failed)

		if step.Required {
			inst.Status = StatusFailed
			if err := e.persist(ctx, inst); err != nil {
				return nil, err
			}
			e.releaseSlot(ctx, inst)
			metrics.WorkflowsCompleted.WithLabelValues(template.Type, StatusFailed).Inc()
			e.logger.Warn("Workflow failed",
				zap.String("workflow_id", inst.ID),
				zap.Int("step", inst.CurrentStepIndex),
				zap.Error(invokeErr))
			return nil, invokeErr
		}
		// Optional step: record and move on.
		inst.CurrentStepIndex++
		if err := e.advance(ctx, inst, template); err != nil {
			return nil, err
		}
		return e.outcome(inst, template, &failed), nil
	}

	completed := StepResult{
		StepIndex:     inst.CurrentStepIndex,
		StepName:      step.DisplayName,
		AgentName:     step.AgentName,
		AgentResponse: result.Message,
		ExecutedAt:    now,
		Status:        StepCompleted,
	}
	inst.Results = append(inst.Results, completed)
	inst.CurrentStepIndex++
	if err := e.advance(ctx, inst, template); err != nil {
		return nil, err
	}
	return e.outcome(inst, template, &completed), nil
}

// advance settles the post-step status: Completed at the end, waiting when
// the next step is approval-gated, Running otherwise. Persists the instance.
func (e *Engine) advance(ctx context.Context, inst *Instance, template *Template) error {
	if inst.CurrentStepIndex >= len(template.Steps) {
		inst.Status = StatusCompleted
		if err := e.persist(ctx, inst); err != nil {
			return err
		}
		e.releaseSlot(ctx, inst)
		metrics.WorkflowsCompleted.WithLabelValues(template.Type, StatusCompleted).Inc()
		e.logger.Info("Workflow completed", zap.String("workflow_id", inst.ID))
		return nil
	}
	if template.Steps[inst.CurrentStepIndex].ApprovalRequired {
		inst.Status = StatusWaitingApproval
		metrics.ApprovalsPending.Inc()
		if err := e.persist(ctx, inst); err != nil {
			return err
		}
		e.notifyApproval(ctx, inst, true)
		return nil
	}
	inst.Status = StatusRunning
	return e.persist(ctx, inst)
}

// Approve resolves an approval gate.
func (e *Engine) Approve(ctx context.Context, orgID, workflowID, decision string, meta agents.Meta) (*Outcome, error) {
	lock := e.lockFor(workflowID)
	lock.Lock()

	inst, err := e.load(ctx, workflowID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := guard(inst, orgID); err != nil {
		lock.Unlock()
		return nil, err
	}
	template, ok := e.catalog.Get(inst.TemplateType)
	if !ok {
		lock.Unlock()
		return nil, platerr.New(platerr.KindInternal, "template %q missing from catalog", inst.TemplateType)
	}

	if decision == DecisionCancel {
		lock.Unlock()
		return e.Cancel(ctx, orgID, workflowID)
	}
	if inst.Status != StatusWaitingApproval {
		lock.Unlock()
		return nil, platerr.New(platerr.KindIllegalTransition, "workflow is %s, not waiting for approval", inst.Status)
	}

	switch decision {
	case DecisionApprove:
		metrics.ApprovalsPending.Dec()
		inst.Status = StatusRunning
		if err := e.persist(ctx, inst); err != nil {
			lock.Unlock()
			return nil, err
		}
		e.notifyApproval(ctx, inst, false)
		return e.executeStep(ctx, lock, inst, &template, "", meta)

	case DecisionReject:
		metrics.ApprovalsPending.Dec()
		inst.Status = StatusCancelled
		if err := e.persist(ctx, inst); err != nil {
			lock.Unlock()
			return nil, err
		}
		e.notifyApproval(ctx, inst, false)
		e.releaseSlot(ctx, inst)
		metrics.WorkflowsCompleted.WithLabelValues(template.Type, StatusCancelled).Inc()
		lock.Unlock()
		e.logger.Info("Workflow rejected", zap.String("workflow_id", workflowID))
		return e.outcome(inst, &template, nil), nil

	case DecisionPause:
		metrics.ApprovalsPending.Dec()
		inst.Status = StatusPaused
		if err := e.persist(ctx, inst); err != nil {
			lock.Unlock()
			return nil, err
		}
		e.notifyApproval(ctx, inst, false)
		lock.Unlock()
		return e.outcome(inst, &template, nil), nil

	default:
		lock.Unlock()
		return nil, platerr.New(platerr.KindInvalidInput, "unknown decision %q", decision)
	}
}

// Cancel terminates a non-terminal instance and cascades to any in-flight
// agent invocation.
func (e *Engine) Cancel(ctx context.Context, orgID, workflowID string) (*Outcome, error) {
	e.mu.Lock()
	if cancel, ok := e.inflight[workflowID]; ok {
		cancel()
	}
	e.mu.Unlock()

	lock := e.lockFor(workflowID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if err := guard(inst, orgID); err != nil {
		return nil, err
	}
	template, _ := e.catalog.Get(inst.TemplateType)
	if inst.Status == StatusCancelled {
		// Cancelling twice is a no-op.
		return e.outcome(inst, &template, nil), nil
	}
	if IsTerminal(inst.Status) {
		return nil, platerr.New(platerr.KindIllegalTransition, "workflow is already %s", inst.Status)
	}

	wasWaiting := inst.Status == StatusWaitingApproval
	if wasWaiting {
		metrics.ApprovalsPending.Dec()
	}
	inst.Status = StatusCancelled
	if err := e.persist(ctx, inst); err != nil {
		return nil, err
	}
	if wasWaiting {
		e.notifyApproval(ctx, inst, false)
	}
	e.releaseSlot(ctx, inst)
	metrics.WorkflowsCompleted.WithLabelValues(inst.TemplateType, StatusCancelled).Inc()
	e.logger.Info("Workflow cancelled", zap.String("workflow_id", workflowID))
	return e.outcome(inst, &template, nil), nil
}

// Status returns a snapshot of the instance.
func (e *Engine) Status(ctx context.Context, orgID, workflowID string) (*Instance, *Outcome, error) {
	inst, err := e.load(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if err := guard(inst, orgID); err != nil {
		return nil, nil, err
	}
	template, _ := e.catalog.Get(inst.TemplateType)
	return inst, e.outcome(inst, &template, nil), nil
}

// Recover is called once at startup. Instances keep whatever state was
// persisted; Running ones resume from current_step_index on the next
// continue. The pending-approvals gauge is rebuilt here.
func (e *Engine) Recover(ctx context.Context) error {
	pairs, err := e.store.Scan(ctx, "workflow:")
	if err != nil {
		return fmt.Errorf("failed to scan workflows: %w", err)
	}
	var running, waiting int
	for _, raw := range pairs {
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			continue
		}
		switch inst.Status {
		case StatusRunning:
			running++
		case StatusWaitingApproval:
			waiting++
			metrics.ApprovalsPending.Inc()
		}
	}
	e.logger.Info("Workflow state recovered",
		zap.Int("running", running),
		zap.Int("waiting_approval", waiting))
	return nil
}

// PurgeOrg removes every instance of an org; part of org deletion.
func (e *Engine) PurgeOrg(ctx context.Context, orgID string) error {
	pairs, err := e.store.Scan(ctx, "workflow:")
	if err != nil {
		return fmt.Errorf("failed to scan workflows: %w", err)
	}
	for key, raw := range pairs {
		var inst Instance
		if err := json.Unmarshal(raw, &inst); err != nil {
			continue
		}
		if inst.OrgID == orgID {
			if err := e.store.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) releaseSlot(ctx context.Context, inst *Instance) {
	if err := e.quotas.Release(ctx, inst.OrgID, quota.ResourceConcurrentWorkflows, 1); err != nil {
		e.logger.Warn("Failed to release workflow slot",
			zap.String("workflow_id", inst.ID),
			zap.Error(err))
	}
}

// composeInput builds the context-aware step input: the initial message, a
// digest of the last two step results, and the current step's display name.
func (e *Engine) composeInput(inst *Instance, template *Template, step Step, message string) map[string]interface{} {
	var b strings.Builder
	b.WriteString(inst.InitialMessage)
	if message != "" {
		b.WriteString("\n")
		b.WriteString(message)
	}
	start := len(inst.Results) - 2
	if start < 0 {
		start = 0
	}
	for _, r := range inst.Results[start:] {
		fmt.Fprintf(&b, "\nearlier: %s (%s) %s", r.StepName, r.AgentName, r.Status)
	}
	fmt.Fprintf(&b, "\ncurrent step: %s", step.DisplayName)

	input := map[string]interface{}{
		"message":     b.String(),
		"step":        step.DisplayName,
		"workflow_id": inst.ID,
	}
	for k, v := range inst.InitialContext {
		if _, taken := input[k]; !taken {
			input[k] = v
		}
	}
	return input
}

// outcome builds the augmented envelope fragment for the instance.
func (e *Engine) outcome(inst *Instance, template *Template, result *StepResult) *Outcome {
	total := len(template.Steps)
	wc := &Context{
		WorkflowID: inst.ID,
		Step:       fmt.Sprintf("%d/%d", min(inst.CurrentStepIndex, total), total),
	}
	if total > 0 {
		wc.ProgressPercent = inst.CurrentStepIndex * 100 / total
		if wc.ProgressPercent > 100 {
			wc.ProgressPercent = 100
		}
	}
	if inst.CurrentStepIndex < total {
		wc.StepName = template.Steps[inst.CurrentStepIndex].DisplayName
		if inst.CurrentStepIndex+1 < total {
			wc.NextStepName = template.Steps[inst.CurrentStepIndex+1].DisplayName
		}
	}

	var actions []string
	switch inst.Status {
	case StatusRunning:
		actions = []string{"continue", "pause", "status"}
	case StatusWaitingApproval:
		actions = []string{"approve", "reject", "pause", "status"}
	case StatusPaused:
		actions = []string{"continue", "cancel", "status"}
	default:
		actions = []string{"status"}
	}

	return &Outcome{
		WorkflowID:       inst.ID,
		Status:           inst.Status,
		StepResult:       result,
		WorkflowContext:  wc,
		SuggestedActions: actions,
	}
}
