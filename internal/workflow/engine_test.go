package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

type stubLimits map[string]int64

func (s stubLimits) Limits(ctx context.Context, orgID string) (map[string]int64, error) {
	return s, nil
}

type workflowEnv struct {
	engine *Engine
	quotas *quota.Engine
	store  storage.Store
}

func newWorkflowEnv(t *testing.T, limits stubLimits, registry *agents.Registry) *workflowEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := storage.NewRedisStore(mr.Addr(), "", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if limits == nil {
		limits = stubLimits{
			quota.ResourceConcurrentWorkflows: 5,
			quota.ResourceWorkflowsPerMonth:   50,
		}
	}
	quotas := quota.NewEngine(store, limits, zap.NewNop())

	if registry == nil {
		registry = agents.NewRegistry()
		require.NoError(t, agents.RegisterBuiltins(registry))
	}
	dispatcher := agents.NewDispatcher(registry, nil, nil, zap.NewNop())

	return &workflowEnv{
		engine: NewEngine(store, dispatcher, quotas, NewCatalog(), zap.NewNop()),
		quotas: quotas,
		store:  store,
	}
}

func testMeta(orgID string) (StartMeta, agents.Meta) {
	return StartMeta{UserID: "u1", OrgID: orgID, SessionID: "s1"},
		agents.Meta{UserID: "u1", OrgID: orgID, SessionID: "s1"}
}

func TestSecurityHardeningApprovalFlow(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden the fleet", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "0/4", out.WorkflowContext.Step)
	id := out.WorkflowID

	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "security_scanner", out.StepResult.AgentName)

	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, out.Status)
	assert.Equal(t, "compliance_auditor", out.StepResult.AgentName)
	assert.Contains(t, out.SuggestedActions, "approve")

	// Waiting instances refuse plain continues.
	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.True(t, platerr.IsKind(err, platerr.KindIllegalTransition))

	out, err = env.engine.Approve(ctx, "org-1", id, DecisionApprove, meta)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "security_hardener", out.StepResult.AgentName)

	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 100, out.WorkflowContext.ProgressPercent)

	inst, _, err := env.engine.Status(ctx, "org-1", id)
	require.NoError(t, err)
	require.Len(t, inst.Results, 4)
	for i, r := range inst.Results {
		assert.Equal(t, i, r.StepIndex)
		assert.Equal(t, StepCompleted, r.Status)
	}

	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])
}

func TestRequiredStepFailureFailsWorkflow(t *testing.T) {
	registry := agents.NewRegistry()
	ok := func(msg string) agents.Handler {
		return func(ctx context.Context, in map[string]interface{}) (*agents.Result, error) {
			return &agents.Result{Message: msg}, nil
		}
	}
	require.NoError(t, registry.Register(agents.Descriptor{Name: "cost_analyzer", Timeout: time.Second}, ok("analyzed")))
	require.NoError(t, registry.Register(agents.Descriptor{Name: "cost_optimizer", Timeout: time.Second},
		func(ctx context.Context, in map[string]interface{}) (*agents.Result, error) {
			return nil, errors.New("optimizer backend unreachable")
		}))
	require.NoError(t, registry.Register(agents.Descriptor{Name: "report_generator", Timeout: time.Second}, ok("reported")))

	env := newWorkflowEnv(t, nil, registry)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeCostOptimization, startMeta, "cut our spend", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)

	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.True(t, platerr.IsKind(err, platerr.KindAgentError))

	inst, _, err := env.engine.Status(ctx, "org-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, inst.Status)
	require.Len(t, inst.Results, 2)
	assert.Equal(t, StepFailed, inst.Results[1].Status)

	// The slot is given back and the terminal state is immutable.
	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])

	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.True(t, platerr.IsKind(err, platerr.KindIllegalTransition))
}

func TestOptionalStepFailureContinues(t *testing.T) {
	registry := agents.NewRegistry()
	require.NoError(t, registry.Register(agents.Descriptor{Name: "incident_triager", Timeout: time.Second},
		func(ctx context.Context, in map[string]interface{}) (*agents.Result, error) {
			return &agents.Result{Message: "triaged"}, nil
		}))
	require.NoError(t, registry.Register(agents.Descriptor{Name: "incident_resolver", Timeout: time.Second},
		func(ctx context.Context, in map[string]interface{}) (*agents.Result, error) {
			return &agents.Result{Message: "mitigated"}, nil
		}))
	require.NoError(t, registry.Register(agents.Descriptor{Name: "report_generator", Timeout: time.Second},
		func(ctx context.Context, in map[string]interface{}) (*agents.Result, error) {
			return nil, errors.New("report store down")
		}))

	env := newWorkflowEnv(t, nil, registry)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeIncidentResponse, startMeta, "prod outage", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	for i := 0; i < 2; i++ {
		_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
		require.NoError(t, err)
	}

	// The final, optional step fails but the workflow still completes.
	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, StepFailed, out.StepResult.Status)
}

func TestPauseAndResumeAtGate(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeDeploymentPipeline, startMeta, "ship release 42", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingApproval, out.Status)

	out, err = env.engine.Approve(ctx, "org-1", id, DecisionPause, meta)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, out.Status)

	// Resuming lands back at the gate, not past it.
	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, out.Status)

	out, err = env.engine.Approve(ctx, "org-1", id, DecisionApprove, meta)
	require.NoError(t, err)
	assert.Equal(t, "deploy_manager", out.StepResult.AgentName)

	for out.Status == StatusRunning {
		out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusCompleted, out.Status)
}

func TestRejectCancelsWorkflow(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeDeploymentPipeline, startMeta, "ship it", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)

	out, err = env.engine.Approve(ctx, "org-1", id, DecisionReject, meta)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)

	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])

	_, err = env.engine.Approve(ctx, "org-1", id, DecisionApprove, meta)
	require.True(t, platerr.IsKind(err, platerr.KindIllegalTransition))

	// Cancelling an already-cancelled workflow is a no-op, not an error.
	out, err = env.engine.Cancel(ctx, "org-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
}

func TestCancelTwiceIsNoOp(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	out, err = env.engine.Cancel(ctx, "org-1", id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, out.Status)

	out, err = env.engine.Cancel(ctx, "org-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)

	// The slot was released exactly once and continues stay rejected.
	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])
	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.True(t, platerr.IsKind(err, platerr.KindIllegalTransition))

	// Completed workflows still refuse cancellation.
	out, err = env.engine.Start(ctx, TypeCostOptimization, startMeta, "cut spend", nil)
	require.NoError(t, err)
	done := out.WorkflowID
	for out.Status == StatusRunning {
		out, err = env.engine.Continue(ctx, "org-1", done, "", meta)
		require.NoError(t, err)
	}
	require.Equal(t, StatusCompleted, out.Status)
	_, err = env.engine.Cancel(ctx, "org-1", done)
	require.True(t, platerr.IsKind(err, platerr.KindIllegalTransition))
}

func TestApprovalNotifications(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	type event struct {
		workflowID string
		pending    bool
	}
	var events []event
	env.engine.BindApprovalNotifier(func(ctx context.Context, orgID, sessionID, workflowID string, pending bool) error {
		assert.Equal(t, "org-1", orgID)
		assert.Equal(t, "s1", sessionID)
		events = append(events, event{workflowID: workflowID, pending: pending})
		return nil
	})

	out, err := env.engine.Start(ctx, TypeDeploymentPipeline, startMeta, "ship it", nil)
	require.NoError(t, err)
	id := out.WorkflowID

	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingApproval, out.Status)
	_, err = env.engine.Approve(ctx, "org-1", id, DecisionPause, meta)
	require.NoError(t, err)
	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	_, err = env.engine.Approve(ctx, "org-1", id, DecisionApprove, meta)
	require.NoError(t, err)

	want := []event{
		{workflowID: id, pending: true},
		{workflowID: id, pending: false},
		{workflowID: id, pending: true},
		{workflowID: id, pending: false},
	}
	assert.Equal(t, want, events)
}

func TestCancelClearsPendingApproval(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	var pending, cleared int
	env.engine.BindApprovalNotifier(func(ctx context.Context, orgID, sessionID, workflowID string, p bool) error {
		if p {
			pending++
		} else {
			cleared++
		}
		return nil
	})

	out, err := env.engine.Start(ctx, TypeDeploymentPipeline, startMeta, "ship it", nil)
	require.NoError(t, err)
	id := out.WorkflowID
	out, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingApproval, out.Status)

	_, err = env.engine.Cancel(ctx, "org-1", id)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, cleared)
}

func TestCancelFromRunning(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, _ := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden", nil)
	require.NoError(t, err)

	out, err = env.engine.Cancel(ctx, "org-1", out.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)

	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])
}

func TestWorkflowTenantIsolation(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden", nil)
	require.NoError(t, err)

	_, _, err = env.engine.Status(ctx, "org-2", out.WorkflowID)
	require.True(t, platerr.IsKind(err, platerr.KindForbidden))
	_, err = env.engine.Continue(ctx, "org-2", out.WorkflowID, "", meta)
	require.True(t, platerr.IsKind(err, platerr.KindForbidden))
	_, err = env.engine.Cancel(ctx, "org-2", out.WorkflowID)
	require.True(t, platerr.IsKind(err, platerr.KindForbidden))
}

func TestStartQuotaCharges(t *testing.T) {
	env := newWorkflowEnv(t, stubLimits{
		quota.ResourceConcurrentWorkflows: 1,
		quota.ResourceWorkflowsPerMonth:   50,
	}, nil)
	ctx := context.Background()
	startMeta, _ := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden", nil)
	require.NoError(t, err)

	_, err = env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden again", nil)
	require.True(t, platerr.IsKind(err, platerr.KindQuotaExceeded))

	_, err = env.engine.Cancel(ctx, "org-1", out.WorkflowID)
	require.NoError(t, err)

	_, err = env.engine.Start(ctx, TypeSecurityHardening, startMeta, "third time", nil)
	require.NoError(t, err)
}

func TestMonthlyRejectionReleasesSlot(t *testing.T) {
	env := newWorkflowEnv(t, stubLimits{
		quota.ResourceConcurrentWorkflows: 5,
		quota.ResourceWorkflowsPerMonth:   0,
	}, nil)
	ctx := context.Background()
	startMeta, _ := testMeta("org-1")

	_, err := env.engine.Start(ctx, TypeSecurityHardening, startMeta, "harden", nil)
	require.True(t, platerr.IsKind(err, platerr.KindQuotaExceeded))

	usage, err := env.quotas.Usage(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, usage[quota.ResourceConcurrentWorkflows])
}

func TestRecoverFromPersistedState(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()
	startMeta, meta := testMeta("org-1")

	out, err := env.engine.Start(ctx, TypeDeploymentPipeline, startMeta, "ship it", nil)
	require.NoError(t, err)
	id := out.WorkflowID
	_, err = env.engine.Continue(ctx, "org-1", id, "", meta)
	require.NoError(t, err)

	// A fresh engine over the same store picks the instance back up.
	registry := agents.NewRegistry()
	require.NoError(t, agents.RegisterBuiltins(registry))
	dispatcher := agents.NewDispatcher(registry, nil, nil, zap.NewNop())
	restarted := NewEngine(env.store, dispatcher, env.quotas, NewCatalog(), zap.NewNop())
	require.NoError(t, restarted.Recover(ctx))

	inst, _, err := restarted.Status(ctx, "org-1", id)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingApproval, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepIndex)

	out, err = restarted.Approve(ctx, "org-1", id, DecisionApprove, meta)
	require.NoError(t, err)
	assert.Equal(t, "deploy_manager", out.StepResult.AgentName)
}

func TestPurgeOrgRemovesInstances(t *testing.T) {
	env := newWorkflowEnv(t, nil, nil)
	ctx := context.Background()

	meta1, _ := testMeta("org-1")
	meta2, _ := testMeta("org-2")
	out1, err := env.engine.Start(ctx, TypeSecurityHardening, meta1, "harden", nil)
	require.NoError(t, err)
	out2, err := env.engine.Start(ctx, TypeSecurityHardening, meta2, "harden", nil)
	require.NoError(t, err)

	require.NoError(t, env.engine.PurgeOrg(ctx, "org-1"))

	_, _, err = env.engine.Status(ctx, "org-1", out1.WorkflowID)
	require.True(t, platerr.IsKind(err, platerr.KindWorkflowNotFound))
	_, _, err = env.engine.Status(ctx, "org-2", out2.WorkflowID)
	require.NoError(t, err)
}
