package features

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

func newTestService(t *testing.T, plans PlanSource) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := storage.NewRedisStore(mr.Addr(), "", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewService(store, plans, zap.NewNop())
}

func TestExplicitAssignmentWinsOverRules(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	svc.SetRules([]RolloutRule{{Feature: "dark_mode", Percentage: 100}})

	enabled, err := svc.Enabled(ctx, "org-1", "dark_mode")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, svc.SetFlag(ctx, "org-1", "dark_mode", false))
	enabled, err = svc.Enabled(ctx, "org-1", "dark_mode")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, svc.ClearFlag(ctx, "org-1", "dark_mode"))
	enabled, err = svc.Enabled(ctx, "org-1", "dark_mode")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestUnknownFeatureDenied(t *testing.T) {
	svc := newTestService(t, nil)
	enabled, err := svc.Enabled(context.Background(), "org-1", "quantum_mode")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestRolloutPercentageIsDeterministic(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.SetRules([]RolloutRule{{Feature: "beta_ui", Percentage: 50}})

	// A 50% rollout over enough orgs admits some and rejects others, and
	// repeated evaluations never flip.
	var admitted, rejected int
	for i := 0; i < 100; i++ {
		org := fmt.Sprintf("org-%d", i)
		first, err := svc.Enabled(ctx, org, "beta_ui")
		require.NoError(t, err)
		second, err := svc.Enabled(ctx, org, "beta_ui")
		require.NoError(t, err)
		assert.Equal(t, first, second, org)
		if first {
			admitted++
		} else {
			rejected++
		}
	}
	assert.Positive(t, admitted)
	assert.Positive(t, rejected)
}

func TestRolloutPlanRestriction(t *testing.T) {
	plans := PlanFunc(func(ctx context.Context, orgID string) (string, error) {
		if orgID == "org-pro" {
			return "Professional", nil
		}
		return "Starter", nil
	})
	svc := newTestService(t, plans)
	ctx := context.Background()
	svc.SetRules([]RolloutRule{{Feature: "sso", Percentage: 100, TargetPlan: "professional"}})

	enabled, err := svc.Enabled(ctx, "org-pro", "sso")
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = svc.Enabled(ctx, "org-starter", "sso")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestEffectiveFlags(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	svc.SetRules([]RolloutRule{
		{Feature: "dark_mode", Percentage: 100},
		{Feature: "quantum_mode", Percentage: 0},
	})
	require.NoError(t, svc.SetFlag(ctx, "org-1", "custom_agents", true))
	require.NoError(t, svc.SetFlag(ctx, "org-1", "dark_mode", false))

	flags, err := svc.EffectiveFlags(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, flags["dark_mode"])
	assert.False(t, flags["quantum_mode"])
	assert.True(t, flags["custom_agents"])
}

func TestReloadHandler(t *testing.T) {
	svc := newTestService(t, nil)
	handler := svc.ReloadHandler()

	require.NoError(t, handler(map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{"feature": "dark_mode", "percentage": 100},
		},
	}))
	assert.Equal(t, []string{"dark_mode"}, svc.KnownFeatures())

	// Bad updates are rejected and the previous rules stay live.
	require.Error(t, handler(map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{"feature": "", "percentage": 100},
		},
	}))
	assert.Equal(t, []string{"dark_mode"}, svc.KnownFeatures())
}

func TestOnboardingLifecycle(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	record, err := svc.StartOnboarding(ctx, "org-1", nil)
	require.NoError(t, err)
	_, total := record.Progress()
	require.Equal(t, 6, total)
	assert.Equal(t, 0, record.ProgressPercent())

	// Idempotent start.
	again, err := svc.StartOnboarding(ctx, "org-1", nil)
	require.NoError(t, err)
	assert.True(t, record.StartedAt.Equal(again.StartedAt))

	record, err = svc.CompleteTask(ctx, "org-1", "setup", "invite_team")
	require.NoError(t, err)
	assert.Equal(t, 16, record.ProgressPercent())

	// Re-completing keeps the first stamp.
	stamp := *record.Stages[0].Tasks[0].CompletedAt
	record, err = svc.CompleteTask(ctx, "org-1", "setup", "invite_team")
	require.NoError(t, err)
	assert.True(t, stamp.Equal(*record.Stages[0].Tasks[0].CompletedAt))

	_, err = svc.CompleteTask(ctx, "org-1", "setup", "no_such_task")
	require.True(t, platerr.IsKind(err, platerr.KindNotFound))

	_, err = svc.GetOnboarding(ctx, "org-ghost")
	require.True(t, platerr.IsKind(err, platerr.KindNotFound))
}

func TestFeaturesPurgeOrg(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetFlag(ctx, "org-1", "dark_mode", true))
	require.NoError(t, svc.SetFlag(ctx, "org-2", "dark_mode", true))
	_, err := svc.StartOnboarding(ctx, "org-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.PurgeOrg(ctx, "org-1"))

	enabled, err := svc.Enabled(ctx, "org-1", "dark_mode")
	require.NoError(t, err)
	assert.False(t, enabled)
	enabled, err = svc.Enabled(ctx, "org-2", "dark_mode")
	require.NoError(t, err)
	assert.True(t, enabled)
	_, err = svc.GetOnboarding(ctx, "org-1")
	require.True(t, platerr.IsKind(err, platerr.KindNotFound))
}
