package tenancy

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/identity"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

type testEnv struct {
	manager *Manager
	users   *identity.Store
	engine  *quota.Engine
	store   storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users, err := identity.NewStore(db, zap.NewNop())
	require.NoError(t, err)
	tenants, err := NewStore(db, zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	kv, err := storage.NewRedisStore(mr.Addr(), "", 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	manager := NewManager(tenants, users, config.DefaultPlanQuotas(), zap.NewNop())
	engine := quota.NewEngine(kv, manager, zap.NewNop())
	manager.BindQuotaEngine(engine)

	return &testEnv{manager: manager, users: users, engine: engine, store: kv}
}

func seedUser(t *testing.T, env *testEnv, email, username, orgID string, roles ...string) *identity.User {
	t.Helper()
	u := &identity.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		KDFName:      "bcrypt",
		KDFCost:      10,
		PasswordHash: "x",
		OrgID:        orgID,
		Roles:        identity.StringList(roles),
		Active:       true,
		Preferences:  identity.JSONMap{},
	}
	require.NoError(t, env.users.Create(context.Background(), u))
	return u
}

func TestCreateOrgAssignsOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner := seedUser(t, env, "alice@x.io", "alice", "org-default", permissions.RoleTeamMember)

	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "")
	require.NoError(t, err)
	require.Equal(t, PlanStarter, org.PlanType)
	require.Equal(t, owner.ID, org.OwnerUserID)

	updated, err := env.users.GetByID(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, org.ID, updated.OrgID)
	require.True(t, updated.Roles.Contains(permissions.RoleOrgOwner))
}

func TestCreateOrgRejectsUnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	seedUser(t, env, "alice@x.io", "alice", "org-default")

	_, err := env.manager.CreateOrg(context.Background(), "Acme", "x.io", "alice@x.io", "Platinum")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidInput))
}

func TestDefaultOrgCreatedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id1, err := env.manager.DefaultOrgID(ctx)
	require.NoError(t, err)
	id2, err := env.manager.DefaultOrgID(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestSetPlanPreservesUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "Starter")
	require.NoError(t, err)

	// Exhaust the starter workflow budget.
	for i := 0; i < 50; i++ {
		d, err := env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceWorkflowsPerMonth, 1)
		require.NoError(t, err)
		require.True(t, d.Admitted)
	}
	d, err := env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceWorkflowsPerMonth, 1)
	require.NoError(t, err)
	require.False(t, d.Admitted)

	// Upgrading keeps the counters but raises the ceiling.
	require.NoError(t, env.manager.SetPlan(ctx, org.ID, PlanProfessional))

	usage, err := env.engine.Usage(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), usage[quota.ResourceWorkflowsPerMonth])

	d, err = env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceWorkflowsPerMonth, 1)
	require.NoError(t, err)
	require.True(t, d.Admitted)

	// Downgrading below current usage succeeds; consumption then fails
	// until the window rolls over or an admin resets.
	require.NoError(t, env.manager.SetPlan(ctx, org.ID, PlanStarter))

	d, err = env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceWorkflowsPerMonth, 1)
	require.NoError(t, err)
	require.False(t, d.Admitted)

	require.NoError(t, env.engine.Reset(ctx, org.ID, quota.ResourceWorkflowsPerMonth))
	d, err = env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceWorkflowsPerMonth, 1)
	require.NoError(t, err)
	require.True(t, d.Admitted)
}

func TestQuotaOverrides(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "Custom")
	require.NoError(t, err)

	org.Settings["quota_overrides"] = map[string]interface{}{
		quota.ResourceAPICallsPerHour: 1,
	}
	require.NoError(t, env.manager.store.UpdateOrg(ctx, org))

	limits, err := env.manager.Limits(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), limits[quota.ResourceAPICallsPerHour])

	d, err := env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceAPICallsPerHour, 1)
	require.NoError(t, err)
	require.True(t, d.Admitted)
	d, err = env.engine.CheckAndConsume(ctx, org.ID, quota.ResourceAPICallsPerHour, 1)
	require.NoError(t, err)
	require.False(t, d.Admitted)
}

func TestTeamLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "")
	require.NoError(t, err)
	lead, err := env.users.GetByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	member := seedUser(t, env, "bob@x.io", "bob", org.ID, permissions.RoleTeamMember)

	team, err := env.manager.CreateTeam(ctx, org.ID, "Platform", lead.ID)
	require.NoError(t, err)
	require.True(t, team.Members.Contains(lead.ID))

	require.NoError(t, env.manager.AddMember(ctx, team.ID, member.ID))
	// Idempotent.
	require.NoError(t, env.manager.AddMember(ctx, team.ID, member.ID))

	got, err := env.manager.store.GetTeam(ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, got.Members, 2)

	usage, err := env.engine.Usage(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), usage[quota.ResourceTeamMembers])

	err = env.manager.RemoveMember(ctx, team.ID, lead.ID)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidInput))

	require.NoError(t, env.manager.RemoveMember(ctx, team.ID, member.ID))
	usage, err = env.engine.Usage(ctx, org.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), usage[quota.ResourceTeamMembers])

	gotMember, err := env.users.GetByID(ctx, member.ID)
	require.NoError(t, err)
	require.False(t, gotMember.TeamIDs.Contains(team.ID))
}

func TestAddMemberCrossOrgRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "")
	require.NoError(t, err)
	lead, err := env.users.GetByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	outsider := seedUser(t, env, "eve@y.io", "eve", "some-other-org")

	team, err := env.manager.CreateTeam(ctx, org.ID, "Platform", lead.ID)
	require.NoError(t, err)

	err = env.manager.AddMember(ctx, team.ID, outsider.ID)
	require.True(t, platerr.IsKind(err, platerr.KindForbidden))
}

func TestTenantContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "")
	require.NoError(t, err)
	lead, err := env.users.GetByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)

	team, err := env.manager.CreateTeam(ctx, org.ID, "Platform", lead.ID)
	require.NoError(t, err)

	tc, err := env.manager.GetTenantContext(ctx, lead.ID)
	require.NoError(t, err)
	require.Equal(t, org.ID, tc.Org.ID)
	require.Len(t, tc.Teams, 1)
	require.Equal(t, team.ID, tc.Teams[0].ID)
	require.Contains(t, tc.Roles, permissions.RoleOrgOwner)
	require.Contains(t, tc.Permissions, "approve_workflows")
}

type recordingCascade struct{ purged []string }

func (r *recordingCascade) PurgeOrg(ctx context.Context, orgID string) error {
	r.purged = append(r.purged, orgID)
	return nil
}

func TestDeleteOrgCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seedUser(t, env, "alice@x.io", "alice", "org-default")
	org, err := env.manager.CreateOrg(ctx, "Acme", "x.io", "alice@x.io", "")
	require.NoError(t, err)
	lead, err := env.users.GetByEmailOrUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = env.manager.CreateTeam(ctx, org.ID, "Platform", lead.ID)
	require.NoError(t, err)

	cascade := &recordingCascade{}
	env.manager.RegisterCascade(cascade)

	require.NoError(t, env.manager.DeleteOrg(ctx, org.ID))

	_, err = env.manager.GetOrg(ctx, org.ID)
	require.True(t, platerr.IsKind(err, platerr.KindNotFound))

	users, err := env.users.ListByOrg(ctx, org.ID)
	require.NoError(t, err)
	require.Empty(t, users)

	teams, err := env.manager.store.ListTeamsByOrg(ctx, org.ID)
	require.NoError(t, err)
	require.Empty(t, teams)

	usage, err := env.engine.Usage(ctx, org.ID)
	require.NoError(t, err)
	require.Zero(t, usage[quota.ResourceTeamMembers])

	require.Equal(t, []string{org.ID}, cascade.purged)
}
