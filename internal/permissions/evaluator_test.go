package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSuperAdminBypassesRules(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	d := e.Allowed(Subject{UserID: "u1", Roles: []string{RoleSuperAdmin}}, ResourceBilling, ActionUpdate)
	assert.True(t, d.Allow)
}

func TestReadOnlyHasOnlyViewPermissions(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	sub := Subject{UserID: "u1", Roles: []string{RoleReadOnly}}

	assert.True(t, e.Allowed(sub, ResourceWorkflows, ActionView).Allow)
	assert.True(t, e.Allowed(sub, ResourceAnalytics, ActionView).Allow)

	assert.False(t, e.Allowed(sub, ResourceWorkflows, ActionExecute).Allow)
	assert.False(t, e.Allowed(sub, ResourceWorkflows, ActionCreate).Allow)
	assert.False(t, e.Allowed(sub, ResourceOrg, ActionUpdate).Allow)

	for _, perm := range PermissionsForRoles([]string{RoleReadOnly}) {
		assert.Contains(t, perm, "view_")
	}
}

func TestTeamMemberCannotApprove(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	sub := Subject{UserID: "u1", Roles: []string{RoleTeamMember}}

	assert.True(t, e.Allowed(sub, ResourceWorkflows, ActionExecute).Allow)
	d := e.Allowed(sub, ResourceWorkflows, ActionApprove)
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "approve_workflows")
}

func TestOrgOwnerFullSurface(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	sub := Subject{UserID: "u1", Roles: []string{RoleOrgOwner}}

	assert.True(t, e.Allowed(sub, ResourceWorkflows, ActionApprove).Allow)
	assert.True(t, e.Allowed(sub, ResourceBilling, ActionUpdate).Allow)
	assert.True(t, e.Allowed(sub, ResourceFeatureFlags, ActionUpdate).Allow)
	assert.True(t, e.Allowed(sub, ResourceOrg, ActionDelete).Allow)
}

func TestUnknownResourceAndAction(t *testing.T) {
	e := NewEvaluator(zap.NewNop())
	sub := Subject{UserID: "u1", Roles: []string{RoleOrgOwner}}

	assert.False(t, e.Allowed(sub, "nonsense", ActionView).Allow)
	assert.False(t, e.Allowed(sub, ResourceAgents, ActionDelete).Allow)
}

func TestRoleUnionDeduplicates(t *testing.T) {
	perms := PermissionsForRoles([]string{RoleTeamLead, RoleTeamMember})
	seen := map[string]int{}
	for _, p := range perms {
		seen[p]++
	}
	for p, n := range seen {
		assert.Equal(t, 1, n, "permission %s duplicated", p)
	}
}
