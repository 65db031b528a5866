// Package permissions decides (user, resource, action) requests from a
// declarative role grant table. Components never branch on role directly;
// everything funnels through Evaluator.Allowed.
package permissions

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Roles recognized by the platform.
const (
	RoleSuperAdmin = "SuperAdmin"
	RoleOrgOwner   = "OrgOwner"
	RoleOrgAdmin   = "OrgAdmin"
	RoleTeamLead   = "TeamLead"
	RoleTeamMember = "TeamMember"
	RoleReadOnly   = "ReadOnly"
)

// Resource kinds the evaluator knows about.
const (
	ResourceWorkflows    = "workflows"
	ResourceAgents       = "agents"
	ResourceAnalytics    = "analytics"
	ResourceOrg          = "org"
	ResourceTeam         = "team"
	ResourceUser         = "user"
	ResourceBilling      = "billing"
	ResourceFeatureFlags = "feature_flags"
)

// Actions.
const (
	ActionCreate  = "create"
	ActionView    = "view"
	ActionUpdate  = "update"
	ActionDelete  = "delete"
	ActionExecute = "execute"
	ActionApprove = "approve"
)

// roleGrants maps role -> granted permission names. Permission names are
// "<action>_<resource>"; view permissions are what ReadOnly is limited to.
var roleGrants = map[string][]string{
	RoleOrgOwner: {
		"create_workflows", "view_workflows", "update_workflows", "delete_workflows",
		"execute_workflows", "approve_workflows",
		"execute_agents", "view_agents",
		"view_analytics",
		"view_org", "update_org", "delete_org",
		"create_team", "view_team", "update_team", "delete_team",
		"create_user", "view_user", "update_user", "delete_user",
		"view_billing", "update_billing",
		"view_feature_flags", "update_feature_flags",
	},
	RoleOrgAdmin: {
		"create_workflows", "view_workflows", "update_workflows", "delete_workflows",
		"execute_workflows", "approve_workflows",
		"execute_agents", "view_agents",
		"view_analytics",
		"view_org", "update_org",
		"create_team", "view_team", "update_team", "delete_team",
		"create_user", "view_user", "update_user",
		"view_feature_flags", "update_feature_flags",
	},
	RoleTeamLead: {
		"create_workflows", "view_workflows", "update_workflows",
		"execute_workflows", "approve_workflows",
		"execute_agents", "view_agents",
		"view_analytics",
		"view_team", "update_team",
		"view_user",
	},
	RoleTeamMember: {
		"create_workflows", "view_workflows",
		"execute_workflows",
		"execute_agents", "view_agents",
		"view_team",
		"view_user",
	},
	RoleReadOnly: {
		"view_workflows", "view_agents", "view_analytics",
		"view_org", "view_team", "view_user",
	},
}

// requiredPermissions maps resource kind -> action -> acceptable permission
// names (any-of).
var requiredPermissions = map[string]map[string][]string{
	ResourceWorkflows: {
		ActionCreate:  {"create_workflows"},
		ActionView:    {"view_workflows"},
		ActionUpdate:  {"update_workflows"},
		ActionDelete:  {"delete_workflows"},
		ActionExecute: {"execute_workflows"},
		ActionApprove: {"approve_workflows"},
	},
	ResourceAgents: {
		ActionView:    {"view_agents"},
		ActionExecute: {"execute_agents"},
	},
	ResourceAnalytics: {
		ActionView: {"view_analytics"},
	},
	ResourceOrg: {
		ActionView:   {"view_org"},
		ActionUpdate: {"update_org"},
		ActionDelete: {"delete_org"},
	},
	ResourceTeam: {
		ActionCreate: {"create_team"},
		ActionView:   {"view_team"},
		ActionUpdate: {"update_team"},
		ActionDelete: {"delete_team"},
	},
	ResourceUser: {
		ActionCreate: {"create_user"},
		ActionView:   {"view_user"},
		ActionUpdate: {"update_user"},
		ActionDelete: {"delete_user"},
	},
	ResourceBilling: {
		ActionView:   {"view_billing"},
		ActionUpdate: {"update_billing"},
	},
	ResourceFeatureFlags: {
		ActionView:   {"view_feature_flags"},
		ActionUpdate: {"update_feature_flags"},
	},
}

// Subject is the minimal identity surface the evaluator needs.
type Subject struct {
	UserID string
	OrgID  string
	Roles  []string
}

// Decision is the evaluator's verdict.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator is a pure rule table plus a logger for SuperAdmin bypass audit.
type Evaluator struct {
	logger *zap.Logger
}

// NewEvaluator builds the evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger}
}

// PermissionsForRoles expands roles into the union of granted permissions.
// ReadOnly excludes every other role, so its grants stand alone.
func PermissionsForRoles(roles []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, role := range roles {
		for _, perm := range roleGrants[role] {
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			out = append(out, perm)
		}
	}
	return out
}

// Allowed evaluates a (resource, action) request for the subject.
func (e *Evaluator) Allowed(sub Subject, resource, action string) Decision {
	for _, role := range sub.Roles {
		if role == RoleSuperAdmin {
			e.logger.Info("SuperAdmin bypass",
				zap.String("user_id", sub.UserID),
				zap.String("resource", resource),
				zap.String("action", action))
			return Decision{Allow: true, Reason: "superadmin bypass"}
		}
	}

	actions, ok := requiredPermissions[resource]
	if !ok {
		return Decision{Allow: false, Reason: fmt.Sprintf("unknown resource kind %q", resource)}
	}
	required, ok := actions[action]
	if !ok {
		return Decision{Allow: false, Reason: fmt.Sprintf("action %q not defined for %s", action, resource)}
	}

	granted := PermissionsForRoles(sub.Roles)
	for _, need := range required {
		for _, have := range granted {
			if need == have {
				return Decision{Allow: true, Reason: "granted by role"}
			}
		}
	}
	return Decision{
		Allow:  false,
		Reason: fmt.Sprintf("requires one of [%s]", strings.Join(required, ", ")),
	}
}
