// Package tenancy maintains the organization, team, and membership graph and
// binds each org's plan to its quota limits.
package tenancy

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/identity"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/quota"
)

// defaultOrgID is the shared org that unaffiliated registrations join.
const defaultOrgID = "org-default"

// Cascader is implemented by components holding per-org state outside the
// tenancy store; they are invoked on org deletion.
type Cascader interface {
	PurgeOrg(ctx context.Context, orgID string) error
}

// Manager is the tenancy manager. The plan limit table is fixed at startup;
// only SetPlan changes which row an org binds to.
type Manager struct {
	store      *Store
	users      *identity.Store
	planQuotas map[string]map[string]int64
	engine     *quota.Engine
	cascades   []Cascader
	logger     *zap.Logger
}

// NewManager creates the manager. The quota engine is attached afterwards
// with BindQuotaEngine since it needs the manager as its limit provider.
func NewManager(store *Store, users *identity.Store, planQuotas map[string]map[string]int64, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		users:      users,
		planQuotas: planQuotas,
		logger:     logger,
	}
}

// BindQuotaEngine attaches the quota engine for membership counting and org
// deletion cascade.
func (m *Manager) BindQuotaEngine(engine *quota.Engine) {
	m.engine = engine
}

// RegisterCascade adds a component to the org deletion cascade.
func (m *Manager) RegisterCascade(c Cascader) {
	m.cascades = append(m.cascades, c)
}

// Limits resolves the effective quota limits for an org: the plan table row,
// overlaid with any "quota_overrides" in the org settings.
func (m *Manager) Limits(ctx context.Context, orgID string) (map[string]int64, error) {
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}

	base := m.planQuotas[strings.ToLower(org.PlanType)]
	limits := make(map[string]int64, len(base))
	for resource, limit := range base {
		limits[resource] = limit
	}

	if raw, ok := org.Settings["quota_overrides"].(map[string]interface{}); ok {
		for resource, v := range raw {
			if f, ok := v.(float64); ok {
				limits[resource] = int64(f)
			}
		}
	}
	return limits, nil
}

// CreateOrg creates an organization owned by an existing user, who gains the
// OrgOwner role and moves into the org.
func (m *Manager) CreateOrg(ctx context.Context, name, domain, ownerEmail, planType string) (*Organization, error) {
	if planType == "" {
		planType = PlanStarter
	}
	if !KnownPlan(planType) {
		return nil, platerr.New(platerr.KindInvalidInput, "unknown plan type %q", planType)
	}
	owner, err := m.users.GetByEmailOrUsername(ctx, ownerEmail)
	if err != nil {
		return nil, err
	}

	org := &Organization{
		ID:           uuid.NewString(),
		Name:         name,
		Domain:       domain,
		PlanType:     planType,
		BillingEmail: ownerEmail,
		OwnerUserID:  owner.ID,
		Active:       true,
		Settings:     identity.JSONMap{},
	}
	if err := m.store.CreateOrg(ctx, org); err != nil {
		return nil, err
	}

	owner.OrgID = org.ID
	if !owner.Roles.Contains(permissions.RoleOrgOwner) {
		owner.Roles = append(owner.Roles, permissions.RoleOrgOwner)
	}
	if err := m.users.Update(ctx, owner); err != nil {
		return nil, err
	}
	return org, nil
}

// ProvisionOrg creates an org during registration, before the owner's user
// row exists. The caller assigns the OrgOwner role on the user it creates.
func (m *Manager) ProvisionOrg(ctx context.Context, name, domain, ownerUserID string) (string, error) {
	org := &Organization{
		ID:          uuid.NewString(),
		Name:        name,
		Domain:      domain,
		PlanType:    PlanStarter,
		OwnerUserID: ownerUserID,
		Active:      true,
		Settings:    identity.JSONMap{},
	}
	if err := m.store.CreateOrg(ctx, org); err != nil {
		return "", err
	}
	return org.ID, nil
}

// DefaultOrgID returns the shared default org, creating it on first use.
func (m *Manager) DefaultOrgID(ctx context.Context) (string, error) {
	if _, err := m.store.GetOrg(ctx, defaultOrgID); err == nil {
		return defaultOrgID, nil
	} else if !platerr.IsKind(err, platerr.KindNotFound) {
		return "", err
	}

	org := &Organization{
		ID:       defaultOrgID,
		Name:     "Default Organization",
		PlanType: PlanStarter,
		Active:   true,
		Settings: identity.JSONMap{},
	}
	if err := m.store.CreateOrg(ctx, org); err != nil {
		// A concurrent registration may have won the insert.
		if _, getErr := m.store.GetOrg(ctx, defaultOrgID); getErr == nil {
			return defaultOrgID, nil
		}
		return "", err
	}
	return defaultOrgID, nil
}

// GetOrg looks up an organization.
func (m *Manager) GetOrg(ctx context.Context, orgID string) (*Organization, error) {
	return m.store.GetOrg(ctx, orgID)
}

// SetPlan atomically rebinds the org to a new plan's limits. Usage counters
// are untouched; after a downgrade, consumption that now sits above the new
// limits keeps failing until the window rolls over or an admin resets.
func (m *Manager) SetPlan(ctx context.Context, orgID, planType string) error {
	if !KnownPlan(planType) {
		return platerr.New(platerr.KindInvalidInput, "unknown plan type %q", planType)
	}
	org, err := m.store.GetOrg(ctx, orgID)
	if err != nil {
		return err
	}
	org.PlanType = planType
	if err := m.store.UpdateOrg(ctx, org); err != nil {
		return err
	}
	m.logger.Info("Plan changed",
		zap.String("org_id", orgID),
		zap.String("plan_type", planType))
	return nil
}

// CreateTeam creates a team with the lead as its first member.
func (m *Manager) CreateTeam(ctx context.Context, orgID, name, leadUserID string) (*Team, error) {
	lead, err := m.users.GetByID(ctx, leadUserID)
	if err != nil {
		return nil, err
	}
	if lead.OrgID != orgID {
		return nil, platerr.New(platerr.KindForbidden, "lead belongs to another org")
	}

	d, err := m.engine.CheckAndConsume(ctx, orgID, quota.ResourceTeamMembers, 1)
	if err != nil {
		return nil, err
	}
	if !d.Admitted {
		return nil, platerr.New(platerr.KindQuotaExceeded, "team member limit reached")
	}

	team := &Team{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Name:        name,
		LeadUserID:  leadUserID,
		Members:     identity.StringList{leadUserID},
		Permissions: identity.JSONMap{},
	}
	if err := m.store.CreateTeam(ctx, team); err != nil {
		return nil, err
	}

	lead.TeamIDs = append(lead.TeamIDs, team.ID)
	if !lead.Roles.Contains(permissions.RoleTeamLead) {
		lead.Roles = append(lead.Roles, permissions.RoleTeamLead)
	}
	if err := m.users.Update(ctx, lead); err != nil {
		return nil, err
	}
	return team, nil
}

// AddMember adds a user to a team and charges the membership quota.
func (m *Manager) AddMember(ctx context.Context, teamID, userID string) error {
	team, err := m.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if team.Members.Contains(userID) {
		return nil
	}
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.OrgID != team.OrgID {
		return platerr.New(platerr.KindForbidden, "user belongs to another org")
	}

	d, err := m.engine.CheckAndConsume(ctx, team.OrgID, quota.ResourceTeamMembers, 1)
	if err != nil {
		return err
	}
	if !d.Admitted {
		return platerr.New(platerr.KindQuotaExceeded, "team member limit reached")
	}

	team.Members = append(team.Members, userID)
	if err := m.store.UpdateTeam(ctx, team); err != nil {
		return err
	}
	user.TeamIDs = append(user.TeamIDs, teamID)
	return m.users.Update(ctx, user)
}

// RemoveMember removes a user from a team and releases the membership quota.
// The lead cannot be removed without reassignment.
func (m *Manager) RemoveMember(ctx context.Context, teamID, userID string) error {
	team, err := m.store.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if userID == team.LeadUserID {
		return platerr.New(platerr.KindInvalidInput, "reassign the team lead before removing them")
	}
	if !team.Members.Contains(userID) {
		return nil
	}

	kept := team.Members[:0]
	for _, id := range team.Members {
		if id != userID {
			kept = append(kept, id)
		}
	}
	team.Members = kept
	if err := m.store.UpdateTeam(ctx, team); err != nil {
		return err
	}

	if user, err := m.users.GetByID(ctx, userID); err == nil {
		teams := user.TeamIDs[:0]
		for _, id := range user.TeamIDs {
			if id != teamID {
				teams = append(teams, id)
			}
		}
		user.TeamIDs = teams
		if err := m.users.Update(ctx, user); err != nil {
			return err
		}
	}
	return m.engine.Release(ctx, team.OrgID, quota.ResourceTeamMembers, 1)
}

// GetTenantContext resolves the full tenant view for a user: org, team
// memberships, roles, and the expanded permission set.
func (m *Manager) GetTenantContext(ctx context.Context, userID string) (*TenantContext, error) {
	user, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	org, err := m.store.GetOrg(ctx, user.OrgID)
	if err != nil {
		return nil, err
	}

	all, err := m.store.ListTeamsByOrg(ctx, user.OrgID)
	if err != nil {
		return nil, err
	}
	var teams []*Team
	for _, team := range all {
		if team.Members.Contains(userID) {
			teams = append(teams, team)
		}
	}

	return &TenantContext{
		User:        user,
		Org:         org,
		Teams:       teams,
		Roles:       user.Roles,
		Permissions: permissions.PermissionsForRoles(user.Roles),
		Preferences: user.Preferences,
	}, nil
}

// DeleteOrg removes the org and everything it owns: teams, users, quota
// usage, and whatever the registered cascades hold.
func (m *Manager) DeleteOrg(ctx context.Context, orgID string) error {
	if _, err := m.store.GetOrg(ctx, orgID); err != nil {
		return err
	}
	if err := m.store.DeleteTeamsByOrg(ctx, orgID); err != nil {
		return err
	}
	if err := m.users.DeleteByOrg(ctx, orgID); err != nil {
		return err
	}
	if m.engine != nil {
		if err := m.engine.PurgeOrg(ctx, orgID); err != nil {
			return err
		}
	}
	for _, c := range m.cascades {
		if err := c.PurgeOrg(ctx, orgID); err != nil {
			return err
		}
	}
	if err := m.store.DeleteOrg(ctx, orgID); err != nil {
		return err
	}
	m.logger.Info("Organization deleted", zap.String("org_id", orgID))
	return nil
}
