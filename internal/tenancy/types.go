package tenancy

import (
	"strings"
	"time"

	"github.com/opsmith-ai/opsmith/internal/identity"
)

// Plan types. Each binds to a quota limit table; Custom orgs usually carry
// overrides in their settings.
const (
	PlanStarter      = "Starter"
	PlanProfessional = "Professional"
	PlanEnterprise   = "Enterprise"
	PlanCustom       = "Custom"
)

// KnownPlan reports whether the plan name is recognized, ignoring case.
func KnownPlan(plan string) bool {
	switch strings.ToLower(plan) {
	case "starter", "professional", "enterprise", "custom":
		return true
	}
	return false
}

// Organization is the tenant root. Quota limits are derived from PlanType at
// lookup time unless the settings bag carries a "quota_overrides" map.
type Organization struct {
	ID           string           `json:"org_id" db:"id"`
	Name         string           `json:"name" db:"name"`
	Domain       string           `json:"domain" db:"domain"`
	PlanType     string           `json:"plan_type" db:"plan_type"`
	BillingEmail string           `json:"billing_email" db:"billing_email"`
	OwnerUserID  string           `json:"owner_user_id" db:"owner_user_id"`
	Active       bool             `json:"active" db:"active"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	Settings     identity.JSONMap `json:"settings,omitempty" db:"settings"`
}

// Team groups users under an org. The lead is always a member.
type Team struct {
	ID          string              `json:"team_id" db:"id"`
	OrgID       string              `json:"org_id" db:"org_id"`
	Name        string              `json:"name" db:"name"`
	LeadUserID  string              `json:"lead_user_id" db:"lead_user_id"`
	Members     identity.StringList `json:"members" db:"members"`
	Permissions identity.JSONMap    `json:"permissions,omitempty" db:"permissions"`
	CreatedAt   time.Time           `json:"created_at" db:"created_at"`
}

// TenantContext is the resolved per-caller view the request shell attaches
// to every authenticated request.
type TenantContext struct {
	User        *identity.User   `json:"user"`
	Org         *Organization    `json:"org"`
	Teams       []*Team          `json:"teams,omitempty"`
	Roles       []string         `json:"roles"`
	Permissions []string         `json:"permissions"`
	Preferences identity.JSONMap `json:"preferences,omitempty"`
}
