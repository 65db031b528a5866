package quota

import "time"

// Resource names. These are the keys of the plan limit tables and of the
// per-org usage documents.
const (
	ResourceAgentsPerMonth      = "agents_per_month"
	ResourceWorkflowsPerMonth   = "workflows_per_month"
	ResourceStorageGB           = "storage_gb"
	ResourceAPICallsPerHour     = "api_calls_per_hour"
	ResourceTeamMembers         = "team_members"
	ResourceConcurrentWorkflows = "concurrent_workflows"
)

// windows maps sliding-window resources to their horizon. Resources absent
// from this map are point-in-time counters that move by consume and release.
var windows = map[string]time.Duration{
	ResourceAPICallsPerHour:   time.Hour,
	ResourceAgentsPerMonth:    30 * 24 * time.Hour,
	ResourceWorkflowsPerMonth: 30 * 24 * time.Hour,
}

// IsSliding reports whether the resource is windowed rather than a live count.
func IsSliding(resource string) bool {
	_, ok := windows[resource]
	return ok
}

// Resources lists every known resource name.
func Resources() []string {
	return []string{
		ResourceAgentsPerMonth,
		ResourceWorkflowsPerMonth,
		ResourceStorageGB,
		ResourceAPICallsPerHour,
		ResourceTeamMembers,
		ResourceConcurrentWorkflows,
	}
}
