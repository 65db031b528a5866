package workflow

import "time"

// Instance statuses.
const (
	StatusPending         = "Pending"
	StatusRunning         = "Running"
	StatusPaused          = "Paused"
	StatusWaitingApproval = "WaitingApproval"
	StatusCompleted       = "Completed"
	StatusFailed          = "Failed"
	StatusCancelled       = "Cancelled"
)

// Approval decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionPause   = "pause"
	DecisionCancel  = "cancel"
)

// Step result statuses.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step is one unit of a template.
type Step struct {
	AgentName        string `json:"agent_name" yaml:"agent_name"`
	DisplayName      string `json:"display_name" yaml:"display_name"`
	Required         bool   `json:"required" yaml:"required"`
	ApprovalRequired bool   `json:"approval_required" yaml:"approval_required"`
}

// Template is a static, ordered plan. Keywords drive start-from-text intent
// detection.
type Template struct {
	Type              string        `json:"type" yaml:"type"`
	Name              string        `json:"name" yaml:"name"`
	Steps             []Step        `json:"steps" yaml:"steps"`
	EstimatedDuration time.Duration `json:"estimated_duration" yaml:"estimated_duration"`
	RiskLevel         string        `json:"risk_level" yaml:"risk_level"`
	Keywords          []string      `json:"keywords,omitempty" yaml:"keywords"`
}

// StepResult is the authoritative per-step record.
type StepResult struct {
	StepIndex     int       `json:"step_index"`
	StepName      string    `json:"step_name"`
	AgentName     string    `json:"agent_name"`
	AgentResponse string    `json:"agent_response"`
	ExecutedAt    time.Time `json:"executed_at"`
	Status        string    `json:"status"`
}

// Instance is a running workflow.
type Instance struct {
	ID               string                 `json:"workflow_id"`
	TemplateType     string                 `json:"template_type"`
	OwnerUserID      string                 `json:"owner_user_id"`
	OrgID            string                 `json:"org_id"`
	SessionID        string                 `json:"session_id,omitempty"`
	Status           string                 `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Results          []StepResult           `json:"results,omitempty"`
	InitialMessage   string                 `json:"initial_message"`
	InitialContext   map[string]interface{} `json:"initial_context,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
}

// Context is the envelope augmentation returned alongside step results.
type Context struct {
	WorkflowID      string `json:"workflow_id"`
	Step            string `json:"step"` // "k/N"
	StepName        string `json:"step_name,omitempty"`
	NextStepName    string `json:"next_step_name,omitempty"`
	ProgressPercent int    `json:"progress_percent"`
}

// Outcome is what start, continue, and approve hand back to the shell.
type Outcome struct {
	WorkflowID       string      `json:"workflow_id"`
	Status           string      `json:"status"`
	StepResult       *StepResult `json:"step_result,omitempty"`
	WorkflowContext  *Context    `json:"workflow_context"`
	SuggestedActions []string    `json:"suggested_actions,omitempty"`
}
