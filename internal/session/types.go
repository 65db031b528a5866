package session

import (
	"time"

	"github.com/opsmith-ai/opsmith/internal/identity"
)

// Context size bounds.
const (
	maxRecentAgents = 10
	maxRecentTopics = 15
	favoriteTopK    = 5
	summaryDepth    = 5
)

// ConversationEntry is one turn of a conversation. Entries are append-only;
// the per-session ring keeps only the newest N.
type ConversationEntry struct {
	Timestamp          time.Time `json:"timestamp"`
	UserMessage        string    `json:"user_message"`
	AgentMessage       string    `json:"agent_message"`
	AgentName          string    `json:"agent_name"`
	Intent             string    `json:"intent,omitempty"`
	Confidence         float64   `json:"confidence"`
	SideEffectsSummary string    `json:"side_effects_summary,omitempty"`
	RealExecution      bool      `json:"real_execution"`
}

// Context is the derived working set, rebuilt on every append.
type Context struct {
	RecentAgents      []string `json:"recent_agents,omitempty"`
	RecentTopics      []string `json:"recent_topics,omitempty"`
	CurrentWorkflowID string   `json:"current_workflow_id,omitempty"`
	PendingApprovals  []string `json:"pending_approvals,omitempty"`
	FavoriteAgents    []string `json:"favorite_agents,omitempty"`
	Summary           string   `json:"summary,omitempty"`
}

// Session is a durable conversational context owned by one user in one org.
type Session struct {
	ID             string              `json:"session_id"`
	UserID         string              `json:"user_id"`
	OrgID          string              `json:"org_id"`
	CreatedAt      time.Time           `json:"created_at"`
	LastActivityAt time.Time           `json:"last_activity_at"`
	MessageCount   int                 `json:"message_count"`
	History        []ConversationEntry `json:"history,omitempty"`
	Context        Context             `json:"context"`
	Preferences    identity.JSONMap    `json:"preferences,omitempty"`
}

// clone returns a deep copy. The cache hands out copies so concurrent
// readers never share state with a mutation in flight.
func (s *Session) clone() *Session {
	out := *s
	out.History = append([]ConversationEntry(nil), s.History...)
	out.Context = s.Context.clone()
	if s.Preferences != nil {
		out.Preferences = make(identity.JSONMap, len(s.Preferences))
		for k, v := range s.Preferences {
			out.Preferences[k] = v
		}
	}
	return &out
}

func (c Context) clone() Context {
	c.RecentAgents = append([]string(nil), c.RecentAgents...)
	c.RecentTopics = append([]string(nil), c.RecentTopics...)
	c.PendingApprovals = append([]string(nil), c.PendingApprovals...)
	c.FavoriteAgents = append([]string(nil), c.FavoriteAgents...)
	return c
}

// Insights is the per-user aggregate over all live sessions.
type Insights struct {
	UserID         string           `json:"user_id"`
	SessionCount   int              `json:"session_count"`
	MessageCount   int              `json:"message_count"`
	FavoriteAgents []string         `json:"favorite_agents,omitempty"`
	TopIntents     []string         `json:"top_intents,omitempty"`
	AgentUsage     map[string]int64 `json:"agent_usage,omitempty"`
}
