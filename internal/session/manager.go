// Package session keeps durable conversational state per (user, org) with a
// bounded history ring and a derived working context. Sessions live in the
// KV store under their idle TTL; a local LRU cache fronts reads.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

// Manager owns session lifecycle and the per-user agent usage counters that
// feed favorites.
type Manager struct {
	store      storage.Store
	cache      *sessionCache
	idleTTL    time.Duration
	historyCap int
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates the session manager.
func NewManager(store storage.Store, idleTTL time.Duration, historyCap int, logger *zap.Logger) *Manager {
	return &Manager{
		store:      store,
		cache:      newSessionCache(1024, 30*time.Second),
		idleTTL:    idleTTL,
		historyCap: historyCap,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}
}

func sessionKey(id string) string   { return "session:" + id }
func usageKey(userID string) string { return "usage:agents:" + userID }

// lockFor serializes mutations per session.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	if s := m.cache.get(sessionID); s != nil {
		return s, nil
	}
	raw, err := m.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, platerr.New(platerr.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("corrupt session document: %w", err)
	}
	m.cache.put(&s)
	return &s, nil
}

func (m *Manager) persist(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Put(ctx, sessionKey(s.ID), raw, m.idleTTL); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	m.cache.put(s)
	return nil
}

// guard enforces tenant isolation on every session access.
func guard(s *Session, orgID string) error {
	if s.OrgID != orgID {
		return platerr.New(platerr.KindForbidden, "session belongs to another org")
	}
	return nil
}

// GetOrCreate returns the named session, or allocates one when sessionID is
// empty or unknown.
func (m *Manager) GetOrCreate(ctx context.Context, userID, orgID, sessionID string) (*Session, error) {
	if sessionID != "" {
		s, err := m.load(ctx, sessionID)
		if err == nil {
			if err := guard(s, orgID); err != nil {
				return nil, err
			}
			return s, nil
		}
		if !platerr.IsKind(err, platerr.KindNotFound) {
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             sessionID,
		UserID:         userID,
		OrgID:          orgID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	m.logger.Info("Session created",
		zap.String("session_id", sessionID),
		zap.String("org_id", orgID))
	return s, nil
}

// Append records one conversation turn: bounds the history ring, stamps
// activity, bumps the user's agent usage counter, and rebuilds the derived
// context.
func (m *Manager) Append(ctx context.Context, orgID, sessionID string, entry ConversationEntry) (*Session, error) {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := guard(s, orgID); err != nil {
		return nil, err
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.History = append(s.History, entry)
	if len(s.History) > m.historyCap {
		s.History = s.History[len(s.History)-m.historyCap:]
	}
	s.MessageCount++
	s.LastActivityAt = entry.Timestamp

	usage, err := m.bumpAgentUsage(ctx, s.UserID, entry.AgentName)
	if err != nil {
		return nil, err
	}
	m.rebuildContext(s, usage)

	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuildContext derives the working set from the history and usage counters.
func (m *Manager) rebuildContext(s *Session, usage map[string]int64) {
	if latest := s.History[len(s.History)-1]; latest.AgentName != "" {
		s.Context.RecentAgents = moveToFront(s.Context.RecentAgents, latest.AgentName, maxRecentAgents)
	}
	if latest := s.History[len(s.History)-1]; latest.Intent != "" {
		s.Context.RecentTopics = moveToFront(s.Context.RecentTopics, latest.Intent, maxRecentTopics)
	}
	s.Context.FavoriteAgents = topK(usage, favoriteTopK)
	s.Context.Summary = summarize(s.History)
}

// UpdateContext applies a mutation to the derived context under the session
// lock; used by the workflow engine for current_workflow_id and approvals.
func (m *Manager) UpdateContext(ctx context.Context, orgID, sessionID string, mutate func(*Context)) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := guard(s, orgID); err != nil {
		return err
	}
	mutate(&s.Context)
	return m.persist(ctx, s)
}

// SetPendingApproval records or clears a workflow in the session's pending
// approvals list. Recording is idempotent; clearing an absent entry is a
// no-op.
func (m *Manager) SetPendingApproval(ctx context.Context, orgID, sessionID, workflowID string, pending bool) error {
	return m.UpdateContext(ctx, orgID, sessionID, func(c *Context) {
		if pending {
			if !contains(c.PendingApprovals, workflowID) {
				c.PendingApprovals = append(c.PendingApprovals, workflowID)
			}
			return
		}
		var kept []string
		for _, id := range c.PendingApprovals {
			if id != workflowID {
				kept = append(kept, id)
			}
		}
		c.PendingApprovals = kept
	})
}

// History returns the newest entries up to limit; zero means all retained.
func (m *Manager) History(ctx context.Context, orgID, sessionID string, limit int) ([]ConversationEntry, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := guard(s, orgID); err != nil {
		return nil, err
	}
	history := s.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// Clear wipes the history and derived context but keeps the session alive.
func (m *Manager) Clear(ctx context.Context, orgID, sessionID string) error {
	lock := m.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s, err := m.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := guard(s, orgID); err != nil {
		return err
	}
	s.History = nil
	s.Context = Context{}
	s.MessageCount = 0
	return m.persist(ctx, s)
}

// PurgeIdle removes sessions whose last activity predates the horizon.
func (m *Manager) PurgeIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	pairs, err := m.store.Scan(ctx, "session:")
	if err != nil {
		return 0, fmt.Errorf("failed to scan sessions: %w", err)
	}
	horizon := time.Now().Add(-olderThan)
	purged := 0
	for key, raw := range pairs {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.LastActivityAt.Before(horizon) {
			if err := m.store.Delete(ctx, key); err != nil {
				return purged, err
			}
			m.cache.remove(s.ID)
			purged++
		}
	}
	if purged > 0 {
		metrics.SessionsPurged.Add(float64(purged))
		m.logger.Info("Idle sessions purged", zap.Int("count", purged))
	}
	return purged, nil
}

// PurgeOrg removes every session of an org; part of org deletion.
func (m *Manager) PurgeOrg(ctx context.Context, orgID string) error {
	pairs, err := m.store.Scan(ctx, "session:")
	if err != nil {
		return fmt.Errorf("failed to scan sessions: %w", err)
	}
	for key, raw := range pairs {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.OrgID == orgID {
			if err := m.store.Delete(ctx, key); err != nil {
				return err
			}
			m.cache.remove(s.ID)
		}
	}
	return nil
}

// Insights aggregates a user's live sessions.
func (m *Manager) Insights(ctx context.Context, userID string) (*Insights, error) {
	pairs, err := m.store.Scan(ctx, "session:")
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	out := &Insights{UserID: userID}
	intents := make(map[string]int64)
	for _, raw := range pairs {
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s.UserID != userID {
			continue
		}
		out.SessionCount++
		out.MessageCount += s.MessageCount
		for _, e := range s.History {
			if e.Intent != "" {
				intents[e.Intent]++
			}
		}
	}

	usage, err := m.agentUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	out.AgentUsage = usage
	out.FavoriteAgents = topK(usage, favoriteTopK)
	out.TopIntents = topK(intents, favoriteTopK)
	return out, nil
}

func (m *Manager) agentUsage(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := m.store.Get(ctx, usageKey(userID))
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load agent usage: %w", err)
	}
	var usage map[string]int64
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil, fmt.Errorf("corrupt agent usage: %w", err)
	}
	return usage, nil
}

func (m *Manager) bumpAgentUsage(ctx context.Context, userID, agentName string) (map[string]int64, error) {
	usage, err := m.agentUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	if agentName == "" {
		return usage, nil
	}
	usage[agentName]++
	raw, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent usage: %w", err)
	}
	if err := m.store.Put(ctx, usageKey(userID), raw, 0); err != nil {
		return nil, fmt.Errorf("failed to persist agent usage: %w", err)
	}
	return usage, nil
}

// moveToFront applies LRU discipline to a bounded string list.
func moveToFront(items []string, v string, limit int) []string {
	out := make([]string, 0, len(items)+1)
	out = append(out, v)
	for _, item := range items {
		if item != v {
			out = append(out, item)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// topK returns the highest-count keys, ties broken alphabetically for
// deterministic output.
func topK(counts map[string]int64, k int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > k {
		keys = keys[:k]
	}
	return keys
}

// summarize digests the newest entries into one short line.
func summarize(history []ConversationEntry) string {
	if len(history) == 0 {
		return ""
	}
	start := len(history) - summaryDepth
	if start < 0 {
		start = 0
	}
	var agents, intents []string
	for _, e := range history[start:] {
		if e.AgentName != "" && !contains(agents, e.AgentName) {
			agents = append(agents, e.AgentName)
		}
		if e.Intent != "" && !contains(intents, e.Intent) {
			intents = append(intents, e.Intent)
		}
	}
	parts := make([]string, 0, 2)
	if len(agents) > 0 {
		parts = append(parts, "agents: "+strings.Join(agents, ", "))
	}
	if len(intents) > 0 {
		parts = append(parts, "topics: "+strings.Join(intents, ", "))
	}
	return strings.Join(parts, "; ")
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}
