package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/session"
)

type chatRequest struct {
	Message   string                 `json:"message"`
	SessionID string                 `json:"session_id,omitempty"`
	Agent     string                 `json:"agent,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// handleChat is the single-turn route: an explicit agent wins, otherwise a
// keyword match starts a workflow, otherwise the caller is asked to pick.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, ref)
		return
	}
	if req.Message == "" {
		writeError(w, platerr.New(platerr.KindInvalidInput, "message is required"), ref)
		return
	}
	tctx := tenantFrom(r)

	sess, err := s.sessions.GetOrCreate(r.Context(), tctx.User.ID, tctx.Org.ID, req.SessionID)
	if err != nil {
		writeError(w, err, ref)
		return
	}

	if req.Agent != "" {
		s.chatDispatch(w, r, req, sess.ID)
		return
	}
	if templateType, ok := s.workflows.DetectIntent(req.Message); ok {
		s.chatStartWorkflow(w, r, req, sess.ID, templateType)
		return
	}
	writeError(w, platerr.New(platerr.KindInvalidInput,
		"no agent given and no workflow matched; set \"agent\" or describe a workflow"), ref)
}

func (s *Server) chatDispatch(w http.ResponseWriter, r *http.Request, req chatRequest, sessionID string) {
	ref := s.tenantRefFor(r)
	if err := s.requirePermission(r, permissions.ResourceAgents, permissions.ActionExecute); err != nil {
		writeError(w, err, ref)
		return
	}
	tctx := tenantFrom(r)

	input := map[string]interface{}{"message": req.Message}
	for k, v := range req.Context {
		if _, taken := input[k]; !taken {
			input[k] = v
		}
	}
	meta := agents.Meta{
		UserID:    tctx.User.ID,
		OrgID:     tctx.Org.ID,
		Roles:     tctx.Roles,
		SessionID: sessionID,
		Message:   req.Message,
	}
	result, err := s.dispatcher.Invoke(r.Context(), req.Agent, input, 0, meta)
	if err != nil {
		writeError(w, err, ref)
		return
	}

	entry := session.ConversationEntry{
		Timestamp:          time.Now().UTC(),
		UserMessage:        req.Message,
		AgentMessage:       result.Message,
		AgentName:          result.AgentName,
		Intent:             result.Intent,
		Confidence:         result.Confidence,
		SideEffectsSummary: strings.Join(result.SideEffects, "; "),
		RealExecution:      result.RealExecution,
	}
	if _, err := s.sessions.Append(r.Context(), tctx.Org.ID, sessionID, entry); err != nil {
		writeError(w, err, ref)
		return
	}

	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"agent":      req.Agent,
		"response":   result,
	}, ref)
}

func (s *Server) chatStartWorkflow(w http.ResponseWriter, r *http.Request, req chatRequest, sessionID, templateType string) {
	ref := s.tenantRefFor(r)
	if err := s.requirePermission(r, permissions.ResourceWorkflows, permissions.ActionExecute); err != nil {
		writeError(w, err, ref)
		return
	}
	tctx := tenantFrom(r)

	outcome, err := s.startWorkflow(r, templateType, req.Message, req.Context, sessionID)
	if err != nil {
		writeError(w, err, ref)
		return
	}

	entry := session.ConversationEntry{
		Timestamp:    time.Now().UTC(),
		UserMessage:  req.Message,
		AgentMessage: "Workflow started: " + templateType,
		AgentName:    "workflow_engine",
		Intent:       templateType,
	}
	if _, err := s.sessions.Append(r.Context(), tctx.Org.ID, sessionID, entry); err != nil {
		writeError(w, err, ref)
		return
	}

	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"workflow":   outcome,
	}, ref)
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, platerr.New(platerr.KindInvalidInput, "session_id is required"), ref)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, platerr.New(platerr.KindInvalidInput, "limit must be a non-negative integer"), ref)
			return
		}
		limit = n
	}

	tctx := tenantFrom(r)
	entries, err := s.sessions.History(r.Context(), tctx.Org.ID, sessionID, limit)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"entries":    entries,
	}, ref)
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, platerr.New(platerr.KindInvalidInput, "session_id is required"), ref)
		return
	}
	tctx := tenantFrom(r)
	if err := s.sessions.Clear(r.Context(), tctx.Org.ID, sessionID); err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK,
		map[string]interface{}{"cleared": true}, ref)
}
