package server

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/session"
	"github.com/opsmith-ai/opsmith/internal/workflow"
)

func (s *Server) agentMeta(r *http.Request, sessionID string) agents.Meta {
	tctx := tenantFrom(r)
	return agents.Meta{
		UserID:    tctx.User.ID,
		OrgID:     tctx.Org.ID,
		Roles:     tctx.Roles,
		SessionID: sessionID,
	}
}

// startWorkflow is shared between POST /workflow/start and chat routing.
func (s *Server) startWorkflow(r *http.Request, templateType, message string, initialContext map[string]interface{}, sessionID string) (*workflow.Outcome, error) {
	tctx := tenantFrom(r)
	meta := workflow.StartMeta{
		UserID:    tctx.User.ID,
		OrgID:     tctx.Org.ID,
		Roles:     tctx.Roles,
		SessionID: sessionID,
	}
	outcome, err := s.workflows.Start(r.Context(), templateType, meta, message, initialContext)
	if err != nil {
		return nil, err
	}

	if sessionID != "" {
		workflowID := outcome.WorkflowID
		if err := s.sessions.UpdateContext(r.Context(), tctx.Org.ID, sessionID, func(c *session.Context) {
			c.CurrentWorkflowID = workflowID
		}); err != nil {
			s.logger.Warn("Failed to stamp workflow on session", zap.Error(err))
		}
	}
	return outcome, nil
}

func (s *Server) handleWorkflowStart(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	if err := s.requirePermission(r, permissions.ResourceWorkflows, permissions.ActionExecute); err != nil {
		writeError(w, err, ref)
		return
	}
	var req struct {
		Type      string                 `json:"type"`
		Message   string                 `json:"message"`
		SessionID string                 `json:"session_id,omitempty"`
		Context   map[string]interface{} `json:"context,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, ref)
		return
	}

	templateType := req.Type
	if templateType == "" {
		detected, ok := s.workflows.DetectIntent(req.Message)
		if !ok {
			writeError(w, platerr.New(platerr.KindInvalidInput,
				"no workflow type given and none matched the message"), ref)
			return
		}
		templateType = detected
	}

	outcome, err := s.startWorkflow(r, templateType, req.Message, req.Context, req.SessionID)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusCreated, outcome, ref)
}

func (s *Server) handleWorkflowContinue(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	var req struct {
		Message   string `json:"message,omitempty"`
		SessionID string `json:"session_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err, ref)
			return
		}
	}
	tctx := tenantFrom(r)
	outcome, err := s.workflows.Continue(r.Context(), tctx.Org.ID, r.PathValue("id"),
		req.Message, s.agentMeta(r, req.SessionID))
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, outcome, ref)
}

func (s *Server) handleWorkflowApprove(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	if err := s.requirePermission(r, permissions.ResourceWorkflows, permissions.ActionApprove); err != nil {
		writeError(w, err, ref)
		return
	}
	var req struct {
		Decision  string `json:"decision"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, ref)
		return
	}
	tctx := tenantFrom(r)
	outcome, err := s.workflows.Approve(r.Context(), tctx.Org.ID, r.PathValue("id"),
		req.Decision, s.agentMeta(r, req.SessionID))
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, outcome, ref)
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	tctx := tenantFrom(r)
	inst, outcome, err := s.workflows.Status(r.Context(), tctx.Org.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"workflow": inst,
		"outcome":  outcome,
	}, ref)
}

func (s *Server) handleWorkflowCancel(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	tctx := tenantFrom(r)
	outcome, err := s.workflows.Cancel(r.Context(), tctx.Org.ID, r.PathValue("id"))
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, outcome, ref)
}

func (s *Server) handleWorkflowTemplates(w http.ResponseWriter, r *http.Request) {
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"templates": s.workflows.Templates(),
	}, s.tenantRefFor(r))
}
