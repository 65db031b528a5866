package server

import (
	"net/http"

	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
)

func (s *Server) handleAgentsStatus(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	if err := s.requirePermission(r, permissions.ResourceAgents, permissions.ActionView); err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"agents": s.registry.List(),
	}, ref)
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	orgID := r.PathValue("org_id")
	if err := s.requireOrgMatch(r, orgID); err != nil {
		writeError(w, err, ref)
		return
	}
	flags, err := s.features.EffectiveFlags(r.Context(), orgID)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"org_id": orgID,
		"flags":  flags,
	}, ref)
}

func (s *Server) handleFeatureToggle(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	orgID := r.PathValue("org_id")
	feature := r.PathValue("feature")
	if err := s.requireOrgMatch(r, orgID); err != nil {
		writeError(w, err, ref)
		return
	}
	if err := s.requirePermission(r, permissions.ResourceFeatureFlags, permissions.ActionUpdate); err != nil {
		writeError(w, err, ref)
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, ref)
		return
	}
	if req.Enabled == nil {
		// Absent means fall back to rollout rules.
		if err := s.features.ClearFlag(r.Context(), orgID, feature); err != nil {
			writeError(w, err, ref)
			return
		}
	} else if err := s.features.SetFlag(r.Context(), orgID, feature, *req.Enabled); err != nil {
		writeError(w, err, ref)
		return
	}

	enabled, err := s.features.Enabled(r.Context(), orgID, feature)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"org_id":  orgID,
		"feature": feature,
		"enabled": enabled,
	}, ref)
}

func (s *Server) handleOnboarding(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	orgID := r.PathValue("org_id")
	if err := s.requireOrgMatch(r, orgID); err != nil {
		writeError(w, err, ref)
		return
	}
	record, err := s.features.StartOnboarding(r.Context(), orgID, nil)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	completed, total := record.Progress()
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"onboarding":       record,
		"completed_tasks":  completed,
		"total_tasks":      total,
		"progress_percent": record.ProgressPercent(),
	}, ref)
}

func (s *Server) handleOnboardingComplete(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	orgID := r.PathValue("org_id")
	if err := s.requireOrgMatch(r, orgID); err != nil {
		writeError(w, err, ref)
		return
	}
	var req struct {
		Stage string `json:"stage"`
		Task  string `json:"task"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, ref)
		return
	}
	if req.Stage == "" || req.Task == "" {
		writeError(w, platerr.New(platerr.KindInvalidInput, "stage and task are required"), ref)
		return
	}
	record, err := s.features.CompleteTask(r.Context(), orgID, req.Stage, req.Task)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"onboarding":       record,
		"progress_percent": record.ProgressPercent(),
	}, ref)
}

// handleAnalytics is the customer-success usage rollup: quota consumption
// against limits plus session insights for the caller.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	ref := s.tenantRefFor(r)
	orgID := r.PathValue("org_id")
	if err := s.requireOrgMatch(r, orgID); err != nil {
		writeError(w, err, ref)
		return
	}
	if err := s.requirePermission(r, permissions.ResourceAnalytics, permissions.ActionView); err != nil {
		writeError(w, err, ref)
		return
	}

	usage, err := s.quotas.Usage(r.Context(), orgID)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	limits, err := s.tenants.Limits(r.Context(), orgID)
	if err != nil {
		writeError(w, err, ref)
		return
	}
	tctx := tenantFrom(r)
	insights, err := s.sessions.Insights(r.Context(), tctx.User.ID)
	if err != nil {
		writeError(w, err, ref)
		return
	}

	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"org_id":   orgID,
		"usage":    usage,
		"limits":   limits,
		"insights": insights,
	}, ref)
}
