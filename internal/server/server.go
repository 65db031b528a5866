// Package server is the request shell: the single entry path composing auth
// verification, tenant resolution, quota charging, permission checks, and
// routing into agents and workflows. Downstream components never see the
// bearer token, only the resolved tenant context.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/agents"
	"github.com/opsmith-ai/opsmith/internal/auth"
	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/features"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/session"
	"github.com/opsmith-ai/opsmith/internal/tenancy"
	"github.com/opsmith-ai/opsmith/internal/workflow"
)

// Server wires every component behind the HTTP surface.
type Server struct {
	cfg        config.ServerConfig
	auth       *auth.Service
	tenants    *tenancy.Manager
	quotas     *quota.Engine
	perms      *permissions.Evaluator
	sessions   *session.Manager
	registry   *agents.Registry
	dispatcher *agents.Dispatcher
	workflows  *workflow.Engine
	features   *features.Service
	logger     *zap.Logger

	httpServer *http.Server
}

// Deps collects the services the shell composes.
type Deps struct {
	Auth       *auth.Service
	Tenants    *tenancy.Manager
	Quotas     *quota.Engine
	Perms      *permissions.Evaluator
	Sessions   *session.Manager
	Registry   *agents.Registry
	Dispatcher *agents.Dispatcher
	Workflows  *workflow.Engine
	Features   *features.Service
}

// New builds the server.
func New(cfg config.ServerConfig, deps Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		auth:       deps.Auth,
		tenants:    deps.Tenants,
		quotas:     deps.Quotas,
		perms:      deps.Perms,
		sessions:   deps.Sessions,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		workflows:  deps.Workflows,
		features:   deps.Features,
		logger:     logger,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public surface.
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Authenticated surface.
	mux.HandleFunc("POST /auth/logout", s.authed(s.handleLogout))
	mux.HandleFunc("POST /auth/change-password", s.authed(s.handleChangePassword))
	mux.HandleFunc("GET /auth/profile", s.authed(s.handleProfile))
	mux.HandleFunc("POST /auth/mfa/enroll", s.authed(s.handleMFAEnroll))
	mux.HandleFunc("POST /auth/mfa/verify", s.authed(s.handleMFAVerify))

	mux.HandleFunc("POST /chat", s.authed(s.handleChat))
	mux.HandleFunc("GET /chat/history", s.authed(s.handleChatHistory))
	mux.HandleFunc("DELETE /chat/history", s.authed(s.handleChatClear))

	mux.HandleFunc("POST /workflow/start", s.authed(s.handleWorkflowStart))
	mux.HandleFunc("POST /workflow/{id}/continue", s.authed(s.handleWorkflowContinue))
	mux.HandleFunc("POST /workflow/{id}/approve", s.authed(s.handleWorkflowApprove))
	mux.HandleFunc("GET /workflow/{id}", s.authed(s.handleWorkflowStatus))
	mux.HandleFunc("DELETE /workflow/{id}", s.authed(s.handleWorkflowCancel))
	mux.HandleFunc("GET /workflow/templates", s.authed(s.handleWorkflowTemplates))

	mux.HandleFunc("GET /agents/status", s.authed(s.handleAgentsStatus))

	mux.HandleFunc("GET /features/{org_id}", s.authed(s.handleFeatures))
	mux.HandleFunc("POST /features/{org_id}/{feature}", s.authed(s.handleFeatureToggle))
	mux.HandleFunc("GET /onboarding/{org_id}", s.authed(s.handleOnboarding))
	mux.HandleFunc("POST /onboarding/{org_id}/complete", s.authed(s.handleOnboardingComplete))
	mux.HandleFunc("GET /customer-success/analytics/{org_id}", s.authed(s.handleAnalytics))

	return http.TimeoutHandler(mux, s.cfg.RequestTimeout, `{"error":{"message":"request timed out","code":504,"kind":"AgentTimeout"}}`)
}

// Start runs the listener until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		s.logger.Info("Draining HTTP server")
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
