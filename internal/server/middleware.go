package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/auth"
	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/quota"
	"github.com/opsmith-ai/opsmith/internal/tenancy"
)

type ctxKey int

const (
	ctxKeyClaims ctxKey = iota
	ctxKeyTenant
	ctxKeyRequestID
)

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(ctxKeyClaims).(*auth.Claims)
	return claims
}

func tenantFrom(r *http.Request) *tenancy.TenantContext {
	tc, _ := r.Context().Value(ctxKeyTenant).(*tenancy.TenantContext)
	return tc
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyRequestID).(string)
	return id
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// authed wraps a handler with the shell pipeline: verify bearer token,
// resolve tenant context, charge the hourly API quota. A failure at any
// stage short-circuits without charging anything downstream of it.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := nextRequestID()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		route := r.Method + " " + r.URL.Path

		defer func() {
			metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}()

		token, err := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(rec, err, nil)
			return
		}
		claims, err := s.auth.Verify(r.Context(), token)
		if err != nil {
			writeError(rec, err, nil)
			return
		}

		tctx, err := s.tenants.GetTenantContext(r.Context(), claims.Subject)
		if err != nil {
			writeError(rec, err, &tenantRef{UserID: claims.Subject})
			return
		}
		ref := &tenantRef{OrgID: tctx.Org.ID, UserID: claims.Subject}

		decision, err := s.quotas.CheckAndConsume(r.Context(), tctx.Org.ID, quota.ResourceAPICallsPerHour, 1)
		if err != nil {
			writeError(rec, err, ref)
			return
		}
		if !decision.Admitted {
			writeError(rec, platerr.New(platerr.KindQuotaExceeded, "hourly API call limit reached"), ref)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		ctx = context.WithValue(ctx, ctxKeyTenant, tctx)
		ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
		next(rec, r.WithContext(ctx))
	}
}

// requirePermission runs the evaluator for the caller; handlers call it
// before acting on protected resources.
func (s *Server) requirePermission(r *http.Request, resource, action string) error {
	tctx := tenantFrom(r)
	sub := permissions.Subject{
		UserID: tctx.User.ID,
		OrgID:  tctx.Org.ID,
		Roles:  tctx.Roles,
	}
	decision := s.perms.Allowed(sub, resource, action)
	if !decision.Allow {
		s.logger.Info("Permission denied",
			zap.String("user_id", sub.UserID),
			zap.String("resource", resource),
			zap.String("action", action),
			zap.String("reason", decision.Reason))
		return platerr.New(platerr.KindForbidden, "%s", decision.Reason)
	}
	return nil
}

// requireOrgMatch rejects callers addressing another org unless they hold an
// admin role.
func (s *Server) requireOrgMatch(r *http.Request, orgID string) error {
	tctx := tenantFrom(r)
	if tctx.Org.ID == orgID {
		return nil
	}
	for _, role := range tctx.Roles {
		if role == permissions.RoleSuperAdmin {
			return nil
		}
	}
	return platerr.New(platerr.KindForbidden, "resource belongs to another org")
}

func (s *Server) tenantRefFor(r *http.Request) *tenantRef {
	tctx := tenantFrom(r)
	if tctx == nil {
		return nil
	}
	return &tenantRef{OrgID: tctx.Org.ID, UserID: tctx.User.ID}
}
