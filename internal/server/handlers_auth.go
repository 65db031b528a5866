package server

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/opsmith-ai/opsmith/internal/auth"
	"github.com/opsmith-ai/opsmith/internal/platerr"
)

func decodeBody(r *http.Request, into interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return platerr.New(platerr.KindInvalidInput, "malformed request body")
	}
	return nil
}

// clientKey identifies the caller for lockout purposes: the remote address
// unless a proxy supplied X-Forwarded-For.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	requestID := nextRequestID()
	var req auth.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeData(w, requestID, http.StatusCreated, map[string]interface{}{"user": user},
		&tenantRef{OrgID: user.OrgID, UserID: user.ID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := nextRequestID()
	var req struct {
		Identifier string `json:"identifier"`
		Email      string `json:"email"`
		Password   string `json:"password"`
		MFACode    string `json:"mfa_code"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	identifier := req.Identifier
	if identifier == "" {
		identifier = req.Email
	}

	pair, user, err := s.auth.Login(r.Context(), identifier, req.Password, clientKey(r), req.MFACode)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeData(w, requestID, http.StatusOK, map[string]interface{}{
		"tokens": pair,
		"user":   user,
	}, &tenantRef{OrgID: user.OrgID, UserID: user.ID})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	requestID := nextRequestID()
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, nil)
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeData(w, requestID, http.StatusOK, map[string]interface{}{"tokens": pair}, nil)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.ExtractBearerToken(r.Header.Get("Authorization"))
	if err := s.auth.Logout(r.Context(), token); err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK,
		map[string]interface{}{"logged_out": true}, s.tenantRefFor(r))
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	claims := claimsFrom(r)
	if err := s.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK,
		map[string]interface{}{"changed": true}, s.tenantRefFor(r))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	tctx := tenantFrom(r)
	writeData(w, requestIDFrom(r), http.StatusOK, map[string]interface{}{
		"user":        tctx.User,
		"org":         tctx.Org,
		"teams":       tctx.Teams,
		"roles":       tctx.Roles,
		"permissions": tctx.Permissions,
	}, s.tenantRefFor(r))
}

func (s *Server) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	enrollment, err := s.auth.MFAEnroll(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK, enrollment, s.tenantRefFor(r))
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	claims := claimsFrom(r)
	if err := s.auth.MFAVerify(r.Context(), claims.Subject, req.Code); err != nil {
		writeError(w, err, s.tenantRefFor(r))
		return
	}
	writeData(w, requestIDFrom(r), http.StatusOK,
		map[string]interface{}{"mfa_enrolled": true}, s.tenantRefFor(r))
}
