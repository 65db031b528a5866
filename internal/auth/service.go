// Package auth covers credential verification, token issuance and
// revocation, login throttling, and MFA enrollment.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/identity"
	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
)

const kdfName = "bcrypt"

// OrgProvisioner is the slice of tenancy the auth service needs at
// registration time.
type OrgProvisioner interface {
	// ProvisionOrg creates an organization owned by the given user.
	ProvisionOrg(ctx context.Context, name, domain, ownerUserID string) (orgID string, err error)
	// DefaultOrgID returns the shared org that unaffiliated registrations join.
	DefaultOrgID(ctx context.Context) (string, error)
}

// Service implements registration, login, token lifecycle, and MFA hooks.
type Service struct {
	users    *identity.Store
	tokens   *TokenManager
	revoked  *RevocationSet
	attempts *AttemptLog
	orgs     OrgProvisioner
	cfg      config.AuthConfig
	logger   *zap.Logger
}

// NewService wires the auth service.
func NewService(users *identity.Store, tokens *TokenManager, revoked *RevocationSet,
	attempts *AttemptLog, orgs OrgProvisioner, cfg config.AuthConfig, logger *zap.Logger) *Service {
	return &Service{
		users:    users,
		tokens:   tokens,
		revoked:  revoked,
		attempts: attempts,
		orgs:     orgs,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterRequest carries the registration inputs.
type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
	OrgName  string `json:"org_name,omitempty"`
}

// Register validates the password policy, creates the user, and either
// provisions a new org owned by the user or attaches to the default org.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*identity.User, error) {
	if err := ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if req.Username == "" {
		return nil, platerr.New(platerr.KindInvalidInput, "username is required")
	}
	if err := ValidatePassword(s.cfg.PasswordPolicy, req.Password); err != nil {
		return nil, err
	}

	cost := bcrypt.DefaultCost
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), cost)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindInternal, err, "failed to hash password")
	}

	user := &identity.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		Username:     req.Username,
		FullName:     req.FullName,
		KDFName:      kdfName,
		KDFCost:      cost,
		PasswordHash: string(hash),
		Active:       true,
		Preferences:  identity.JSONMap{},
	}

	if req.OrgName != "" {
		orgID, err := s.orgs.ProvisionOrg(ctx, req.OrgName, emailDomain(req.Email), user.ID)
		if err != nil {
			return nil, err
		}
		user.OrgID = orgID
		user.Roles = identity.StringList{permissions.RoleOrgOwner}
	} else {
		orgID, err := s.orgs.DefaultOrgID(ctx)
		if err != nil {
			return nil, err
		}
		user.OrgID = orgID
		user.Roles = identity.StringList{permissions.RoleTeamMember}
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("User registered",
		zap.String("user_id", user.ID),
		zap.String("org_id", user.OrgID))
	return user, nil
}

// Login verifies credentials behind the attempt log. Unknown users and wrong
// passwords produce the same error so callers cannot enumerate accounts.
// mfaCode is required once the user has completed MFA enrollment.
func (s *Service) Login(ctx context.Context, identifier, password, clientKey, mfaCode string) (*TokenPair, *identity.User, error) {
	locked, err := s.attempts.Locked(ctx, clientKey)
	if err != nil {
		return nil, nil, err
	}
	if locked {
		return nil, nil, platerr.New(platerr.KindRateLimited, "too many failed attempts")
	}

	user, err := s.users.GetByEmailOrUsername(ctx, identifier)
	if err != nil || !user.Active {
		return nil, nil, s.failLogin(ctx, clientKey)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, s.failLogin(ctx, clientKey)
	}
	if user.MFAEnrolled && !VerifyTOTP(user.MFASecret, mfaCode, time.Now()) {
		return nil, nil, s.failLogin(ctx, clientKey)
	}

	if err := s.attempts.Clear(ctx, clientKey); err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	if err := s.users.StampLastLogin(ctx, user.ID, now); err != nil {
		return nil, nil, err
	}
	user.LastLoginAt = &now

	pair, err := s.issuePair(user.ID, user.OrgID, user.TeamIDs, user.Roles,
		permissions.PermissionsForRoles(user.Roles))
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("User logged in", zap.String("user_id", user.ID))
	return pair, user, nil
}

func (s *Service) failLogin(ctx context.Context, clientKey string) error {
	if err := s.attempts.RecordFailure(ctx, clientKey); err != nil {
		s.logger.Warn("Failed to record login attempt", zap.Error(err))
	}
	return platerr.New(platerr.KindInvalidCredentials, "invalid credentials")
}

func (s *Service) issuePair(userID, orgID string, teamIDs, roles, perms []string) (*TokenPair, error) {
	access, _, err := s.tokens.Mint(TokenKindAccess, userID, orgID, teamIDs, roles, perms)
	if err != nil {
		return nil, err
	}
	refresh, _, err := s.tokens.Mint(TokenKindRefresh, userID, orgID, teamIDs, roles, perms)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues(TokenKindAccess).Inc()
	metrics.TokensIssued.WithLabelValues(TokenKindRefresh).Inc()
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.tokens.AccessTTL().Seconds()),
	}, nil
}

// checkRevocation rejects claims whose jti is revoked or whose issue instant
// falls under the user's cutoff.
func (s *Service) checkRevocation(ctx context.Context, claims *Claims) error {
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return err
	}
	if revoked {
		return platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	under, err := s.revoked.IssuedBeforeCutoff(ctx, claims.Subject, claims.IssuedAt.Time)
	if err != nil {
		return err
	}
	if under {
		return platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	return nil
}

// Verify validates an access token and returns its claims.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenKindAccess {
		return nil, platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new access token carrying the same
// claims with fresh timestamps. When rotation is on, the old refresh token is
// revoked and a replacement is issued alongside.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.Parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.Kind != TokenKindRefresh {
		return nil, platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	if err := s.checkRevocation(ctx, claims); err != nil {
		return nil, err
	}

	access, _, err := s.tokens.Mint(TokenKindAccess, claims.Subject, claims.OrgID,
		claims.TeamIDs, claims.Roles, claims.Permissions)
	if err != nil {
		return nil, err
	}
	metrics.TokensIssued.WithLabelValues(TokenKindAccess).Inc()

	pair := &TokenPair{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.AccessTTL().Seconds()),
	}

	if s.cfg.RotateRefresh {
		if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return nil, err
		}
		rotated, _, err := s.tokens.Mint(TokenKindRefresh, claims.Subject, claims.OrgID,
			claims.TeamIDs, claims.Roles, claims.Permissions)
		if err != nil {
			return nil, err
		}
		metrics.TokensIssued.WithLabelValues(TokenKindRefresh).Inc()
		pair.RefreshToken = rotated
	}
	return pair, nil
}

// Logout revokes the token. Revocation persists until expires_at plus skew,
// after which expiry itself rejects the token.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		if platerr.IsKind(err, platerr.KindTokenExpired) {
			return nil
		}
		return err
	}
	return s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time)
}

// ChangePassword re-hashes the credential after verifying the current one,
// then invalidates every outstanding token for the user.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)) != nil {
		return platerr.New(platerr.KindInvalidCredentials, "invalid credentials")
	}
	if err := ValidatePassword(s.cfg.PasswordPolicy, next); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return platerr.Wrap(platerr.KindInternal, err, "failed to hash password")
	}
	user.PasswordHash = string(hash)
	user.KDFName = kdfName
	user.KDFCost = bcrypt.DefaultCost
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	return s.revoked.RevokeUserBefore(ctx, userID, time.Now(), s.cfg.RefreshTokenTTL)
}

// MFAEnrollment is handed to the user exactly once.
type MFAEnrollment struct {
	Secret      string   `json:"secret"`
	BackupCodes []string `json:"backup_codes"`
}

// MFAEnroll issues a fresh TOTP secret. Enrollment stays pending until the
// user proves possession through MFAVerify.
func (s *Service) MFAEnroll(ctx context.Context, userID string) (*MFAEnrollment, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, platerr.Wrap(platerr.KindInternal, err, "failed to generate secret")
	}
	codes, err := GenerateBackupCodes(8)
	if err != nil {
		return nil, platerr.Wrap(platerr.KindInternal, err, "failed to generate backup codes")
	}

	user.MFASecret = secret
	user.MFAEnrolled = false
	if err := s.users.Update(ctx, user); err != nil {
		return nil, err
	}
	return &MFAEnrollment{Secret: secret, BackupCodes: codes}, nil
}

// MFAVerify confirms a pending enrollment with a valid code.
func (s *Service) MFAVerify(ctx context.Context, userID, code string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return platerr.New(platerr.KindInvalidInput, "mfa enrollment not started")
	}
	if !VerifyTOTP(user.MFASecret, code, time.Now()) {
		return platerr.New(platerr.KindInvalidCredentials, "invalid code")
	}
	if user.MFAEnrolled {
		return nil
	}
	user.MFAEnrolled = true
	if err := s.users.Update(ctx, user); err != nil {
		return err
	}
	s.logger.Info("MFA enrollment confirmed", zap.String("user_id", userID))
	return nil
}

// Profile returns the caller's user record.
func (s *Service) Profile(ctx context.Context, userID string) (*identity.User, error) {
	return s.users.GetByID(ctx, userID)
}

func emailDomain(email string) string {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[i+1:]
		}
	}
	return ""
}
