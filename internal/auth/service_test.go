package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/config"
	"github.com/opsmith-ai/opsmith/internal/identity"
	"github.com/opsmith-ai/opsmith/internal/permissions"
	"github.com/opsmith-ai/opsmith/internal/platerr"
)

type fakeOrgs struct{}

func (fakeOrgs) ProvisionOrg(ctx context.Context, name, domain, ownerUserID string) (string, error) {
	return "org-" + name, nil
}

func (fakeOrgs) DefaultOrgID(ctx context.Context) (string, error) {
	return "org-default", nil
}

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		SigningSecret:   "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		ClockSkew:       60 * time.Second,
		PasswordPolicy: config.PasswordPolicy{
			MinLength:      8,
			RequireUpper:   true,
			RequireLower:   true,
			RequireDigit:   true,
			RequireSpecial: true,
		},
		Lockout: config.LockoutConfig{MaxFailures: 5, Window: 15 * time.Minute},
	}
}

func newTestService(t *testing.T, mutate func(*config.AuthConfig)) *Service {
	t.Helper()

	cfg := testAuthConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	users, err := identity.NewStore(db, zap.NewNop())
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	tokens := NewTokenManager(cfg.SigningSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, cfg.ClockSkew)
	revoked := NewRevocationSet(client, cfg.ClockSkew, zap.NewNop())
	attempts := NewAttemptLog(client, cfg.Lockout.MaxFailures, cfg.Lockout.Window, zap.NewNop())

	return NewService(users, tokens, revoked, attempts, fakeOrgs{}, cfg, zap.NewNop())
}

func register(t *testing.T, svc *Service, email, username, password, orgName string) *identity.User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:    email,
		Username: username,
		Password: password,
		OrgName:  orgName,
	})
	require.NoError(t, err)
	return user
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		req  RegisterRequest
		kind platerr.Kind
	}{
		{"bad email", RegisterRequest{Email: "not-an-email", Username: "a", Password: "Str0ng!pw"}, platerr.KindInvalidEmail},
		{"too short", RegisterRequest{Email: "a@x.io", Username: "a", Password: "S1!a"}, platerr.KindWeakPassword},
		{"no upper", RegisterRequest{Email: "a@x.io", Username: "a", Password: "str0ng!pass"}, platerr.KindWeakPassword},
		{"no digit", RegisterRequest{Email: "a@x.io", Username: "a", Password: "Strong!pass"}, platerr.KindWeakPassword},
		{"no special", RegisterRequest{Email: "a@x.io", Username: "a", Password: "Str0ngpass"}, platerr.KindWeakPassword},
		{"deny list", RegisterRequest{Email: "a@x.io", Username: "a", Password: "P@ssword1"}, platerr.KindWeakPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tc.req)
			require.True(t, platerr.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestRegisterOrgAttachment(t *testing.T) {
	svc := newTestService(t, nil)

	owner := register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "Acme")
	require.Equal(t, "org-Acme", owner.OrgID)
	require.Equal(t, identity.StringList{permissions.RoleOrgOwner}, owner.Roles)

	member := register(t, svc, "bob@x.io", "bob", "Str0ng!pw", "")
	require.Equal(t, "org-default", member.OrgID)
	require.Equal(t, identity.StringList{permissions.RoleTeamMember}, member.Roles)
}

func TestRegisterDuplicate(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email: "alice@x.io", Username: "other", Password: "Str0ng!pw"})
	require.True(t, platerr.IsKind(err, platerr.KindUserExists))
}

func TestLoginSuccess(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "Acme")

	pair, user, err := svc.Login(context.Background(), "alice", "Str0ng!pw", "1.2.3.4", "")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)
	require.NotNil(t, user.LastLoginAt)

	claims, err := svc.Verify(context.Background(), pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.Subject)
	require.Equal(t, "org-Acme", claims.OrgID)
	require.Contains(t, claims.Permissions, "approve_workflows")
}

func TestLoginFailuresIndistinguishable(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	_, _, errUnknown := svc.Login(ctx, "nobody", "Str0ng!pw", "k1", "")
	_, _, errWrongPw := svc.Login(ctx, "alice", "wrong-password", "k1", "")

	require.True(t, platerr.IsKind(errUnknown, platerr.KindInvalidCredentials))
	require.True(t, platerr.IsKind(errWrongPw, platerr.KindInvalidCredentials))
	require.Equal(t, platerr.MessageOf(errUnknown), platerr.MessageOf(errWrongPw))
}

func TestLockoutAtExactThreshold(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := svc.Login(ctx, "alice", "wrong-password", "k1", "")
		require.True(t, platerr.IsKind(err, platerr.KindInvalidCredentials))
	}

	// Sixth attempt is rejected before credentials are checked, even when
	// the password is correct.
	_, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.True(t, platerr.IsKind(err, platerr.KindRateLimited))

	// A different client key is unaffected.
	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k2", "")
	require.NoError(t, err)
}

func TestLockoutWindowExpiry(t *testing.T) {
	svc := newTestService(t, func(cfg *config.AuthConfig) {
		cfg.Lockout.Window = 300 * time.Millisecond
	})
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.Login(ctx, "alice", "wrong-password", "k1", "")
	}
	_, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.True(t, platerr.IsKind(err, platerr.KindRateLimited))

	time.Sleep(400 * time.Millisecond)

	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)
}

func TestSuccessfulLoginClearsAttempts(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		svc.Login(ctx, "alice", "wrong-password", "k1", "")
	}
	_, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	// The counter restarted, so four more failures do not lock.
	for i := 0; i < 4; i++ {
		svc.Login(ctx, "alice", "wrong-password", "k1", "")
	}
	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)
}

func TestVerifyAfterLogout(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	_, err = svc.Verify(ctx, pair.AccessToken)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, pair.AccessToken))

	_, err = svc.Verify(ctx, pair.AccessToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))

	// Logout is idempotent.
	require.NoError(t, svc.Logout(ctx, pair.AccessToken))
}

func TestRefreshPreservesClaims(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "Acme")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	original, err := svc.tokens.Parse(pair.AccessToken)
	require.NoError(t, err)

	refreshed, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	next, err := svc.tokens.Parse(refreshed.AccessToken)
	require.NoError(t, err)

	require.Equal(t, original.Subject, next.Subject)
	require.Equal(t, original.OrgID, next.OrgID)
	require.Equal(t, original.TeamIDs, next.TeamIDs)
	require.Equal(t, original.Roles, next.Roles)
	require.Equal(t, original.Permissions, next.Permissions)
	require.Equal(t, TokenKindAccess, next.Kind)
	require.NotEqual(t, original.ID, next.ID)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc := newTestService(t, nil)
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.AccessToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))

	_, err = svc.Verify(ctx, pair.RefreshToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))
}

func TestRefreshRotation(t *testing.T) {
	svc := newTestService(t, func(cfg *config.AuthConfig) {
		cfg.RotateRefresh = true
	})
	register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	require.NotEmpty(t, rotated.RefreshToken)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The spent refresh token is revoked.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))

	// The rotated one still works.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestChangePassword(t *testing.T) {
	svc := newTestService(t, nil)
	user := register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, user.ID, "wrong-password", "N3w!passwd")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidCredentials))

	err = svc.ChangePassword(ctx, user.ID, "Str0ng!pw", "short")
	require.True(t, platerr.IsKind(err, platerr.KindWeakPassword))

	// Token issue timestamps are second-granular; make sure the cutoff
	// lands strictly after the login.
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, svc.ChangePassword(ctx, user.ID, "Str0ng!pw", "N3w!passwd"))

	_, err = svc.Verify(ctx, pair.AccessToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))

	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidCredentials))

	_, _, err = svc.Login(ctx, "alice", "N3w!passwd", "k2", "")
	require.NoError(t, err)
}

func TestUserCutoffCoversSameSecondTokens(t *testing.T) {
	svc := newTestService(t, nil)
	user := register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	pair, _, err := svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)
	claims, err := svc.Verify(ctx, pair.AccessToken)
	require.NoError(t, err)

	// A cutoff at the exact issue instant still revokes the token.
	require.NoError(t, svc.revoked.RevokeUserBefore(ctx, user.ID, claims.IssuedAt.Time, time.Hour))
	_, err = svc.Verify(ctx, pair.AccessToken)
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))
}

func TestMFAEnrollAndLogin(t *testing.T) {
	svc := newTestService(t, nil)
	user := register(t, svc, "alice@x.io", "alice", "Str0ng!pw", "")
	ctx := context.Background()

	enrollment, err := svc.MFAEnroll(ctx, user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, enrollment.Secret)
	require.Len(t, enrollment.BackupCodes, 8)

	// Enrollment is pending, so login still works without a code.
	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k1", "")
	require.NoError(t, err)

	err = svc.MFAVerify(ctx, user.ID, "000000")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidCredentials))

	code, err := totpAt(enrollment.Secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, svc.MFAVerify(ctx, user.ID, code))

	// Enrolled users must present a valid code.
	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k2", "")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidCredentials))

	code, err = totpAt(enrollment.Secret, time.Now())
	require.NoError(t, err)
	_, _, err = svc.Login(ctx, "alice", "Str0ng!pw", "k2", code)
	require.NoError(t, err)
}

func TestVerifyGarbageToken(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Verify(context.Background(), "not.a.token")
	require.True(t, platerr.IsKind(err, platerr.KindInvalidToken))
}

func TestExpiredToken(t *testing.T) {
	// A negative TTL mints a token that is already past its window,
	// which stands in for waiting out a real expiry.
	mgr := NewTokenManager("test-secret", -2*time.Hour, -2*time.Hour, 60*time.Second)
	token, _, err := mgr.Mint(TokenKindAccess, "u1", "org-1", nil, nil, nil)
	require.NoError(t, err)

	_, err = mgr.Parse(token)
	require.True(t, platerr.IsKind(err, platerr.KindTokenExpired))
}
