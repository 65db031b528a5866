package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/opsmith-ai/opsmith/internal/platerr"
)

// Token kinds. Access and refresh tokens share one claims schema and differ
// only in kind and lifetime.
const (
	TokenKindAccess  = "access"
	TokenKindRefresh = "refresh"
)

// Claims is the signed token payload. The jti (RegisteredClaims.ID) is the
// revocation handle.
type Claims struct {
	jwt.RegisteredClaims
	OrgID       string   `json:"org_id"`
	TeamIDs     []string `json:"team_ids"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Kind        string   `json:"kind"`
}

// TokenPair is what login and refresh hand back to the caller.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// TokenManager signs and parses HS256 tokens.
type TokenManager struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	skew       time.Duration
	issuer     string
}

// NewTokenManager creates a token manager. skew is the clock tolerance
// applied when validating exp and nbf.
func NewTokenManager(signingSecret string, accessTTL, refreshTTL, skew time.Duration) *TokenManager {
	return &TokenManager{
		signingKey: []byte(signingSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		skew:       skew,
		issuer:     "opsmith-platform",
	}
}

// AccessTTL returns the configured access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.accessTTL }

// Skew returns the configured clock tolerance.
func (m *TokenManager) Skew() time.Duration { return m.skew }

// Mint signs a token of the given kind for the subject. The identity fields
// are taken as given so refresh can reproduce the original claims exactly.
func (m *TokenManager) Mint(kind, userID, orgID string, teamIDs, roles, permissions []string) (string, *Claims, error) {
	ttl := m.accessTTL
	if kind == TokenKindRefresh {
		ttl = m.refreshTTL
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		OrgID:       orgID,
		TeamIDs:     teamIDs,
		Roles:       roles,
		Permissions: permissions,
		Kind:        kind,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.signingKey)
	if err != nil {
		return "", nil, platerr.Wrap(platerr.KindInternal, err, "failed to sign token")
	}
	return signed, claims, nil
}

// Parse validates the signature, issuer, and time window of a token and
// returns its claims. Expiry and invalidity surface as distinct kinds.
func (m *TokenManager) Parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.signingKey, nil
	}, jwt.WithLeeway(m.skew), jwt.WithIssuer(m.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, platerr.New(platerr.KindTokenExpired, "token expired")
		}
		return nil, platerr.New(platerr.KindInvalidToken, "invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	if claims.Kind != TokenKindAccess && claims.Kind != TokenKindRefresh {
		return nil, platerr.New(platerr.KindInvalidToken, "invalid token")
	}
	return claims, nil
}

// ExtractBearerToken pulls the token out of an Authorization header.
func ExtractBearerToken(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", platerr.New(platerr.KindInvalidToken, "missing bearer token")
	}
	return authHeader[7:], nil
}
