package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/metrics"
)

// RevocationSet rejects tokens by jti even when their signature and expiry
// would otherwise admit them. Entries carry a TTL of expires_at + skew so the
// set never outlives the tokens it guards, and user-level cutoffs invalidate
// every token issued before a password change.
type RevocationSet struct {
	client *redis.Client
	skew   time.Duration
	logger *zap.Logger
}

// NewRevocationSet creates the revocation set on a shared Redis client.
func NewRevocationSet(client *redis.Client, skew time.Duration, logger *zap.Logger) *RevocationSet {
	return &RevocationSet{client: client, skew: skew, logger: logger}
}

func jtiKey(jti string) string       { return "revoked:jti:" + jti }
func cutoffKey(userID string) string { return "revoked:user:" + userID }

// Revoke marks a token identifier revoked until expiresAt plus skew.
func (r *RevocationSet) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt.Add(r.skew))
	if ttl <= 0 {
		// Already past the verify window, nothing to guard.
		return nil
	}
	if err := r.client.Set(ctx, jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	metrics.TokensRevoked.Inc()
	r.logger.Info("Token revoked", zap.String("jti", jti))
	return nil
}

// IsRevoked reports whether the token identifier is in the set.
func (r *RevocationSet) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, jtiKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// RevokeUserBefore invalidates every token for the user issued at or before
// the cutoff. The entry lives as long as the longest refresh token can.
func (r *RevocationSet) RevokeUserBefore(ctx context.Context, userID string, cutoff time.Time, maxTokenTTL time.Duration) error {
	err := r.client.Set(ctx, cutoffKey(userID),
		strconv.FormatInt(cutoff.Unix(), 10), maxTokenTTL+r.skew).Err()
	if err != nil {
		return fmt.Errorf("failed to set user cutoff: %w", err)
	}
	r.logger.Info("User tokens revoked", zap.String("user_id", userID))
	return nil
}

// IssuedBeforeCutoff reports whether a token issued at or before the user's
// revocation cutoff. Comparison is at second granularity to match token
// issue timestamps; a tie counts as revoked.
func (r *RevocationSet) IssuedBeforeCutoff(ctx context.Context, userID string, issuedAt time.Time) (bool, error) {
	raw, err := r.client.Get(ctx, cutoffKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read user cutoff: %w", err)
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("corrupt user cutoff: %w", err)
	}
	return issuedAt.Unix() <= cutoff, nil
}
