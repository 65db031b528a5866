package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/metrics"
)

// AttemptLog records failed login instants per client key in a Redis sorted
// set scored by time. Entries older than the window are purged lazily on
// access; a key is locked once the surviving entries reach maxFailures.
// Locking applies to authentication only, never to already-issued tokens.
type AttemptLog struct {
	client      *redis.Client
	maxFailures int
	window      time.Duration
	logger      *zap.Logger
}

// NewAttemptLog creates the attempt log.
func NewAttemptLog(client *redis.Client, maxFailures int, window time.Duration, logger *zap.Logger) *AttemptLog {
	return &AttemptLog{
		client:      client,
		maxFailures: maxFailures,
		window:      window,
		logger:      logger,
	}
}

func attemptKey(clientKey string) string { return "lockout:" + clientKey }

// purge drops entries that have aged out of the window.
func (l *AttemptLog) purge(ctx context.Context, key string, now time.Time) error {
	horizon := now.Add(-l.window).UnixNano()
	return l.client.ZRemRangeByScore(ctx, key,
		"-inf", strconv.FormatInt(horizon, 10)).Err()
}

// Locked reports whether the client key has reached the failure threshold
// within the window. Called before the credential store is consulted.
func (l *AttemptLog) Locked(ctx context.Context, clientKey string) (bool, error) {
	key := attemptKey(clientKey)
	now := time.Now()
	if err := l.purge(ctx, key, now); err != nil {
		return false, fmt.Errorf("failed to purge attempt log: %w", err)
	}
	n, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count attempts: %w", err)
	}
	return n >= int64(l.maxFailures), nil
}

// RecordFailure appends a failed attempt instant for the client key.
func (l *AttemptLog) RecordFailure(ctx context.Context, clientKey string) error {
	key := attemptKey(clientKey)
	now := time.Now()
	member := uuid.NewString()

	pipe := l.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	// The key expires on its own once the last failure ages out.
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	metrics.LoginFailures.Inc()

	n, err := l.client.ZCard(ctx, key).Result()
	if err == nil && n == int64(l.maxFailures) {
		metrics.Lockouts.Inc()
		l.logger.Warn("Client key locked out",
			zap.String("client_key", clientKey),
			zap.Int("failures", int(n)))
	}
	return nil
}

// Clear wipes the attempt record after a successful login.
func (l *AttemptLog) Clear(ctx context.Context, clientKey string) error {
	if err := l.client.Del(ctx, attemptKey(clientKey)).Err(); err != nil {
		return fmt.Errorf("failed to clear attempt log: %w", err)
	}
	return nil
}
