// Package quota admits or rejects resource consumption against per-plan
// limits. Point-in-time resources are live counters moved by consume and
// release; windowed resources keep a bounded timestamp queue that is purged
// lazily on every check. All mutations go through per-key compare-and-set,
// so concurrent callers on the same (org, resource) pair see a linear
// history while different pairs never contend.
package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opsmith-ai/opsmith/internal/metrics"
	"github.com/opsmith-ai/opsmith/internal/platerr"
	"github.com/opsmith-ai/opsmith/internal/storage"
)

// casRetries bounds the optimistic retry loop under contention.
const casRetries = 32

// LimitProvider resolves the effective limits for an org. The tenancy
// manager implements this from the org's plan plus any overrides.
type LimitProvider interface {
	Limits(ctx context.Context, orgID string) (map[string]int64, error)
}

// Decision is the outcome of a check-and-consume.
type Decision struct {
	Admitted  bool  `json:"admitted"`
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
}

// usageDoc is the persisted per-(org, resource) state. Count carries
// point-in-time resources; Stamps carries window entries in unix nanoseconds.
type usageDoc struct {
	Count  int64   `json:"count,omitempty"`
	Stamps []int64 `json:"stamps,omitempty"`
}

// Engine is the quota engine.
type Engine struct {
	store  storage.Store
	limits LimitProvider
	logger *zap.Logger
}

// NewEngine creates the engine.
func NewEngine(store storage.Store, limits LimitProvider, logger *zap.Logger) *Engine {
	return &Engine{store: store, limits: limits, logger: logger}
}

func usageKey(orgID, resource string) string {
	return fmt.Sprintf("quota:%s:%s", orgID, resource)
}

// load reads the usage document and the raw bytes backing the CAS.
func (e *Engine) load(ctx context.Context, key string) (*usageDoc, []byte, error) {
	raw, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return &usageDoc{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load usage: %w", err)
	}
	var doc usageDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("corrupt usage document: %w", err)
	}
	return &doc, raw, nil
}

func (e *Engine) save(ctx context.Context, key string, expected []byte, doc *usageDoc, ttl time.Duration) error {
	next, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode usage: %w", err)
	}
	return e.store.CompareAndSet(ctx, key, expected, next, ttl)
}

// purge drops window entries older than the horizon. Reports whether
// anything changed.
func purge(doc *usageDoc, window time.Duration, now time.Time) bool {
	horizon := now.Add(-window).UnixNano()
	kept := doc.Stamps[:0]
	for _, ts := range doc.Stamps {
		if ts > horizon {
			kept = append(kept, ts)
		}
	}
	changed := len(kept) != len(doc.Stamps)
	doc.Stamps = kept
	return changed
}

// CheckAndConsume atomically admits and records consumption of n units. A
// rejected consume does not mutate state. Unknown resources and unlimited
// plans (limit < 0) always admit.
func (e *Engine) CheckAndConsume(ctx context.Context, orgID, resource string, n int64) (*Decision, error) {
	limits, err := e.limits.Limits(ctx, orgID)
	if err != nil {
		return nil, err
	}
	limit, bounded := limits[resource]
	if !bounded || limit < 0 {
		return &Decision{Admitted: true, Remaining: -1, Limit: -1}, nil
	}

	key := usageKey(orgID, resource)
	window, sliding := windows[resource]
	now := time.Now()

	for attempt := 0; attempt < casRetries; attempt++ {
		doc, raw, err := e.load(ctx, key)
		if err != nil {
			return nil, err
		}

		var used int64
		if sliding {
			purge(doc, window, now)
			used = int64(len(doc.Stamps))
		} else {
			used = doc.Count
		}

		if used+n > limit {
			metrics.QuotaRejections.WithLabelValues(resource).Inc()
			e.logger.Warn("Quota rejected",
				zap.String("org_id", orgID),
				zap.String("resource", resource),
				zap.Int64("used", used),
				zap.Int64("limit", limit))
			return &Decision{Admitted: false, Remaining: limit - used, Limit: limit}, nil
		}

		var ttl time.Duration
		if sliding {
			for i := int64(0); i < n; i++ {
				doc.Stamps = append(doc.Stamps, now.UnixNano())
			}
			ttl = window
		} else {
			doc.Count += n
		}

		err = e.save(ctx, key, raw, doc, ttl)
		if errors.Is(err, storage.ErrCASConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.QuotaConsumed.WithLabelValues(resource).Add(float64(n))
		return &Decision{Admitted: true, Remaining: limit - used - n, Limit: limit}, nil
	}
	return nil, platerr.New(platerr.KindInternal, "quota contention on %s", resource)
}

// Release returns n units of a point-in-time resource. Windowed resources
// drain by time alone, so releasing them is a no-op.
func (e *Engine) Release(ctx context.Context, orgID, resource string, n int64) error {
	if IsSliding(resource) {
		return nil
	}
	key := usageKey(orgID, resource)
	for attempt := 0; attempt < casRetries; attempt++ {
		doc, raw, err := e.load(ctx, key)
		if err != nil {
			return err
		}
		doc.Count -= n
		if doc.Count < 0 {
			doc.Count = 0
		}
		err = e.save(ctx, key, raw, doc, 0)
		if errors.Is(err, storage.ErrCASConflict) {
			continue
		}
		return err
	}
	return platerr.New(platerr.KindInternal, "quota contention on %s", resource)
}

// Usage returns the current usage counters for the org, purging stale window
// entries as a side effect of reading.
func (e *Engine) Usage(ctx context.Context, orgID string) (map[string]int64, error) {
	now := time.Now()
	out := make(map[string]int64, len(Resources()))
	for _, resource := range Resources() {
		doc, _, err := e.load(ctx, usageKey(orgID, resource))
		if err != nil {
			return nil, err
		}
		if window, sliding := windows[resource]; sliding {
			purge(doc, window, now)
			out[resource] = int64(len(doc.Stamps))
		} else {
			out[resource] = doc.Count
		}
	}
	return out, nil
}

// Reset zeroes a single resource counter for the org.
func (e *Engine) Reset(ctx context.Context, orgID, resource string) error {
	return e.store.Delete(ctx, usageKey(orgID, resource))
}

// PurgeOrg removes every usage document of an org; part of org deletion.
func (e *Engine) PurgeOrg(ctx context.Context, orgID string) error {
	pairs, err := e.store.Scan(ctx, fmt.Sprintf("quota:%s:", orgID))
	if err != nil {
		return fmt.Errorf("failed to scan usage: %w", err)
	}
	for key := range pairs {
		if err := e.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
