// Package ratelimit implements C7: the per-account rate-limit flag and the
// per-key sliding-window request counter of spec.md §4.3.
//
// Grounded on the teacher's redis.Client.CheckRateLimit (a fixed 1-minute
// window), generalized into a configurable sliding window plus the
// separate per-account limited/not-limited flag the teacher never had
// (the teacher only proxies to one provider per model, so it never needed
// per-account failover bookkeeping).
package ratelimit

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
)

// Limiter wraps a keystore.Store with the two rate-limit facilities.
type Limiter struct {
	store keystore.Store
}

// New creates a Limiter over the given store.
func New(store keystore.Store) *Limiter {
	return &Limiter{store: store}
}

// MarkLimited sets an account's rate-limit flag (spec.md §4.3
// markLimited), called by the chat handler when an upstream call fails
// with a retryable error (providers.IsRetryable).
func (l *Limiter) MarkLimited(ctx context.Context, accountID string) error {
	return l.store.MarkAccountLimited(ctx, accountID, time.Now())
}

// ClearLimited forces clearance of an account's rate-limit flag.
func (l *Limiter) ClearLimited(ctx context.Context, accountID string) error {
	return l.store.ClearAccountLimited(ctx, accountID)
}

// AllowRequest reports whether a new request for keyID fits within the
// sliding window (spec.md §4.2 step 7 / §4.3), and records the attempt if
// it does. windowSec/limit of 0 mean unlimited and always allow.
func (l *Limiter) AllowRequest(ctx context.Context, keyID string, windowSec, limit int) (allowed bool, count int64, err error) {
	if limit <= 0 {
		return true, 0, nil
	}
	count, err = l.store.SlidingWindowCount(ctx, keyID, windowSec)
	if err != nil {
		return false, 0, err
	}
	if count >= int64(limit) {
		return false, count, nil
	}
	if err := l.store.SlidingWindowAdd(ctx, keyID, windowSec, time.Now()); err != nil {
		return false, count, err
	}
	return true, count + 1, nil
}
