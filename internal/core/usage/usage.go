// Package usage implements C2: atomic increments of token/request/cost
// counters along the lifetime/daily/monthly buckets of spec.md §3, for
// both per-key and per-key×model dimensions.
//
// Grounded on the teacher's ChatHandler.logRequest, which fires a single
// goroutine writing one Postgres row per request; generalized here into
// the multi-dimensional sparse counter set spec.md §3 requires, backed by
// Redis hash increments (spec.md §5: "no read-modify-write from the
// application").
package usage

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Counter is the C2 facility over a keystore.Store.
type Counter struct {
	store keystore.Store
}

// New creates a Counter over the given store.
func New(store keystore.Store) *Counter {
	return &Counter{store: store}
}

// Amounts is the token/cost/request delta a single recording contributes.
type Amounts struct {
	Requests          int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	CostMicros        int64
}

func (a Amounts) allTokens() int64 {
	return a.InputTokens + a.OutputTokens + a.CacheCreateTokens + a.CacheReadTokens
}

func (a Amounts) toDelta() keystore.Delta {
	return keystore.Delta{
		Requests:          a.Requests,
		InputTokens:       a.InputTokens,
		OutputTokens:      a.OutputTokens,
		CacheCreateTokens: a.CacheCreateTokens,
		CacheReadTokens:   a.CacheReadTokens,
		AllTokens:         a.allTokens(),
		CostMicros:        a.CostMicros,
	}
}

// RecordKey increments the per-key lifetime/daily/monthly counters
// (spec.md §3 "per-key: lifetime, daily:YYYY-MM-DD, monthly:YYYY-MM").
func (c *Counter) RecordKey(ctx context.Context, keyID string, at time.Time, a Amounts) error {
	delta := a.toDelta()
	for _, b := range []keystore.Bucket{keystore.BucketLifetime, keystore.BucketDaily, keystore.BucketMonthly} {
		if _, err := c.store.IncrKeyCounter(ctx, keystore.CounterKey{KeyID: keyID, Bucket: b, Time: at}, delta); err != nil {
			return err
		}
	}
	return nil
}

// RecordKeyHourly increments the best-effort hourly telemetry bucket. No
// admission rule reads it; callers treat failures as non-fatal.
func (c *Counter) RecordKeyHourly(ctx context.Context, keyID string, at time.Time, a Amounts) error {
	_, err := c.store.IncrKeyCounter(ctx, keystore.CounterKey{KeyID: keyID, Bucket: keystore.BucketHourly, Time: at}, a.toDelta())
	return err
}

// RecordKeyModel increments the per-key×model daily/monthly counters.
func (c *Counter) RecordKeyModel(ctx context.Context, keyID, model string, at time.Time, a Amounts) error {
	delta := a.toDelta()
	for _, b := range []keystore.Bucket{keystore.BucketDaily, keystore.BucketMonthly} {
		if _, err := c.store.IncrKeyCounter(ctx, keystore.CounterKey{KeyID: keyID, Model: model, Bucket: b, Time: at}, delta); err != nil {
			return err
		}
	}
	return nil
}

// RecordAccount increments the per-account lifetime/daily/monthly
// counters.
func (c *Counter) RecordAccount(ctx context.Context, accountID string, at time.Time, a Amounts) error {
	delta := a.toDelta()
	for _, b := range []keystore.Bucket{keystore.BucketLifetime, keystore.BucketDaily, keystore.BucketMonthly} {
		if _, err := c.store.IncrAccountCounter(ctx, keystore.AccountCounterKey{AccountID: accountID, Bucket: b, Time: at}, delta); err != nil {
			return err
		}
	}
	return nil
}

// LifetimeAllTokens reads the key's lifetime allTokens counter, used by
// admission's tokenLimit check (spec.md §4.2 step 7).
func (c *Counter) LifetimeAllTokens(ctx context.Context, keyID string) (int64, error) {
	f, err := c.store.GetKeyCounter(ctx, keystore.CounterKey{KeyID: keyID, Bucket: keystore.BucketLifetime})
	if err != nil {
		return 0, err
	}
	return f.AllTokens, nil
}

// TodayCostMicros reads the key's daily cost counter in micros (1e-6 USD),
// used by admission's dailyCostLimit check.
func (c *Counter) TodayCostMicros(ctx context.Context, keyID string, now time.Time) (int64, error) {
	f, err := c.store.GetKeyCounter(ctx, keystore.CounterKey{KeyID: keyID, Bucket: keystore.BucketDaily, Time: now})
	if err != nil {
		return 0, err
	}
	return f.CostMicros, nil
}

// CounterFields is re-exported for callers that want the raw bucket shape.
type CounterFields = models.CounterFields
