// Package keystore defines C1, the data-store-neutral persistence
// contract spec.md §4.7 asks every other component to depend on, plus a
// Redis/Postgres-backed implementation and an in-memory fake for tests.
//
// Grounded on the teacher's two existing adapters (internal/shared/redis,
// internal/shared/database): Redis already holds the teacher's rate-limit
// counters and response cache, Postgres already holds api_keys/model_pricing.
// KeyStore generalizes both into the single interface the core packages
// consume, so C4/C5/C6/C7/C8 never import redis or database/sql directly.
package keystore

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Bucket identifies a counter time window.
type Bucket string

const (
	BucketLifetime Bucket = "lifetime"
	BucketDaily    Bucket = "daily"
	BucketMonthly  Bucket = "monthly"
	// BucketHourly is additive telemetry (no admission rule reads it),
	// following the granularity other_examples/maoqijie-CRS-claude-relay-service__keys.go
	// names beyond spec.md's daily/monthly sketch.
	BucketHourly Bucket = "hourly"
)

// CounterKey addresses one counter row, matching the persistence layout of
// spec.md §6 (usage:<keyId>[:model:<bucket>:<model>]:<bucket>).
type CounterKey struct {
	KeyID  string
	Model  string // empty for the per-key (non-model) counters
	Bucket Bucket
	// Time is the instant the bucket is computed from (UTC); daily keys
	// derive YYYY-MM-DD, monthly keys derive YYYY-MM.
	Time time.Time
}

// AccountCounterKey addresses one per-account counter row.
type AccountCounterKey struct {
	AccountID string
	Bucket    Bucket
	Time      time.Time
}

// Delta is the set of fields a single increment call adds.
type Delta struct {
	Requests          int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	AllTokens         int64
	CostMicros        int64
}

// Store is the full data-store-neutral contract. Every method must be
// safe for concurrent use; counter increments must be atomic single-step
// operations at the store (spec.md §5).
type Store interface {
	// ApiKey records.
	GetApiKey(ctx context.Context, id string) (*models.ApiKey, error)
	FindApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error)
	ListApiKeys(ctx context.Context) ([]*models.ApiKey, error)
	PutApiKey(ctx context.Context, key *models.ApiKey) error
	DeleteApiKey(ctx context.Context, id string) error
	TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error

	// UpstreamAccount records, scoped by variant.
	GetAccount(ctx context.Context, id string) (*models.UpstreamAccount, error)
	ListAccounts(ctx context.Context, variant models.AccountVariant) ([]*models.UpstreamAccount, error)
	PutAccount(ctx context.Context, account *models.UpstreamAccount) error
	TouchAccountLastUsed(ctx context.Context, id string, at time.Time) error
	MarkAccountLimited(ctx context.Context, id string, at time.Time) error
	ClearAccountLimited(ctx context.Context, id string) error

	// AccountGroup records.
	GetGroup(ctx context.Context, id string) (*models.AccountGroup, error)

	// LogRequest persists one durable audit row for a completed relay
	// request (spec.md §4.6's generalization of the teacher's fire-and-forget
	// request log). Best-effort: callers swallow the error.
	LogRequest(ctx context.Context, entry *models.GatewayLog) error

	// Counters: atomic add-and-return.
	IncrKeyCounter(ctx context.Context, key CounterKey, delta Delta) (models.CounterFields, error)
	IncrAccountCounter(ctx context.Context, key AccountCounterKey, delta Delta) (models.CounterFields, error)
	GetKeyCounter(ctx context.Context, key CounterKey) (models.CounterFields, error)

	// ListKeyModels returns every model a key has recorded per-model usage
	// under, for the per-model breakdown endpoint (spec.md §6
	// user-model-stats).
	ListKeyModels(ctx context.Context, keyID string) ([]string, error)

	// Session map: get/set-with-TTL/delete.
	GetSession(ctx context.Context, namespace, sessionHash string) (*models.SessionMapping, error)
	SetSession(ctx context.Context, namespace, sessionHash string, mapping models.SessionMapping, ttl time.Duration) error
	DeleteSession(ctx context.Context, namespace, sessionHash string) error

	// Concurrency gauge: get/incr/decr.
	IncrConcurrency(ctx context.Context, keyID string) (int64, error)
	DecrConcurrency(ctx context.Context, keyID string) error
	GetConcurrency(ctx context.Context, keyID string) (int64, error)

	// Sliding-window request counter (per-key rate limiting, spec.md §4.3).
	SlidingWindowCount(ctx context.Context, keyID string, windowSec int) (int64, error)
	SlidingWindowAdd(ctx context.Context, keyID string, windowSec int, at time.Time) error
}
