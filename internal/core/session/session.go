// Package session implements C6, the sticky session map of spec.md §3/§4.4.
//
// sessionHash is derived externally (e.g. SHA-256 of system-prompt + first
// user message, per spec.md §4.4); this package never computes it, only
// stores the accountId/accountType pairing behind it. Grounded on the
// teacher's redis.Client.Set/Get/Expire, generalized to a JSON-valued,
// namespaced, fixed-TTL mapping as spec.md §6 lays out
// ("<prefix><sessionHash>" keys, distinct prefixes per scheduler instance).
package session

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// DefaultTTL is the 1-hour stickiness window spec.md §3 fixes.
const DefaultTTL = time.Hour

// Map is the sticky-session facility over a keystore.Store.
type Map struct {
	store     keystore.Store
	namespace string
	ttl       time.Duration
}

// New creates a Map scoped to one platform namespace (e.g.
// "unified_claude_session_mapping:"), matching spec.md §6's note that
// prefixes differ per scheduler instance. ttl is the operator-configured
// stickiness window; pass DefaultTTL to match spec.md §3's fixed 1 hour.
func New(store keystore.Store, namespace string, ttl time.Duration) *Map {
	return &Map{store: store, namespace: namespace, ttl: ttl}
}

// Get looks up the mapping for a session hash. A miss returns (nil, nil).
func (m *Map) Get(ctx context.Context, sessionHash string) (*models.SessionMapping, error) {
	return m.store.GetSession(ctx, m.namespace, sessionHash)
}

// Set writes a fresh mapping with the fixed TTL. Per spec.md §4.4, a
// successful reuse does not refresh the TTL — only Set (called on a
// fresh pick, not on every lookup) resets the clock.
func (m *Map) Set(ctx context.Context, sessionHash string, mapping models.SessionMapping) error {
	return m.store.SetSession(ctx, m.namespace, sessionHash, mapping, m.ttl)
}

// Delete invalidates a mapping (e.g. because the scheduler found the
// mapped account ineligible, or the account was just marked rate-limited).
func (m *Map) Delete(ctx context.Context, sessionHash string) error {
	return m.store.DeleteSession(ctx, m.namespace, sessionHash)
}
