package session

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

func TestGet_MissReturnsNil(t *testing.T) {
	store := keystore.NewMemoryStore()
	m := New(store, "ns:", time.Hour)
	mapping, err := m.Get(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected nil mapping for a miss, got %+v", mapping)
	}
}

func TestSetThenGet_RoundTrips(t *testing.T) {
	store := keystore.NewMemoryStore()
	m := New(store, "ns:", time.Hour)
	ctx := context.Background()

	if err := m.Set(ctx, "session-1", models.SessionMapping{AccountID: "acct-1", Variant: models.VariantClaudeOAuth}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mapping, err := m.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mapping == nil || mapping.AccountID != "acct-1" {
		t.Fatalf("expected acct-1, got %+v", mapping)
	}
}

func TestDelete_RemovesMapping(t *testing.T) {
	store := keystore.NewMemoryStore()
	m := New(store, "ns:", time.Hour)
	ctx := context.Background()

	if err := m.Set(ctx, "session-1", models.SessionMapping{AccountID: "acct-1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Delete(ctx, "session-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	mapping, err := m.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected nil mapping after delete, got %+v", mapping)
	}
}

func TestNamespace_IsolatesIdenticalSessionHashes(t *testing.T) {
	store := keystore.NewMemoryStore()
	claude := New(store, "claude:", time.Hour)
	openai := New(store, "openai:", time.Hour)
	ctx := context.Background()

	if err := claude.Set(ctx, "shared-hash", models.SessionMapping{AccountID: "claude-acct"}); err != nil {
		t.Fatalf("Set claude: %v", err)
	}

	mapping, err := openai.Get(ctx, "shared-hash")
	if err != nil {
		t.Fatalf("Get openai: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected namespace isolation, but openai saw %+v", mapping)
	}
}

// fakeTTLStore wraps MemoryStore's SetSession to install an already-expired
// TTL, exercising the expiry path without a real sleep.
type fakeTTLStore struct {
	*keystore.MemoryStore
}

func (f fakeTTLStore) SetSession(ctx context.Context, namespace, sessionHash string, mapping models.SessionMapping, _ time.Duration) error {
	return f.MemoryStore.SetSession(ctx, namespace, sessionHash, mapping, -time.Second)
}

func TestGet_ExpiredMappingIsTreatedAsMiss(t *testing.T) {
	store := fakeTTLStore{keystore.NewMemoryStore()}
	m := New(store, "ns:", time.Hour)
	ctx := context.Background()

	if err := m.Set(ctx, "session-1", models.SessionMapping{AccountID: "acct-1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mapping, err := m.Get(ctx, "session-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected expired mapping to read as a miss, got %+v", mapping)
	}
}
