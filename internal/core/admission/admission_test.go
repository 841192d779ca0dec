package admission

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/ratelimit"
	"github.com/mrmushfiq/llm0-gateway/internal/core/usage"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

const (
	testPrefix = "sk-gw-"
	testPepper = "pepper"
)

func newTestAdmitter() (*Admitter, *keystore.MemoryStore) {
	store := keystore.NewMemoryStore()
	limiter := ratelimit.New(store)
	counters := usage.New(store)
	log := logger.New()
	return New(store, limiter, counters, log, testPrefix, testPepper, 0), store
}

func putKey(t *testing.T, a *Admitter, store *keystore.MemoryStore, secret string, mutate func(*models.ApiKey)) *models.ApiKey {
	t.Helper()
	key := &models.ApiKey{
		ID:           "key-1",
		IsActive:     true,
		Permissions:  models.PlatformAll,
		HashedSecret: a.HashSecret(secret),
	}
	if mutate != nil {
		mutate(key)
	}
	if err := store.PutApiKey(context.Background(), key); err != nil {
		t.Fatalf("PutApiKey: %v", err)
	}
	return key
}

func wantKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	e, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T (%v)", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, e.Kind)
	}
}

func TestAdmit_Success(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-validsecret", nil)

	result, err := a.Admit(context.Background(), "sk-gw-validsecret", Request{Platform: models.PlatformOpenAI})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if result.KeyData.ID != "key-1" {
		t.Fatalf("expected key-1, got %s", result.KeyData.ID)
	}
	if result.Token == nil {
		t.Fatalf("expected a concurrency token")
	}

	n, _ := store.GetConcurrency(context.Background(), "key-1")
	if n != 1 {
		t.Fatalf("expected concurrency 1 after admit, got %d", n)
	}

	if err := a.Release(context.Background(), result.Token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	n, _ = store.GetConcurrency(context.Background(), "key-1")
	if n != 0 {
		t.Fatalf("expected concurrency 0 after release, got %d", n)
	}
}

func TestAdmit_BadPrefix(t *testing.T) {
	a, _ := newTestAdmitter()
	_, err := a.Admit(context.Background(), "wrong-prefix-secret", Request{})
	wantKind(t, err, errs.Unauthorized)
}

func TestAdmit_UnknownKey(t *testing.T) {
	a, _ := newTestAdmitter()
	_, err := a.Admit(context.Background(), "sk-gw-nosuchkey", Request{})
	wantKind(t, err, errs.Unauthorized)
}

func TestAdmit_Disabled(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-disabled", func(k *models.ApiKey) { k.IsActive = false })
	_, err := a.Admit(context.Background(), "sk-gw-disabled", Request{})
	wantKind(t, err, errs.Disabled)
}

func TestAdmit_PermissionMismatch(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-claudeonly", func(k *models.ApiKey) { k.Permissions = models.PlatformClaude })
	_, err := a.Admit(context.Background(), "sk-gw-claudeonly", Request{Platform: models.PlatformOpenAI})
	wantKind(t, err, errs.Forbidden)
}

func TestAdmit_ModelNotAllowed(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-modelgate", func(k *models.ApiKey) {
		k.ModelRestriction = models.ModelRestriction{Enabled: true, Mode: models.ModelRestrictionAllow, Models: []string{"gpt-4"}}
	})
	_, err := a.Admit(context.Background(), "sk-gw-modelgate", Request{Platform: models.PlatformAll, Model: "gpt-3.5"})
	wantKind(t, err, errs.ModelNotAllowed)

	result, err := a.Admit(context.Background(), "sk-gw-modelgate", Request{Platform: models.PlatformAll, Model: "gpt-4"})
	if err != nil {
		t.Fatalf("expected allowed model to pass, got %v", err)
	}
	_ = a.Release(context.Background(), result.Token)
}

func TestAdmit_ClientNotAllowed(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-clientgate", func(k *models.ApiKey) {
		k.ClientRestriction = models.ClientRestriction{Enabled: true, AllowedClients: []string{"trusted-client"}}
	})
	_, err := a.Admit(context.Background(), "sk-gw-clientgate", Request{Client: "untrusted-client"})
	wantKind(t, err, errs.ClientNotAllowed)
}

func TestAdmit_TokenLimitExceeded(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-tokenlimit", func(k *models.ApiKey) { k.TokenLimit = 100 })

	ctx := context.Background()
	if _, err := store.IncrKeyCounter(ctx, keystore.CounterKey{KeyID: "key-1", Bucket: keystore.BucketLifetime}, keystore.Delta{AllTokens: 100}); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	_, err := a.Admit(ctx, "sk-gw-tokenlimit", Request{})
	wantKind(t, err, errs.TokenLimitExceeded)
}

func TestAdmit_DailyCostExceeded(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-costlimit", func(k *models.ApiKey) { k.DailyCostLimit = 1.0 })

	ctx := context.Background()
	if _, err := store.IncrKeyCounter(ctx, keystore.CounterKey{KeyID: "key-1", Bucket: keystore.BucketDaily, Time: time.Now()}, keystore.Delta{CostMicros: 1_000_000}); err != nil {
		t.Fatalf("seed counter: %v", err)
	}

	_, err := a.Admit(ctx, "sk-gw-costlimit", Request{})
	wantKind(t, err, errs.DailyCostExceeded)
}

func TestAdmit_RateLimited(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-ratelimited", func(k *models.ApiKey) {
		k.RateLimitWindowSec = 60
		k.RateLimitRequests = 1
	})

	ctx := context.Background()
	result, err := a.Admit(ctx, "sk-gw-ratelimited", Request{})
	if err != nil {
		t.Fatalf("first request should be admitted: %v", err)
	}
	_ = a.Release(ctx, result.Token)

	_, err = a.Admit(ctx, "sk-gw-ratelimited", Request{})
	wantKind(t, err, errs.RateLimited)
}

func TestAdmit_ConcurrencyExceededAndReverted(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-concurrency", func(k *models.ApiKey) { k.ConcurrencyLimit = 1 })

	ctx := context.Background()
	result, err := a.Admit(ctx, "sk-gw-concurrency", Request{})
	if err != nil {
		t.Fatalf("first request should be admitted: %v", err)
	}

	_, err = a.Admit(ctx, "sk-gw-concurrency", Request{})
	wantKind(t, err, errs.ConcurrencyExceeded)

	// The overshoot must be reverted: concurrency should be back at 1, not 2.
	n, _ := store.GetConcurrency(ctx, "key-1")
	if n != 1 {
		t.Fatalf("expected concurrency reverted to 1 after overshoot, got %d", n)
	}

	_ = a.Release(ctx, result.Token)
	n, _ = store.GetConcurrency(ctx, "key-1")
	if n != 0 {
		t.Fatalf("expected concurrency 0 after release, got %d", n)
	}
}

func TestAdmit_DefaultRateLimitFallbackAppliesWhenKeyUnset(t *testing.T) {
	store := keystore.NewMemoryStore()
	limiter := ratelimit.New(store)
	counters := usage.New(store)
	log := logger.New()
	a := New(store, limiter, counters, log, testPrefix, testPepper, 1)

	putKey(t, a, store, "sk-gw-defaultlimited", nil) // RateLimitRequests left at zero

	ctx := context.Background()
	result, err := a.Admit(ctx, "sk-gw-defaultlimited", Request{})
	if err != nil {
		t.Fatalf("first request should be admitted under the fleet default: %v", err)
	}
	_ = a.Release(ctx, result.Token)

	_, err = a.Admit(ctx, "sk-gw-defaultlimited", Request{})
	wantKind(t, err, errs.RateLimited)
}

func TestAdmit_KeyOwnRateLimitOverridesDefault(t *testing.T) {
	store := keystore.NewMemoryStore()
	limiter := ratelimit.New(store)
	counters := usage.New(store)
	log := logger.New()
	a := New(store, limiter, counters, log, testPrefix, testPepper, 1)

	putKey(t, a, store, "sk-gw-ownlimit", func(k *models.ApiKey) {
		k.RateLimitWindowSec = 60
		k.RateLimitRequests = 2
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := a.Admit(ctx, "sk-gw-ownlimit", Request{})
		if err != nil {
			t.Fatalf("request %d should be admitted under the key's own limit of 2: %v", i+1, err)
		}
		_ = a.Release(ctx, result.Token)
	}

	_, err := a.Admit(ctx, "sk-gw-ownlimit", Request{})
	wantKind(t, err, errs.RateLimited)
}

func TestRelease_IsIdempotent(t *testing.T) {
	a, store := newTestAdmitter()
	putKey(t, a, store, "sk-gw-idempotent", nil)

	ctx := context.Background()
	result, err := a.Admit(ctx, "sk-gw-idempotent", Request{})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if err := a.Release(ctx, result.Token); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := a.Release(ctx, result.Token); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	n, _ := store.GetConcurrency(ctx, "key-1")
	if n != 0 {
		t.Fatalf("expected concurrency 0, double-release must not double-decrement, got %d", n)
	}
}
