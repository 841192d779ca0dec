package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/ratelimit"
	"github.com/mrmushfiq/llm0-gateway/internal/core/usage"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

type fakePrices map[string]models.ModelPricing

func (f fakePrices) Lookup(model string) (models.ModelPricing, bool) {
	p, ok := f[model]
	return p, ok
}

func newTestSetup(t *testing.T) (*keystore.MemoryStore, *admission.Admitter, *usage.Counter, *Recorder) {
	t.Helper()
	store := keystore.NewMemoryStore()
	limiter := ratelimit.New(store)
	counters := usage.New(store)
	log := logger.New()
	adm := admission.New(store, limiter, counters, log, "sk-gw-", "pepper", 0)

	prices := fakePrices{"gpt-4": {InputPer1kTokens: 0.03, OutputPer1kTokens: 0.06}}
	rec := New(store, counters, prices, nil, log)
	return store, adm, counters, rec
}

func admitTestKey(t *testing.T, store *keystore.MemoryStore, adm *admission.Admitter, keyID, secret string) *admission.Result {
	t.Helper()
	key := &models.ApiKey{
		ID:           keyID,
		IsActive:     true,
		Permissions:  models.PlatformAll,
		HashedSecret: adm.HashSecret(secret),
	}
	if err := store.PutApiKey(context.Background(), key); err != nil {
		t.Fatalf("PutApiKey: %v", err)
	}
	result, err := adm.Admit(context.Background(), secret, admission.Request{Platform: models.PlatformOpenAI})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return result
}

func TestRecord_ReleasesConcurrencyExactlyOnce(t *testing.T) {
	store, adm, _, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")

	ctx := context.Background()
	n, _ := store.GetConcurrency(ctx, "key-1")
	if n != 1 {
		t.Fatalf("expected concurrency 1 before Record, got %d", n)
	}

	rec.Record(ctx, adm, result.Token, Outcome{KeyID: "key-1", Platform: "openai", Model: "gpt-4", InputTokens: 100, OutputTokens: 50})

	n, _ = store.GetConcurrency(ctx, "key-1")
	if n != 0 {
		t.Fatalf("expected concurrency 0 after Record, got %d", n)
	}

	// A second Release via the same token must be a no-op (Record already
	// released it), so calling Release directly again must not go negative.
	if err := adm.Release(ctx, result.Token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	n, _ = store.GetConcurrency(ctx, "key-1")
	if n != 0 {
		t.Fatalf("expected concurrency to remain 0, got %d", n)
	}
}

func TestRecord_WritesKeyAndModelCounters(t *testing.T) {
	store, adm, counters, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")
	ctx := context.Background()

	rec.Record(ctx, adm, result.Token, Outcome{KeyID: "key-1", Platform: "openai", Model: "gpt-4", InputTokens: 1000, OutputTokens: 500})

	lifetime, err := counters.LifetimeAllTokens(ctx, "key-1")
	if err != nil {
		t.Fatalf("LifetimeAllTokens: %v", err)
	}
	if lifetime != 1500 {
		t.Fatalf("expected lifetime allTokens 1500, got %d", lifetime)
	}

	modelsList, err := store.ListKeyModels(ctx, "key-1")
	if err != nil {
		t.Fatalf("ListKeyModels: %v", err)
	}
	if len(modelsList) != 1 || modelsList[0] != "gpt-4" {
		t.Fatalf("expected [gpt-4], got %v", modelsList)
	}
}

func TestRecord_WritesHourlyTelemetryBestEffort(t *testing.T) {
	store, adm, _, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")
	ctx := context.Background()
	now := time.Now()

	rec.Record(ctx, adm, result.Token, Outcome{KeyID: "key-1", Platform: "openai", Model: "gpt-4", InputTokens: 10})

	fields, err := store.GetKeyCounter(ctx, keystore.CounterKey{KeyID: "key-1", Bucket: keystore.BucketHourly, Time: now})
	if err != nil {
		t.Fatalf("GetKeyCounter: %v", err)
	}
	if fields.AllTokens != 10 {
		t.Fatalf("expected hourly bucket to record 10 tokens, got %d", fields.AllTokens)
	}
}

func TestRecord_SkipsAccountCountersWhenNoAccountSelected(t *testing.T) {
	store, adm, _, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")
	ctx := context.Background()

	// Must not panic or error when AccountID is empty (e.g. the request
	// ended before a scheduler selection was made).
	rec.Record(ctx, adm, result.Token, Outcome{KeyID: "key-1", Platform: "openai", Model: "gpt-4", InputTokens: 10})
}

func TestRecord_NilMetricsRegistryIsSafe(t *testing.T) {
	store, adm, _, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")
	ctx := context.Background()

	// rec was constructed with a nil *metrics.Registry; Record must not
	// dereference it.
	rec.Record(ctx, adm, result.Token, Outcome{KeyID: "key-1", AccountID: "acct-1", Platform: "openai", Model: "gpt-4", InputTokens: 10, OutputTokens: 5})
}

func TestRecord_WritesDurableRequestLogRow(t *testing.T) {
	store, adm, _, rec := newTestSetup(t)
	result := admitTestKey(t, store, adm, "key-1", "sk-gw-secret1")
	ctx := context.Background()

	rec.Record(ctx, adm, result.Token, Outcome{
		KeyID: "key-1", AccountID: "acct-1", Platform: "openai", Model: "gpt-4",
		Method: "POST", Endpoint: "/openai/v1/chat/completions",
		InputTokens: 1000, OutputTokens: 500, CacheHit: false, StatusCode: 200,
	})

	log := store.RequestLog()
	if len(log) != 1 {
		t.Fatalf("expected 1 request log entry, got %d", len(log))
	}
	entry := log[0]
	if entry.APIKeyID == nil || *entry.APIKeyID != "key-1" {
		t.Fatalf("expected APIKeyID key-1, got %v", entry.APIKeyID)
	}
	if entry.AccountID == nil || *entry.AccountID != "acct-1" {
		t.Fatalf("expected AccountID acct-1, got %v", entry.AccountID)
	}
	if entry.Model != "gpt-4" || entry.Provider != "openai" {
		t.Fatalf("unexpected model/provider: %q/%q", entry.Model, entry.Provider)
	}
	if entry.TotalTokens != 1500 {
		t.Fatalf("expected total tokens 1500, got %d", entry.TotalTokens)
	}
	if entry.StatusCode != 200 {
		t.Fatalf("expected status code 200, got %d", entry.StatusCode)
	}
}
