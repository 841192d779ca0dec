package usage

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
)

func TestRecordKey_IncrementsAcrossAllBuckets(t *testing.T) {
	store := keystore.NewMemoryStore()
	c := New(store)
	ctx := context.Background()
	now := time.Now()

	amounts := Amounts{Requests: 1, InputTokens: 100, OutputTokens: 50, CostMicros: 1234}
	if err := c.RecordKey(ctx, "key-1", now, amounts); err != nil {
		t.Fatalf("RecordKey: %v", err)
	}
	if err := c.RecordKey(ctx, "key-1", now, amounts); err != nil {
		t.Fatalf("RecordKey second call: %v", err)
	}

	lifetime, err := c.LifetimeAllTokens(ctx, "key-1")
	if err != nil {
		t.Fatalf("LifetimeAllTokens: %v", err)
	}
	if want := 2 * (100 + 50); lifetime != int64(want) {
		t.Fatalf("expected lifetime allTokens %d, got %d", want, lifetime)
	}

	costMicros, err := c.TodayCostMicros(ctx, "key-1", now)
	if err != nil {
		t.Fatalf("TodayCostMicros: %v", err)
	}
	if costMicros != 2*1234 {
		t.Fatalf("expected daily cost %d, got %d", 2*1234, costMicros)
	}
}

func TestRecordKeyHourly_IsIndependentOfOtherBuckets(t *testing.T) {
	store := keystore.NewMemoryStore()
	c := New(store)
	ctx := context.Background()
	now := time.Now()

	amounts := Amounts{Requests: 1, InputTokens: 10}
	if err := c.RecordKeyHourly(ctx, "key-1", now, amounts); err != nil {
		t.Fatalf("RecordKeyHourly: %v", err)
	}

	// Hourly telemetry must not leak into the lifetime bucket admission reads.
	lifetime, err := c.LifetimeAllTokens(ctx, "key-1")
	if err != nil {
		t.Fatalf("LifetimeAllTokens: %v", err)
	}
	if lifetime != 0 {
		t.Fatalf("expected hourly recording not to affect lifetime bucket, got %d", lifetime)
	}

	fields, err := store.GetKeyCounter(ctx, keystore.CounterKey{KeyID: "key-1", Bucket: keystore.BucketHourly, Time: now})
	if err != nil {
		t.Fatalf("GetKeyCounter: %v", err)
	}
	if fields.AllTokens != 10 {
		t.Fatalf("expected hourly bucket to record 10 tokens, got %d", fields.AllTokens)
	}
}

func TestRecordKeyModel_TracksPerModelDailyAndMonthly(t *testing.T) {
	store := keystore.NewMemoryStore()
	c := New(store)
	ctx := context.Background()
	now := time.Now()

	amounts := Amounts{Requests: 1, InputTokens: 5, OutputTokens: 5}
	if err := c.RecordKeyModel(ctx, "key-1", "gpt-4", now, amounts); err != nil {
		t.Fatalf("RecordKeyModel: %v", err)
	}

	models, err := store.ListKeyModels(ctx, "key-1")
	if err != nil {
		t.Fatalf("ListKeyModels: %v", err)
	}
	if len(models) != 1 || models[0] != "gpt-4" {
		t.Fatalf("expected [gpt-4], got %v", models)
	}

	daily, err := store.GetKeyCounter(ctx, keystore.CounterKey{KeyID: "key-1", Model: "gpt-4", Bucket: keystore.BucketDaily, Time: now})
	if err != nil {
		t.Fatalf("GetKeyCounter daily: %v", err)
	}
	if daily.AllTokens != 10 {
		t.Fatalf("expected per-model daily allTokens 10, got %d", daily.AllTokens)
	}
}

func TestRecordAccount_IncrementsAcrossLifetimeDailyMonthly(t *testing.T) {
	store := keystore.NewMemoryStore()
	c := New(store)
	ctx := context.Background()
	now := time.Now()

	amounts := Amounts{Requests: 1, InputTokens: 20, CostMicros: 500}
	if err := c.RecordAccount(ctx, "acct-1", now, amounts); err != nil {
		t.Fatalf("RecordAccount: %v", err)
	}

	lifetime, err := store.IncrAccountCounter(ctx, keystore.AccountCounterKey{AccountID: "acct-1", Bucket: keystore.BucketLifetime, Time: now}, keystore.Delta{})
	if err != nil {
		t.Fatalf("IncrAccountCounter: %v", err)
	}
	if lifetime.AllTokens != 20 {
		t.Fatalf("expected lifetime allTokens 20, got %d", lifetime.AllTokens)
	}
}

func TestLifetimeAllTokens_UnknownKeyIsZero(t *testing.T) {
	store := keystore.NewMemoryStore()
	c := New(store)
	n, err := c.LifetimeAllTokens(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LifetimeAllTokens: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 for unknown key, got %d", n)
	}
}
