package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/session"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

var claudeVariants = []models.AccountVariant{models.VariantClaudeOAuth, models.VariantClaudeConsole}

func newTestScheduler(store *keystore.MemoryStore) *Scheduler {
	sessions := session.New(store, "test_claude_session_mapping:", time.Hour)
	log := logger.New()
	return New(store, sessions, log, models.PlatformClaude, claudeVariants)
}

func putAccount(t *testing.T, store *keystore.MemoryStore, acc *models.UpstreamAccount) {
	t.Helper()
	if acc.Status == "" {
		acc.Status = models.StatusActive
	}
	if err := store.PutAccount(context.Background(), acc); err != nil {
		t.Fatalf("PutAccount: %v", err)
	}
}

func wantErrKind(t *testing.T, err error, kind errs.Kind) {
	t.Helper()
	e, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T (%v)", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s", kind, e.Kind)
	}
}

func TestSelect_DedicatedBindingWinsOverSticky(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)

	putAccount(t, store, &models.UpstreamAccount{ID: "dedicated-1", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountDedicated})
	putAccount(t, store, &models.UpstreamAccount{ID: "sticky-1", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountShared})

	ctx := context.Background()
	sessions := session.New(store, "test_claude_session_mapping:", time.Hour)
	if err := sessions.Set(ctx, "session-a", models.SessionMapping{AccountID: "sticky-1", Variant: models.VariantClaudeOAuth}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	key := &models.ApiKey{Bindings: models.AccountBindings{ClaudeOAuthAccountID: "dedicated-1"}}
	sel, err := sched.Select(ctx, key, "session-a", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.AccountID != "dedicated-1" {
		t.Fatalf("expected dedicated binding to win, got %s", sel.AccountID)
	}
}

func TestSelect_StickySessionReusedWithinTTLNoRewrite(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	putAccount(t, store, &models.UpstreamAccount{ID: "acct-1", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountShared})

	sessions := session.New(store, "test_claude_session_mapping:", time.Hour)
	if err := sessions.Set(ctx, "session-b", models.SessionMapping{AccountID: "acct-1", Variant: models.VariantClaudeOAuth}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	before, err := sessions.Get(ctx, "session-b")
	if err != nil || before == nil {
		t.Fatalf("expected seeded session, got %v %v", before, err)
	}

	key := &models.ApiKey{}
	sel, err := sched.Select(ctx, key, "session-b", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.AccountID != "acct-1" {
		t.Fatalf("expected sticky reuse of acct-1, got %s", sel.AccountID)
	}

	after, err := sessions.Get(ctx, "session-b")
	if err != nil || after == nil {
		t.Fatalf("expected session still present, got %v %v", after, err)
	}
}

func TestSelect_GroupBindingMisconfiguredErrors(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	key := &models.ApiKey{Bindings: models.AccountBindings{ClaudeOAuthAccountID: "group:missing-group"}}
	_, err := sched.Select(ctx, key, "", "")
	wantErrKind(t, err, errs.GroupMisconfigured)
}

func TestSelect_GroupBindingEmptyGroupErrors(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	store.PutGroup(&models.AccountGroup{ID: "g1", Platform: models.PlatformClaude, Members: nil})

	key := &models.ApiKey{Bindings: models.AccountBindings{ClaudeOAuthAccountID: "group:g1"}}
	_, err := sched.Select(ctx, key, "", "")
	wantErrKind(t, err, errs.GroupMisconfigured)
}

func TestSelect_RateLimitedAccountFailsOver(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	limitedAt := time.Now()
	putAccount(t, store, &models.UpstreamAccount{
		ID: "limited-1", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true,
		AccountType: models.AccountShared, RateLimitStatus: models.RateLimitLimited, RateLimitedAt: &limitedAt,
	})
	putAccount(t, store, &models.UpstreamAccount{ID: "healthy-1", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountShared})

	sel, err := sched.Select(ctx, &models.ApiKey{}, "", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.AccountID != "healthy-1" {
		t.Fatalf("expected failover to healthy-1, got %s", sel.AccountID)
	}
}

func TestSelect_PriorityOverLRU(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	putAccount(t, store, &models.UpstreamAccount{ID: "low-priority-lru", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountShared, Priority: 2, LastUsedAt: older})
	putAccount(t, store, &models.UpstreamAccount{ID: "high-priority-recent", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true, AccountType: models.AccountShared, Priority: 1, LastUsedAt: newer})

	sel, err := sched.Select(ctx, &models.ApiKey{}, "", "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.AccountID != "high-priority-recent" {
		t.Fatalf("expected lower-priority-number account to rank first regardless of LRU, got %s", sel.AccountID)
	}
}

func TestSelect_ModelFilterExcludesUnsupported(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	putAccount(t, store, &models.UpstreamAccount{
		ID: "gpt-only", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true,
		AccountType: models.AccountShared, SupportedModels: []string{"claude-3-opus"},
	})
	putAccount(t, store, &models.UpstreamAccount{
		ID: "haiku-only", Variant: models.VariantClaudeOAuth, IsActive: true, Schedulable: true,
		AccountType: models.AccountShared, SupportedModels: []string{"claude-3-haiku"},
	})

	sel, err := sched.Select(ctx, &models.ApiKey{}, "", "claude-3-haiku")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.AccountID != "haiku-only" {
		t.Fatalf("expected model filter to pick haiku-only, got %s", sel.AccountID)
	}
}

func TestSelect_NoAvailableAccounts(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	_, err := sched.Select(ctx, &models.ApiKey{}, "", "")
	wantErrKind(t, err, errs.NoAvailableAccounts)
}

func TestSelect_IneligibleAccountExcludedFromPool(t *testing.T) {
	store := keystore.NewMemoryStore()
	sched := newTestScheduler(store)
	ctx := context.Background()

	putAccount(t, store, &models.UpstreamAccount{ID: "inactive-1", Variant: models.VariantClaudeOAuth, IsActive: false, Schedulable: true, AccountType: models.AccountShared})

	_, err := sched.Select(ctx, &models.ApiKey{}, "", "")
	wantErrKind(t, err, errs.NoAvailableAccounts)
}
