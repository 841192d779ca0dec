// Package recorder implements C8, the post-response accounting hook of
// spec.md §4.6.
//
// Grounded on the teacher's ChatHandler.logRequest/calculateCost
// (internal/gateway/handlers/chat.go), which fire a goroutine that prices
// the response and writes one Postgres row; generalized into the full
// pipeline spec.md §4.6 specifies (C2 counters across three dimensions,
// lastUsedAt touches, the durable audit row, and the mandatory concurrency
// release), while keeping the teacher's "never block or fail the response"
// contract.
package recorder

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/cost"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/usage"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Outcome is the input to Record: what actually happened on an admitted
// request, however it ended (success, timeout, cancellation, upstream
// error). Token counts are zero-valued on abort before any upstream bytes
// arrived.
type Outcome struct {
	KeyID             string
	AccountID         string // empty if the request ended before an account was selected
	Platform          string
	Model             string
	Method            string
	Endpoint          string
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	CacheHit          bool
	StatusCode        int
	ErrorMessage      string
}

// Recorder is C8.
type Recorder struct {
	store    keystore.Store
	counters *usage.Counter
	prices   cost.PriceTable
	metrics  *metrics.Registry
	log      *logger.Logger
}

// New constructs a Recorder. metrics may be nil, in which case Prometheus
// observations are skipped (tests construct Recorder without a registry).
func New(store keystore.Store, counters *usage.Counter, prices cost.PriceTable, reg *metrics.Registry, log *logger.Logger) *Recorder {
	return &Recorder{store: store, counters: counters, prices: prices, metrics: reg, log: log}
}

// Record runs the full spec.md §4.6 pipeline and always releases tok,
// regardless of any error encountered along the way. Store failures are
// logged and swallowed — they must never surface as a user-visible error,
// since Record runs after the upstream response has already been decided.
func (r *Recorder) Record(ctx context.Context, adm *admission.Admitter, tok *admission.Token, o Outcome) {
	defer func() {
		if err := adm.Release(ctx, tok); err != nil {
			r.log.Error("failed to release concurrency reservation for key %s: %v", o.KeyID, err)
		}
	}()

	now := time.Now()

	result := cost.Calculate(r.prices, r.log, o.Model, cost.Tokens{
		Input:       o.InputTokens,
		Output:      o.OutputTokens,
		CacheCreate: o.CacheCreateTokens,
		CacheRead:   o.CacheReadTokens,
	})
	costMicros := result.Total.Shift(6).IntPart()

	amounts := usage.Amounts{
		Requests:          1,
		InputTokens:       o.InputTokens,
		OutputTokens:      o.OutputTokens,
		CacheCreateTokens: o.CacheCreateTokens,
		CacheReadTokens:   o.CacheReadTokens,
		CostMicros:        costMicros,
	}

	if err := r.counters.RecordKey(ctx, o.KeyID, now, amounts); err != nil {
		r.log.Error("failed to record key counters for %s: %v", o.KeyID, err)
	}
	if err := r.counters.RecordKeyHourly(ctx, o.KeyID, now, amounts); err != nil {
		r.log.Warn("failed to record hourly telemetry for %s: %v", o.KeyID, err)
	}
	if o.Model != "" {
		if err := r.counters.RecordKeyModel(ctx, o.KeyID, o.Model, now, amounts); err != nil {
			r.log.Error("failed to record key/model counters for %s/%s: %v", o.KeyID, o.Model, err)
		}
	}
	if err := r.store.TouchApiKeyLastUsed(ctx, o.KeyID, now); err != nil {
		r.log.Error("failed to touch lastUsedAt for key %s: %v", o.KeyID, err)
	}

	if o.AccountID != "" {
		if err := r.counters.RecordAccount(ctx, o.AccountID, now, amounts); err != nil {
			r.log.Error("failed to record account counters for %s: %v", o.AccountID, err)
		}
		if err := r.store.TouchAccountLastUsed(ctx, o.AccountID, now); err != nil {
			r.log.Error("failed to touch lastUsedAt for account %s: %v", o.AccountID, err)
		}
	}

	if r.metrics != nil {
		r.metrics.RecordTokens(o.Platform, o.InputTokens, o.OutputTokens, o.CacheCreateTokens, o.CacheReadTokens)
		r.metrics.RecordCost(o.Platform, costMicros)
	}

	entry := &models.GatewayLog{
		APIKeyID:         &o.KeyID,
		Method:           o.Method,
		Endpoint:         o.Endpoint,
		Model:            o.Model,
		Provider:         o.Platform,
		CostUSD:          result.Total.InexactFloat64(),
		PromptTokens:     int(o.InputTokens),
		CompletionTokens: int(o.OutputTokens),
		TotalTokens:      int(o.InputTokens + o.OutputTokens),
		CacheHit:         o.CacheHit,
		StatusCode:       o.StatusCode,
		CreatedAt:        now,
	}
	if o.AccountID != "" {
		entry.AccountID = &o.AccountID
	}
	if o.ErrorMessage != "" {
		entry.ErrorMessage = &o.ErrorMessage
	}
	if err := r.store.LogRequest(ctx, entry); err != nil {
		r.log.Warn("failed to write request log for key %s: %v", o.KeyID, err)
	}
}
