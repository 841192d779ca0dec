package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/ratelimit"
	"github.com/mrmushfiq/llm0-gateway/internal/core/recorder"
	"github.com/mrmushfiq/llm0-gateway/internal/core/scheduler"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// ChatHandler serves one platform's relay route (spec.md §6: /claude,
// /openai, /gemini each own a Scheduler instance and a SessionMap
// namespace). Grounded on the teacher's ChatHandler, generalized from "one
// global provider manager" to "admit, then schedule, then call, then
// record" per spec.md §4's request flow.
type ChatHandler struct {
	platform    models.Platform
	admitter    *admission.Admitter
	scheduler   *scheduler.Scheduler
	limiter     *ratelimit.Limiter
	store       keystore.Store
	providerMgr *providers.Manager
	recorder    *recorder.Recorder
	cache       *cache.Cache
	metrics     *metrics.Registry
	log         *logger.Logger
}

// NewChatHandler constructs a ChatHandler for one platform. reg may be nil
// (Prometheus observations are skipped).
func NewChatHandler(platform models.Platform, admitter *admission.Admitter, sched *scheduler.Scheduler, limiter *ratelimit.Limiter, store keystore.Store, providerMgr *providers.Manager, rec *recorder.Recorder, cache *cache.Cache, reg *metrics.Registry, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		platform:    platform,
		admitter:    admitter,
		scheduler:   sched,
		limiter:     limiter,
		store:       store,
		providerMgr: providerMgr,
		recorder:    rec,
		cache:       cache,
		metrics:     reg,
		log:         log,
	}
}

// HandleChatCompletion handles POST /<platform>/v1/chat/completions.
func (h *ChatHandler) HandleChatCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	result, ok := ctx.Value(ctxKeyAdmission).(*admission.Result)
	if !ok {
		writeError(w, errs.New(errs.Unauthorized, "missing admission result"))
		return
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.abort(ctx, result, startTime)
		writeError(w, errs.New(errs.MalformedRequest, "invalid request body"))
		return
	}

	if req.Stream {
		h.handleStreamingChat(w, r, result, req)
		return
	}

	sessionHash := sessionHashFor(req)

	var cacheHit bool
	var resp *providers.ChatResponse
	if cached, err := h.cache.Get(ctx, req); err == nil && cached != nil {
		resp = cached
		resp.CostUSD = 0
		cacheHit = true
	}

	var account *models.UpstreamAccount
	if !cacheHit {
		sel, err := h.scheduler.Select(ctx, result.KeyData, sessionHash, req.Model)
		if err != nil {
			h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model}, "scheduler_error", startTime)
			writeError(w, err)
			return
		}

		account, err = h.store.GetAccount(ctx, sel.AccountID)
		if err != nil || account == nil {
			h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model}, "internal_error", startTime)
			writeError(w, errs.Wrap(errs.InternalError, "account lookup failed", err))
			return
		}
		if h.metrics != nil {
			h.metrics.RecordAccountSelection(string(h.platform), account.ID)
		}

		providerResp, err := h.providerMgr.ChatCompletion(ctx, account, req)
		if err != nil {
			if providers.IsRetryable(err) {
				_ = h.limiter.MarkLimited(ctx, account.ID)
				if h.metrics != nil {
					h.metrics.RecordAccountRateLimited(string(h.platform), account.ID)
				}
			}
			h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, AccountID: account.ID, Model: req.Model}, "upstream_error", startTime)
			writeError(w, errs.Wrap(errs.UpstreamError, fmt.Sprintf("provider error: %v", err), err))
			return
		}
		resp = providerResp

		if err := h.cache.Set(ctx, req, resp); err != nil {
			h.log.Warn("cache write failed: %v", err)
		}
	}

	totalLatency := int(time.Since(startTime).Milliseconds())
	resp.LatencyMs = totalLatency

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%v", cacheHit))
	w.Header().Set("X-Latency-Ms", fmt.Sprintf("%d", totalLatency))

	// Cache hits were already accounted for when the response was first
	// computed; a replay records a request with zero tokens, not a repeat
	// charge.
	outcome := recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model, CacheHit: cacheHit}
	if !cacheHit {
		outcome.InputTokens = int64(resp.Usage.PromptTokens)
		outcome.OutputTokens = int64(resp.Usage.CompletionTokens)
	}
	if account != nil {
		outcome.AccountID = account.ID
	}
	h.finish(ctx, result, outcome, "success", startTime)

	json.NewEncoder(w).Encode(resp)
}

// handleStreamingChat streams chat completions as server-sent events.
func (h *ChatHandler) handleStreamingChat(w http.ResponseWriter, r *http.Request, result *admission.Result, req providers.ChatRequest) {
	ctx := r.Context()
	startTime := time.Now()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model}, "internal_error", startTime)
		writeError(w, errs.New(errs.InternalError, "streaming not supported"))
		return
	}

	sessionHash := sessionHashFor(req)
	sel, err := h.scheduler.Select(ctx, result.KeyData, sessionHash, req.Model)
	if err != nil {
		h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model}, "scheduler_error", startTime)
		writeError(w, err)
		return
	}

	account, err := h.store.GetAccount(ctx, sel.AccountID)
	if err != nil || account == nil {
		h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, Model: req.Model}, "internal_error", startTime)
		writeError(w, errs.Wrap(errs.InternalError, "account lookup failed", err))
		return
	}
	if h.metrics != nil {
		h.metrics.RecordAccountSelection(string(h.platform), account.ID)
	}

	stream, err := h.providerMgr.ChatCompletionStream(ctx, account, req)
	if err != nil {
		if providers.IsRetryable(err) {
			_ = h.limiter.MarkLimited(ctx, account.ID)
			if h.metrics != nil {
				h.metrics.RecordAccountRateLimited(string(h.platform), account.ID)
			}
		}
		h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID, AccountID: account.ID, Model: req.Model}, "upstream_error", startTime)
		writeError(w, errs.Wrap(errs.UpstreamError, fmt.Sprintf("streaming error: %v", err), err))
		return
	}
	defer stream.Close()

	var inputTokens, outputTokens int64
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(w, "data: {\"error\": \"%s\"}\n\n", err.Error())
			flusher.Flush()
			break
		}

		if chunk.Usage != nil {
			inputTokens = int64(chunk.Usage.PromptTokens)
			outputTokens = int64(chunk.Usage.CompletionTokens)
		}

		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	h.finish(ctx, result, recorder.Outcome{
		KeyID:        result.KeyData.ID,
		AccountID:    account.ID,
		Model:        req.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, "success", startTime)
}

// abort releases the concurrency reservation for a request that never
// reached the point of picking an account (e.g. malformed body).
func (h *ChatHandler) abort(ctx context.Context, result *admission.Result, startTime time.Time) {
	h.finish(ctx, result, recorder.Outcome{KeyID: result.KeyData.ID}, "rejected", startTime)
}

func (h *ChatHandler) finish(ctx context.Context, result *admission.Result, outcome recorder.Outcome, status string, startTime time.Time) {
	outcome.Platform = string(h.platform)
	outcome.Method = http.MethodPost
	outcome.Endpoint = "/" + string(h.platform) + "/v1/chat/completions"
	outcome.StatusCode = statusCodeFor(status)
	if status != "success" {
		outcome.ErrorMessage = status
	}
	h.recorder.Record(ctx, h.admitter, result.Token, outcome)
	if h.metrics != nil {
		h.metrics.RecordRequest(string(h.platform), status, time.Since(startTime).Seconds())
	}
}

// statusCodeFor maps the coarse outcome label finish() is called with to the
// HTTP status class it corresponds to, for the durable audit row.
func statusCodeFor(status string) int {
	switch status {
	case "success":
		return http.StatusOK
	case "rejected":
		return http.StatusBadRequest
	case "scheduler_error":
		return http.StatusServiceUnavailable
	case "upstream_error":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sessionHashFor derives the sticky-session fingerprint spec.md §4.4
// describes: SHA-256 of the system prompt plus the first user message.
// Requests with neither produce no sticky grouping.
func sessionHashFor(req providers.ChatRequest) string {
	var systemPrompt, firstUser string
	for _, msg := range req.Messages {
		if msg.Role == "system" && systemPrompt == "" {
			systemPrompt = msg.Content
		}
		if msg.Role == "user" && firstUser == "" {
			firstUser = msg.Content
		}
		if systemPrompt != "" && firstUser != "" {
			break
		}
	}
	if systemPrompt == "" && firstUser == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(systemPrompt + "\x00" + firstUser))
	return hex.EncodeToString(sum[:])
}
