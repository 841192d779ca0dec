package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/admission"
	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// apiIDPattern is the UUID shape spec.md §6 requires of apiId.
var apiIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-([0-9a-f]{4}-){3}[0-9a-f]{12}$`)

// StatsHandler serves the self-service endpoints of spec.md §6:
// get-key-id, user-stats, user-model-stats. Grounded on the teacher's
// handlers package shape (one handler struct per concern, constructed with
// its collaborators), generalized from "look up one APIKey row" to the
// richer ApiKey/usage-counter view these endpoints expose.
type StatsHandler struct {
	store    keystore.Store
	admitter *admission.Admitter
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(store keystore.Store, admitter *admission.Admitter) *StatsHandler {
	return &StatsHandler{store: store, admitter: admitter}
}

type getKeyIDRequest struct {
	ApiKey string `json:"apiKey"`
}

// HandleGetKeyID serves POST /apiStats/api/get-key-id.
func (h *StatsHandler) HandleGetKeyID(w http.ResponseWriter, r *http.Request) {
	var req getKeyIDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ApiKey == "" {
		writeError(w, errs.New(errs.MalformedRequest, "body must include apiKey"))
		return
	}

	key, err := h.store.FindApiKeyByHash(r.Context(), h.admitter.HashSecret(req.ApiKey))
	if err != nil {
		writeError(w, errs.Wrap(errs.InternalError, "lookup failed", err))
		return
	}
	if key == nil {
		writeError(w, errs.New(errs.Unauthorized, "invalid API key"))
		return
	}

	writeSuccess(w, map[string]string{"id": key.ID})
}

type selfServiceRequest struct {
	ApiKey string `json:"apiKey"`
	ApiID  string `json:"apiId"`
	Period string `json:"period"`
}

// resolveKey finds the requesting key by either its presented secret or
// its id, as spec.md §6's `{apiKey|apiId}` bodies allow.
func (h *StatsHandler) resolveKey(r *http.Request, req selfServiceRequest) (*models.ApiKey, error) {
	if req.ApiKey != "" {
		return h.store.FindApiKeyByHash(r.Context(), h.admitter.HashSecret(req.ApiKey))
	}
	if req.ApiID != "" {
		if !apiIDPattern.MatchString(req.ApiID) {
			return nil, errs.New(errs.MalformedRequest, "apiId must be a UUID")
		}
		return h.store.GetApiKey(r.Context(), req.ApiID)
	}
	return nil, errs.New(errs.MalformedRequest, "body must include apiKey or apiId")
}

// HandleUserStats serves POST /apiStats/api/user-stats.
func (h *StatsHandler) HandleUserStats(w http.ResponseWriter, r *http.Request) {
	var req selfServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.MalformedRequest, "invalid request body"))
		return
	}

	key, err := h.resolveKey(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if key == nil {
		writeError(w, errs.New(errs.Unauthorized, "invalid API key"))
		return
	}

	now := time.Now()
	lifetime, _ := h.store.GetKeyCounter(r.Context(), keystore.CounterKey{KeyID: key.ID, Bucket: keystore.BucketLifetime})
	daily, _ := h.store.GetKeyCounter(r.Context(), keystore.CounterKey{KeyID: key.ID, Bucket: keystore.BucketDaily, Time: now})
	monthly, _ := h.store.GetKeyCounter(r.Context(), keystore.CounterKey{KeyID: key.ID, Bucket: keystore.BucketMonthly, Time: now})

	writeSuccess(w, map[string]interface{}{
		"identity": map[string]interface{}{
			"id":        key.ID,
			"name":      key.Name,
			"isActive":  key.IsActive,
			"expiresAt": key.ExpiresAt,
			"tags":      key.Tags,
		},
		"limits": map[string]interface{}{
			"tokenLimit":         key.TokenLimit,
			"concurrencyLimit":   key.ConcurrencyLimit,
			"dailyCostLimit":     key.DailyCostLimit,
			"rateLimitWindowSec": key.RateLimitWindowSec,
			"rateLimitRequests":  key.RateLimitRequests,
		},
		"restrictions": map[string]interface{}{
			"model":  key.ModelRestriction,
			"client": key.ClientRestriction,
		},
		"usage": map[string]interface{}{
			"lifetime": lifetime,
			"daily":    daily,
			"monthly":  monthly,
		},
		"cost": map[string]string{
			"lifetime": formatMicros(lifetime.CostMicros),
			"daily":    formatMicros(daily.CostMicros),
			"monthly":  formatMicros(monthly.CostMicros),
		},
	})
}

type modelStat struct {
	Model string                `json:"model"`
	models.CounterFields `json:"usage"`
	Cost  string                `json:"cost"`
}

// HandleUserModelStats serves POST /apiStats/api/user-model-stats.
func (h *StatsHandler) HandleUserModelStats(w http.ResponseWriter, r *http.Request) {
	var req selfServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.MalformedRequest, "invalid request body"))
		return
	}

	key, err := h.resolveKey(r, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if key == nil {
		writeError(w, errs.New(errs.Unauthorized, "invalid API key"))
		return
	}

	bucket := keystore.BucketDaily
	if req.Period == "monthly" {
		bucket = keystore.BucketMonthly
	}

	models_, err := h.store.ListKeyModels(r.Context(), key.ID)
	if err != nil {
		writeError(w, errs.Wrap(errs.InternalError, "model list failed", err))
		return
	}

	now := time.Now()
	stats := make([]modelStat, 0, len(models_))
	for _, model := range models_ {
		fields, err := h.store.GetKeyCounter(r.Context(), keystore.CounterKey{KeyID: key.ID, Model: model, Bucket: bucket, Time: now})
		if err != nil {
			continue
		}
		stats = append(stats, modelStat{Model: model, CounterFields: fields, Cost: formatMicros(fields.CostMicros)})
	}

	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].AllTokens > stats[j].AllTokens
	})

	writeSuccess(w, map[string]interface{}{"period": string(bucket), "models": stats})
}

func formatMicros(micros int64) string {
	return fmt.Sprintf("$%d.%06d", micros/1_000_000, micros%1_000_000)
}

func writeSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": data})
}

// HandleHealth serves GET /health.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
