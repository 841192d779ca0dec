// Package admission implements C4: API-key validation and quota
// enforcement (spec.md §4.2).
//
// Grounded on the teacher's handlers.Middleware.AuthMiddleware (bearer
// token -> DB lookup) and RateLimitMiddleware (single fixed-window check),
// generalized into the full 9-step chain spec.md §4.2 specifies: secret
// prefix/hash validation, active/expiry/permission/model/client gates,
// the three quota checks, and the atomic concurrency reservation.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/core/errs"
	"github.com/mrmushfiq/llm0-gateway/internal/core/keystore"
	"github.com/mrmushfiq/llm0-gateway/internal/core/ratelimit"
	"github.com/mrmushfiq/llm0-gateway/internal/core/usage"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/metrics"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Request is the subset of an inbound relay request admission needs.
type Request struct {
	Platform models.Platform
	Model    string
	Client   string // User-Agent or client id
	ClientIP string // for the security log channel
}

// Token carries the decrement obligation spec.md §4.2 step 9 describes.
// It must be released exactly once, by the recorder or an abort path.
type Token struct {
	KeyID    string
	released bool
}

// Result is the outcome of Admit: either Admitted (with KeyData/Token) or
// an *errs.Error from the closed set in spec.md §7.
type Result struct {
	KeyData *models.ApiKey
	Token   *Token
}

// Admitter is C4.
type Admitter struct {
	store            keystore.Store
	limiter          *ratelimit.Limiter
	counters         *usage.Counter
	log              *logger.Logger
	secretPrefix     string
	globalPepper     string
	defaultRateLimit int
	metrics          *metrics.Registry
}

// New constructs an Admitter. defaultRateLimit is the fleet-wide
// requests-per-minute fallback applied to keys that don't set their own
// RateLimitRequests (0 disables the fallback, leaving such keys unlimited).
func New(store keystore.Store, limiter *ratelimit.Limiter, counters *usage.Counter, log *logger.Logger, secretPrefix, globalPepper string, defaultRateLimit int) *Admitter {
	return &Admitter{
		store:            store,
		limiter:          limiter,
		counters:         counters,
		log:              log,
		secretPrefix:     secretPrefix,
		globalPepper:     globalPepper,
		defaultRateLimit: defaultRateLimit,
	}
}

// SetMetrics attaches a metrics registry for concurrency-gauge reporting.
// Optional: Admit/Release work unchanged if this is never called, which is
// how every test in this package constructs an Admitter.
func (a *Admitter) SetMetrics(reg *metrics.Registry) {
	a.metrics = reg
}

// HashSecret computes hashedSecret = SHA-256(prefix‖secret‖globalPepper),
// spec.md §3's ApiKey.hashedSecret definition.
func (a *Admitter) HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(a.secretPrefix + secret + a.globalPepper))
	return hex.EncodeToString(sum[:])
}

// Admit runs the full 9-step chain of spec.md §4.2.
func (a *Admitter) Admit(ctx context.Context, presentedSecret string, req Request) (*Result, error) {
	// Step 1: secret must carry the configured prefix. Security-sensitive:
	// no information in the error distinguishes this from an unknown key.
	if len(presentedSecret) < 10 || len(presentedSecret) > 512 || a.secretPrefix != "" && !strings.HasPrefix(presentedSecret, a.secretPrefix) {
		a.log.Security(req.ClientIP, "rejected secret with bad prefix/length")
		return nil, errs.New(errs.Unauthorized, "invalid API key")
	}

	// Step 2: hash + indexed lookup.
	hashed := a.HashSecret(presentedSecret)
	key, err := a.store.FindApiKeyByHash(ctx, hashed)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "key lookup failed", err)
	}
	if key == nil {
		a.log.Security(req.ClientIP, "rejected unknown API key")
		return nil, errs.New(errs.Unauthorized, "invalid API key")
	}

	now := time.Now()

	// Step 3: active / expiry.
	if !key.IsActive {
		return nil, errs.New(errs.Disabled, "API key is disabled")
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(now) {
		// Lazy flip to disabled; best-effort, never blocks the response.
		go func() {
			key.IsActive = false
			_ = a.store.PutApiKey(context.Background(), key)
		}()
		return nil, errs.New(errs.Expired, "API key has expired")
	}

	// Step 4: permission covers platform.
	if !key.Permissions.Covers(req.Platform) {
		return nil, errs.New(errs.Forbidden, "API key does not permit this platform")
	}

	// Step 5: model restriction.
	if !key.ModelRestriction.Allows(req.Model) {
		return nil, errs.New(errs.ModelNotAllowed, "model not allowed for this API key")
	}

	// Step 6: client restriction.
	if !key.ClientRestriction.Allows(req.Client) {
		return nil, errs.New(errs.ClientNotAllowed, "client not allowed for this API key")
	}

	// Step 7: quotas.
	if key.TokenLimit > 0 {
		lifetime, err := a.counters.LifetimeAllTokens(ctx, key.ID)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "quota check failed", err)
		}
		if lifetime >= key.TokenLimit {
			return nil, errs.New(errs.TokenLimitExceeded, "token limit exceeded")
		}
	}
	if key.DailyCostLimit > 0 {
		costMicros, err := a.counters.TodayCostMicros(ctx, key.ID, now)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "quota check failed", err)
		}
		limitMicros := int64(key.DailyCostLimit * 1_000_000)
		if costMicros >= limitMicros {
			return nil, errs.New(errs.DailyCostExceeded, "daily cost limit exceeded")
		}
	}
	limitRequests, limitWindowSec := key.RateLimitRequests, key.RateLimitWindowSec
	if limitRequests <= 0 && a.defaultRateLimit > 0 {
		limitRequests, limitWindowSec = a.defaultRateLimit, 60
	}
	if limitRequests > 0 {
		allowed, _, err := a.limiter.AllowRequest(ctx, key.ID, limitWindowSec, limitRequests)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "rate limit check failed", err)
		}
		if !allowed {
			return nil, errs.New(errs.RateLimited, "rate limit exceeded")
		}
	}

	// Step 8: atomic concurrency reservation with post-check revert.
	if key.ConcurrencyLimit > 0 {
		n, err := a.store.IncrConcurrency(ctx, key.ID)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "concurrency reservation failed", err)
		}
		if n > int64(key.ConcurrencyLimit) {
			_ = a.store.DecrConcurrency(ctx, key.ID)
			if a.metrics != nil {
				a.metrics.SetConcurrencyInUse(key.ID, n-1)
			}
			return nil, errs.New(errs.ConcurrencyExceeded, "too many concurrent requests")
		}
		if a.metrics != nil {
			a.metrics.SetConcurrencyInUse(key.ID, n)
		}
	} else {
		n, err := a.store.IncrConcurrency(ctx, key.ID)
		if err != nil {
			return nil, errs.Wrap(errs.InternalError, "concurrency reservation failed", err)
		}
		if a.metrics != nil {
			a.metrics.SetConcurrencyInUse(key.ID, n)
		}
	}

	return &Result{KeyData: key, Token: &Token{KeyID: key.ID}}, nil
}

// Release decrements the concurrency reservation exactly once. Safe to
// call from any abort path (timeout, cancellation, upstream error); calling
// it twice for the same Token is a caller bug, guarded against here.
func (a *Admitter) Release(ctx context.Context, tok *Token) error {
	if tok == nil || tok.released {
		return nil
	}
	tok.released = true
	return a.store.DecrConcurrency(ctx, tok.KeyID)
}
