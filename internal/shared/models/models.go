// Package models holds the data-model types shared between the core
// admission/scheduling packages and the HTTP handlers.
package models

import "time"

// Platform identifies which upstream family a request or permission
// targets.
type Platform string

const (
	PlatformClaude Platform = "claude"
	PlatformGemini Platform = "gemini"
	PlatformOpenAI Platform = "openai"
	PlatformAll    Platform = "all"
)

// Covers reports whether the key's granted permission covers the given
// request platform.
func (p Platform) Covers(requested Platform) bool {
	if p == PlatformAll {
		return true
	}
	return p == requested
}

// AccountVariant is the concrete upstream credential kind. It is distinct
// from AccountType (shared/dedicated), which governs pool membership.
type AccountVariant string

const (
	VariantClaudeOAuth   AccountVariant = "claude_oauth"
	VariantClaudeConsole AccountVariant = "claude_console"
	VariantOpenAI        AccountVariant = "openai"
	VariantGemini        AccountVariant = "gemini"
)

// Platform returns the request platform this variant serves.
func (v AccountVariant) Platform() Platform {
	switch v {
	case VariantClaudeOAuth, VariantClaudeConsole:
		return PlatformClaude
	case VariantOpenAI:
		return PlatformOpenAI
	case VariantGemini:
		return PlatformGemini
	default:
		return ""
	}
}

// AccountType governs whether an UpstreamAccount is open to the shared
// pool or reserved for a dedicated binding.
type AccountType string

const (
	AccountShared    AccountType = "shared"
	AccountDedicated AccountType = "dedicated"
)

// AccountStatus mirrors the admin-visible health of an upstream account.
type AccountStatus string

const (
	StatusActive       AccountStatus = "active"
	StatusError        AccountStatus = "error"
	StatusBlocked      AccountStatus = "blocked"
	StatusUnauthorized AccountStatus = "unauthorized"
)

// RateLimitState is the per-account rate-limit flag maintained by C7.
type RateLimitState string

const (
	RateLimitNormal  RateLimitState = "normal"
	RateLimitLimited RateLimitState = "limited"
)

// ModelRestrictionMode resolves the ambiguity spec.md leaves open around
// "restrictedModels": it is either an allow-list or a deny-list, and the
// key record states which.
type ModelRestrictionMode string

const (
	ModelRestrictionAllow ModelRestrictionMode = "allow"
	ModelRestrictionDeny  ModelRestrictionMode = "deny"
)

// ModelRestriction is the model-allow/deny gate on an ApiKey.
type ModelRestriction struct {
	Enabled bool
	Mode    ModelRestrictionMode
	Models  []string
}

// Allows reports whether the requested model passes this restriction.
func (r ModelRestriction) Allows(model string) bool {
	if !r.Enabled || model == "" {
		return true
	}
	found := false
	for _, m := range r.Models {
		if m == model {
			found = true
			break
		}
	}
	if r.Mode == ModelRestrictionDeny {
		return !found
	}
	return found
}

// ClientRestriction gates requests by user-agent / client id.
type ClientRestriction struct {
	Enabled        bool
	AllowedClients []string
}

// Allows reports whether the given client identifier passes the
// restriction.
func (r ClientRestriction) Allows(client string) bool {
	if !r.Enabled {
		return true
	}
	for _, c := range r.AllowedClients {
		if c == client {
			return true
		}
	}
	return false
}

// AccountBindings are the optional per-platform dedicated/group bindings
// on an ApiKey. Each value is either a bare account id or "group:<id>".
type AccountBindings struct {
	ClaudeOAuthAccountID   string
	ClaudeConsoleAccountID string
	OpenAIAccountID        string
	GeminiAccountID        string
}

// ForVariant returns the binding configured for the given account variant,
// and whether one is set at all.
func (b AccountBindings) ForVariant(v AccountVariant) (string, bool) {
	var raw string
	switch v {
	case VariantClaudeOAuth:
		raw = b.ClaudeOAuthAccountID
	case VariantClaudeConsole:
		raw = b.ClaudeConsoleAccountID
	case VariantOpenAI:
		raw = b.OpenAIAccountID
	case VariantGemini:
		raw = b.GeminiAccountID
	}
	return raw, raw != ""
}

// ApiKey is the logical credential issued to a tenant (spec.md §3).
type ApiKey struct {
	ID                 string
	Name               string
	HashedSecret       string
	IsActive           bool
	CreatedAt          time.Time
	ExpiresAt          *time.Time
	Permissions        Platform
	TokenLimit         int64
	ConcurrencyLimit   int
	RateLimitWindowSec int
	RateLimitRequests  int
	DailyCostLimit     float64
	ModelRestriction   ModelRestriction
	ClientRestriction  ClientRestriction
	Bindings           AccountBindings
	Tags               []string
	LastUsedAt         *time.Time
}

// UpstreamAccount is one of {ClaudeOAuth, ClaudeConsole, OpenAI, Gemini},
// modeled as a single struct tagged by Variant rather than an interface
// hierarchy, since every variant shares the full capability set the
// scheduler needs (spec.md §9 "Heterogeneous accounts").
type UpstreamAccount struct {
	ID              string
	Name            string
	Variant         AccountVariant
	IsActive        bool
	Status          AccountStatus
	AccountType     AccountType
	Schedulable     bool
	Priority        int
	LastUsedAt      time.Time
	RateLimitStatus RateLimitState
	RateLimitedAt   *time.Time

	// SupportedModels may be empty (all models), an allow-list, or
	// (ClaudeConsole) a client-model -> upstream-model mapping.
	SupportedModels    []string
	SupportedModelsMap map[string]string

	GroupID string // non-empty if this account is a member of an AccountGroup

	// Credential is the opaque upstream secret (API key or OAuth access
	// token) the provider client authenticates with. Out of scope for
	// admission/scheduling; only the I/O layer reads it.
	Credential string
}

// RateLimited reports whether the account is currently inside the 1-hour
// rate-limit window started at RateLimitedAt (spec.md §4.3).
func (a UpstreamAccount) RateLimited(now time.Time) bool {
	if a.RateLimitStatus != RateLimitLimited || a.RateLimitedAt == nil {
		return false
	}
	return now.Before(a.RateLimitedAt.Add(time.Hour))
}

// ModelSupported implements the three SupportedModels interpretations of
// spec.md §4.5: empty means "all", a populated list is an allow-list, and
// a populated map is a client->upstream rewrite table (Console variant).
func (a UpstreamAccount) ModelSupported(model string) bool {
	if model == "" {
		return true
	}
	if len(a.SupportedModelsMap) > 0 {
		_, ok := a.SupportedModelsMap[model]
		return ok
	}
	if len(a.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Eligible implements the eligibility predicate of spec.md §3.
func (a UpstreamAccount) Eligible(now time.Time, model string) bool {
	if !a.IsActive || !a.Schedulable {
		return false
	}
	if a.Status != StatusActive {
		return false
	}
	if a.RateLimited(now) {
		return false
	}
	return a.ModelSupported(model)
}

// AccountGroup is a named set of accounts of one platform.
type AccountGroup struct {
	ID       string
	Platform Platform
	Members  []string // UpstreamAccount IDs
}

// SessionMapping is the sticky session -> account pairing (spec.md §3/§4.4).
type SessionMapping struct {
	AccountID string
	Variant   AccountVariant
}

// CounterFields are the non-negative monotonic fields every usage counter
// bucket tracks (spec.md §3).
type CounterFields struct {
	Requests          int64
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	AllTokens         int64
	CostMicros        int64 // cost stored as fixed-point micros (1e-6 USD)
}

// ModelPricing represents pricing for an LLM model, kept from the teacher's
// Postgres-backed pricing table and reused by the cost calculator.
type ModelPricing struct {
	ID                   string
	Provider             string
	Model                string
	InputPer1kTokens     float64
	OutputPer1kTokens    float64
	CacheCreatePer1kUnit float64
	CacheReadPer1kUnit   float64
	ContextWindow        int
	SupportsStreaming    bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// GatewayLog represents a request log entry, adapted from the teacher's
// GatewayLog to the richer account-variant world.
type GatewayLog struct {
	ID               string
	APIKeyID         *string
	AccountID        *string
	Method           string
	Endpoint         string
	Model            string
	Provider         string
	CostUSD          float64
	LatencyMs        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheHit         bool
	FailoverUsed     bool
	OriginalProvider *string
	StatusCode       int
	ErrorMessage     *string
	CreatedAt        time.Time
}
