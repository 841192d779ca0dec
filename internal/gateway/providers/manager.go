package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// Manager builds a Provider client for whichever UpstreamAccount the
// scheduler (C5) selected, using that account's own credential rather than
// a single process-wide API key per model family.
//
// Grounded on the teacher's providers.Manager, which held one provider
// instance per model family behind a static model-prefix lookup. Account
// scheduling moved routing out of this package (C5 already decided which
// account, and therefore which variant, serves a request); Manager's job
// shrinks to "construct a client for this account" and grows to "support
// every account concurrently", since two dedicated accounts on the same
// variant carry different credentials.
type Manager struct{}

// NewManager creates a Manager. It holds no state: every call is
// parameterized by the account the scheduler already chose.
func NewManager() *Manager {
	return &Manager{}
}

// ForAccount returns the Provider client that authenticates as account.
func (m *Manager) ForAccount(account *models.UpstreamAccount) (Provider, error) {
	switch account.Variant {
	case models.VariantOpenAI:
		return NewOpenAIProvider(account.ID, account.Credential), nil
	case models.VariantClaudeOAuth, models.VariantClaudeConsole:
		return NewAnthropicProvider(account.ID, account.Variant, account.Credential), nil
	case models.VariantGemini:
		return NewGeminiProvider(account.ID, account.Credential), nil
	default:
		return nil, fmt.Errorf("unsupported account variant: %s", account.Variant)
	}
}

// resolveUpstreamModel applies a Console-variant account's
// SupportedModelsMap (client-model -> upstream-model) before the request
// reaches the provider client. Accounts without an entry for req.Model pass
// it through unchanged.
func resolveUpstreamModel(account *models.UpstreamAccount, req ChatRequest) ChatRequest {
	if upstream, ok := account.SupportedModelsMap[req.Model]; ok && upstream != "" {
		req.Model = upstream
	}
	return req
}

// ChatCompletion dispatches a chat completion to the given account. Unlike
// the teacher's Manager.ChatCompletion, there is no in-process failover
// chain here: on a 429-class or 5xx error the caller marks the account
// rate-limited (C7 MarkLimited) so that later C5 selections skip it. The
// failed request itself is not re-dispatched to another account.
func (m *Manager) ChatCompletion(ctx context.Context, account *models.UpstreamAccount, req ChatRequest) (*ChatResponse, error) {
	provider, err := m.ForAccount(account)
	if err != nil {
		return nil, err
	}
	return provider.ChatCompletion(ctx, resolveUpstreamModel(account, req))
}

// ChatCompletionStream is the streaming counterpart of ChatCompletion.
func (m *Manager) ChatCompletionStream(ctx context.Context, account *models.UpstreamAccount, req ChatRequest) (StreamReader, error) {
	provider, err := m.ForAccount(account)
	if err != nil {
		return nil, err
	}
	return provider.ChatCompletionStream(ctx, resolveUpstreamModel(account, req))
}

// IsRetryable reports whether an upstream error is 429-class, a timeout or
// a 5xx, generalizing the teacher's isRetryableError into the predicate
// the relay handler uses to decide whether to mark the account
// rate-limited. The error is still returned to the client either way.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "status 5")
}
