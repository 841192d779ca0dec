package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

// MemoryStore is an in-memory fake implementing Store, used by the core
// packages' own tests (the teacher ships no tests and no fakes, but the
// pack's idiom for this kind of contract — e.g. sofatutor-llm-proxy's test
// helpers — is a hand-rolled fake over a mocking framework).
type MemoryStore struct {
	mu sync.Mutex

	keys       map[string]*models.ApiKey
	keysByHash map[string]string // hash -> id
	accounts   map[string]*models.UpstreamAccount
	groups     map[string]*models.AccountGroup
	sessions   map[string]models.SessionMapping
	sessionExp map[string]time.Time
	keyCounter  map[string]models.CounterFields
	acctCounter map[string]models.CounterFields
	concurrency map[string]int64
	windows     map[string][]time.Time
	keyModels   map[string]map[string]bool
	requestLog  []*models.GatewayLog
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:        make(map[string]*models.ApiKey),
		keysByHash:  make(map[string]string),
		accounts:    make(map[string]*models.UpstreamAccount),
		groups:      make(map[string]*models.AccountGroup),
		sessions:    make(map[string]models.SessionMapping),
		sessionExp:  make(map[string]time.Time),
		keyCounter:  make(map[string]models.CounterFields),
		acctCounter: make(map[string]models.CounterFields),
		concurrency: make(map[string]int64),
		windows:     make(map[string][]time.Time),
		keyModels:   make(map[string]map[string]bool),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) GetApiKey(_ context.Context, id string) (*models.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *MemoryStore) FindApiKeyByHash(_ context.Context, hash string) (*models.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keysByHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *m.keys[id]
	return &cp, nil
}

func (m *MemoryStore) ListApiKeys(_ context.Context) ([]*models.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ApiKey, 0, len(m.keys))
	for _, k := range m.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PutApiKey(_ context.Context, key *models.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	m.keysByHash[key.HashedSecret] = key.ID
	return nil
}

func (m *MemoryStore) DeleteApiKey(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		delete(m.keysByHash, k.HashedSecret)
	}
	delete(m.keys, id)
	return nil
}

func (m *MemoryStore) TouchApiKeyLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		t := at
		k.LastUsedAt = &t
	}
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*models.UpstreamAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, variant models.AccountVariant) ([]*models.UpstreamAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UpstreamAccount
	for _, a := range m.accounts {
		if a.Variant == variant {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) PutAccount(_ context.Context, account *models.UpstreamAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *account
	m.accounts[account.ID] = &cp
	return nil
}

func (m *MemoryStore) TouchAccountLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.LastUsedAt = at
	}
	return nil
}

func (m *MemoryStore) MarkAccountLimited(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.RateLimitStatus = models.RateLimitLimited
		t := at
		a.RateLimitedAt = &t
	}
	return nil
}

func (m *MemoryStore) ClearAccountLimited(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.RateLimitStatus = models.RateLimitNormal
		a.RateLimitedAt = nil
	}
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (*models.AccountGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

// PutGroup is a test-only helper (not part of Store) for seeding groups.
func (m *MemoryStore) PutGroup(g *models.AccountGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.groups[g.ID] = &cp
}

func addFields(a models.CounterFields, d Delta) models.CounterFields {
	return models.CounterFields{
		Requests:          a.Requests + d.Requests,
		InputTokens:       a.InputTokens + d.InputTokens,
		OutputTokens:      a.OutputTokens + d.OutputTokens,
		CacheCreateTokens: a.CacheCreateTokens + d.CacheCreateTokens,
		CacheReadTokens:   a.CacheReadTokens + d.CacheReadTokens,
		AllTokens:         a.AllTokens + d.AllTokens,
		CostMicros:        a.CostMicros + d.CostMicros,
	}
}

func (m *MemoryStore) IncrKeyCounter(_ context.Context, key CounterKey, delta Delta) (models.CounterFields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyCounterRedisKey(key)
	m.keyCounter[k] = addFields(m.keyCounter[k], delta)
	if key.Model != "" {
		if m.keyModels[key.KeyID] == nil {
			m.keyModels[key.KeyID] = make(map[string]bool)
		}
		m.keyModels[key.KeyID][key.Model] = true
	}
	return m.keyCounter[k], nil
}

func (m *MemoryStore) ListKeyModels(_ context.Context, keyID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.keyModels[keyID]))
	for model := range m.keyModels[keyID] {
		out = append(out, model)
	}
	return out, nil
}

func (m *MemoryStore) IncrAccountCounter(_ context.Context, key AccountCounterKey, delta Delta) (models.CounterFields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := accountCounterRedisKey(key)
	m.acctCounter[k] = addFields(m.acctCounter[k], delta)
	return m.acctCounter[k], nil
}

func (m *MemoryStore) GetKeyCounter(_ context.Context, key CounterKey) (models.CounterFields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyCounter[keyCounterRedisKey(key)], nil
}

func (m *MemoryStore) GetSession(_ context.Context, namespace, sessionHash string) (*models.SessionMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionRedisKey(namespace, sessionHash)
	exp, ok := m.sessionExp[k]
	if !ok || time.Now().After(exp) {
		delete(m.sessions, k)
		delete(m.sessionExp, k)
		return nil, nil
	}
	v, ok := m.sessions[k]
	if !ok {
		return nil, nil
	}
	cp := v
	return &cp, nil
}

func (m *MemoryStore) SetSession(_ context.Context, namespace, sessionHash string, mapping models.SessionMapping, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionRedisKey(namespace, sessionHash)
	m.sessions[k] = mapping
	m.sessionExp[k] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, namespace, sessionHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionRedisKey(namespace, sessionHash)
	delete(m.sessions, k)
	delete(m.sessionExp, k)
	return nil
}

func (m *MemoryStore) IncrConcurrency(_ context.Context, keyID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency[keyID]++
	return m.concurrency[keyID], nil
}

func (m *MemoryStore) DecrConcurrency(_ context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency[keyID]--
	return nil
}

func (m *MemoryStore) GetConcurrency(_ context.Context, keyID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrency[keyID], nil
}

func (m *MemoryStore) SlidingWindowCount(_ context.Context, keyID string, windowSec int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(windowSec) * time.Second)
	kept := m.windows[keyID][:0]
	for _, t := range m.windows[keyID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.windows[keyID] = kept
	return int64(len(kept)), nil
}

func (m *MemoryStore) SlidingWindowAdd(_ context.Context, keyID string, windowSec int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[keyID] = append(m.windows[keyID], at)
	return nil
}

// LogRequest appends entry to an in-memory log, letting tests assert on
// RequestLog() instead of standing up Postgres.
func (m *MemoryStore) LogRequest(_ context.Context, entry *models.GatewayLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.requestLog = append(m.requestLog, &cp)
	return nil
}

// RequestLog returns every entry recorded via LogRequest, oldest first.
func (m *MemoryStore) RequestLog() []*models.GatewayLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.GatewayLog, len(m.requestLog))
	copy(out, m.requestLog)
	return out
}
