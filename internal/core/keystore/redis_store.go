package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

// RedisStore is the concrete Store: hot counters/sessions/concurrency in
// Redis, durable ApiKey/UpstreamAccount/group records in Postgres. This is
// the generalization of the teacher's own split (Redis for rate limiting
// and response cache, Postgres for api_keys/model_pricing) to the full
// contract spec.md §4.7 describes.
type RedisStore struct {
	redis *redis.Client
	db    *database.DB
}

// New wires a RedisStore over an already-connected Redis client and DB.
func New(redisClient *redis.Client, db *database.DB) *RedisStore {
	return &RedisStore{redis: redisClient, db: db}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	return s.db.GetApiKey(ctx, id)
}

func (s *RedisStore) FindApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error) {
	return s.db.FindApiKeyByHash(ctx, hash)
}

func (s *RedisStore) ListApiKeys(ctx context.Context) ([]*models.ApiKey, error) {
	return s.db.ListApiKeys(ctx)
}

func (s *RedisStore) PutApiKey(ctx context.Context, key *models.ApiKey) error {
	return s.db.PutApiKey(ctx, key)
}

func (s *RedisStore) DeleteApiKey(ctx context.Context, id string) error {
	return s.db.DeleteApiKey(ctx, id)
}

func (s *RedisStore) TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.db.TouchApiKeyLastUsed(ctx, id, at)
}

func (s *RedisStore) GetAccount(ctx context.Context, id string) (*models.UpstreamAccount, error) {
	return s.db.GetAccount(ctx, id)
}

func (s *RedisStore) ListAccounts(ctx context.Context, variant models.AccountVariant) ([]*models.UpstreamAccount, error) {
	return s.db.ListAccounts(ctx, variant)
}

func (s *RedisStore) PutAccount(ctx context.Context, account *models.UpstreamAccount) error {
	return s.db.PutAccount(ctx, account)
}

func (s *RedisStore) TouchAccountLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.db.TouchAccountLastUsed(ctx, id, at)
}

func (s *RedisStore) MarkAccountLimited(ctx context.Context, id string, at time.Time) error {
	return s.db.MarkAccountLimited(ctx, id, at)
}

func (s *RedisStore) ClearAccountLimited(ctx context.Context, id string) error {
	return s.db.ClearAccountLimited(ctx, id)
}

func (s *RedisStore) GetGroup(ctx context.Context, id string) (*models.AccountGroup, error) {
	return s.db.GetGroup(ctx, id)
}

func (s *RedisStore) LogRequest(ctx context.Context, entry *models.GatewayLog) error {
	return s.db.LogRequest(ctx, entry)
}

// bucketSuffix renders the bucket portion of a counter key per spec.md §6:
// lifetime has no date suffix, daily uses YYYY-MM-DD, monthly uses YYYY-MM.
func bucketSuffix(b Bucket, t time.Time) string {
	switch b {
	case BucketDaily:
		return t.UTC().Format("2006-01-02")
	case BucketMonthly:
		return t.UTC().Format("2006-01")
	case BucketHourly:
		return t.UTC().Format("2006-01-02T15")
	default:
		return "lifetime"
	}
}

func keyCounterRedisKey(k CounterKey) string {
	if k.Model != "" {
		return fmt.Sprintf("usage:%s:model:%s:%s:%s", k.KeyID, k.Bucket, k.Model, bucketSuffix(k.Bucket, k.Time))
	}
	return fmt.Sprintf("usage:%s:%s", k.KeyID, bucketSuffix(k.Bucket, k.Time))
}

func keyModelSetRedisKey(keyID string) string {
	return "usage_models:" + keyID
}

func accountCounterRedisKey(k AccountCounterKey) string {
	return fmt.Sprintf("account_usage:%s:%s", k.AccountID, bucketSuffix(k.Bucket, k.Time))
}

func deltaMap(d Delta) map[string]int64 {
	return map[string]int64{
		"requests":          d.Requests,
		"inputTokens":       d.InputTokens,
		"outputTokens":      d.OutputTokens,
		"cacheCreateTokens": d.CacheCreateTokens,
		"cacheReadTokens":   d.CacheReadTokens,
		"allTokens":         d.AllTokens,
		"costMicros":        d.CostMicros,
	}
}

func fieldsFromMap(m map[string]int64) models.CounterFields {
	return models.CounterFields{
		Requests:          m["requests"],
		InputTokens:       m["inputTokens"],
		OutputTokens:      m["outputTokens"],
		CacheCreateTokens: m["cacheCreateTokens"],
		CacheReadTokens:   m["cacheReadTokens"],
		AllTokens:         m["allTokens"],
		CostMicros:        m["costMicros"],
	}
}

func (s *RedisStore) IncrKeyCounter(ctx context.Context, key CounterKey, delta Delta) (models.CounterFields, error) {
	redisKey := keyCounterRedisKey(key)
	result, err := s.redis.HIncrByMap(ctx, redisKey, deltaMap(delta))
	if err != nil {
		return models.CounterFields{}, err
	}
	switch key.Bucket {
	case BucketDaily:
		_ = s.redis.Expire(ctx, redisKey, 32*24*time.Hour)
	case BucketHourly:
		_ = s.redis.Expire(ctx, redisKey, 48*time.Hour)
	}
	if key.Model != "" {
		_ = s.redis.SAdd(ctx, keyModelSetRedisKey(key.KeyID), key.Model)
	}
	return fieldsFromMap(result), nil
}

func (s *RedisStore) ListKeyModels(ctx context.Context, keyID string) ([]string, error) {
	return s.redis.SMembers(ctx, keyModelSetRedisKey(keyID))
}

func (s *RedisStore) IncrAccountCounter(ctx context.Context, key AccountCounterKey, delta Delta) (models.CounterFields, error) {
	redisKey := accountCounterRedisKey(key)
	result, err := s.redis.HIncrByMap(ctx, redisKey, deltaMap(delta))
	if err != nil {
		return models.CounterFields{}, err
	}
	if key.Bucket == BucketDaily {
		_ = s.redis.Expire(ctx, redisKey, 32*24*time.Hour)
	}
	return fieldsFromMap(result), nil
}

func (s *RedisStore) GetKeyCounter(ctx context.Context, key CounterKey) (models.CounterFields, error) {
	m, err := s.redis.HGetAllInt64(ctx, keyCounterRedisKey(key))
	if err != nil {
		return models.CounterFields{}, err
	}
	return fieldsFromMap(m), nil
}

func sessionRedisKey(namespace, sessionHash string) string {
	return namespace + sessionHash
}

func (s *RedisStore) GetSession(ctx context.Context, namespace, sessionHash string) (*models.SessionMapping, error) {
	val, err := s.redis.Get(ctx, sessionRedisKey(namespace, sessionHash))
	if err != nil {
		return nil, nil // miss, not an error (spec.md §4.4 get)
	}
	var mapping models.SessionMapping
	if err := json.Unmarshal([]byte(val), &mapping); err != nil {
		return nil, nil
	}
	return &mapping, nil
}

func (s *RedisStore) SetSession(ctx context.Context, namespace, sessionHash string, mapping models.SessionMapping, ttl time.Duration) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, sessionRedisKey(namespace, sessionHash), string(data), ttl)
}

func (s *RedisStore) DeleteSession(ctx context.Context, namespace, sessionHash string) error {
	return s.redis.Del(ctx, sessionRedisKey(namespace, sessionHash))
}

func concurrencyRedisKey(keyID string) string {
	return "concurrency:" + keyID
}

func (s *RedisStore) IncrConcurrency(ctx context.Context, keyID string) (int64, error) {
	return s.redis.IncrBy(ctx, concurrencyRedisKey(keyID), 1)
}

func (s *RedisStore) DecrConcurrency(ctx context.Context, keyID string) error {
	_, err := s.redis.DecrBy(ctx, concurrencyRedisKey(keyID), 1)
	return err
}

func (s *RedisStore) GetConcurrency(ctx context.Context, keyID string) (int64, error) {
	return s.redis.IncrBy(ctx, concurrencyRedisKey(keyID), 0)
}

func slidingWindowRedisKey(keyID string) string {
	return "ratelimit:window:" + keyID
}

// SlidingWindowCount returns the number of requests recorded for keyID in
// the trailing windowSec seconds (spec.md §4.3), trimming older samples in
// the same round trip.
func (s *RedisStore) SlidingWindowCount(ctx context.Context, keyID string, windowSec int) (int64, error) {
	since := float64(time.Now().Add(-time.Duration(windowSec) * time.Second).UnixNano())
	return s.redis.ZCountSince(ctx, slidingWindowRedisKey(keyID), since)
}

// SlidingWindowAdd records one request at time `at`.
func (s *RedisStore) SlidingWindowAdd(ctx context.Context, keyID string, windowSec int, at time.Time) error {
	member := fmt.Sprintf("%d", at.UnixNano())
	ttl := time.Duration(windowSec)*time.Second + time.Minute
	return s.redis.ZAddNow(ctx, slidingWindowRedisKey(keyID), member, float64(at.UnixNano()), ttl)
}
