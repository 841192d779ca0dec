// Package database is the Postgres-backed adapter for the records of
// truth: ApiKey and UpstreamAccount definitions, account groups, and the
// gateway request log. Hot counters, sessions, and concurrency live in
// Redis (internal/shared/redis) instead — this mirrors the teacher's own
// split, just with a richer ApiKey/UpstreamAccount schema than the
// teacher's single-purpose api_keys table.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// apiKeyRow is the JSON-friendly wire shape stored in Postgres for the
// fields that don't map to plain SQL columns (spec.md §9: "persist with
// explicit typed adapters; degrade-to-default only for opaque lists").
type apiKeyRow struct {
	ModelRestriction  models.ModelRestriction  `json:"modelRestriction"`
	ClientRestriction models.ClientRestriction `json:"clientRestriction"`
	Bindings          models.AccountBindings   `json:"bindings"`
	Tags              []string                 `json:"tags"`
}

// GetApiKey retrieves an API key record by id.
func (db *DB) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	return db.scanApiKey(ctx, `
		SELECT id, hashed_secret, name, is_active, created_at, expires_at,
		       permissions, token_limit, concurrency_limit, rate_limit_window_sec,
		       rate_limit_requests, daily_cost_limit, extra, last_used_at
		FROM api_keys WHERE id = $1`, id)
}

// FindApiKeyByHash retrieves an API key record by its hashed secret,
// the indexed lookup spec.md §4.2 step 2 requires.
func (db *DB) FindApiKeyByHash(ctx context.Context, hash string) (*models.ApiKey, error) {
	return db.scanApiKey(ctx, `
		SELECT id, hashed_secret, name, is_active, created_at, expires_at,
		       permissions, token_limit, concurrency_limit, rate_limit_window_sec,
		       rate_limit_requests, daily_cost_limit, extra, last_used_at
		FROM api_keys WHERE hashed_secret = $1`, hash)
}

func (db *DB) scanApiKey(ctx context.Context, query string, arg string) (*models.ApiKey, error) {
	var (
		key       models.ApiKey
		extraJSON []byte
		expiresAt sql.NullTime
		lastUsed  sql.NullTime
	)

	row := db.conn.QueryRowContext(ctx, query, arg)
	err := row.Scan(
		&key.ID,
		&key.HashedSecret,
		&key.Name,
		&key.IsActive,
		&key.CreatedAt,
		&expiresAt,
		&key.Permissions,
		&key.TokenLimit,
		&key.ConcurrencyLimit,
		&key.RateLimitWindowSec,
		&key.RateLimitRequests,
		&key.DailyCostLimit,
		&extraJSON,
		&lastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		key.LastUsedAt = &t
	}

	var extra apiKeyRow
	if err := json.Unmarshal(extraJSON, &extra); err != nil {
		// Degrade to empty restrictions/bindings/tags rather than fail the
		// whole lookup (spec.md §7: opaque JSON fields degrade, don't abort).
		extra = apiKeyRow{}
	}
	key.ModelRestriction = extra.ModelRestriction
	key.ClientRestriction = extra.ClientRestriction
	key.Bindings = extra.Bindings
	key.Tags = extra.Tags

	return &key, nil
}

// ListApiKeys returns every API key record.
func (db *DB) ListApiKeys(ctx context.Context) ([]*models.ApiKey, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id FROM api_keys`)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	keys := make([]*models.ApiKey, 0, len(ids))
	for _, id := range ids {
		k, err := db.GetApiKey(ctx, id)
		if err != nil {
			return nil, err
		}
		if k != nil {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// PutApiKey inserts or updates an API key record (admin CRUD, spec.md §1
// treats the admin surface itself as out of scope, but the write path it
// calls into lives here).
func (db *DB) PutApiKey(ctx context.Context, key *models.ApiKey) error {
	extra, err := json.Marshal(apiKeyRow{
		ModelRestriction:  key.ModelRestriction,
		ClientRestriction: key.ClientRestriction,
		Bindings:          key.Bindings,
		Tags:              key.Tags,
	})
	if err != nil {
		return fmt.Errorf("marshal api key extras: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, hashed_secret, name, is_active, created_at, expires_at,
			permissions, token_limit, concurrency_limit, rate_limit_window_sec,
			rate_limit_requests, daily_cost_limit, extra, last_used_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			hashed_secret = EXCLUDED.hashed_secret,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			expires_at = EXCLUDED.expires_at,
			permissions = EXCLUDED.permissions,
			token_limit = EXCLUDED.token_limit,
			concurrency_limit = EXCLUDED.concurrency_limit,
			rate_limit_window_sec = EXCLUDED.rate_limit_window_sec,
			rate_limit_requests = EXCLUDED.rate_limit_requests,
			daily_cost_limit = EXCLUDED.daily_cost_limit,
			extra = EXCLUDED.extra
	`, key.ID, key.HashedSecret, key.Name, key.IsActive, key.CreatedAt, key.ExpiresAt,
		string(key.Permissions), key.TokenLimit, key.ConcurrencyLimit, key.RateLimitWindowSec,
		key.RateLimitRequests, key.DailyCostLimit, extra, key.LastUsedAt)
	return err
}

// DeleteApiKey removes an API key record.
func (db *DB) DeleteApiKey(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// TouchApiKeyLastUsed updates the last_used_at timestamp (spec.md §4.6
// step 5), the one field C8 is allowed to mutate outside admin updates.
func (db *DB) TouchApiKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// accountRow is the JSON-friendly extension of UpstreamAccount, matching
// the apiKeyRow pattern above.
type accountRow struct {
	SupportedModels    []string          `json:"supportedModels"`
	SupportedModelsMap map[string]string `json:"supportedModelsMap"`
	Credential         string            `json:"credential"`
}

// GetAccount retrieves an upstream account record by id.
func (db *DB) GetAccount(ctx context.Context, id string) (*models.UpstreamAccount, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, name, variant, is_active, status, account_type, schedulable,
		       priority, last_used_at, rate_limit_status, rate_limited_at, extra, group_id
		FROM upstream_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// ListAccounts returns every account for a variant (platform + credential
// kind), used by the scheduler's shared-pool enumeration (spec.md §4.5
// rule 4).
func (db *DB) ListAccounts(ctx context.Context, variant models.AccountVariant) ([]*models.UpstreamAccount, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, name, variant, is_active, status, account_type, schedulable,
		       priority, last_used_at, rate_limit_status, rate_limited_at, extra, group_id
		FROM upstream_accounts WHERE variant = $1`, string(variant))
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.UpstreamAccount
	for rows.Next() {
		acc, err := scanAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row *sql.Row) (*models.UpstreamAccount, error) {
	acc, err := scanAccountGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acc, err
}

func scanAccountRows(rows *sql.Rows) (*models.UpstreamAccount, error) {
	return scanAccountGeneric(rows)
}

func scanAccountGeneric(scanner rowScanner) (*models.UpstreamAccount, error) {
	var (
		acc           models.UpstreamAccount
		variant       string
		status        string
		accountType   string
		rateLimitStat string
		rateLimitedAt sql.NullTime
		extraJSON     []byte
		groupID       sql.NullString
	)

	err := scanner.Scan(
		&acc.ID, &acc.Name, &variant, &acc.IsActive, &status, &accountType, &acc.Schedulable,
		&acc.Priority, &acc.LastUsedAt, &rateLimitStat, &rateLimitedAt, &extraJSON, &groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	acc.Variant = models.AccountVariant(variant)
	acc.Status = models.AccountStatus(status)
	acc.AccountType = models.AccountType(accountType)
	acc.RateLimitStatus = models.RateLimitState(rateLimitStat)
	if rateLimitedAt.Valid {
		t := rateLimitedAt.Time
		acc.RateLimitedAt = &t
	}
	if groupID.Valid {
		acc.GroupID = groupID.String
	}

	var extra accountRow
	if err := json.Unmarshal(extraJSON, &extra); err != nil {
		extra = accountRow{}
	}
	acc.SupportedModels = extra.SupportedModels
	acc.SupportedModelsMap = extra.SupportedModelsMap
	acc.Credential = extra.Credential

	return &acc, nil
}

// PutAccount inserts or updates an upstream account record.
func (db *DB) PutAccount(ctx context.Context, acc *models.UpstreamAccount) error {
	extra, err := json.Marshal(accountRow{
		SupportedModels:    acc.SupportedModels,
		SupportedModelsMap: acc.SupportedModelsMap,
		Credential:         acc.Credential,
	})
	if err != nil {
		return fmt.Errorf("marshal account extras: %w", err)
	}

	var groupID interface{}
	if acc.GroupID != "" {
		groupID = acc.GroupID
	}

	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO upstream_accounts (
			id, name, variant, is_active, status, account_type, schedulable,
			priority, last_used_at, rate_limit_status, rate_limited_at, extra, group_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			status = EXCLUDED.status,
			account_type = EXCLUDED.account_type,
			schedulable = EXCLUDED.schedulable,
			priority = EXCLUDED.priority,
			rate_limit_status = EXCLUDED.rate_limit_status,
			rate_limited_at = EXCLUDED.rate_limited_at,
			extra = EXCLUDED.extra,
			group_id = EXCLUDED.group_id
	`, acc.ID, acc.Name, string(acc.Variant), acc.IsActive, string(acc.Status), string(acc.AccountType),
		acc.Schedulable, acc.Priority, acc.LastUsedAt, string(acc.RateLimitStatus), acc.RateLimitedAt, extra, groupID)
	return err
}

// TouchAccountLastUsed updates an account's last_used_at.
func (db *DB) TouchAccountLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE upstream_accounts SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// MarkAccountLimited sets rate_limit_status=limited, rate_limited_at=at
// (spec.md §4.3 markLimited). Writes are last-writer-wins per spec.md §5.
func (db *DB) MarkAccountLimited(ctx context.Context, id string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE upstream_accounts SET rate_limit_status = 'limited', rate_limited_at = $2 WHERE id = $1`,
		id, at)
	return err
}

// ClearAccountLimited forces clearance of the rate-limit flag.
func (db *DB) ClearAccountLimited(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE upstream_accounts SET rate_limit_status = 'normal', rate_limited_at = NULL WHERE id = $1`, id)
	return err
}

// GetGroup retrieves an account group and its member ids.
func (db *DB) GetGroup(ctx context.Context, id string) (*models.AccountGroup, error) {
	var platform string
	err := db.conn.QueryRowContext(ctx, `SELECT platform FROM account_groups WHERE id = $1`, id).Scan(&platform)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT account_id FROM account_group_members WHERE group_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return &models.AccountGroup{ID: id, Platform: models.Platform(platform), Members: members}, nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			api_key_id, account_id, method, endpoint, model, provider, cost_usd, latency_ms,
			prompt_tokens, completion_tokens, total_tokens, cache_hit, failover_used,
			original_provider, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.APIKeyID,
		log.AccountID,
		log.Method,
		log.Endpoint,
		log.Model,
		log.Provider,
		log.CostUSD,
		log.LatencyMs,
		log.PromptTokens,
		log.CompletionTokens,
		log.TotalTokens,
		log.CacheHit,
		log.FailoverUsed,
		log.OriginalProvider,
		log.StatusCode,
		log.ErrorMessage,
	)

	return err
}
