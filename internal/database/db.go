package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/cryptodata/api-gateway/internal/models"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("not found")

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func Connect(ctx context.Context, databaseURL string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database not responding: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return New(conn, logger), nil
}

// New wraps an open connection pool.
func New(conn *sql.DB, logger *slog.Logger) *DB {
	return &DB{conn: conn, logger: logger, now: time.Now}
}

// WithClock overrides the clock used for created_at stamps.
func (db *DB) WithClock(now func() time.Time) *DB {
	db.now = now
	return db
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) LogRequest(ctx context.Context, log *models.RequestLog) error {
	query := `
		INSERT INTO request_logs (api_key_id, grant_mode, method, path, status_code, response_time_ms, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	if log.CreatedAt.IsZero() {
		log.CreatedAt = db.now().UTC()
	}
	err := db.conn.QueryRowContext(ctx,
		query,
		log.APIKeyID,
		log.GrantMode,
		log.Method,
		log.Path,
		log.StatusCode,
		log.ResponseTimeMs,
		log.IPAddress,
		log.UserAgent,
		log.CreatedAt,
	).Scan(&log.ID)

	if err != nil {
		return fmt.Errorf("couldn't log request: %w", err)
	}

	return nil
}

// RecordSettlement appends a settled payment to the audit trail. A nonce is
// recorded at most once.
func (db *DB) RecordSettlement(ctx context.Context, s *models.Settlement) error {
	query := `
		INSERT INTO payment_settlements (nonce, payer, amount, network, tx_ref, route, pass_class, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (nonce) DO NOTHING
		RETURNING id
	`

	if s.CreatedAt.IsZero() {
		s.CreatedAt = db.now().UTC()
	}
	err := db.conn.QueryRowContext(ctx,
		query,
		s.Nonce,
		s.Payer,
		s.Amount,
		s.Network,
		s.TxRef,
		s.Route,
		nullString(s.PassClass),
		s.CreatedAt,
	).Scan(&s.ID)

	if errors.Is(err, sql.ErrNoRows) {
		db.logger.Warn("settlement already recorded", "nonce", s.Nonce, "tx", s.TxRef)
		return nil
	}
	if err != nil {
		return fmt.Errorf("couldn't record settlement: %w", err)
	}

	return nil
}

const apiKeyColumns = `id, key_hash, key_prefix, name, tier, is_active, created_at, last_used_at`

func scanAPIKey(row interface{ Scan(...any) error }) (*models.APIKey, error) {
	apiKey := &models.APIKey{}
	var lastUsed sql.NullTime
	err := row.Scan(
		&apiKey.ID,
		&apiKey.KeyHash,
		&apiKey.KeyPrefix,
		&apiKey.Name,
		&apiKey.Tier,
		&apiKey.IsActive,
		&apiKey.CreatedAt,
		&lastUsed,
	)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		apiKey.LastUsedAt = &t
	}
	return apiKey, nil
}

// GetAPIKeyByHash looks a key up by the SHA-256 of its raw value. Revoked
// keys are returned too so the caller can tell them from unknown ones.
func (db *DB) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE key_hash = $1`

	apiKey, err := scanAPIKey(db.conn.QueryRowContext(ctx, query, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return apiKey, nil
}

func (db *DB) GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`

	apiKey, err := scanAPIKey(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return apiKey, nil
}

func (db *DB) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	query := `
		INSERT INTO api_keys (key_hash, key_prefix, name, tier, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	if apiKey.CreatedAt.IsZero() {
		apiKey.CreatedAt = db.now().UTC()
	}
	err := db.conn.QueryRowContext(ctx,
		query,
		apiKey.KeyHash,
		apiKey.KeyPrefix,
		apiKey.Name,
		apiKey.Tier,
		apiKey.IsActive,
		apiKey.CreatedAt,
	).Scan(&apiKey.ID)

	if err != nil {
		return fmt.Errorf("couldn't create API key: %w", err)
	}

	return nil
}

func (db *DB) ListAPIKeys(ctx context.Context) ([]models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("couldn't list API keys: %w", err)
	}
	defer rows.Close()

	apiKeys := []models.APIKey{}
	for rows.Next() {
		apiKey, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		apiKeys = append(apiKeys, *apiKey)
	}

	return apiKeys, rows.Err()
}

// SetAPIKeyActive revokes or reinstates a key. Revocation takes effect on
// the key's next request.
func (db *DB) SetAPIKeyActive(ctx context.Context, id uuid.UUID, active bool) error {
	return db.updateKey(ctx, `UPDATE api_keys SET is_active = $2 WHERE id = $1`, id, active)
}

func (db *DB) SetAPIKeyTier(ctx context.Context, id uuid.UUID, tier string) error {
	return db.updateKey(ctx, `UPDATE api_keys SET tier = $2 WHERE id = $1`, id, tier)
}

func (db *DB) TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.updateKey(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at.UTC())
}

func (db *DB) updateKey(ctx context.Context, query string, id uuid.UUID, value any) error {
	result, err := db.conn.ExecContext(ctx, query, id, value)
	if err != nil {
		return fmt.Errorf("couldn't update API key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
