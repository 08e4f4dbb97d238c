package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PoolConfig sizes the connection pool
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// PgStore keeps work records in PostgreSQL
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL-backed store and checks connectivity
func NewPgStore(ctx context.Context, connString string, poolCfg PoolConfig) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if poolCfg.MaxConns > 0 {
		config.MaxConns = poolCfg.MaxConns
	}
	if poolCfg.MinConns > 0 {
		config.MinConns = poolCfg.MinConns
	}
	if poolCfg.MaxConnLifetime > 0 {
		config.MaxConnLifetime = poolCfg.MaxConnLifetime
	}
	if poolCfg.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = poolCfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PgStore{pool: pool}, nil
}

// Close closes the connection pool
func (s *PgStore) Close() {
	s.pool.Close()
}

// Migrate creates the work_records table when missing
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS work_records (
	kind        TEXT        NOT NULL,
	id          TEXT        NOT NULL,
	campaign_id BIGINT,
	user_id     TEXT,
	data        JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS work_records_campaign_idx ON work_records (campaign_id);
`

const recordColumns = `kind, id, COALESCE(campaign_id, 0), COALESCE(user_id, ''), data, created_at, updated_at`

// retryPatch builds the new data document with data.retry merged with the
// object expression patch and the keys named by strip removed.
func retryPatch(patch, strip string) string {
	return `jsonb_set(COALESCE(data, '{}'::jsonb), '{retry}',
		(COALESCE(data->'retry', '{}'::jsonb)
			|| jsonb_build_object('version', 1, 'updatedAt', to_jsonb(now()))
			|| ` + patch + `) - ` + strip + `,
		true)`
}

func (s *PgStore) Find(ctx context.Context, ref Ref) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM work_records WHERE kind = $1 AND id = $2`

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, string(ref.Kind), ref.ID))
	if err != nil {
		return nil, s.wrap(ref, "get", err)
	}
	return rec, nil
}

func (s *PgStore) Create(ctx context.Context, rec *Record) error {
	data := rec.Data
	if data == nil {
		data = map[string]json.RawMessage{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	query := `
		INSERT INTO work_records (kind, id, campaign_id, user_id, data, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3::bigint, 0), NULLIF($4::text, ''), $5::jsonb, now(), now())
		RETURNING created_at, updated_at
	`
	err = s.pool.QueryRow(ctx, query, string(rec.Kind), rec.ID, rec.CampaignID, rec.UserID, json.RawMessage(dataJSON)).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return s.wrap(rec.Ref, "create", err)
	}
	return nil
}

func (s *PgStore) IncrementAttempts(ctx context.Context, ref Ref, lastError string) (RetryState, error) {
	query := `
		UPDATE work_records
		SET data = ` + retryPatch(`jsonb_build_object(
				'attempts', COALESCE((data->'retry'->>'attempts')::int, 0) + 1,
				'status', COALESCE(data->'retry'->>'status', 'pending'),
				'lastError', $3::text)`, `''`) + `,
			updated_at = now()
		WHERE kind = $1 AND id = $2
		RETURNING data->'retry'
	`

	var raw []byte
	if err := s.pool.QueryRow(ctx, query, string(ref.Kind), ref.ID, lastError).Scan(&raw); err != nil {
		return RetryState{}, s.wrap(ref, "increment attempts on", err)
	}

	var state RetryState
	if err := json.Unmarshal(raw, &state); err != nil {
		return RetryState{}, fmt.Errorf("failed to decode retry state of %s: %w", ref, err)
	}
	return state.withDefaults(), nil
}

func (s *PgStore) Transition(ctx context.Context, ref Ref, from []Status, to Status) (bool, error) {
	fromText := make([]string, len(from))
	for i, st := range from {
		fromText[i] = string(st)
	}

	query := `
		UPDATE work_records
		SET data = ` + retryPatch(`jsonb_build_object('status', $4::text)`, `''`) + `,
			updated_at = now()
		WHERE kind = $1 AND id = $2
		  AND COALESCE(data->'retry'->>'status', 'pending') = ANY($3::text[])
	`

	tag, err := s.pool.Exec(ctx, query, string(ref.Kind), ref.ID, fromText, string(to))
	if err != nil {
		return false, s.wrap(ref, "transition", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Nothing changed: either the status did not match or the row is gone
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM work_records WHERE kind = $1 AND id = $2)`, string(ref.Kind), ref.ID).Scan(&exists)
	if err != nil {
		return false, s.wrap(ref, "transition", err)
	}
	if !exists {
		return false, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return false, nil
}

func (s *PgStore) SaveResult(ctx context.Context, ref Ref, status Status, result any, resetAttempts bool) (*Record, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE work_records
		SET data = jsonb_set(` + retryPatch(`CASE WHEN $5::bool
					THEN jsonb_build_object('status', $3::text, 'attempts', 0)
					ELSE jsonb_build_object('status', $3::text)
				END`, `CASE WHEN $5::bool THEN 'lastError' ELSE '' END`) + `,
				'{result}', $4::jsonb, true),
			updated_at = now()
		WHERE kind = $1 AND id = $2
		RETURNING ` + recordColumns

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, string(ref.Kind), ref.ID, string(status), json.RawMessage(resultJSON), resetAttempts))
	if err != nil {
		return nil, s.wrap(ref, "save result on", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var kind string
	var dataJSON []byte
	err := row.Scan(&kind, &rec.ID, &rec.CampaignID, &rec.UserID, &dataJSON, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)

	rec.Data = map[string]json.RawMessage{}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &rec.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	return &rec, nil
}

// wrap maps driver errors onto the store sentinels
func (s *PgStore) wrap(ref Ref, op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", ref, ErrConflict)
	}
	return fmt.Errorf("failed to %s %s: %w", op, ref, err)
}
