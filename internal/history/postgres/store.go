// Package postgres provides Postgres-backed batch history persistence.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultListLimit = 50

// Config controls the Postgres connection pool used for history rows.
type Config struct {
	DSN             string
	BatchesTable    string
	ResultsTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store writes batch and result rows into Postgres.
type Store struct {
	pool         dbPool
	batchesTable string
	resultsTable string
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, cfg.BatchesTable, cfg.ResultsTable)
}

// NewWithPool constructs a Store from an existing pool (primarily for
// testing).
func NewWithPool(pool dbPool, batchesTable, resultsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, batchesTable, resultsTable)
}

func newStore(pool dbPool, batchesTable, resultsTable string) (*Store, error) {
	if batchesTable == "" {
		batchesTable = "batches"
	}
	if resultsTable == "" {
		resultsTable = "batch_results"
	}
	if !validTableName.MatchString(batchesTable) {
		return nil, fmt.Errorf("invalid table name %q", batchesTable)
	}
	if !validTableName.MatchString(resultsTable) {
		return nil, fmt.Errorf("invalid table name %q", resultsTable)
	}
	return &Store{
		pool:         pool,
		batchesTable: batchesTable,
		resultsTable: resultsTable,
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the history tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	batches := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	category TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	total INTEGER NOT NULL,
	succeeded INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	retries INTEGER NOT NULL DEFAULT 0
)`, s.batchesTable)

	results := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	batch_id TEXT NOT NULL,
	item_key TEXT NOT NULL,
	locator TEXT NOT NULL,
	final_path TEXT NOT NULL DEFAULT '',
	succeeded BOOLEAN NOT NULL,
	byte_size BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL,
	elapsed_ms BIGINT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.resultsTable)

	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_batch_idx ON %s (batch_id, fetched_at)`,
		s.resultsTable, s.resultsTable)

	for _, query := range []string{batches, results, index} {
		if _, err := s.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

// CreateBatch inserts the batch row at submission time.
func (s *Store) CreateBatch(ctx context.Context, batch gallery.BatchRecord) error {
	if batch.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	source,
	category,
	status,
	submitted_at,
	finished_at,
	total,
	succeeded,
	failed,
	retries
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.batchesTable)

	args := []any{
		batch.ID,
		batch.Source,
		batch.Category,
		string(batch.Status),
		batch.Submitted,
		batch.Finished,
		batch.Total,
		batch.Counters.Succeeded,
		batch.Counters.Failed,
		batch.Counters.Retries,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// FinishBatch marks the batch completed with its final counters.
func (s *Store) FinishBatch(ctx context.Context, batchID string, counters gallery.BatchCounters, finished time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, finished_at = $2, succeeded = $3, failed = $4, retries = $5
WHERE id = $6`, s.batchesTable)

	tag, err := s.pool.Exec(ctx, query,
		string(gallery.BatchStatusCompleted),
		finished,
		counters.Succeeded,
		counters.Failed,
		counters.Retries,
		batchID,
	)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", gallery.ErrBatchNotFound, batchID)
	}
	return nil
}

// RecordResult inserts one per-item outcome row.
func (s *Store) RecordResult(ctx context.Context, result gallery.ResultRecord) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id,
	item_key,
	locator,
	final_path,
	succeeded,
	byte_size,
	checksum,
	attempts,
	elapsed_ms,
	error_kind,
	error_text,
	fetched_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, s.resultsTable)

	args := []any{
		result.BatchID,
		result.ItemKey,
		result.Locator,
		result.FinalPath,
		result.Succeeded,
		int64(result.ByteSize),
		result.Checksum,
		result.Attempts,
		result.ElapsedMs,
		string(result.ErrorKind),
		result.ErrorText,
		result.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetBatch retrieves a single batch row by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (gallery.BatchRecord, error) {
	query := fmt.Sprintf(`
SELECT id, source, category, status, submitted_at, finished_at, total, succeeded, failed, retries
FROM %s
WHERE id = $1`, s.batchesTable)

	batch, err := scanBatch(s.pool.QueryRow(ctx, query, batchID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return gallery.BatchRecord{}, fmt.Errorf("%w: %s", gallery.ErrBatchNotFound, batchID)
		}
		return gallery.BatchRecord{}, fmt.Errorf("get batch: %w", err)
	}
	return batch, nil
}

// ListBatches retrieves batch rows, newest submission first.
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]gallery.BatchRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf(`
SELECT id, source, category, status, submitted_at, finished_at, total, succeeded, failed, retries
FROM %s
ORDER BY submitted_at DESC
LIMIT $1 OFFSET $2`, s.batchesTable)

	rows, err := s.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []gallery.BatchRecord
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// ListResults retrieves the per-item rows for one batch in fetch order.
func (s *Store) ListResults(ctx context.Context, batchID string) ([]gallery.ResultRecord, error) {
	query := fmt.Sprintf(`
SELECT batch_id, item_key, locator, final_path, succeeded, byte_size, checksum, attempts, elapsed_ms, error_kind, error_text, fetched_at
FROM %s
WHERE batch_id = $1
ORDER BY fetched_at, item_key`, s.resultsTable)

	rows, err := s.pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []gallery.ResultRecord
	for rows.Next() {
		var (
			rec       gallery.ResultRecord
			byteSize  int64
			errorKind string
		)
		err := rows.Scan(
			&rec.BatchID,
			&rec.ItemKey,
			&rec.Locator,
			&rec.FinalPath,
			&rec.Succeeded,
			&byteSize,
			&rec.Checksum,
			&rec.Attempts,
			&rec.ElapsedMs,
			&errorKind,
			&rec.ErrorText,
			&rec.FetchedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		rec.ByteSize = uint64(byteSize)
		rec.ErrorKind = gallery.ErrorKind(errorKind)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

func scanBatch(row pgx.Row) (gallery.BatchRecord, error) {
	var (
		batch  gallery.BatchRecord
		status string
	)
	err := row.Scan(
		&batch.ID,
		&batch.Source,
		&batch.Category,
		&status,
		&batch.Submitted,
		&batch.Finished,
		&batch.Total,
		&batch.Counters.Succeeded,
		&batch.Counters.Failed,
		&batch.Counters.Retries,
	)
	if err != nil {
		return gallery.BatchRecord{}, err
	}
	batch.Status = gallery.BatchStatus(status)
	return batch, nil
}
