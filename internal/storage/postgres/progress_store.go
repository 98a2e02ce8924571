package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/batchscrape/internal/store"
)

// querier is the subset of pgxpool.Pool used by the stores. pgxmock pools satisfy it.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository on the batch_runs and
// batch_site_stats tables.
type ProgressStore struct {
	pool querier
}

// NewProgressStore connects a pool for dsn.
func NewProgressStore(ctx context.Context, dsn string) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return &ProgressStore{pool: pool}, nil
}

// NewProgressStoreWithPool wraps an existing pool.
func NewProgressStoreWithPool(pool querier) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Close closes the underlying pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// UpsertBatchStart inserts a running batch_runs row.
func (s *ProgressStore) UpsertBatchStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time) error {
	const query = `
		INSERT INTO batch_runs (batch_id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (batch_id) DO NOTHING;`
	if _, err := s.pool.Exec(ctx, query, batchID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert batch start: %w", err)
	}
	return nil
}

// CompleteBatch finalizes a batch_runs row.
func (s *ProgressStore) CompleteBatch(
	ctx context.Context,
	batchID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	const query = `
		UPDATE batch_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE batch_id = $4;`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, batchID); err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

// UpsertSiteStats adds delta to the (batch, site) row, creating it on first use.
func (s *ProgressStore) UpsertSiteStats(ctx context.Context, batchID uuid.UUID, site string, delta store.SiteDelta) error {
	const query = `
		INSERT INTO batch_site_stats (batch_id, site, last_update, units, failed, bytes_total)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, site) DO UPDATE
		SET units = batch_site_stats.units + EXCLUDED.units,
			failed = batch_site_stats.failed + EXCLUDED.failed,
			bytes_total = batch_site_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(batch_site_stats.last_update, EXCLUDED.last_update);`
	_, err := s.pool.Exec(ctx, query, batchID, site, delta.At, delta.Units, delta.Failed, delta.Bytes)
	if err != nil {
		return fmt.Errorf("upsert site stats: %w", err)
	}
	return nil
}

// GetBatch loads one batch run or returns store.ErrNotFound.
func (s *ProgressStore) GetBatch(ctx context.Context, batchID uuid.UUID) (store.BatchRun, error) {
	const query = `
		SELECT batch_id, started_at, finished_at, status, error_message
		FROM batch_runs
		WHERE batch_id = $1;`
	var run store.BatchRun
	err := s.pool.QueryRow(ctx, query, batchID).Scan(
		&run.BatchID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.BatchRun{}, store.ErrNotFound
		}
		return store.BatchRun{}, fmt.Errorf("get batch: %w", err)
	}
	return run, nil
}

// ListBatches returns batch runs, newest first, optionally filtered by status.
func (s *ProgressStore) ListBatches(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.BatchRun, error) {
	const query = `
		SELECT batch_id, started_at, finished_at, status, error_message
		FROM batch_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	runs := []store.BatchRun{}
	for rows.Next() {
		var run store.BatchRun
		if err := rows.Scan(&run.BatchID, &run.StartedAt, &run.FinishedAt, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return runs, nil
}

// ListBatchSites returns per-site aggregates for one batch.
func (s *ProgressStore) ListBatchSites(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	const query = `
		SELECT batch_id, site, last_update, units, failed, bytes_total
		FROM batch_site_stats
		WHERE batch_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, batchID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batch sites: %w", err)
	}
	defer rows.Close()

	stats := []store.SiteStats{}
	for rows.Next() {
		var stat store.SiteStats
		if err := rows.Scan(&stat.BatchID, &stat.Site, &stat.LastUpdate, &stat.Units, &stat.Failed, &stat.BytesTotal); err != nil {
			return nil, fmt.Errorf("scan site stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site stats rows: %w", err)
	}
	return stats, nil
}
