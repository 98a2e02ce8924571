package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested batch does not exist.
var ErrNotFound = errors.New("batch record not found")

// RunStatus mirrors the batch_runs.status column.
type RunStatus string

// Batch run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
)

// BatchRun is one row of batch_runs.
type BatchRun struct {
	BatchID      uuid.UUID  `json:"batch_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// SiteStats aggregates finished units per host within a batch.
type SiteStats struct {
	BatchID    uuid.UUID `json:"batch_id"`
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Units      int64     `json:"units"`
	Failed     int64     `json:"failed"`
	BytesTotal int64     `json:"bytes_total"`
}

// SiteDelta is an increment applied by UpsertSiteStats.
type SiteDelta struct {
	Units  int64
	Failed int64
	Bytes  int64
	At     time.Time
}

// ProgressRepository persists incremental batch progress.
type ProgressRepository interface {
	// UpsertBatchStart records a running batch; repeated calls are idempotent.
	UpsertBatchStart(ctx context.Context, batchID uuid.UUID, startedAt time.Time) error
	// CompleteBatch sets the final status and optional error message.
	CompleteBatch(ctx context.Context, batchID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSiteStats adds delta to the (batch, site) aggregate.
	UpsertSiteStats(ctx context.Context, batchID uuid.UUID, site string, delta SiteDelta) error

	GetBatch(ctx context.Context, batchID uuid.UUID) (BatchRun, error)
	ListBatches(ctx context.Context, status *RunStatus, limit, offset int) ([]BatchRun, error)
	ListBatchSites(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]SiteStats, error)
}
