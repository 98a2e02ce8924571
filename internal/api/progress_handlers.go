package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/store"
)

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 500
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// errBadQuery marks request problems that map to 400.
var errBadQuery = errors.New("bad query")

// runStatuses maps the accepted ?status= spellings onto stored run states.
var runStatuses = map[string]store.RunStatus{
	"running": store.RunRunning,
	"success": store.RunSuccess,
	"partial": store.RunPartial,
	"error":   store.RunError,
	"failed":  store.RunError,
}

// ProgressHandler serves batch history recorded by the progress store.
type ProgressHandler struct {
	repo    store.ProgressRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler builds a handler over repo. A nil repo is allowed: every
// route then answers 503, which is what serve does without a database.
func NewProgressHandler(repo store.ProgressRepository, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{repo: repo, timeout: progressTimeout, logger: logger}
}

// ListBatches returns recent batch runs, newest first, optionally filtered
// by ?status=. Paging uses ?limit= (capped) and ?offset=.
func (h *ProgressHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list batches", func(ctx context.Context) (map[string]any, error) {
		q := r.URL.Query()
		pg, err := pageOf(q, defaultBatchLimit, maxBatchLimit)
		if err != nil {
			return nil, err
		}
		status, err := statusOf(q)
		if err != nil {
			return nil, err
		}
		runs, err := h.repo.ListBatches(ctx, status, pg.limit, pg.offset)
		if err != nil {
			return nil, err
		}
		out := make([]batchDTO, len(runs))
		for i, run := range runs {
			out[i] = newBatchDTO(run)
		}
		return map[string]any{"batches": out, "limit": pg.limit, "offset": pg.offset}, nil
	})
}

// GetBatch returns one batch run. Unknown IDs are 404.
func (h *ProgressHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "get batch", func(ctx context.Context) (map[string]any, error) {
		id, err := batchIDOf(r)
		if err != nil {
			return nil, err
		}
		run, err := h.repo.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		return map[string]any{"batch": newBatchDTO(run)}, nil
	})
}

// ListBatchSites returns the per-host counters of one batch.
func (h *ProgressHandler) ListBatchSites(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "list batch sites", func(ctx context.Context) (map[string]any, error) {
		id, err := batchIDOf(r)
		if err != nil {
			return nil, err
		}
		pg, err := pageOf(r.URL.Query(), defaultSitesLimit, maxSitesLimit)
		if err != nil {
			return nil, err
		}
		stats, err := h.repo.ListBatchSites(ctx, id, pg.limit, pg.offset)
		if err != nil {
			return nil, err
		}
		out := make([]siteDTO, len(stats))
		for i, s := range stats {
			out[i] = siteDTO{
				Site:       s.Site,
				LastUpdate: s.LastUpdate,
				Units:      s.Units,
				Failed:     s.Failed,
				BytesTotal: s.BytesTotal,
			}
		}
		return map[string]any{"sites": out, "limit": pg.limit, "offset": pg.offset}, nil
	})
}

// serve runs query under the repository timeout and maps its error onto a
// status code.
func (h *ProgressHandler) serve(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	query func(context.Context) (map[string]any, error),
) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body, err := query(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case errors.Is(err, errBadQuery):
		writeError(w, http.StatusBadRequest, strings.TrimSuffix(err.Error(), ": "+errBadQuery.Error()))
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

type page struct {
	limit, offset int
}

func pageOf(q url.Values, def, maxLimit int) (page, error) {
	pg := page{limit: def}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return page{}, fmt.Errorf("invalid limit: %w", errBadQuery)
		}
		pg.limit = min(n, maxLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, fmt.Errorf("invalid offset: %w", errBadQuery)
		}
		pg.offset = n
	}
	return pg, nil
}

// statusOf returns nil when no filter was given.
func statusOf(q url.Values) (*store.RunStatus, error) {
	raw := strings.ToLower(strings.TrimSpace(q.Get("status")))
	if raw == "" {
		return nil, nil
	}
	status, ok := runStatuses[raw]
	if !ok {
		return nil, fmt.Errorf("invalid status %q: %w", raw, errBadQuery)
	}
	return &status, nil
}

func batchIDOf(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "batch_id")
	if raw == "" {
		return uuid.UUID{}, fmt.Errorf("batch_id is required: %w", errBadQuery)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid batch_id: %w", errBadQuery)
	}
	return id, nil
}

type batchDTO struct {
	BatchID    string     `json:"batch_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

func newBatchDTO(b store.BatchRun) batchDTO {
	return batchDTO{
		BatchID:    b.BatchID.String(),
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
		Status:     string(b.Status),
		Error:      b.ErrorMessage,
	}
}

type siteDTO struct {
	Site       string    `json:"site"`
	LastUpdate time.Time `json:"last_update"`
	Units      int64     `json:"units"`
	Failed     int64     `json:"failed"`
	BytesTotal int64     `json:"bytes_total"`
}
