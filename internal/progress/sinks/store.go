package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchscrape/internal/progress"
	"github.com/JakeFAU/batchscrape/internal/store"
)

// StoreSink persists batch runs and per-site unit aggregates through a
// store.ProgressRepository. Unit completions within one flush are collapsed
// into a single delta per (batch, site).
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink wraps repo.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type siteKey struct {
	batchID uuid.UUID
	site    string
}

// Consume implements progress.Sink. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[siteKey]*store.SiteDelta)
	var order []siteKey

	for _, evt := range batch {
		id := evt.BatchUUID()
		switch evt.Stage {
		case progress.StageBatchStart, progress.StageBatchDone, progress.StageBatchError:
			if err := s.handleBatchEvent(ctx, id, evt); err != nil {
				return err
			}
		case progress.StageUnitDone, progress.StageUnitFailed:
			if evt.Site == "" {
				continue
			}
			key := siteKey{batchID: id, site: evt.Site}
			d, ok := deltas[key]
			if !ok {
				d = &store.SiteDelta{}
				deltas[key] = d
				order = append(order, key)
			}
			if evt.Stage == progress.StageUnitFailed {
				d.Failed++
			} else {
				d.Units++
				d.Bytes += evt.Bytes
			}
			if evt.TS.After(d.At) {
				d.At = evt.TS
			}
		}
	}

	for _, key := range order {
		if err := s.repo.UpsertSiteStats(ctx, key.batchID, key.site, *deltas[key]); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) handleBatchEvent(ctx context.Context, id uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageBatchStart:
		if err := s.repo.UpsertBatchStart(ctx, id, evt.TS); err != nil {
			return fmt.Errorf("upsert batch start: %w", err)
		}
	case progress.StageBatchDone:
		status := store.RunSuccess
		if evt.Partial {
			status = store.RunPartial
		}
		if err := s.repo.CompleteBatch(ctx, id, evt.TS, status, nil); err != nil {
			return fmt.Errorf("complete batch: %w", err)
		}
	case progress.StageBatchError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteBatch(ctx, id, evt.TS, store.RunError, note); err != nil {
			return fmt.Errorf("complete batch: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the repository's owner closes it.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
