// Package worker rebuilds provenance reports in response to queued ledger
// changes and publishes them to object storage.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/queue"
	"github.com/dharsanguruparan/HarvestTrace/internal/report"
)

// ReportStore is the subset of *s3storage.Storage the worker uses.
type ReportStore interface {
	UploadReport(ctx context.Context, objectKey string, data []byte) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	src    report.Source
	store  ReportStore
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor constructs a worker processor.
func NewProcessor(src report.Source, store ReportStore, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{src: src, store: store, logger: logger, now: time.Now}
}

// Handler registers the refresh job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskRefreshProvenance, p.handleRefresh)
	return mux
}

func (p *Processor) handleRefresh(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeRefresh(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	log := p.logger.With(
		zap.String("change_id", payload.ChangeID),
		zap.String("entity_id", payload.EntityID))

	r, err := report.Build(ctx, p.src, payload.EntityID, p.now())
	if errors.Is(err, ledger.ErrEntityNotFound) {
		log.Warn("entity vanished before refresh")
		return fmt.Errorf("refresh %s: %w", payload.EntityID, asynq.SkipRetry)
	}
	if err != nil {
		log.Error("build report failed", zap.Error(err))
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := report.ObjectKey(r.Kind, r.ID)
	if err := p.store.UploadReport(ctx, key, data); err != nil {
		log.Error("upload report failed", zap.Error(err))
		return err
	}
	log.Info("report refreshed",
		zap.String("object_key", key),
		zap.Int("version", r.Version),
		zap.Int("bytes", len(data)))
	return nil
}
