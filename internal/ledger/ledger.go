// Package ledger is the authoritative owner of batches and products. It
// assigns identifiers, enforces the assembly rules and is the only writer of
// stage transitions, which it delegates to the timeline package.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
	"github.com/dharsanguruparan/HarvestTrace/internal/timeline"
)

// DateLayout is used when a stage update arrives without a date.
const DateLayout = "2006-01-02"

// Notifier receives a Change after every successful mutation.
type Notifier interface {
	Notify(ctx context.Context, change model.Change) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, change model.Change) error

func (f NotifierFunc) Notify(ctx context.Context, change model.Change) error { return f(ctx, change) }

// Notifiers fans a change out to every non-nil notifier in order. All of them
// are called; their errors are joined.
func Notifiers(ns ...Notifier) Notifier {
	return NotifierFunc(func(ctx context.Context, change model.Change) error {
		var errs []error
		for _, n := range ns {
			if n == nil {
				continue
			}
			if err := n.Notify(ctx, change); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// BatchInput carries the descriptive fields of a new batch.
type BatchInput struct {
	ProductName       string
	FarmName          string
	Location          string
	HarvestDate       string
	ProcessingDetails string
	// Notes and Data are attached to the pre-completed cultivation stage,
	// e.g. the plant-health diagnosis obtained by the caller.
	Notes string
	Data  map[string]any
}

// ProductInput carries the fields of a new product.
type ProductInput struct {
	Name     string
	Brand    string
	Image    string
	BatchIDs []string
}

// Ledger owns entity storage and identifier assignment. All mutations are
// serialized by one mutex; reads go straight to the store, which only ever
// holds whole snapshots.
type Ledger struct {
	store     storage.Store
	notifier  Notifier
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	exclusive bool

	mu          sync.Mutex
	batchFloor  int
	prodFloor   int
	lastBatch   int
	lastProduct int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNotifier sets where change notifications go.
func WithNotifier(n Notifier) Option { return func(l *Ledger) { l.notifier = n } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *observability.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithSequenceFloors sets the lowest sequence number issued for batch and
// product ids.
func WithSequenceFloors(batch, product int) Option {
	return func(l *Ledger) {
		l.batchFloor = batch
		l.prodFloor = product
	}
}

// WithExclusiveBatches makes product assembly consume its batches: each
// component batch's ready stage is completed by the manufacturer so it cannot
// be assembled into a second product.
func WithExclusiveBatches(on bool) Option { return func(l *Ledger) { l.exclusive = on } }

// New builds a Ledger over store.
func New(store storage.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		logger:     zap.NewNop(),
		now:        time.Now,
		batchFloor: 1,
		prodFloor:  1,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateBatch records a new harvest lot. Cultivation is completed at creation
// on behalf of the farmer; processor receipt becomes pending.
func (l *Ledger) CreateBatch(ctx context.Context, in BatchInput) (model.Batch, error) {
	var pending []model.Change
	defer func() { l.publish(ctx, pending...) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	harvest := in.HarvestDate
	if harvest == "" {
		harvest = now.Format(DateLayout)
	}
	notes := in.Notes
	if notes == "" {
		notes = cultivationNote(in)
	}

	b := model.Batch{
		ProductName:       in.ProductName,
		FarmName:          in.FarmName,
		Location:          in.Location,
		HarvestDate:       harvest,
		ProcessingDetails: in.ProcessingDetails,
		Timeline: timeline.Seed(model.KindBatch, model.StageUpdate{
			Description: notes,
			Date:        harvest,
			Data:        in.Data,
		}),
		CreatedAt: now,
	}
	// Another writer sharing the store may take the id between reading the
	// stored maximum and inserting; the retry reads the new maximum.
	for attempt := 0; ; attempt++ {
		seq, err := l.nextSequence(ctx, model.KindBatch)
		if err != nil {
			return model.Batch{}, err
		}
		b.BatchID = model.FormatID(model.KindBatch, seq)
		err = l.store.InsertBatch(ctx, b)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrExists) || attempt > 0 {
			return model.Batch{}, fmt.Errorf("create batch: %w", err)
		}
		l.logger.Warn("batch id taken, retrying", zap.String("batch_id", b.BatchID))
	}

	l.metrics.EntityCreated(string(model.KindBatch))
	l.logger.Info("batch created",
		zap.String("batch_id", b.BatchID),
		zap.String("farm", b.FarmName),
		zap.String("product", b.ProductName),
	)
	pending = append(pending, l.change(model.ChangeBatchCreated, model.KindBatch, b.BatchID, 1, model.RoleFarmer))
	return b, nil
}

// CreateProduct assembles a product from batches whose ready stage is
// pending. No product is created if any check fails.
func (l *Ledger) CreateProduct(ctx context.Context, in ProductInput) (model.Product, error) {
	if len(in.BatchIDs) == 0 {
		return model.Product{}, &CompositionError{Err: ErrEmptyComposition}
	}
	seen := make(map[string]bool, len(in.BatchIDs))
	for _, id := range in.BatchIDs {
		key := model.NormalizeID(id)
		if seen[key] {
			return model.Product{}, &CompositionError{Err: ErrDuplicateBatchReference, BatchID: id}
		}
		seen[key] = true
	}

	var pending []model.Change
	defer func() { l.publish(ctx, pending...) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	batches := make([]model.Batch, 0, len(in.BatchIDs))
	for _, id := range in.BatchIDs {
		b, err := l.store.GetBatch(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return model.Product{}, &CompositionError{Err: ErrEntityNotFound, BatchID: id}
		}
		if err != nil {
			return model.Product{}, fmt.Errorf("load batch %s: %w", id, err)
		}
		if !Ready(b) {
			l.logger.Warn("batch not ready for assembly", zap.String("batch_id", b.BatchID))
			return model.Product{}, &CompositionError{Err: ErrBatchNotReady, BatchID: id}
		}
		batches = append(batches, b)
	}

	seq, err := l.nextSequence(ctx, model.KindProduct)
	if err != nil {
		return model.Product{}, err
	}
	now := l.now().UTC()
	today := now.Format(DateLayout)
	p := model.Product{
		ProductID:        model.FormatID(model.KindProduct, seq),
		Name:             in.Name,
		Brand:            in.Brand,
		Image:            in.Image,
		ComponentBatches: append([]string(nil), in.BatchIDs...),
		Timeline: timeline.Seed(model.KindProduct, model.StageUpdate{
			Description: fmt.Sprintf("%s assembled by %s from %s", in.Name, in.Brand, strings.Join(in.BatchIDs, ", ")),
			Date:        today,
		}),
		CreatedAt: now,
	}

	var consumed []model.Batch
	if l.exclusive {
		for _, b := range batches {
			tl, err := timeline.ApplyTransition(b.Timeline, timeline.BatchReadyStage, model.StageUpdate{
				Description: "Consumed by " + p.ProductID,
				Date:        today,
				Data:        map[string]any{"productId": p.ProductID},
			}, model.RoleManufacturer)
			if err != nil {
				return model.Product{}, fmt.Errorf("consume batch %s: %w", b.BatchID, err)
			}
			b.Timeline = tl
			consumed = append(consumed, b)
		}
	}

	if err := l.store.InsertProduct(ctx, p, consumed); err != nil {
		return model.Product{}, fmt.Errorf("create product: %w", err)
	}

	l.metrics.EntityCreated(string(model.KindProduct))
	l.logger.Info("product created",
		zap.String("product_id", p.ProductID),
		zap.String("brand", p.Brand),
		zap.Strings("batches", p.ComponentBatches),
	)
	pending = append(pending, l.change(model.ChangeProductCreated, model.KindProduct, p.ProductID, 1, model.RoleManufacturer))
	readyStage := strconv.Itoa(timeline.BatchReadyStage)
	for _, b := range consumed {
		l.metrics.ObserveTransition(string(model.KindBatch), readyStage, observability.ResultOK)
		pending = append(pending, l.change(model.ChangeStageCompleted, model.KindBatch, b.BatchID, timeline.BatchReadyStage, model.RoleManufacturer))
	}
	return p, nil
}

// UpdateStage completes stageID on the entity identified by id and kind and
// stores the resulting snapshot. An empty update date defaults to today.
func (l *Ledger) UpdateStage(ctx context.Context, id string, kind model.EntityKind, stageID int, update model.StageUpdate, actor model.Role) (model.Entity, error) {
	var pending []model.Change
	defer func() { l.publish(ctx, pending...) }()
	l.mu.Lock()
	defer l.mu.Unlock()

	if update.Date == "" {
		update.Date = l.now().UTC().Format(DateLayout)
	}

	var (
		entity model.Entity
		err    error
	)
	switch kind {
	case model.KindBatch:
		entity, err = l.updateBatch(ctx, id, stageID, update, actor)
	case model.KindProduct:
		entity, err = l.updateProduct(ctx, id, stageID, update, actor)
	default:
		err = fmt.Errorf("%s %s: %w", kind, id, ErrEntityNotFound)
	}

	stage := strconv.Itoa(stageID)
	if err != nil {
		var te *timeline.TransitionError
		if errors.As(err, &te) {
			l.metrics.ObserveTransition(string(kind), stage, observability.ResultRejected)
			l.logger.Warn("transition rejected",
				zap.String("entity_id", id),
				zap.Int("stage", stageID),
				zap.String("actor", string(actor)),
				zap.Error(err),
			)
		} else if !errors.Is(err, ErrEntityNotFound) {
			l.metrics.ObserveTransition(string(kind), stage, observability.ResultError)
			l.logger.Error("stage update failed", zap.String("entity_id", id), zap.Error(err))
		}
		return model.Entity{}, err
	}

	l.metrics.ObserveTransition(string(kind), stage, observability.ResultOK)
	l.logger.Info("stage completed",
		zap.String("entity_id", entity.ID()),
		zap.Int("stage", stageID),
		zap.String("actor", string(actor)),
	)
	pending = append(pending, l.change(model.ChangeStageCompleted, kind, entity.ID(), stageID, actor))
	return entity, nil
}

func (l *Ledger) updateBatch(ctx context.Context, id string, stageID int, update model.StageUpdate, actor model.Role) (model.Entity, error) {
	b, err := l.store.GetBatch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Entity{}, fmt.Errorf("batch %s: %w", id, ErrEntityNotFound)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("load batch %s: %w", id, err)
	}
	tl, err := timeline.ApplyTransition(b.Timeline, stageID, update, actor)
	if err != nil {
		return model.Entity{}, err
	}
	b.Timeline = tl
	if err := l.store.UpdateBatch(ctx, b); err != nil {
		return model.Entity{}, fmt.Errorf("save batch %s: %w", b.BatchID, err)
	}
	b.Version++
	return model.BatchEntity(b), nil
}

func (l *Ledger) updateProduct(ctx context.Context, id string, stageID int, update model.StageUpdate, actor model.Role) (model.Entity, error) {
	p, err := l.store.GetProduct(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Entity{}, fmt.Errorf("product %s: %w", id, ErrEntityNotFound)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("load product %s: %w", id, err)
	}
	tl, err := timeline.ApplyTransition(p.Timeline, stageID, update, actor)
	if err != nil {
		return model.Entity{}, err
	}
	p.Timeline = tl
	if err := l.store.UpdateProduct(ctx, p); err != nil {
		return model.Entity{}, fmt.Errorf("save product %s: %w", p.ProductID, err)
	}
	p.Version++
	return model.ProductEntity(p), nil
}

// Lookup finds an entity by id, ignoring case. Ids with a known prefix are
// only searched for in their own kind.
func (l *Ledger) Lookup(ctx context.Context, id string) (model.Entity, error) {
	kinds := []model.EntityKind{model.KindBatch, model.KindProduct}
	if kind, ok := model.KindOf(id); ok {
		kinds = []model.EntityKind{kind}
	}
	for _, kind := range kinds {
		entity, err := l.get(ctx, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.Entity{}, err
		}
		return entity, nil
	}
	return model.Entity{}, fmt.Errorf("%s: %w", id, ErrEntityNotFound)
}

// Batches lists every batch.
func (l *Ledger) Batches(ctx context.Context) ([]model.Batch, error) {
	out, err := l.store.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return out, nil
}

// Products lists every product.
func (l *Ledger) Products(ctx context.Context) ([]model.Product, error) {
	out, err := l.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// ReadyBatches lists batches currently eligible for product assembly.
func (l *Ledger) ReadyBatches(ctx context.Context) ([]model.Batch, error) {
	all, err := l.Batches(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if Ready(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Ready reports whether b's ready stage is pending.
func Ready(b model.Batch) bool {
	idx := b.Timeline.Stage(timeline.BatchReadyStage)
	return idx >= 0 && b.Timeline[idx].Status == model.StatusPending
}

func (l *Ledger) get(ctx context.Context, kind model.EntityKind, id string) (model.Entity, error) {
	if kind == model.KindProduct {
		p, err := l.store.GetProduct(ctx, id)
		if err != nil {
			return model.Entity{}, err
		}
		return model.ProductEntity(p), nil
	}
	b, err := l.store.GetBatch(ctx, id)
	if err != nil {
		return model.Entity{}, err
	}
	return model.BatchEntity(b), nil
}

// nextSequence issues the next id number for kind. It never goes below the
// last number issued by this ledger, the largest stored suffix, or the
// configured floor. Caller holds l.mu.
func (l *Ledger) nextSequence(ctx context.Context, kind model.EntityKind) (int, error) {
	stored, err := l.store.MaxSequence(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("read %s sequence: %w", kind, err)
	}
	last, floor := &l.lastBatch, l.batchFloor
	if kind == model.KindProduct {
		last, floor = &l.lastProduct, l.prodFloor
	}
	n := max(*last, stored, floor-1) + 1
	*last = n
	return n, nil
}

func (l *Ledger) change(typ model.ChangeType, kind model.EntityKind, id string, stageID int, actor model.Role) model.Change {
	return model.Change{
		ID:       uuid.NewString(),
		Type:     typ,
		Kind:     kind,
		EntityID: id,
		StageID:  stageID,
		Actor:    actor,
		At:       l.now().UTC(),
	}
}

// publish hands changes to the notifier. Callers defer it ahead of the
// unlock so a slow subscriber never holds up other writers.
func (l *Ledger) publish(ctx context.Context, changes ...model.Change) {
	if l.notifier == nil {
		return
	}
	for _, change := range changes {
		if err := l.notifier.Notify(ctx, change); err != nil {
			l.metrics.NotifyFailed(string(change.Type))
			l.logger.Error("change notification failed",
				zap.String("entity_id", change.EntityID),
				zap.String("type", string(change.Type)),
				zap.Error(err),
			)
		}
	}
}

func cultivationNote(in BatchInput) string {
	parts := []string{"Harvested"}
	if in.ProductName != "" {
		parts = append(parts, in.ProductName)
	}
	if in.FarmName != "" {
		parts = append(parts, "at "+in.FarmName)
	}
	note := strings.Join(parts, " ")
	if in.Location != "" {
		note += ", " + in.Location
	}
	return note
}
