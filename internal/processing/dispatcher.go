// Package processing fans ledger changes out to in-process subscribers on a
// small pool of goroutines fed by a buffered channel.
package processing

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// ErrQueueFull is returned by Notify when the buffer has no room.
var ErrQueueFull = errors.New("processing: dispatch queue full")

// Subscriber receives every change delivered by the Dispatcher.
type Subscriber func(ctx context.Context, change model.Change)

// Dispatcher implements ledger.Notifier without leaving the process.
type Dispatcher struct {
	logger  *zap.Logger
	queue   chan model.Change
	workers int

	mu   sync.RWMutex
	subs []Subscriber
	wg   sync.WaitGroup
}

// New builds a Dispatcher with queue capacity tied to worker count.
func New(workers int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		queue:   make(chan model.Change, workers*16),
		workers: workers,
	}
}

// Subscribe registers fn for all later deliveries.
func (d *Dispatcher) Subscribe(fn Subscriber) {
	d.mu.Lock()
	d.subs = append(d.subs, fn)
	d.mu.Unlock()
}

// Start launches worker goroutines. They exit when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Notify queues change for delivery. A full buffer drops the change and
// reports ErrQueueFull to the caller.
func (d *Dispatcher) Notify(_ context.Context, change model.Change) error {
	select {
	case d.queue <- change:
		return nil
	default:
		d.logger.Warn("dispatch queue full, dropping change",
			zap.String("change_id", change.ID),
			zap.String("entity_id", change.EntityID))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-d.queue:
			d.deliver(ctx, change)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, change model.Change) {
	d.mu.RLock()
	subs := append([]Subscriber(nil), d.subs...)
	d.mu.RUnlock()
	for _, fn := range subs {
		d.call(ctx, fn, change)
	}
	d.logger.Debug("change delivered",
		zap.String("type", string(change.Type)),
		zap.String("entity_id", change.EntityID),
		zap.Int("subscribers", len(subs)))
}

// call isolates a panicking subscriber from the rest of the pool.
func (d *Dispatcher) call(ctx context.Context, fn Subscriber, change model.Change) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked",
				zap.Any("panic", r),
				zap.String("entity_id", change.EntityID))
		}
	}()
	fn(ctx, change)
}
