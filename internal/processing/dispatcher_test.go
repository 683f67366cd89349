package processing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

func TestDispatcher_DeliversToSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := New(2, nil)
	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 3)
	d.Subscribe(func(_ context.Context, c model.Change) {
		mu.Lock()
		got = append(got, c.EntityID)
		mu.Unlock()
		done <- struct{}{}
	})
	d.Subscribe(func(context.Context, model.Change) { panic("boom") })
	d.Start(ctx)

	for _, id := range []string{"HB-1", "HB-2", "PROD-1"} {
		require.NoError(t, d.Notify(ctx, model.Change{EntityID: id}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"HB-1", "HB-2", "PROD-1"}, got)
}

func TestDispatcher_QueueFull(t *testing.T) {
	d := New(1, nil)
	// No workers started, so the buffer fills.
	for i := 0; i < cap(d.queue); i++ {
		require.NoError(t, d.Notify(context.Background(), model.Change{EntityID: "HB-1"}))
	}
	assert.ErrorIs(t, d.Notify(context.Background(), model.Change{EntityID: "HB-1"}), ErrQueueFull)
}

func TestDispatcher_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := New(3, nil)
	d.Start(ctx)
	cancel()

	stopped := make(chan struct{})
	go func() {
		d.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit")
	}
}
