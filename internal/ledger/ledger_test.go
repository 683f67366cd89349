package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/observability"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
	"github.com/dharsanguruparan/HarvestTrace/internal/timeline"
)

var fixedNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []model.Change
	err     error
}

func (r *recorder) Notify(_ context.Context, c model.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return r.err
}

func (r *recorder) types() []model.ChangeType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ChangeType, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Type
	}
	return out
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(store, opts...), store
}

func sampleBatch() BatchInput {
	return BatchInput{
		ProductName: "Ashwagandha Root",
		FarmName:    "Green Acres",
		Location:    "Nashik",
		HarvestDate: "2024-04-28",
	}
}

// advanceToReady completes batch stages 2-5 so the ready stage is pending.
func advanceToReady(t *testing.T, l *Ledger, id string) {
	t.Helper()
	ctx := context.Background()
	for _, st := range timeline.Template(model.KindBatch)[1 : timeline.BatchReadyStage-1] {
		_, err := l.UpdateStage(ctx, id, model.KindBatch, st.ID, model.StageUpdate{Description: st.Title}, st.AllowedRole)
		require.NoError(t, err)
	}
}

func TestCreateBatch_AssignsNextIDAfterStoredMax(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, store.InsertBatch(ctx, model.Batch{
		BatchID:  "HB-481516",
		Timeline: timeline.Seed(model.KindBatch, model.StageUpdate{}),
	}))

	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	assert.Equal(t, "HB-481517", b.BatchID)
	assert.Equal(t, []model.StageStatus{
		model.StatusComplete, model.StatusPending,
		model.StatusLocked, model.StatusLocked, model.StatusLocked, model.StatusLocked,
	}, b.Timeline.Statuses())
	assert.Equal(t, model.RoleFarmer, b.Timeline[0].CompletedBy)
	assert.Equal(t, "2024-04-28", b.Timeline[0].Date)
	assert.Equal(t, "Harvested Ashwagandha Root at Green Acres, Nashik", b.Timeline[0].Description)
}

func TestCreateBatch_SequenceFloor(t *testing.T) {
	l, _ := newTestLedger(t, WithSequenceFloors(1000, 50))
	b, err := l.CreateBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, "HB-1000", b.BatchID)

	b, err = l.CreateBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, "HB-1001", b.BatchID)
}

func TestCreateBatch_MonotonicConcurrent(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()

	const n = 64
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := l.CreateBatch(ctx, sampleBatch())
			if err == nil {
				ids <- b.BatchID
			}
			// concurrent readers
			_, _ = l.Lookup(ctx, "HB-1")
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		seq, ok := model.ParseSequence(model.KindBatch, id)
		require.True(t, ok)
		require.False(t, seen[seq], "duplicate id %s", id)
		seen[seq] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, store.Len(model.KindBatch))

	prev := 0
	for i := 0; i < 5; i++ {
		b, err := l.CreateBatch(ctx, sampleBatch())
		require.NoError(t, err)
		seq, _ := model.ParseSequence(model.KindBatch, b.BatchID)
		require.Greater(t, seq, prev)
		require.Greater(t, seq, n)
		prev = seq
	}
}

func TestUpdateStage_ProcessorCompletesReceipt(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	e, err := l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "cleaned"}, model.RoleProcessor)
	require.NoError(t, err)

	require.Equal(t, model.KindBatch, e.Kind)
	tl := e.Timeline()
	assert.Equal(t, model.StatusComplete, tl[1].Status)
	assert.Equal(t, model.StatusPending, tl[2].Status)
	assert.Equal(t, "cleaned", tl[1].Description)
	assert.Equal(t, "2024-05-01", tl[1].Date, "empty date defaults to today")
	assert.Equal(t, 1, e.Batch.Version)

	stored, err := l.Lookup(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, e, stored)
}

func TestUpdateStage_RoleMismatchLeavesEntityUnchanged(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	before, err := l.Lookup(ctx, b.BatchID)
	require.NoError(t, err)

	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "cleaned"}, model.RoleFarmer)
	require.ErrorIs(t, err, timeline.ErrRoleMismatch)

	after, err := l.Lookup(ctx, b.BatchID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateStage_RepeatFailsInvalidState(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "cleaned"}, model.RoleProcessor)
	require.NoError(t, err)
	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "cleaned"}, model.RoleProcessor)
	require.ErrorIs(t, err, timeline.ErrInvalidState)

	var te *timeline.TransitionError
	require.True(t, errors.As(err, &te))
	assert.True(t, te.AlreadyDone())
}

func TestUpdateStage_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	_, err = l.UpdateStage(ctx, "HB-999", model.KindBatch, 2, model.StageUpdate{}, model.RoleProcessor)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	// right id, wrong kind
	_, err = l.UpdateStage(ctx, b.BatchID, model.KindProduct, 2, model.StageUpdate{}, model.RoleManufacturer)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 12, model.StageUpdate{}, model.RoleProcessor)
	assert.ErrorIs(t, err, timeline.ErrStageNotFound)
}

func TestUpdateStage_ConcurrentRacersOnlyOneWins(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	const racers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "received"}, model.RoleProcessor)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestLookup_CaseInsensitive(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	e, err := l.Lookup(ctx, "  hb-1 ")
	require.NoError(t, err)
	assert.Equal(t, b.BatchID, e.ID())

	_, err = l.Lookup(ctx, "PROD-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	_, err = l.Lookup(ctx, "nonsense")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestCreateProduct_RequiresReadyBatches(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", Image: "tonic.png", BatchIDs: []string{b.BatchID}})
	require.ErrorIs(t, err, ErrBatchNotReady)
	var ce *CompositionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, b.BatchID, ce.BatchID)
	assert.Equal(t, 0, store.Len(model.KindProduct))

	advanceToReady(t, l, b.BatchID)
	p, err := l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", Image: "tonic.png", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)

	assert.Equal(t, "PROD-1", p.ProductID)
	assert.Equal(t, []string{b.BatchID}, p.ComponentBatches)
	assert.Equal(t, model.StatusComplete, p.Timeline[0].Status)
	assert.Equal(t, model.StatusPending, p.Timeline[1].Status)
	assert.Equal(t, model.RoleManufacturer, p.Timeline[0].CompletedBy)
	assert.Equal(t, 1, store.Len(model.KindProduct))
}

func TestCreateProduct_CompositionErrors(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b.BatchID)

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme"})
	assert.ErrorIs(t, err, ErrEmptyComposition)

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID, "hb-1"}})
	assert.ErrorIs(t, err, ErrDuplicateBatchReference)

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID, "HB-77"}})
	assert.ErrorIs(t, err, ErrEntityNotFound)

	assert.Equal(t, 0, store.Len(model.KindProduct))
}

func TestCreateProduct_NonExclusiveByDefault(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b.BatchID)

	p1, err := l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)
	p2, err := l.CreateProduct(ctx, ProductInput{Name: "Tea", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)
	assert.NotEqual(t, p1.ProductID, p2.ProductID)

	e, err := l.Lookup(ctx, b.BatchID)
	require.NoError(t, err)
	assert.True(t, Ready(*e.Batch))
}

func TestCreateProduct_ExclusiveConsumesBatches(t *testing.T) {
	l, _ := newTestLedger(t, WithExclusiveBatches(true))
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b.BatchID)

	p, err := l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)

	e, err := l.Lookup(ctx, b.BatchID)
	require.NoError(t, err)
	ready := e.Batch.Timeline[timeline.BatchReadyStage-1]
	assert.Equal(t, model.StatusComplete, ready.Status)
	assert.Equal(t, p.ProductID, ready.Data["productId"])
	assert.True(t, timeline.Complete(e.Batch.Timeline))

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tea", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	assert.ErrorIs(t, err, ErrBatchNotReady)
}

func TestProductLifecycle_ToConsumerScan(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b.BatchID)
	p, err := l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)

	var e model.Entity
	for _, st := range timeline.Template(model.KindProduct)[1:] {
		e, err = l.UpdateStage(ctx, "prod-1", model.KindProduct, st.ID, model.StageUpdate{Description: st.Title}, st.AllowedRole)
		require.NoError(t, err)
	}
	assert.Equal(t, p.ProductID, e.ID())
	assert.True(t, timeline.Complete(e.Timeline()))
	assert.Equal(t, 5, e.Product.Version)
}

func TestNotifications(t *testing.T) {
	rec := &recorder{}
	l, _ := newTestLedger(t, WithNotifier(rec))
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{}, model.RoleFarmer)
	require.Error(t, err)
	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{}, model.RoleProcessor)
	require.NoError(t, err)

	assert.Equal(t, []model.ChangeType{model.ChangeBatchCreated, model.ChangeStageCompleted}, rec.types())
	c := rec.changes[1]
	assert.Equal(t, b.BatchID, c.EntityID)
	assert.Equal(t, 2, c.StageID)
	assert.Equal(t, model.RoleProcessor, c.Actor)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, fixedNow, c.At)
}

func TestNotificationFailureDoesNotUndoWrite(t *testing.T) {
	rec := &recorder{err: errors.New("queue down")}
	l, store := newTestLedger(t, WithNotifier(rec))

	b, err := l.CreateBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len(model.KindBatch))
	assert.Equal(t, "HB-1", b.BatchID)
}

func TestReadyBatches(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	b1, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	_, err = l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b1.BatchID)

	ready, err := l.ReadyBatches(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, b1.BatchID, ready[0].BatchID)
}

func TestNotifiers_FanOutJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errors.New("queue down")}
	n := Notifiers(a, nil, b)

	err := n.Notify(context.Background(), model.Change{EntityID: "HB-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue down")
	assert.Len(t, a.changes, 1)
	assert.Len(t, b.changes, 1)

	assert.NoError(t, Notifiers(a).Notify(context.Background(), model.Change{}))
}

// stallingNotifier holds its first Notify until release is closed.
type stallingNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (n *stallingNotifier) Notify(ctx context.Context, _ model.Change) error {
	first := false
	n.once.Do(func() { first = true })
	if !first {
		return nil
	}
	close(n.entered)
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return nil
}

func TestNotifications_SlowSubscriberDoesNotBlockWriters(t *testing.T) {
	n := &stallingNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	l, _ := newTestLedger(t, WithNotifier(n))
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() {
		_, err := l.CreateBatch(ctx, sampleBatch())
		firstDone <- err
	}()
	select {
	case <-n.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first notification never delivered")
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := l.CreateBatch(ctx, sampleBatch())
		secondDone <- err
	}()
	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		close(n.release)
		t.Fatal("second write waited on the first notification")
	}

	close(n.release)
	require.NoError(t, <-firstDone)
}

// takenIDStore lets another writer claim the next batch id just before the
// ledger inserts.
type takenIDStore struct {
	*storage.MemoryStore
	once sync.Once
}

func (s *takenIDStore) InsertBatch(ctx context.Context, b model.Batch) error {
	var err error
	s.once.Do(func() {
		err = s.MemoryStore.InsertBatch(ctx, model.Batch{
			BatchID:  b.BatchID,
			Timeline: timeline.Seed(model.KindBatch, model.StageUpdate{}),
		})
	})
	if err != nil {
		return err
	}
	return s.MemoryStore.InsertBatch(ctx, b)
}

func TestCreateBatch_RetriesWhenIDTaken(t *testing.T) {
	store := &takenIDStore{MemoryStore: storage.NewMemoryStore()}
	l := New(store, WithClock(func() time.Time { return fixedNow }))

	b, err := l.CreateBatch(context.Background(), sampleBatch())
	require.NoError(t, err)
	assert.Equal(t, "HB-2", b.BatchID)

	got, err := store.GetBatch(context.Background(), "HB-2")
	require.NoError(t, err)
	assert.Equal(t, "Green Acres", got.FarmName)
}

func TestCreateProduct_ExclusiveCountsConsumedStage(t *testing.T) {
	m := observability.NewMetrics()
	l, _ := newTestLedger(t, WithExclusiveBatches(true), WithMetrics(m))
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, sampleBatch())
	require.NoError(t, err)
	advanceToReady(t, l, b.BatchID)

	_, err = l.CreateProduct(ctx, ProductInput{Name: "Tonic", Brand: "Acme", BatchIDs: []string{b.BatchID}})
	require.NoError(t, err)

	expected := `
# HELP harvestrace_stage_transitions_total Stage transition attempts by kind, stage and result
# TYPE harvestrace_stage_transitions_total counter
harvestrace_stage_transitions_total{kind="batch",result="ok",stage="2"} 1
harvestrace_stage_transitions_total{kind="batch",result="ok",stage="3"} 1
harvestrace_stage_transitions_total{kind="batch",result="ok",stage="4"} 1
harvestrace_stage_transitions_total{kind="batch",result="ok",stage="5"} 1
harvestrace_stage_transitions_total{kind="batch",result="ok",stage="6"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "harvestrace_stage_transitions_total"))
}
