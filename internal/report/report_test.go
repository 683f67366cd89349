package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
	"github.com/dharsanguruparan/HarvestTrace/internal/timeline"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(storage.NewMemoryStore(), ledger.WithClock(func() time.Time { return now }))
}

func readyBatch(t *testing.T, l *ledger.Ledger, name string) model.Batch {
	t.Helper()
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, ledger.BatchInput{ProductName: name, FarmName: "Hill Farm", Location: "Ooty"})
	require.NoError(t, err)
	for _, st := range timeline.Template(model.KindBatch)[1 : timeline.BatchReadyStage-1] {
		_, err := l.UpdateStage(ctx, b.BatchID, model.KindBatch, st.ID, model.StageUpdate{Description: st.Title}, st.AllowedRole)
		require.NoError(t, err)
	}
	return b
}

func TestBuild_Batch(t *testing.T) {
	l := newLedger(t)
	b, err := l.CreateBatch(context.Background(), ledger.BatchInput{ProductName: "Turmeric", FarmName: "Hill Farm", Location: "Ooty"})
	require.NoError(t, err)

	r, err := Build(context.Background(), l, "hb-1", now)
	require.NoError(t, err)

	assert.Equal(t, b.BatchID, r.ID)
	assert.Equal(t, model.KindBatch, r.Kind)
	assert.Equal(t, "Turmeric", r.Title)
	assert.Equal(t, 1, r.Completed)
	assert.Equal(t, 6, r.Total)
	assert.Equal(t, 16, r.Percent)
	require.NotNil(t, r.Current)
	assert.Equal(t, 2, r.Current.ID)
	assert.Equal(t, "package-check", r.Current.Icon)
	require.Len(t, r.Stages, 6)
	assert.Equal(t, "sprout", r.Stages[0].Icon)
	assert.Nil(t, r.Product)
}

func TestBuild_ProductIncludesComponents(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := readyBatch(t, l, "Tulsi")
	b := readyBatch(t, l, "Ginger")
	p, err := l.CreateProduct(ctx, ledger.ProductInput{Name: "Tea", Brand: "Leaf Co", BatchIDs: []string{a.BatchID, b.BatchID}})
	require.NoError(t, err)

	r, err := Build(ctx, l, p.ProductID, now)
	require.NoError(t, err)

	assert.Equal(t, "Tea", r.Title)
	require.Len(t, r.Components, 2)
	assert.Equal(t, a.BatchID, r.Components[0].Batch.BatchID)
	assert.Equal(t, "flask-conical", r.Components[0].Stages[5].Icon)
	assert.Empty(t, r.Missing)
	assert.Equal(t, "boxes", r.Stages[0].Icon)
}

func TestBuild_NotFound(t *testing.T) {
	_, err := Build(context.Background(), newLedger(t), "HB-99", now)
	assert.ErrorIs(t, err, ledger.ErrEntityNotFound)
}

func TestBuild_CompleteTimelineHasNoCurrent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	b := readyBatch(t, l, "Neem")
	_, err := l.UpdateStage(ctx, b.BatchID, model.KindBatch, timeline.BatchReadyStage, model.StageUpdate{}, model.RoleManufacturer)
	require.NoError(t, err)

	r, err := Build(ctx, l, b.BatchID, now)
	require.NoError(t, err)
	assert.Nil(t, r.Current)
	assert.Equal(t, 100, r.Percent)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "reports/product/PROD-3.json", ObjectKey(model.KindProduct, "prod-3"))
}

func TestCache_InvalidatesOnChange(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	a := readyBatch(t, l, "Tulsi")
	p, err := l.CreateProduct(ctx, ledger.ProductInput{Name: "Tea", Brand: "Leaf Co", BatchIDs: []string{a.BatchID}})
	require.NoError(t, err)

	c := NewCache(l)
	_, hit, err := c.Get(ctx, p.ProductID)
	require.NoError(t, err)
	assert.False(t, hit)
	_, hit, err = c.Get(ctx, strings.ToLower(p.ProductID))
	require.NoError(t, err)
	assert.True(t, hit)
	_, _, err = c.Get(ctx, a.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = l.UpdateStage(ctx, a.BatchID, model.KindBatch, timeline.BatchReadyStage, model.StageUpdate{}, model.RoleManufacturer)
	require.NoError(t, err)
	c.Invalidate(model.Change{Type: model.ChangeStageCompleted, Kind: model.KindBatch, EntityID: a.BatchID})
	assert.Equal(t, 0, c.Len())

	r, hit, err := c.Get(ctx, p.ProductID)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, model.StatusComplete, r.Components[0].Batch.Timeline[5].Status)
}

// gatedSource pauses the first Lookup after reading until release is closed.
type gatedSource struct {
	Source
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *gatedSource) Lookup(ctx context.Context, id string) (model.Entity, error) {
	e, err := s.Source.Lookup(ctx, id)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return e, err
}

func TestCache_DropsBuildOverlappingInvalidate(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	b, err := l.CreateBatch(ctx, ledger.BatchInput{ProductName: "Tulsi", FarmName: "Hill Farm", Location: "Ooty"})
	require.NoError(t, err)

	src := &gatedSource{Source: l, read: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(src)

	type result struct {
		r   Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, _, err := c.Get(ctx, b.BatchID)
		done <- result{r, err}
	}()
	<-src.read

	_, err = l.UpdateStage(ctx, b.BatchID, model.KindBatch, 2, model.StageUpdate{Description: "received"}, model.RoleProcessor)
	require.NoError(t, err)
	c.Invalidate(model.Change{Type: model.ChangeStageCompleted, Kind: model.KindBatch, EntityID: b.BatchID, StageID: 2})
	close(src.release)

	stale := <-done
	require.NoError(t, stale.err)
	assert.Equal(t, 1, stale.r.Completed)

	r, hit, err := c.Get(ctx, b.BatchID)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, r.Completed)
}
