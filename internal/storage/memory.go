package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// MemoryStore keeps snapshots in maps guarded by an RWMutex. Keys are
// normalized ids; values are deep copies.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[string]model.Batch
	products map[string]model.Product
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]model.Batch),
		products: make(map[string]model.Product),
	}
}

// InsertBatch stores a new batch.
func (m *MemoryStore) InsertBatch(_ context.Context, b model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeID(b.BatchID)
	if _, ok := m.batches[key]; ok {
		return fmt.Errorf("batch %s: %w", b.BatchID, ErrExists)
	}
	m.batches[key] = b.Clone()
	return nil
}

// InsertProduct stores a new product and replaces any consumed batches.
// Every precondition is checked before anything is written.
func (m *MemoryStore) InsertProduct(_ context.Context, p model.Product, consumed []model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeID(p.ProductID)
	if _, ok := m.products[key]; ok {
		return fmt.Errorf("product %s: %w", p.ProductID, ErrExists)
	}
	for _, b := range consumed {
		if err := m.checkBatchVersion(b); err != nil {
			return err
		}
	}
	for _, b := range consumed {
		m.putBatch(b)
	}
	m.products[key] = p.Clone()
	return nil
}

// GetBatch returns a copy of the batch.
func (m *MemoryStore) GetBatch(_ context.Context, id string) (model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[model.NormalizeID(id)]
	if !ok {
		return model.Batch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	return b.Clone(), nil
}

// GetProduct returns a copy of the product.
func (m *MemoryStore) GetProduct(_ context.Context, id string) (model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[model.NormalizeID(id)]
	if !ok {
		return model.Product{}, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

// UpdateBatch replaces a batch with optimistic version checking.
func (m *MemoryStore) UpdateBatch(_ context.Context, b model.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBatchVersion(b); err != nil {
		return err
	}
	m.putBatch(b)
	return nil
}

// UpdateProduct replaces a product with optimistic version checking.
func (m *MemoryStore) UpdateProduct(_ context.Context, p model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := model.NormalizeID(p.ProductID)
	existing, ok := m.products[key]
	if !ok {
		return fmt.Errorf("product %s: %w", p.ProductID, ErrNotFound)
	}
	if existing.Version != p.Version {
		return fmt.Errorf("product %s (have %d, stored %d): %w", p.ProductID, p.Version, existing.Version, ErrConflict)
	}
	stored := p.Clone()
	stored.Version++
	m.products[key] = stored
	return nil
}

// ListBatches returns every batch ordered by id sequence.
func (m *MemoryStore) ListBatches(_ context.Context) ([]model.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return lessID(model.KindBatch, out[i].BatchID, out[j].BatchID)
	})
	return out, nil
}

// ListProducts returns every product ordered by id sequence.
func (m *MemoryStore) ListProducts(_ context.Context) ([]model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return lessID(model.KindProduct, out[i].ProductID, out[j].ProductID)
	})
	return out, nil
}

// MaxSequence scans stored ids for the largest numeric suffix.
func (m *MemoryStore) MaxSequence(_ context.Context, kind model.EntityKind) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	highest := 0
	consider := func(id string) {
		if n, ok := model.ParseSequence(kind, id); ok && n > highest {
			highest = n
		}
	}
	switch kind {
	case model.KindBatch:
		for _, b := range m.batches {
			consider(b.BatchID)
		}
	case model.KindProduct:
		for _, p := range m.products {
			consider(p.ProductID)
		}
	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	return highest, nil
}

// Len reports how many entities of kind are stored.
func (m *MemoryStore) Len(kind model.EntityKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kind == model.KindProduct {
		return len(m.products)
	}
	return len(m.batches)
}

func (m *MemoryStore) checkBatchVersion(b model.Batch) error {
	existing, ok := m.batches[model.NormalizeID(b.BatchID)]
	if !ok {
		return fmt.Errorf("batch %s: %w", b.BatchID, ErrNotFound)
	}
	if existing.Version != b.Version {
		return fmt.Errorf("batch %s (have %d, stored %d): %w", b.BatchID, b.Version, existing.Version, ErrConflict)
	}
	return nil
}

// putBatch stores b with its version bumped. Caller holds the write lock.
func (m *MemoryStore) putBatch(b model.Batch) {
	stored := b.Clone()
	stored.Version++
	m.batches[model.NormalizeID(b.BatchID)] = stored
}

func lessID(kind model.EntityKind, a, b string) bool {
	na, okA := model.ParseSequence(kind, a)
	nb, okB := model.ParseSequence(kind, b)
	if okA && okB && na != nb {
		return na < nb
	}
	return a < b
}
