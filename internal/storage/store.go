// Package storage defines the persistence contract used by the ledger and an
// in-memory implementation of it. The PostgreSQL implementation lives in the
// repository package.
package storage

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

var (
	// ErrNotFound is returned when no entity matches the id.
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned when inserting an id that is already stored.
	ErrExists = errors.New("entity already exists")
	// ErrConflict is returned by updates whose version no longer matches the
	// stored snapshot.
	ErrConflict = errors.New("entity version conflict")
)

// Store persists batch and product snapshots. Ids are matched
// case-insensitively; stored casing is preserved. Implementations must return
// copies so callers never share state with the store.
type Store interface {
	InsertBatch(ctx context.Context, b model.Batch) error
	// InsertProduct stores p and, in the same atomic step, replaces every
	// batch in consumed (each checked against its version like UpdateBatch).
	InsertProduct(ctx context.Context, p model.Product, consumed []model.Batch) error

	GetBatch(ctx context.Context, id string) (model.Batch, error)
	GetProduct(ctx context.Context, id string) (model.Product, error)

	// UpdateBatch replaces the stored batch if its version equals b.Version,
	// and stores it with Version+1.
	UpdateBatch(ctx context.Context, b model.Batch) error
	UpdateProduct(ctx context.Context, p model.Product) error

	ListBatches(ctx context.Context) ([]model.Batch, error)
	ListProducts(ctx context.Context) ([]model.Product, error)

	// MaxSequence returns the largest numeric id suffix stored for kind, or 0.
	MaxSequence(ctx context.Context, kind model.EntityKind) (int, error)
}
