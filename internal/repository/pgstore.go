// Package repository holds the PostgreSQL implementation of storage.Store.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/storage"
)

const uniqueViolation = "23505"

// PgStore wraps all SQL used by the ledger, the server and the worker.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*PgStore)(nil)

// NewPgStore constructs a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertBatch inserts a new batch row.
func (s *PgStore) InsertBatch(ctx context.Context, b model.Batch) error {
	tl, err := json.Marshal(b.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	seq, _ := model.ParseSequence(model.KindBatch, b.BatchID)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batches (id_key, batch_id, seq, product_name, farm_name, location, harvest_date, processing_details, timeline, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, model.NormalizeID(b.BatchID), b.BatchID, seq, b.ProductName, b.FarmName, b.Location, b.HarvestDate, b.ProcessingDetails, tl, b.Version, b.CreatedAt, time.Now().UTC())
	if err != nil {
		return insertErr("batch", b.BatchID, err)
	}
	return nil
}

// InsertProduct inserts the product and replaces consumed batches in one
// transaction.
func (s *PgStore) InsertProduct(ctx context.Context, p model.Product, consumed []model.Batch) error {
	tl, err := json.Marshal(p.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	components, err := json.Marshal(p.ComponentBatches)
	if err != nil {
		return fmt.Errorf("marshal component batches: %w", err)
	}
	seq, _ := model.ParseSequence(model.KindProduct, p.ProductID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, b := range consumed {
		if err := updateBatch(ctx, tx, b); err != nil {
			return err
		}
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO products (id_key, product_id, seq, name, brand, image, component_batches, timeline, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, model.NormalizeID(p.ProductID), p.ProductID, seq, p.Name, p.Brand, p.Image, components, tl, p.Version, p.CreatedAt, time.Now().UTC())
	if err != nil {
		return insertErr("product", p.ProductID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit product %s: %w", p.ProductID, err)
	}
	return nil
}

// GetBatch returns a batch by id, ignoring case.
func (s *PgStore) GetBatch(ctx context.Context, id string) (model.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT batch_id, product_name, farm_name, location, harvest_date, processing_details, timeline, version, created_at
		FROM batches WHERE id_key=$1
	`, model.NormalizeID(id))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Batch{}, fmt.Errorf("batch %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Batch{}, fmt.Errorf("select batch: %w", err)
	}
	return b, nil
}

// GetProduct returns a product by id, ignoring case.
func (s *PgStore) GetProduct(ctx context.Context, id string) (model.Product, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT product_id, name, brand, image, component_batches, timeline, version, created_at
		FROM products WHERE id_key=$1
	`, model.NormalizeID(id))
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Product{}, fmt.Errorf("product %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("select product: %w", err)
	}
	return p, nil
}

// UpdateBatch stores the new timeline if the version still matches.
func (s *PgStore) UpdateBatch(ctx context.Context, b model.Batch) error {
	return updateBatch(ctx, s.pool, b)
}

// UpdateProduct stores the new timeline if the version still matches.
func (s *PgStore) UpdateProduct(ctx context.Context, p model.Product) error {
	tl, err := json.Marshal(p.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE products
		SET timeline=$1, version=version+1, updated_at=$2
		WHERE id_key=$3 AND version=$4
	`, tl, time.Now().UTC(), model.NormalizeID(p.ProductID), p.Version)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, s.pool, "products", "product", p.ProductID)
	}
	return nil
}

// ListBatches returns every batch ordered by sequence.
func (s *PgStore) ListBatches(ctx context.Context) ([]model.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, product_name, farm_name, location, harvest_date, processing_details, timeline, version, created_at
		FROM batches ORDER BY seq, batch_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var out []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListProducts returns every product ordered by sequence.
func (s *PgStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, name, brand, image, component_batches, timeline, version, created_at
		FROM products ORDER BY seq, product_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var out []model.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MaxSequence returns the highest stored id suffix for kind.
func (s *PgStore) MaxSequence(ctx context.Context, kind model.EntityKind) (int, error) {
	var table string
	switch kind {
	case model.KindBatch:
		table = "batches"
	case model.KindProduct:
		table = "products"
	default:
		return 0, fmt.Errorf("unknown kind %q", kind)
	}
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(seq), 0) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("max %s seq: %w", kind, err)
	}
	return int(n), nil
}

func updateBatch(ctx context.Context, db execer, b model.Batch) error {
	tl, err := json.Marshal(b.Timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}
	tag, err := db.Exec(ctx, `
		UPDATE batches
		SET timeline=$1, version=version+1, updated_at=$2
		WHERE id_key=$3 AND version=$4
	`, tl, time.Now().UTC(), model.NormalizeID(b.BatchID), b.Version)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrConflict(ctx, db, "batches", "batch", b.BatchID)
	}
	return nil
}

// missingOrConflict explains why an optimistic update touched no rows.
func missingOrConflict(ctx context.Context, db execer, table, kind, id string) error {
	var exists bool
	err := db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM "+table+" WHERE id_key=$1)", model.NormalizeID(id)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", kind, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, storage.ErrConflict)
}

func insertErr(kind, id string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", kind, id, storage.ErrExists)
	}
	return fmt.Errorf("insert %s: %w", kind, err)
}

func scanBatch(row pgx.Row) (model.Batch, error) {
	var (
		b  model.Batch
		tl []byte
	)
	if err := row.Scan(&b.BatchID, &b.ProductName, &b.FarmName, &b.Location, &b.HarvestDate, &b.ProcessingDetails, &tl, &b.Version, &b.CreatedAt); err != nil {
		return model.Batch{}, err
	}
	if err := json.Unmarshal(tl, &b.Timeline); err != nil {
		return model.Batch{}, fmt.Errorf("unmarshal timeline: %w", err)
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func scanProduct(row pgx.Row) (model.Product, error) {
	var (
		p          model.Product
		components []byte
		tl         []byte
	)
	if err := row.Scan(&p.ProductID, &p.Name, &p.Brand, &p.Image, &components, &tl, &p.Version, &p.CreatedAt); err != nil {
		return model.Product{}, err
	}
	if err := json.Unmarshal(components, &p.ComponentBatches); err != nil {
		return model.Product{}, fmt.Errorf("unmarshal component batches: %w", err)
	}
	if err := json.Unmarshal(tl, &p.Timeline); err != nil {
		return model.Product{}, fmt.Errorf("unmarshal timeline: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
