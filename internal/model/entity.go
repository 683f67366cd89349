package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EntityKind distinguishes the two tracked entity types.
type EntityKind string

const (
	KindBatch   EntityKind = "batch"
	KindProduct EntityKind = "product"
)

// ID prefixes. Identifiers are compared case-insensitively.
const (
	BatchPrefix   = "HB-"
	ProductPrefix = "PROD-"
)

// ParseKind accepts "batch" or "product" in any case.
func ParseKind(s string) (EntityKind, error) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindBatch:
		return KindBatch, nil
	case KindProduct:
		return KindProduct, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// KindOf infers the kind from an id prefix.
func KindOf(id string) (EntityKind, bool) {
	up := NormalizeID(id)
	switch {
	case strings.HasPrefix(up, BatchPrefix):
		return KindBatch, true
	case strings.HasPrefix(up, ProductPrefix):
		return KindProduct, true
	}
	return "", false
}

// NormalizeID is the comparison form of an identifier.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// FormatID renders the identifier for a sequence number, e.g. HB-481517.
func FormatID(kind EntityKind, seq int) string {
	if kind == KindProduct {
		return ProductPrefix + strconv.Itoa(seq)
	}
	return BatchPrefix + strconv.Itoa(seq)
}

// ParseSequence extracts the numeric suffix of an identifier of the given
// kind. Identifiers without a numeric suffix report false.
func ParseSequence(kind EntityKind, id string) (int, bool) {
	prefix := BatchPrefix
	if kind == KindProduct {
		prefix = ProductPrefix
	}
	up := NormalizeID(id)
	if !strings.HasPrefix(up, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(up[len(prefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Batch is a harvested raw-material lot.
type Batch struct {
	BatchID           string    `json:"batchId"`
	ProductName       string    `json:"productName"`
	FarmName          string    `json:"farmName"`
	Location          string    `json:"location"`
	HarvestDate       string    `json:"harvestDate"`
	ProcessingDetails string    `json:"processingDetails,omitempty"`
	Timeline          Timeline  `json:"timeline"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	b.Timeline = b.Timeline.Clone()
	return b
}

// Product is a final good assembled from one or more batches.
type Product struct {
	ProductID        string    `json:"productId"`
	Name             string    `json:"name"`
	Brand            string    `json:"brand"`
	Image            string    `json:"image,omitempty"`
	ComponentBatches []string  `json:"componentBatches"`
	Timeline         Timeline  `json:"timeline"`
	Version          int       `json:"version"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Clone returns a deep copy of the product.
func (p Product) Clone() Product {
	p.Timeline = p.Timeline.Clone()
	if p.ComponentBatches != nil {
		p.ComponentBatches = append([]string(nil), p.ComponentBatches...)
	}
	return p
}

// Entity is a snapshot of either a batch or a product. Exactly one of Batch
// and Product is set, matching Kind.
type Entity struct {
	Kind    EntityKind `json:"kind"`
	Batch   *Batch     `json:"batch,omitempty"`
	Product *Product   `json:"product,omitempty"`
}

// BatchEntity wraps a batch snapshot.
func BatchEntity(b Batch) Entity {
	return Entity{Kind: KindBatch, Batch: &b}
}

// ProductEntity wraps a product snapshot.
func ProductEntity(p Product) Entity {
	return Entity{Kind: KindProduct, Product: &p}
}

// ID returns the stored identifier.
func (e Entity) ID() string {
	switch e.Kind {
	case KindBatch:
		if e.Batch != nil {
			return e.Batch.BatchID
		}
	case KindProduct:
		if e.Product != nil {
			return e.Product.ProductID
		}
	}
	return ""
}

// Timeline returns the entity's stage events.
func (e Entity) Timeline() Timeline {
	switch e.Kind {
	case KindBatch:
		if e.Batch != nil {
			return e.Batch.Timeline
		}
	case KindProduct:
		if e.Product != nil {
			return e.Product.Timeline
		}
	}
	return nil
}
