// Package report renders the consumer-facing provenance view of a batch or
// product: the stored snapshot joined with stage presentation metadata and,
// for products, the snapshots of their component batches.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dharsanguruparan/HarvestTrace/internal/ledger"
	"github.com/dharsanguruparan/HarvestTrace/internal/model"
	"github.com/dharsanguruparan/HarvestTrace/internal/timeline"
)

// Source resolves entities by id. *ledger.Ledger satisfies it.
type Source interface {
	Lookup(ctx context.Context, id string) (model.Entity, error)
}

// Stage is a timeline entry with its display metadata.
type Stage struct {
	model.StageEvent
	timeline.Display
}

// Component is a batch report nested inside a product report.
type Component struct {
	Batch  model.Batch `json:"batch"`
	Stages []Stage     `json:"stages"`
}

// Report is the rendered provenance of one entity.
type Report struct {
	ID          string           `json:"id"`
	Kind        model.EntityKind `json:"kind"`
	Title       string           `json:"title"`
	Batch       *model.Batch     `json:"batch,omitempty"`
	Product     *model.Product   `json:"product,omitempty"`
	Stages      []Stage          `json:"stages"`
	Current     *Stage           `json:"current,omitempty"`
	Completed   int              `json:"completed"`
	Total       int              `json:"total"`
	Percent     int              `json:"percent"`
	Components  []Component      `json:"components,omitempty"`
	Missing     []string         `json:"missingComponents,omitempty"`
	Version     int              `json:"version"`
	GeneratedAt time.Time        `json:"generatedAt"`
}

// Build renders the report for id. Component batches that can no longer be
// found are listed in Missing rather than failing the whole report.
func Build(ctx context.Context, src Source, id string, now time.Time) (Report, error) {
	entity, err := src.Lookup(ctx, id)
	if err != nil {
		return Report{}, err
	}
	r := Report{
		ID:          entity.ID(),
		Kind:        entity.Kind,
		GeneratedAt: now.UTC(),
	}
	tl := entity.Timeline()
	r.Stages = stages(entity.Kind, tl)
	r.Completed = tl.Completed()
	r.Total = len(tl)
	if r.Total > 0 {
		r.Percent = r.Completed * 100 / r.Total
	}
	if ev, ok := tl.Pending(); ok {
		cur := Stage{StageEvent: ev, Display: timeline.Presentation(entity.Kind, ev.ID)}
		r.Current = &cur
	}

	switch entity.Kind {
	case model.KindBatch:
		b := entity.Batch.Clone()
		r.Batch = &b
		r.Title = b.ProductName
		r.Version = b.Version
	case model.KindProduct:
		p := entity.Product.Clone()
		r.Product = &p
		r.Title = p.Name
		r.Version = p.Version
		for _, batchID := range p.ComponentBatches {
			comp, err := src.Lookup(ctx, batchID)
			if errors.Is(err, ledger.ErrEntityNotFound) || (err == nil && comp.Batch == nil) {
				r.Missing = append(r.Missing, batchID)
				continue
			}
			if err != nil {
				return Report{}, fmt.Errorf("component %s: %w", batchID, err)
			}
			r.Components = append(r.Components, Component{
				Batch:  comp.Batch.Clone(),
				Stages: stages(model.KindBatch, comp.Batch.Timeline),
			})
		}
	}
	return r, nil
}

// ObjectKey is where the worker stores the JSON rendering of r.
func ObjectKey(kind model.EntityKind, id string) string {
	return fmt.Sprintf("reports/%s/%s.json", kind, model.NormalizeID(id))
}

func stages(kind model.EntityKind, tl model.Timeline) []Stage {
	out := make([]Stage, 0, len(tl))
	for _, ev := range tl.Clone() {
		out = append(out, Stage{StageEvent: ev, Display: timeline.Presentation(kind, ev.ID)})
	}
	return out
}
