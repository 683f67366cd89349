package report

import (
	"context"
	"sync"
	"time"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// Cache memoizes rendered reports until a change touches them.
type Cache struct {
	src Source
	now func() time.Time

	mu      sync.RWMutex
	reports map[string]Report
	// gens counts invalidations per entity key and batchGen counts batch
	// changes. A build started before either moved is not stored.
	gens     map[string]uint64
	batchGen uint64
}

// NewCache builds an empty cache over src.
func NewCache(src Source) *Cache {
	return &Cache{
		src:     src,
		now:     time.Now,
		reports: make(map[string]Report),
		gens:    make(map[string]uint64),
	}
}

// Get returns the cached report for id, building it on a miss.
func (c *Cache) Get(ctx context.Context, id string) (Report, bool, error) {
	key := model.NormalizeID(id)
	c.mu.RLock()
	r, ok := c.reports[key]
	gen, batchGen := c.gens[key], c.batchGen
	c.mu.RUnlock()
	if ok {
		return r, true, nil
	}
	r, err := Build(ctx, c.src, id, c.now())
	if err != nil {
		return Report{}, false, err
	}
	c.mu.Lock()
	if c.gens[key] == gen && (r.Product == nil || c.batchGen == batchGen) {
		c.reports[key] = r
	}
	c.mu.Unlock()
	return r, false, nil
}

// Invalidate drops the report of the changed entity and, for batch changes,
// every cached product report that embeds the batch.
func (c *Cache) Invalidate(change model.Change) {
	key := model.NormalizeID(change.EntityID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reports, key)
	c.gens[key]++
	if change.Kind != model.KindBatch {
		return
	}
	c.batchGen++
	for id, r := range c.reports {
		if r.Product == nil {
			continue
		}
		for _, b := range r.Product.ComponentBatches {
			if model.NormalizeID(b) == key {
				delete(c.reports, id)
				break
			}
		}
	}
}

// Len reports how many entries are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.reports)
}
