package coordinator

import (
	"context"
	"fmt"

	"github.com/pario-ai/gencache/pkg/cache"
	"github.com/pario-ai/gencache/pkg/models"
)

// Stats reports counters since start and the current size of each
// enumerable tier. Totals describe the local tier, the durable copy on this
// device; the remote tier cannot be enumerated.
func (c *Coordinator) Stats(ctx context.Context) (models.CacheStats, error) {
	st := models.CacheStats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Pending:     c.pending.Load(),
		Failures:    c.failures.Load(),
		Generations: c.generations.Load(),
	}
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRate = float64(st.Hits) / float64(lookups)
	}

	for _, t := range c.store.Tiers() {
		ev, ok := t.(cache.Evictable)
		if !ok {
			continue
		}
		u, err := ev.Usage(ctx)
		if err != nil {
			return st, fmt.Errorf("usage of %s tier: %w", t.Name(), err)
		}
		st.Tiers = append(st.Tiers, u)
		if u.Tier == models.TierLocal {
			st.TotalEntries = u.Entries
			st.TotalSizeBytes = u.SizeBytes
		}
	}
	return st, nil
}
