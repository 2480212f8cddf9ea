package scraper

import (
	"fmt"
	"sort"
	"sync"
)

// TruncationBoundary is the card count at which a result page must be
// treated as truncated. The site clips every query to ~101 results, so a
// page returning 99 or more cards cannot be trusted to be complete.
const TruncationBoundary = 99

// Expected per-range counts the price splitter aims for.
const (
	targetRangeMin = 50
	targetRangeMax = 99
)

// minSplitRange is the price span below which subdivision degenerates to a
// fixed 1000 € step with exactly two children.
const minSplitRange = 5000

// Subdivider refines truncated queries: first by property-type group, then
// by progressively finer price ranges. It memoises the level at which a
// (tile, period, type group) historically succeeds so long-running processes
// can skip the levels that always truncate.
type Subdivider struct {
	cache *levelCache
}

// NewSubdivider creates a Subdivider with an empty success cache.
func NewSubdivider() *Subdivider {
	return &Subdivider{cache: newLevelCache(levelCacheMaxSize)}
}

// ShouldSubdivide reports whether a fetched page hit the truncation boundary.
func (s *Subdivider) ShouldSubdivide(cardCount int) bool {
	return cardCount >= TruncationBoundary
}

// Subdivide returns the child queries that replace q. samplePrices are the
// prices observed on the truncated page (used for percentile split points);
// total is the observed card count. At least two children are always emitted.
func (s *Subdivider) Subdivide(q SearchQuery, samplePrices []int, total int) []SearchQuery {
	// Level 0 → 1: partition by property-type group, skipped when only one
	// type is requested.
	if q.Level == LevelInitial {
		if groups := typeGroups(q.Types); len(groups) > 1 {
			out := make([]SearchQuery, 0, len(groups))
			for _, g := range groups {
				child := q
				child.Types = g
				child.Level = LevelTypeSplit
				out = append(out, child)
			}
			return out
		}
		// Single type: fall through directly to the price split.
	}

	return s.splitByPrice(q, samplePrices, total)
}

// splitByPrice introduces (or refines) the minprice/maxprice range.
func (s *Subdivider) splitByPrice(q SearchQuery, samplePrices []int, total int) []SearchQuery {
	progressive := q.ProgressiveLevel + 1

	lo := q.MinPrice
	hi := q.MaxPrice
	if hi == 0 {
		hi = MaxPrice
	}

	// Very tight range: force a minimum 1000 € step, two children.
	if hi-lo < minSplitRange {
		mid := lo + 1000
		if mid >= hi {
			mid = hi - 1
		}
		return []SearchQuery{
			priceChild(q, lo, mid, progressive),
			priceChild(q, mid+1, hi, progressive),
		}
	}

	divisions := chooseDivisions(progressive, total)

	var bounds []int
	if len(samplePrices) >= 20 && divisions <= 4 {
		bounds = percentileBounds(samplePrices, lo, hi, divisions)
	} else {
		bounds = equalBounds(lo, hi, divisions)
	}

	out := make([]SearchQuery, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		childLo := bounds[i]
		if i > 0 {
			childLo++ // ranges must not overlap
		}
		childHi := bounds[i+1]
		if childHi <= childLo {
			// Tie-break for degenerate distributions: force 1 € separation.
			childHi = childLo + 1
		}
		out = append(out, priceChild(q, childLo, childHi, progressive))
	}
	// The final range always reaches the global cap of its parent.
	out[len(out)-1].MaxPrice = hi
	return out
}

func priceChild(q SearchQuery, lo, hi, progressive int) SearchQuery {
	child := q
	child.MinPrice = lo
	child.MaxPrice = hi
	child.Level = LevelPrice
	child.ProgressiveLevel = progressive
	return child
}

// chooseDivisions starts from 2^progressive and adjusts toward total/50 so
// the expected per-range count lands in [50, 99]. Result is clamped to [2, 8].
func chooseDivisions(progressive, total int) int {
	divisions := 1 << progressive
	if total > 0 {
		expected := total / divisions
		if expected > targetRangeMax || expected < targetRangeMin {
			divisions = total / targetRangeMin
		}
	}
	if divisions < 2 {
		divisions = 2
	}
	if divisions > 8 {
		divisions = 8
	}
	return divisions
}

// percentileBounds derives split points from the observed price sample:
// the median for a binary split, quartiles for a 4-way split.
func percentileBounds(samples []int, lo, hi, divisions int) []int {
	sorted := append([]int(nil), samples...)
	sort.Ints(sorted)

	bounds := make([]int, 0, divisions+1)
	bounds = append(bounds, lo)
	for i := 1; i < divisions; i++ {
		idx := i * len(sorted) / divisions
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		p := sorted[idx]
		if p <= bounds[len(bounds)-1] {
			p = bounds[len(bounds)-1] + 1
		}
		if p >= hi {
			p = hi - 1
		}
		bounds = append(bounds, p)
	}
	bounds = append(bounds, hi)
	return bounds
}

// equalBounds splits [lo, hi] into equal arithmetic ranges.
func equalBounds(lo, hi, divisions int) []int {
	step := (hi - lo) / divisions
	if step < 1000 {
		step = 1000
	}
	bounds := make([]int, 0, divisions+1)
	bounds = append(bounds, lo)
	for i := 1; i < divisions; i++ {
		b := lo + i*step
		if b >= hi {
			break
		}
		bounds = append(bounds, b)
	}
	bounds = append(bounds, hi)
	return bounds
}

// ---------------------------------------------------------------------------
// Success-memoising cache
// ---------------------------------------------------------------------------

const (
	levelCacheMaxSize = 1000

	// successesToMemoise is how many non-subdivided completions a level needs
	// before subsequent matching fetches jump straight to it.
	successesToMemoise = 2
)

type levelEntry struct {
	level            int
	progressiveLevel int
	successCount     int
}

// levelCache memoises the subdivision level at which queries for a given
// (tile center, period, type group) complete without truncation. Bounded;
// evicts the oldest entries once full.
type levelCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*levelEntry
	order   []string // insertion order, oldest first
}

func newLevelCache(maxSize int) *levelCache {
	return &levelCache{
		maxSize: maxSize,
		entries: make(map[string]*levelEntry),
	}
}

// cacheKey rounds the tile center to 1e-3 degrees so neighbouring scrapes of
// the same tile share an entry.
func cacheKey(q SearchQuery) string {
	return fmt.Sprintf("%.3f;%.3f|%s|%s",
		q.Rect.CenterLat, q.Rect.CenterLon, q.Period.Key(), q.TypeGroupKey())
}

// RecordSuccess notes that q completed without truncation at its level.
func (s *Subdivider) RecordSuccess(q SearchQuery) {
	s.cache.record(cacheKey(q), q.Level, q.ProgressiveLevel)
}

// StartLevel returns the memoised (level, progressiveLevel) to begin at for
// a query matching q, or (0, 0) when nothing is memoised yet.
func (s *Subdivider) StartLevel(q SearchQuery) (int, int) {
	return s.cache.lookup(cacheKey(q))
}

func (c *levelCache) record(key string, level, progressive int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.level != level || e.progressiveLevel != progressive {
		if !ok && len(c.entries) >= c.maxSize {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		if !ok {
			c.order = append(c.order, key)
		}
		c.entries[key] = &levelEntry{level: level, progressiveLevel: progressive, successCount: 1}
		return
	}
	e.successCount++
}

func (c *levelCache) lookup(key string) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.successCount < successesToMemoise {
		return 0, 0
	}
	return e.level, e.progressiveLevel
}

// Len reports the current cache population (tests).
func (c *levelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
