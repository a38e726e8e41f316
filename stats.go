package tiercache

import "sync/atomic"

// Stats is a point-in-time snapshot of a tier's counters.
type Stats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Sets        uint64  `json:"sets"`
	Deletes     uint64  `json:"deletes"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Corruptions uint64  `json:"corruptions"`
	Size        int     `json:"size"`
	HitRate     float64 `json:"hit_rate"`
}

// HitRate returns hits/(hits+misses) as a percentage, or 0 when nothing was looked up.
func HitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// Add sums the counters of two snapshots and recomputes the hit rate from
// the summed hits and misses.
func (s Stats) Add(o Stats) Stats {
	sum := Stats{
		Hits:        s.Hits + o.Hits,
		Misses:      s.Misses + o.Misses,
		Sets:        s.Sets + o.Sets,
		Deletes:     s.Deletes + o.Deletes,
		Evictions:   s.Evictions + o.Evictions,
		Expirations: s.Expirations + o.Expirations,
		Corruptions: s.Corruptions + o.Corruptions,
		Size:        s.Size + o.Size,
	}
	sum.HitRate = HitRate(sum.Hits, sum.Misses)
	return sum
}

// Counters are the live, concurrently updated counters behind Stats.
type Counters struct {
	Hits        atomic.Uint64
	Misses      atomic.Uint64
	Sets        atomic.Uint64
	Deletes     atomic.Uint64
	Evictions   atomic.Uint64
	Expirations atomic.Uint64
	Corruptions atomic.Uint64
}

// Snapshot copies the counters into a Stats value.
func (c *Counters) Snapshot() Stats {
	s := Stats{
		Hits:        c.Hits.Load(),
		Misses:      c.Misses.Load(),
		Sets:        c.Sets.Load(),
		Deletes:     c.Deletes.Load(),
		Evictions:   c.Evictions.Load(),
		Expirations: c.Expirations.Load(),
		Corruptions: c.Corruptions.Load(),
	}
	s.HitRate = HitRate(s.Hits, s.Misses)
	return s
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.Hits.Store(0)
	c.Misses.Store(0)
	c.Sets.Store(0)
	c.Deletes.Store(0)
	c.Evictions.Store(0)
	c.Expirations.Store(0)
	c.Corruptions.Store(0)
}
