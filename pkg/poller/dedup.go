package poller

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/logflow/tickflow/internal/model"
)

// Deduplicator remembers recently published dedup keys so an unchanged
// observation is not re-published every polling round. The window is
// bounded; the oldest key is forgotten first.
type Deduplicator struct {
	mu sync.Mutex

	seen  map[uint64]struct{}
	order []uint64
	next  int
	max   int

	// Stats
	totalSeen  int64
	duplicates int64
}

// NewDeduplicator tracks up to maxEntries keys (1024 when <= 0).
func NewDeduplicator(maxEntries int) *Deduplicator {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &Deduplicator{
		seen:  make(map[uint64]struct{}, maxEntries),
		order: make([]uint64, 0, maxEntries),
		max:   maxEntries,
	}
}

func key(e model.Event) uint64 {
	return xxhash.Sum64String(string(e.Topic) + "|" + e.DedupKey())
}

// Seen reports whether e was already recorded.
func (d *Deduplicator) Seen(e model.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totalSeen++
	_, ok := d.seen[key(e)]
	if ok {
		d.duplicates++
	}
	return ok
}

// Add records e, evicting the oldest key when the window is full.
func (d *Deduplicator) Add(e model.Event) {
	k := key(e)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[k]; ok {
		return
	}
	if len(d.order) < d.max {
		d.order = append(d.order, k)
	} else {
		delete(d.seen, d.order[d.next])
		d.order[d.next] = k
		d.next = (d.next + 1) % d.max
	}
	d.seen[k] = struct{}{}
}

// DeduplicationStats summarizes the window.
type DeduplicationStats struct {
	TotalSeen      int64
	DuplicateCount int64
	MemoryEntries  int
}

// Stats returns current statistics.
func (d *Deduplicator) Stats() DeduplicationStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeduplicationStats{TotalSeen: d.totalSeen, DuplicateCount: d.duplicates, MemoryEntries: len(d.seen)}
}
