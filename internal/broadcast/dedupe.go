package broadcast

import (
	"sync"
	"time"

	"ticket-admission/internal/clock"
	"ticket-admission/models"
)

// Deduper remembers redemption keys for ttl so a consumer can ignore
// repeated deliveries.
type Deduper struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock clock.Clock
}

func NewDeduper(ttl time.Duration, clk clock.Clock) *Deduper {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Deduper{
		seen:  make(map[string]time.Time),
		ttl:   ttl,
		clock: clk,
	}
}

// First reports whether r is being seen for the first time and records it.
func (d *Deduper) First(r models.Redemption) bool {
	now := d.clock.Now()
	key := r.Key()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expires, ok := d.seen[key]; ok && now.Before(expires) {
		return false
	}
	d.seen[key] = now.Add(d.ttl)
	return true
}

// Prune drops keys whose ttl has passed and returns how many remain.
func (d *Deduper) Prune() int {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, key)
		}
	}
	return len(d.seen)
}
