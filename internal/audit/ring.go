package audit

import (
	"sync"
	"time"
)

// DefaultRingCapacity bounds the in-memory working set.
const DefaultRingCapacity = 10000

// Ring is a bounded, thread-safe buffer of events. When full, the oldest
// event is dropped to make room for the new one.
type Ring struct {
	mu       sync.Mutex
	events   []*Event
	head     int // next write position
	tail     int // oldest event
	count    int
	capacity int

	dropped int64
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		events:   make([]*Event, capacity),
		capacity: capacity,
	}
}

// Add appends e, evicting the oldest event when full.
func (r *Ring) Add(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= r.capacity {
		r.events[r.tail] = nil
		r.tail = (r.tail + 1) % r.capacity
		r.count--
		r.dropped++
	}

	r.events[r.head] = e
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// Snapshot returns copies of the held events, oldest first. Callers may
// modify the copies freely.
func (r *Ring) Snapshot() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.snapshotLocked()
	for i, e := range out {
		out[i] = e.Clone()
	}
	return out
}

// Matching returns copies of the events accepted by match, oldest first.
func (r *Ring) Matching(match func(*Event) bool) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for i := 0; i < r.count; i++ {
		if e := r.events[(r.tail+i)%r.capacity]; match(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (r *Ring) snapshotLocked() []*Event {
	out := make([]*Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(r.tail+i)%r.capacity])
	}
	return out
}

// RemoveExpired drops up to limit events whose retention horizon has passed
// at now, wherever they sit in the ring. Returns how many were removed.
func (r *Ring) RemoveExpired(now time.Time, limit int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return 0
	}
	kept := make([]*Event, 0, r.count)
	removed := 0
	for _, e := range r.snapshotLocked() {
		if e.Expired(now) && (limit <= 0 || removed < limit) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0
	}

	clear(r.events)
	copy(r.events, kept)
	r.tail = 0
	r.count = len(kept)
	r.head = r.count % r.capacity
	return removed
}

// Len returns the current number of events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns how many events were evicted for capacity.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
