package velocity

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	ledger map[string][]Entry             // actor -> entries ordered by At
	totals map[string]map[string]*big.Int // actor -> day -> total
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledger: make(map[string][]Entry),
		totals: make(map[string]map[string]*big.Int),
	}
}

func (m *MemoryStore) RecordAndAccumulate(_ context.Context, entry Entry, dayKey string, ceiling *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	days, ok := m.totals[entry.ActorID]
	if !ok {
		days = make(map[string]*big.Int)
		m.totals[entry.ActorID] = days
	}
	current := days[dayKey]
	if current == nil {
		current = new(big.Int)
	}
	next := new(big.Int).Add(current, entry.Amount)
	if ceiling != nil && next.Cmp(ceiling) > 0 {
		return nil, ErrDailyLimitExceeded
	}
	days[dayKey] = next

	stored := entry
	stored.Amount = new(big.Int).Set(entry.Amount)
	list := append(m.ledger[entry.ActorID], stored)
	// Keep the slice ordered so EntriesSince and pruning can stop early.
	if n := len(list); n > 1 && list[n-1].At.Before(list[n-2].At) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	}
	m.ledger[entry.ActorID] = list

	return new(big.Int).Set(next), nil
}

func (m *MemoryStore) DailyTotal(_ context.Context, actorID, dayKey string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.totals[actorID][dayKey]; v != nil {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (m *MemoryStore) EntriesSince(_ context.Context, actorID string, since time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.ledger[actorID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].At.Before(since) })
	out := make([]Entry, 0, len(list)-i)
	for _, e := range list[i:] {
		e.Amount = new(big.Int).Set(e.Amount)
		out = append(out, e)
	}
	return out, nil
}

func (m *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time, cutoffDay string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for actor, list := range m.ledger {
		if limit > 0 && removed >= limit {
			break
		}
		n := sort.Search(len(list), func(i int) bool { return !list[i].At.Before(cutoff) })
		if limit > 0 && removed+n > limit {
			n = limit - removed
		}
		if n == 0 {
			continue
		}
		rest := make([]Entry, len(list)-n)
		copy(rest, list[n:])
		if len(rest) == 0 {
			delete(m.ledger, actor)
		} else {
			m.ledger[actor] = rest
		}
		removed += n
	}

	for actor, days := range m.totals {
		for day := range days {
			if day < cutoffDay {
				delete(days, day)
			}
		}
		if len(days) == 0 {
			delete(m.totals, actor)
		}
	}
	return removed, nil
}

// Len returns the total number of ledger entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.ledger {
		n += len(list)
	}
	return n
}

var _ Store = (*MemoryStore)(nil)
