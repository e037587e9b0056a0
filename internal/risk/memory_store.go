package risk

import (
	"context"
	"sync"
)

// DefaultPerActorHistory caps how many assessments MemoryStore keeps per actor.
const DefaultPerActorHistory = 100

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu          sync.RWMutex
	perActor    int
	assessments map[string][]*Assessment // actorID -> oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		perActor:    DefaultPerActorHistory,
		assessments: make(map[string][]*Assessment),
	}
}

func copyAssessment(a *Assessment) *Assessment {
	c := *a
	c.Factors = make(map[string]int, len(a.Factors))
	for k, v := range a.Factors {
		c.Factors[k] = v
	}
	return &c
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.assessments[assessment.ActorID], copyAssessment(assessment))
	if len(list) > s.perActor {
		list = list[len(list)-s.perActor:]
	}
	s.assessments[assessment.ActorID] = list
	return nil
}

func (s *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[actorID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit.
	start := len(all) - limit
	if start < 0 || limit <= 0 {
		start = 0
	}
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
