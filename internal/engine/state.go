package engine

import (
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/txguard/internal/audit"
	"github.com/mbd888/txguard/internal/fraud"
	"github.com/mbd888/txguard/internal/risk"
	"github.com/mbd888/txguard/internal/txn"
	"github.com/mbd888/txguard/internal/velocity"
)

// State is the set of tables the engine reads and mutates. One State backs
// one engine; tests build isolated instances with NewMemoryState.
type State struct {
	Transactions txn.Store
	Velocity     velocity.Store
	Suspicion    fraud.CounterStore
	Assessments  risk.Store
	// Archive is optional. When nil, audit events live only in the
	// recorder's in-memory ring.
	Archive audit.Archive
}

// NewMemoryState returns process-local tables.
func NewMemoryState() *State {
	return &State{
		Transactions: txn.NewMemoryStore(),
		Velocity:     velocity.NewMemoryStore(),
		Suspicion:    fraud.NewMemoryCounterStore(),
		Assessments:  risk.NewMemoryStore(),
	}
}

// NewPostgresState returns tables backed by db. Run the migrations first.
func NewPostgresState(db *sql.DB) *State {
	return &State{
		Transactions: txn.NewPostgresStore(db),
		Velocity:     velocity.NewPostgresStore(db),
		Suspicion:    fraud.NewPostgresCounterStore(db),
		Assessments:  risk.NewPostgresStore(db),
		Archive:      audit.NewPostgresArchive(db),
	}
}

// WithRedis moves the velocity tables and suspicion counters to Redis so
// several engine processes share one set of limits.
func (s *State) WithRedis(client redis.UniversalClient, prefix string) *State {
	s.Velocity = velocity.NewRedisStore(client, prefix)
	s.Suspicion = fraud.NewRedisCounterStore(client, prefix)
	return s
}
