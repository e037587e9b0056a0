package fraud

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// MemoryCounterStore keeps suspicion counters in process.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounterStore creates an empty counter table.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: make(map[string]int)}
}

func (m *MemoryCounterStore) Increment(_ context.Context, actorID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[actorID]++
	return m.counts[actorID], nil
}

func (m *MemoryCounterStore) Count(_ context.Context, actorID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[actorID], nil
}

// PostgresCounterStore keeps counters in suspicion_counters.
type PostgresCounterStore struct {
	db *sql.DB
}

// NewPostgresCounterStore creates a Postgres-backed counter table.
func NewPostgresCounterStore(db *sql.DB) *PostgresCounterStore {
	return &PostgresCounterStore{db: db}
}

func (p *PostgresCounterStore) Increment(ctx context.Context, actorID string) (int, error) {
	var flags int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO suspicion_counters (actor_id, flags, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (actor_id) DO UPDATE
		SET flags = suspicion_counters.flags + 1, updated_at = NOW()
		RETURNING flags
	`, actorID).Scan(&flags)
	if err != nil {
		return 0, fmt.Errorf("failed to increment suspicion counter: %w", err)
	}
	return flags, nil
}

func (p *PostgresCounterStore) Count(ctx context.Context, actorID string) (int, error) {
	var flags int
	err := p.db.QueryRowContext(ctx, `
		SELECT flags FROM suspicion_counters WHERE actor_id = $1
	`, actorID).Scan(&flags)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return flags, nil
}

// RedisCounterStore keeps counters as Redis integers under prefix.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounterStore creates a Redis-backed counter table.
func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	if prefix == "" {
		prefix = "txg"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (r *RedisCounterStore) key(actorID string) string {
	return r.prefix + ":suspicion:" + actorID
}

func (r *RedisCounterStore) Increment(ctx context.Context, actorID string) (int, error) {
	n, err := r.client.Incr(ctx, r.key(actorID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment suspicion counter: %w", err)
	}
	return int(n), nil
}

func (r *RedisCounterStore) Count(ctx context.Context, actorID string) (int, error) {
	n, err := r.client.Get(ctx, r.key(actorID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

var (
	_ CounterStore = (*MemoryCounterStore)(nil)
	_ CounterStore = (*PostgresCounterStore)(nil)
	_ CounterStore = (*RedisCounterStore)(nil)
)
