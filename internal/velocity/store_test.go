package velocity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/testutil"
)

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	day := base.Format(DayKeyLayout)

	total, err := store.DailyTotal(ctx, "alice", day)
	require.NoError(t, err)
	assert.Equal(t, 0, total.Sign())

	total, err = store.RecordAndAccumulate(ctx, entry("tx_a", "alice", 400, base.Add(-2*time.Hour)), day, amount.Whole(1000))
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(amount.Whole(400)))

	total, err = store.RecordAndAccumulate(ctx,
		Entry{TxID: "tx_b", ActorID: "alice", Amount: amount.MustParse("599.999999"), At: base}, day, amount.Whole(1000))
	require.NoError(t, err)
	assert.Equal(t, "999.999999", amount.Format(total))

	_, err = store.RecordAndAccumulate(ctx, entry("tx_c", "alice", 1, base), day, amount.Whole(1000))
	assert.ErrorIs(t, err, ErrDailyLimitExceeded)

	// No ceiling accepts anything.
	_, err = store.RecordAndAccumulate(ctx, entry("tx_d", "bob", 5000, base), day, nil)
	require.NoError(t, err)

	entries, err := store.EntriesSince(ctx, "alice", base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx_b", entries[0].TxID)
	assert.Equal(t, "599.999999", amount.Format(entries[0].Amount))

	entries, err = store.EntriesSince(ctx, "alice", base.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	n, err := store.PruneBefore(ctx, base.Add(-time.Hour), base.Add(-time.Hour).Format(DayKeyLayout), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err = store.EntriesSince(ctx, "alice", base.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// exerciseConcurrentReserve checks the store alone closes the check-and-add race.
func exerciseConcurrentReserve(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	day := at.Format(DayKeyLayout)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.RecordAndAccumulate(ctx, entry(idFor(i), "carol", 100, at), day, amount.Whole(1000))
			if err == nil {
				accepted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), accepted.Load())
	total, err := store.DailyTotal(ctx, "carol", day)
	require.NoError(t, err)
	assert.Equal(t, 0, total.Cmp(amount.Whole(1000)))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
	exerciseConcurrentReserve(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	exerciseStore(t, NewPostgresStore(db))
}

func TestPostgresStore_ConcurrentReserve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	exerciseConcurrentReserve(t, NewPostgresStore(db))
}

func TestRedisStore(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()
	exerciseStore(t, NewRedisStore(client, "txg-test"))
	exerciseConcurrentReserve(t, NewRedisStore(client, "txg-test2"))
}

func TestRedisMemberRoundTrip(t *testing.T) {
	e := Entry{TxID: "tx_1", ActorID: "alice", Amount: amount.MustParse("12.5"), At: time.Unix(0, 1700000000123456789).UTC()}
	got, err := decodeMember("alice", encodeMember(e))
	require.NoError(t, err)
	assert.Equal(t, e.TxID, got.TxID)
	assert.Equal(t, 0, e.Amount.Cmp(got.Amount))
	assert.True(t, e.At.Equal(got.At))

	_, err = decodeMember("alice", "garbage")
	assert.Error(t, err)
}
