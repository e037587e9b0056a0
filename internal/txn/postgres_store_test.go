package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec := newRecord("tx_pg_1", now)
	rec.ProposalRef = "prop_123"
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, newRecord("tx_pg_1", now)), ErrDuplicateID)

	got, err := store.Get(ctx, "tx_pg_1")
	require.NoError(t, err)
	assert.Equal(t, "prop_123", got.ProposalRef)
	assert.Equal(t, 0, got.Amount.Cmp(rec.Amount))
	assert.Equal(t, StatePendingSignatures, got.State)

	stale, _ := store.Get(ctx, "tx_pg_1")
	got.Signatures = append(got.Signatures, SignatureClaim{SignerID: "s1", Signature: "sig", SignedAt: now})
	require.NoError(t, store.Update(ctx, got))
	assert.ErrorIs(t, store.Update(ctx, stale), ErrVersionConflict)

	again, err := store.Get(ctx, "tx_pg_1")
	require.NoError(t, err)
	require.Len(t, again.Signatures, 1)
	assert.Equal(t, "s1", again.Signatures[0].SignerID)

	expired, err := store.ListExpiredPending(ctx, now.Add(25*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	n, err := store.PruneBefore(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(ctx, "tx_pg_1")
	assert.ErrorIs(t, err, ErrNotFound)
}
