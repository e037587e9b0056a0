package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/audit"
	"github.com/mbd888/txguard/internal/multisig"
	"github.com/mbd888/txguard/internal/txn"
)

func TestSweep_ExpiresPendingTransactions(t *testing.T) {
	e, clk := newTestEngine(t, nil, withoutAML)
	ctx := context.Background()
	dec := pending(t, e)

	s := NewSweeper(e, time.Minute, 10, nil)
	assert.Zero(t, s.Sweep(ctx).Expired)

	clk.Advance(24 * time.Hour)
	res := s.Sweep(ctx)
	assert.Equal(t, 1, res.Expired)

	tx, err := e.GetTransaction(ctx, dec.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, txn.StateRejected, tx.State)
	assert.Equal(t, multisig.ExpiredReason, tx.RejectionReason)

	evs := events(t, e, audit.Filter{Category: audit.CategoryMultisigRejected})
	require.Len(t, evs, 1)
	assert.Equal(t, "system", evs[0].ActorID)

	assert.Zero(t, s.Sweep(ctx).Expired)
}

func TestSweep_PrunesLedgerAndTransactions(t *testing.T) {
	e, clk := newTestEngine(t, nil, nil)
	ctx := context.Background()

	dec, err := e.Evaluate(ctx, Request{ActorID: "alice", Amount: "100"})
	require.NoError(t, err)

	s := NewSweeper(e, time.Minute, 10, nil)
	res := s.Sweep(ctx)
	assert.Zero(t, res.Ledger)
	assert.Zero(t, res.Transactions)

	clk.Advance(31 * 24 * time.Hour)
	res = s.Sweep(ctx)
	assert.Equal(t, 1, res.Ledger)
	assert.Equal(t, 1, res.Transactions)

	_, err = e.GetTransaction(ctx, dec.TransactionID)
	assert.Equal(t, CodeTransactionNotFound, rejection(t, err).Code)
}

func TestSweep_BoundedBatches(t *testing.T) {
	e, clk := newTestEngine(t, nil, nil)
	ctx := context.Background()

	for _, actor := range []string{"a", "b", "c"} {
		_, err := e.Evaluate(ctx, Request{ActorID: actor, Amount: "10"})
		require.NoError(t, err)
	}
	clk.Advance(31 * 24 * time.Hour)

	s := NewSweeper(e, time.Minute, 2, nil)
	assert.Equal(t, 2, s.Sweep(ctx).Transactions)
	assert.Equal(t, 1, s.Sweep(ctx).Transactions)
}

func TestSweep_PurgesExpiredAuditEvents(t *testing.T) {
	cfg := DefaultConfig()
	rec := audit.NewRecorder(audit.Config{BaseRetention: time.Hour}, nil)
	e, err := New(cfg, nil, rec, nil)
	require.NoError(t, err)
	clk := &testClock{t: start}
	e.WithClock(clk.Now)

	_, _ = e.Evaluate(context.Background(), Request{ActorID: "alice", Amount: "bogus"})
	require.Equal(t, 1, rec.Len())

	clk.Advance(3 * time.Hour)
	res := NewSweeper(e, time.Minute, 10, nil).Sweep(context.Background())
	assert.Equal(t, 1, res.AuditRing)
	assert.Zero(t, rec.Len())
}

func TestSweeper_StartStop(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	s := NewSweeper(e, 10*time.Millisecond, 10, nil)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	s.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	assert.False(t, s.Running())
}
