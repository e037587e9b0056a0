// Package velocity implements per-actor transaction velocity accounting:
// a rolling ledger of committed transactions and calendar-day totals.
//
// The limit check and the accumulate step must behave as one unit per actor.
// Limiter.Lock provides the per-actor critical section for a single process;
// Store.RecordAndAccumulate additionally refuses, atomically, any increment
// that would push the day total past the ceiling, which closes the same race
// across processes sharing a durable store.
package velocity

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// Entry is one committed transaction in the velocity ledger.
type Entry struct {
	TxID    string    `json:"txId"`
	ActorID string    `json:"actorId"`
	Amount  *big.Int  `json:"-"`
	At      time.Time `json:"at"`
}

// DayKeyLayout formats the calendar-day component of a DailyTotal key.
const DayKeyLayout = "2006-01-02"

var (
	// ErrDailyLimitExceeded is returned when an accumulate would exceed the ceiling.
	ErrDailyLimitExceeded = errors.New("velocity: daily limit exceeded")
	// ErrInvalidAmount is returned for nil or non-positive amounts.
	ErrInvalidAmount = errors.New("velocity: amount must be positive")
)

// Store holds the ledger and the DailyTotal table.
type Store interface {
	// RecordAndAccumulate atomically adds entry.Amount to the (actor, dayKey)
	// total and appends entry to the ledger. When ceiling is non-nil and the
	// new total would exceed it, nothing is written and
	// ErrDailyLimitExceeded is returned. Returns the new day total.
	RecordAndAccumulate(ctx context.Context, entry Entry, dayKey string, ceiling *big.Int) (*big.Int, error)
	// DailyTotal returns the accumulated total for (actor, dayKey), zero if absent.
	DailyTotal(ctx context.Context, actorID, dayKey string) (*big.Int, error)
	// EntriesSince returns the actor's ledger entries with At >= since.
	EntriesSince(ctx context.Context, actorID string, since time.Time) ([]Entry, error)
	// PruneBefore removes up to limit ledger entries older than cutoff, and
	// day totals keyed strictly before cutoffDay. cutoffDay must come from the
	// same calendar that wrote the keys. Returns entries removed.
	PruneBefore(ctx context.Context, cutoff time.Time, cutoffDay string, limit int) (int, error)
}

// LimitCheck is the result of CheckDailyLimit.
type LimitCheck struct {
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason,omitempty"`
	Current   *big.Int `json:"-"`
	Limit     *big.Int `json:"-"`
	Projected *big.Int `json:"-"`
}

// Status summarises an actor's velocity position for today.
type Status struct {
	ActorID       string   `json:"actorId"`
	DayKey        string   `json:"dayKey"`
	DailyTotal    *big.Int `json:"-"`
	DailyLimit    *big.Int `json:"-"`
	Remaining     *big.Int `json:"-"`
	LastHourCount int      `json:"lastHourCount"`
	Last24HCount  int      `json:"last24hCount"`
}
