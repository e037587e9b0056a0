package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/syncutil"
)

// Limiter answers velocity queries and enforces the daily ceiling.
type Limiter struct {
	store      Store
	dailyLimit *big.Int
	loc        *time.Location
	now        func() time.Time
	locks      *syncutil.KeyLock
	logger     *slog.Logger
}

// NewLimiter creates a Limiter enforcing dailyLimit per actor per calendar day.
func NewLimiter(store Store, dailyLimit *big.Int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:      store,
		dailyLimit: new(big.Int).Set(dailyLimit),
		loc:        time.UTC,
		now:        time.Now,
		locks:      syncutil.NewKeyLock(0),
		logger:     logger,
	}
}

// WithLocation sets the timezone that defines calendar days.
func (l *Limiter) WithLocation(loc *time.Location) *Limiter {
	if loc != nil {
		l.loc = loc
	}
	return l
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// DailyLimit returns a copy of the configured ceiling.
func (l *Limiter) DailyLimit() *big.Int {
	return new(big.Int).Set(l.dailyLimit)
}

// DayKey returns the calendar-day key for t in the limiter's timezone.
func (l *Limiter) DayKey(t time.Time) string {
	return t.In(l.loc).Format(DayKeyLayout)
}

// Lock acquires the per-actor critical section. Everything between a limit
// check and the matching RecordAndAccumulate must run under it.
func (l *Limiter) Lock(ctx context.Context, actorID string) (func(), error) {
	return l.locks.LockContext(ctx, actorID)
}

// RecentTransactions returns the actor's ledger entries recorded within the
// trailing window, i.e. with At >= now - window.
func (l *Limiter) RecentTransactions(ctx context.Context, actorID string, window time.Duration) ([]Entry, error) {
	return l.store.EntriesSince(ctx, actorID, l.now().Add(-window))
}

// RecentCount returns len(RecentTransactions(actorID, window)).
func (l *Limiter) RecentCount(ctx context.Context, actorID string, window time.Duration) (int, error) {
	entries, err := l.RecentTransactions(ctx, actorID, window)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// CheckDailyLimit compares today's total plus amt against the ceiling.
func (l *Limiter) CheckDailyLimit(ctx context.Context, actorID string, amt *big.Int) (*LimitCheck, error) {
	current, err := l.store.DailyTotal(ctx, actorID, l.DayKey(l.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to read daily total: %w", err)
	}

	projected := amount.Add(current, amt)
	check := &LimitCheck{
		Allowed:   projected.Cmp(l.dailyLimit) <= 0,
		Current:   current,
		Limit:     l.DailyLimit(),
		Projected: projected,
	}
	if !check.Allowed {
		check.Reason = fmt.Sprintf("daily limit exceeded: current %s + requested %s exceeds limit %s",
			amount.Format(current), amount.Format(amt), amount.Format(l.dailyLimit))
	}
	return check, nil
}

// RecordAndAccumulate commits entry to the ledger and the (actor, dayKey)
// total. The ceiling is re-checked atomically by the store.
func (l *Limiter) RecordAndAccumulate(ctx context.Context, entry Entry, dayKey string) (*big.Int, error) {
	if entry.Amount == nil || entry.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if entry.At.IsZero() {
		entry.At = l.now()
	}
	total, err := l.store.RecordAndAccumulate(ctx, entry, dayKey, l.dailyLimit)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("velocity accumulated",
		"actor", entry.ActorID,
		"txId", entry.TxID,
		"day", dayKey,
		"dailyTotal", amount.Format(total),
	)
	return total, nil
}

// Status reports the actor's position for the current day.
func (l *Limiter) Status(ctx context.Context, actorID string) (*Status, error) {
	now := l.now()
	day := l.DayKey(now)
	total, err := l.store.DailyTotal(ctx, actorID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to read daily total: %w", err)
	}
	entries, err := l.store.EntriesSince(ctx, actorID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	hourAgo := now.Add(-time.Hour)
	lastHour := 0
	for _, e := range entries {
		if !e.At.Before(hourAgo) {
			lastHour++
		}
	}

	remaining := new(big.Int).Sub(l.dailyLimit, total)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return &Status{
		ActorID:       actorID,
		DayKey:        day,
		DailyTotal:    total,
		DailyLimit:    l.DailyLimit(),
		Remaining:     remaining,
		LastHourCount: lastHour,
		Last24HCount:  len(entries),
	}, nil
}

// Prune removes ledger entries older than retention, at most batch per call.
// Day totals are cut on the limiter's own calendar.
func (l *Limiter) Prune(ctx context.Context, retention time.Duration, batch int) (int, error) {
	cutoff := l.now().Add(-retention)
	return l.store.PruneBefore(ctx, cutoff, l.DayKey(cutoff), batch)
}
