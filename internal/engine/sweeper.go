package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/txguard/internal/metrics"
)

const (
	DefaultSweepInterval = time.Minute
	DefaultSweepBatch    = 500
)

// SweepResult counts what one sweep removed or expired.
type SweepResult struct {
	Expired      int `json:"expired"`
	Ledger       int `json:"ledger"`
	Transactions int `json:"transactions"`
	AuditRing    int `json:"auditRing"`
	AuditArchive int `json:"auditArchive"`
}

// Sweeper periodically expires stale pending transactions and prunes the
// ledger, old transaction records and expired audit events. Each step
// handles at most one batch per tick so it never holds actor locks long.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a sweeper for e.
func NewSweeper(e *Engine, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   e,
		interval: interval,
		batch:    batch,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass. Failures in one step are logged and do not stop
// the others.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	e := s.engine

	expired, err := e.ExpirePending(ctx, s.batch)
	if err != nil {
		s.logger.Warn("failed to expire pending transactions", "error", err)
	}
	res.Expired = expired

	res.Ledger, err = e.limiter.Prune(ctx, e.cfg.LedgerRetention, s.batch)
	if err != nil {
		s.logger.Warn("failed to prune velocity ledger", "error", err)
	}

	cutoff := e.now().Add(-e.cfg.LedgerRetention)
	res.Transactions, err = e.state.Transactions.PruneBefore(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Warn("failed to prune transactions", "error", err)
	}

	res.AuditRing, res.AuditArchive, err = e.recorder.Purge(ctx, s.batch)
	if err != nil {
		s.logger.Warn("failed to purge audit archive", "error", err)
	}

	metrics.SweepRemovedTotal.WithLabelValues("expired_pending").Add(float64(res.Expired))
	metrics.SweepRemovedTotal.WithLabelValues("ledger").Add(float64(res.Ledger))
	metrics.SweepRemovedTotal.WithLabelValues("transactions").Add(float64(res.Transactions))
	metrics.SweepRemovedTotal.WithLabelValues("audit").Add(float64(res.AuditRing + res.AuditArchive))

	if res != (SweepResult{}) {
		s.logger.Info("sweep complete",
			"expired", res.Expired,
			"ledger", res.Ledger,
			"transactions", res.Transactions,
			"auditRing", res.AuditRing,
			"auditArchive", res.AuditArchive,
		)
	}
	return res
}
