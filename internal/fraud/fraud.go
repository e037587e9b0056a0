// Package fraud flags suspicious transactions by combining the risk score
// with the actor's trailing-hour activity.
//
// Every rule runs; reasons accumulate. When any rule fires the actor's
// suspicion counter is incremented, which in turn feeds later risk scores.
package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/risk"
	"github.com/mbd888/txguard/internal/velocity"
)

// Reasons reported by Evaluate.
const (
	ReasonHighRiskScore = "high risk score"
	ReasonFrequency     = "unusual frequency"
	ReasonAmountPattern = "suspicious amount pattern"
	ReasonOutsideHours  = "outside business hours"
)

const (
	highRiskScore       = 70
	frequencyWindow     = time.Hour
	frequencyThreshold  = 3 // more than this many in the window
	patternMinimum      = 3
	patternTolerancePct = 10
	businessStartHour   = 6  // hour < 6
	businessEndHour     = 22 // hour > 22
)

// Scorer produces the risk assessment a detection is based on.
type Scorer interface {
	Score(ctx context.Context, in risk.Input) (*risk.Assessment, error)
}

// Ledger exposes the actor's recent committed transactions.
type Ledger interface {
	RecentTransactions(ctx context.Context, actorID string, window time.Duration) ([]velocity.Entry, error)
}

// CounterStore holds the per-actor SuspiciousActivityCounter.
// Counters only grow; resetting one is an administrative action outside this package.
type CounterStore interface {
	Increment(ctx context.Context, actorID string) (int, error)
	Count(ctx context.Context, actorID string) (int, error)
}

// Input describes the transaction under evaluation.
type Input struct {
	ActorID     string
	Amount      *big.Int
	ProposalRef string
	At          time.Time
}

// Result is the detector's verdict.
type Result struct {
	Suspicious bool             `json:"suspicious"`
	Reasons    []string         `json:"reasons"`
	RiskScore  int              `json:"riskScore"`
	Assessment *risk.Assessment `json:"-"`
	// Flags is the actor's suspicion count after this evaluation.
	Flags int `json:"flags"`
}

// Detector applies the fraud rules.
type Detector struct {
	scorer   Scorer
	ledger   Ledger
	counters CounterStore
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(scorer Scorer, ledger Ledger, counters CounterStore, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		scorer:   scorer,
		ledger:   ledger,
		counters: counters,
		loc:      time.UTC,
		now:      time.Now,
		logger:   logger,
	}
}

// WithLocation sets the timezone used for the business-hours rule.
func (d *Detector) WithLocation(loc *time.Location) *Detector {
	if loc != nil {
		d.loc = loc
	}
	return d
}

// WithClock overrides the time source.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Evaluate runs every rule against in.
func (d *Detector) Evaluate(ctx context.Context, in Input) (*Result, error) {
	if in.At.IsZero() {
		in.At = d.now()
	}

	assessment, err := d.scorer.Score(ctx, risk.Input{
		ActorID:     in.ActorID,
		Amount:      in.Amount,
		ProposalRef: in.ProposalRef,
		At:          in.At,
	})
	if err != nil {
		return nil, err
	}

	recent, err := d.ledger.RecentTransactions(ctx, in.ActorID, frequencyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to read trailing-hour ledger: %w", err)
	}

	res := &Result{
		Reasons:    []string{},
		RiskScore:  assessment.Score,
		Assessment: assessment,
	}
	if assessment.Score > highRiskScore {
		res.Reasons = append(res.Reasons, ReasonHighRiskScore)
	}
	if len(recent) > frequencyThreshold {
		res.Reasons = append(res.Reasons, ReasonFrequency)
	}
	if repeatedAmounts(recent, in.Amount) {
		res.Reasons = append(res.Reasons, ReasonAmountPattern)
	}
	if hour := in.At.In(d.loc).Hour(); hour < businessStartHour || hour > businessEndHour {
		res.Reasons = append(res.Reasons, ReasonOutsideHours)
	}
	res.Suspicious = len(res.Reasons) > 0

	if !res.Suspicious {
		return res, nil
	}

	flags, err := d.counters.Increment(ctx, in.ActorID)
	if err != nil {
		return nil, fmt.Errorf("failed to increment suspicion counter: %w", err)
	}
	res.Flags = flags

	d.logger.Warn("suspicious transaction",
		"actor", in.ActorID,
		"amount", amount.Format(in.Amount),
		"riskScore", res.RiskScore,
		"reasons", res.Reasons,
		"flags", flags,
	)
	return res, nil
}

// repeatedAmounts reports whether there are at least patternMinimum entries
// and every one of them is within patternTolerancePct of current.
func repeatedAmounts(entries []velocity.Entry, current *big.Int) bool {
	if len(entries) < patternMinimum || current == nil {
		return false
	}
	for _, e := range entries {
		if !amount.WithinPercent(e.Amount, current, patternTolerancePct) {
			return false
		}
	}
	return true
}
