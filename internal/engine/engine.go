// Package engine evaluates administrative financial operations before they
// are allowed to move funds.
//
// Each evaluation runs the amount checks, the daily limit, fraud detection
// and the compliance gate in that order, and stops at the first failure.
// An evaluation that passes every step is committed: the ledger and daily
// total are updated atomically and the transaction record is stored either
// auto-approved or pending signatures. Every evaluation ends with exactly
// one terminal audit event. Unexpected failures block the transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/audit"
	"github.com/mbd888/txguard/internal/compliance"
	"github.com/mbd888/txguard/internal/fraud"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/multisig"
	"github.com/mbd888/txguard/internal/risk"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/txn"
	"github.com/mbd888/txguard/internal/velocity"
)

// Config holds the engine's policy limits. Amounts are in smallest units.
type Config struct {
	MaxAmount          *big.Int
	DailyLimit         *big.Int
	MultisigThreshold  *big.Int
	RequiredSignatures int
	MultisigWindow     time.Duration
	Compliance         compliance.Thresholds
	LedgerRetention    time.Duration
	Location           *time.Location
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxAmount:          amount.Whole(10_000_000),
		DailyLimit:         amount.Whole(1_000_000),
		MultisigThreshold:  amount.Whole(100_000),
		RequiredSignatures: multisig.DefaultRequiredSignatures,
		MultisigWindow:     multisig.DefaultWindow,
		Compliance:         compliance.DefaultThresholds(),
		LedgerRetention:    30 * 24 * time.Hour,
		Location:           time.UTC,
	}
}

// Validate checks that the limits are usable together.
func (c Config) Validate() error {
	for name, v := range map[string]*big.Int{
		"max amount":         c.MaxAmount,
		"daily limit":        c.DailyLimit,
		"multisig threshold": c.MultisigThreshold,
	} {
		if v == nil || v.Sign() <= 0 {
			return fmt.Errorf("engine: %s must be positive", name)
		}
	}
	if c.RequiredSignatures < multisig.DefaultRequiredSignatures {
		return fmt.Errorf("engine: required signatures must be at least %d", multisig.DefaultRequiredSignatures)
	}
	if c.MultisigWindow <= 0 || c.LedgerRetention <= 0 {
		return errors.New("engine: multisig window and ledger retention must be positive")
	}
	if _, err := compliance.NewGate(c.Compliance); err != nil {
		return err
	}
	if c.Compliance.Reporting.Cmp(c.Compliance.KYC) > 0 || c.Compliance.KYC.Cmp(c.Compliance.AML) > 0 {
		return errors.New("engine: compliance thresholds must satisfy reporting <= kyc <= aml")
	}
	if c.MultisigThreshold.Cmp(c.MaxAmount) > 0 {
		return errors.New("engine: multisig threshold exceeds max amount")
	}
	return nil
}

// Request is one evaluation request. Amount is a decimal string.
type Request struct {
	ActorID     string
	Role        string
	Amount      string
	ProposalRef string
	Operation   txn.Operation
}

// Decision is the result of a committed evaluation.
type Decision struct {
	TransactionID      string                   `json:"transactionId"`
	ActorID            string                   `json:"actorId"`
	Operation          txn.Operation            `json:"operation"`
	Amount             string                   `json:"amount"`
	RiskScore          int                      `json:"riskScore"`
	RiskFactors        map[string]int           `json:"riskFactors"`
	MultisigRequired   bool                     `json:"multisigRequired"`
	State              txn.ApprovalState        `json:"state"`
	RequiredSignatures int                      `json:"requiredSignatures,omitempty"`
	SignatureDeadline  *time.Time               `json:"signatureDeadline,omitempty"`
	Requirements       []compliance.Requirement `json:"requirements"`
	DailyTotal         string                   `json:"dailyTotal"`
	CreatedAt          time.Time                `json:"createdAt"`
}

// Engine is the transaction security pipeline.
type Engine struct {
	cfg         Config
	state       *State
	limiter     *velocity.Limiter
	scorer      *risk.Scorer
	detector    *fraud.Detector
	gate        *compliance.Gate
	coordinator *multisig.Coordinator
	recorder    *audit.Recorder
	now         func() time.Time
	logger      *slog.Logger
}

// New builds an engine over state. When recorder is nil an in-memory one
// is created that writes through to state.Archive.
func New(cfg Config, state *State, recorder *audit.Recorder, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		state = NewMemoryState()
	}
	gate, err := compliance.NewGate(cfg.Compliance)
	if err != nil {
		return nil, err
	}
	if recorder == nil {
		recorder = audit.NewRecorder(audit.Config{}, logger)
		if state.Archive != nil {
			recorder.WithArchive(state.Archive)
		}
	}

	limiter := velocity.NewLimiter(state.Velocity, cfg.DailyLimit, logger).WithLocation(cfg.Location)
	scorer := risk.NewScorer(&actorHistory{limiter: limiter, counters: state.Suspicion}, logger).
		WithLocation(cfg.Location)
	detector := fraud.NewDetector(scorer, limiter, state.Suspicion, logger).WithLocation(cfg.Location)
	coordinator := multisig.NewCoordinator(state.Transactions, multisig.Config{
		Threshold:          cfg.MultisigThreshold,
		RequiredSignatures: cfg.RequiredSignatures,
		Window:             cfg.MultisigWindow,
	}, logger)

	return &Engine{
		cfg:         cfg,
		state:       state,
		limiter:     limiter,
		scorer:      scorer,
		detector:    detector,
		gate:        gate,
		coordinator: coordinator,
		recorder:    recorder,
		now:         time.Now,
		logger:      logger,
	}, nil
}

// WithClock overrides the time source of the engine and every component.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.limiter.WithClock(now)
	e.scorer.WithClock(now)
	e.detector.WithClock(now)
	e.coordinator.WithClock(now)
	e.recorder.WithClock(now)
	return e
}

// Recorder returns the audit recorder the engine writes to.
func (e *Engine) Recorder() *audit.Recorder { return e.recorder }

// Config returns the engine's limits.
func (e *Engine) Config() Config { return e.cfg }

// Evaluate runs the security pipeline for req. It returns a Decision when
// the transaction was committed and a *Rejection otherwise.
func (e *Engine) Evaluate(ctx context.Context, req Request) (dec *Decision, err error) {
	start := time.Now()
	ctx = withCorrelation(ctx)
	ctx, span := traces.StartSpan(ctx, "engine.Evaluate",
		traces.ActorID(req.ActorID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			dec = nil
			err = e.systemError(ctx, req, fmt.Errorf("panic: %v", r))
		}
		outcome := outcomeLabel(dec, err)
		span.SetAttributes(traces.Outcome(outcome))
		if err != nil {
			markSpan(span, err)
		}
		metrics.EvaluationsTotal.WithLabelValues(outcome).Inc()
		metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	return e.evaluate(ctx, req)
}

func (e *Engine) evaluate(ctx context.Context, req Request) (*Decision, error) {
	req.ActorID = strings.TrimSpace(req.ActorID)
	if req.Operation == "" {
		req.Operation = txn.OperationFundTransfer
	}
	if req.ActorID == "" || !req.Operation.Valid() {
		return nil, e.reject(ctx, req, audit.CategoryTransactionInvalid, &Rejection{
			Code:    CodeInvalidRequest,
			Message: "actor and a known operation are required",
		}, nil)
	}

	amt, ok := amount.Parse(req.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, e.reject(ctx, req, audit.CategoryTransactionInvalid, &Rejection{
			Code:    CodeInvalidAmount,
			Message: "amount must be a positive decimal with at most 6 fractional digits",
		}, nil)
	}
	if amt.Cmp(e.cfg.MaxAmount) > 0 {
		return nil, e.reject(ctx, req, audit.CategoryLargeWithdrawal, &Rejection{
			Code:    CodeExceedsMaxAmount,
			Message: fmt.Sprintf("amount %s exceeds the maximum of %s", amount.Format(amt), amount.Format(e.cfg.MaxAmount)),
			Limit:   amount.Format(e.cfg.MaxAmount),
		}, nil)
	}

	// Everything from the limit check to the commit holds the actor lock so
	// two requests cannot both pass against the same stale total.
	unlock, err := e.limiter.Lock(ctx, req.ActorID)
	if err != nil {
		return nil, e.systemError(ctx, req, fmt.Errorf("failed to acquire actor lock: %w", err))
	}
	defer unlock()

	stepCtx, span := traces.StartSpan(ctx, "engine.DailyLimit")
	check, err := e.limiter.CheckDailyLimit(stepCtx, req.ActorID, amt)
	span.End()
	if err != nil {
		return nil, e.systemError(ctx, req, err)
	}
	if !check.Allowed {
		return nil, e.reject(ctx, req, audit.CategoryDailyLimitExceeded, &Rejection{
			Code:    CodeDailyLimitExceeded,
			Message: check.Reason,
			Current: amount.Format(check.Current),
			Limit:   amount.Format(check.Limit),
		}, nil)
	}

	now := e.now()
	stepCtx, span = traces.StartSpan(ctx, "engine.Fraud")
	fr, err := e.detector.Evaluate(stepCtx, fraud.Input{
		ActorID:     req.ActorID,
		Amount:      amt,
		ProposalRef: req.ProposalRef,
		At:          now,
	})
	span.End()
	if err != nil {
		return nil, e.systemError(ctx, req, err)
	}
	metrics.RiskScores.Observe(float64(fr.RiskScore))
	if fr.Suspicious {
		for _, reason := range fr.Reasons {
			metrics.FraudFlagsTotal.WithLabelValues(reason).Inc()
		}
		return nil, e.reject(ctx, req, audit.CategorySuspiciousActivity, &Rejection{
			Code:      CodeSuspiciousActivity,
			Message:   "transaction flagged as suspicious: " + strings.Join(fr.Reasons, ", "),
			Reasons:   fr.Reasons,
			RiskScore: intPtr(fr.RiskScore),
		}, map[string]any{"suspicionFlags": fr.Flags, "riskFactors": fr.Assessment.Factors})
	}

	cr := e.gate.Evaluate(amt, req.ProposalRef)
	if !cr.Compliant {
		return nil, e.reject(ctx, req, audit.CategoryComplianceBlock, &Rejection{
			Code:         CodeComplianceRequired,
			Message:      "compliance requirements must be satisfied: " + strings.Join(cr.BlockingCodes(), ", "),
			Requirements: cr.Requirements,
			RiskScore:    intPtr(fr.RiskScore),
		}, nil)
	}

	return e.commit(ctx, req, amt, fr, cr, now)
}

func (e *Engine) commit(ctx context.Context, req Request, amt *big.Int, fr *fraud.Result, cr *compliance.Result, now time.Time) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Commit")
	defer span.End()

	rec := &txn.Record{
		ID:          idgen.Transaction(),
		ActorID:     req.ActorID,
		Operation:   req.Operation,
		Amount:      amt,
		ProposalRef: req.ProposalRef,
		RiskScore:   fr.RiskScore,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.coordinator.Prepare(rec)
	span.SetAttributes(traces.TransactionID(rec.ID), traces.RiskScore(rec.RiskScore))

	total, err := e.limiter.RecordAndAccumulate(ctx, velocity.Entry{
		TxID:    rec.ID,
		ActorID: rec.ActorID,
		Amount:  amt,
		At:      now,
	}, e.limiter.DayKey(now))
	if errors.Is(err, velocity.ErrDailyLimitExceeded) {
		// Another process sharing the store committed first.
		return nil, e.reject(ctx, req, audit.CategoryDailyLimitExceeded, &Rejection{
			Code:    CodeDailyLimitExceeded,
			Message: "daily limit exceeded by a concurrent transaction",
			Limit:   amount.Format(e.cfg.DailyLimit),
		}, nil)
	}
	if err != nil {
		return nil, e.systemError(ctx, req, fmt.Errorf("failed to accumulate daily total: %w", err))
	}
	if err := e.state.Transactions.Create(ctx, rec); err != nil {
		// The ledger entry stays and keeps counting against the limit.
		return nil, e.systemError(ctx, req, fmt.Errorf("failed to store transaction %s: %w", rec.ID, err))
	}

	if fr.Assessment != nil {
		fr.Assessment.TxID = rec.ID
		if err := e.state.Assessments.Record(ctx, fr.Assessment); err != nil {
			logging.L(ctx).Warn("failed to store risk assessment", "txId", rec.ID, "error", err)
		}
	}

	dec := &Decision{
		TransactionID:    rec.ID,
		ActorID:          rec.ActorID,
		Operation:        rec.Operation,
		Amount:           amount.Format(amt),
		RiskScore:        rec.RiskScore,
		RiskFactors:      fr.Assessment.Factors,
		MultisigRequired: rec.MultisigRequired,
		State:            rec.State,
		Requirements:     cr.Requirements,
		DailyTotal:       amount.Format(total),
		CreatedAt:        rec.CreatedAt,
	}

	category := audit.CategoryTransactionApproved
	action := fmt.Sprintf("%s of %s approved", rec.Operation, dec.Amount)
	if rec.MultisigRequired {
		deadline := rec.SignatureDeadline
		dec.RequiredSignatures = e.coordinator.Required()
		dec.SignatureDeadline = &deadline
		category = audit.CategoryTransactionPending
		action = fmt.Sprintf("%s of %s pending %d signatures", rec.Operation, dec.Amount, dec.RequiredSignatures)
	}

	e.recorder.Record(ctx, category, action, rec.ActorID, map[string]any{
		"transactionId":    rec.ID,
		"operation":        string(rec.Operation),
		"amount":           dec.Amount,
		"proposalRef":      rec.ProposalRef,
		"riskScore":        rec.RiskScore,
		"riskFactors":      dec.RiskFactors,
		"multisigRequired": rec.MultisigRequired,
		"requirements":     requirementCodes(cr.Requirements),
		"dailyTotal":       dec.DailyTotal,
		"role":             req.Role,
	})
	logging.L(ctx).Info("transaction evaluated",
		"txId", rec.ID,
		"actor", rec.ActorID,
		"amount", dec.Amount,
		"riskScore", rec.RiskScore,
		"state", rec.State,
	)
	return dec, nil
}

// reject records the terminal audit event for a refused evaluation.
func (e *Engine) reject(ctx context.Context, req Request, category audit.Category, rej *Rejection, extra map[string]any) error {
	details := map[string]any{
		"code":        string(rej.Code),
		"amount":      req.Amount,
		"operation":   string(req.Operation),
		"proposalRef": req.ProposalRef,
		"role":        req.Role,
	}
	if len(rej.Reasons) > 0 {
		details["reasons"] = rej.Reasons
	}
	if rej.RiskScore != nil {
		details["riskScore"] = *rej.RiskScore
	}
	if len(rej.Requirements) > 0 {
		details["requirements"] = requirementCodes(rej.Requirements)
	}
	if rej.Current != "" {
		details["current"] = rej.Current
	}
	if rej.Limit != "" {
		details["limit"] = rej.Limit
	}
	for k, v := range extra {
		details[k] = v
	}

	e.recorder.Record(ctx, category, rej.Message, req.ActorID, details)
	logging.L(ctx).Warn("transaction rejected",
		"actor", req.ActorID,
		"code", rej.Code,
		"reason", rej.Message,
	)
	return rej
}

// systemError blocks the transaction and records a system_error event.
func (e *Engine) systemError(ctx context.Context, req Request, cause error) error {
	logging.L(ctx).Error("evaluation failed",
		"actor", req.ActorID,
		"amount", req.Amount,
		"error", cause,
	)
	e.recorder.Record(ctx, audit.CategorySystemError, "evaluation failed; transaction blocked", req.ActorID, map[string]any{
		"amount":    req.Amount,
		"operation": string(req.Operation),
		"error":     cause.Error(),
	})
	return &Rejection{
		Code:    CodeSystemError,
		Message: "internal error; transaction blocked",
		err:     cause,
	}
}

// actorHistory feeds the risk scorer from the velocity ledger and the
// suspicion counters.
type actorHistory struct {
	limiter  *velocity.Limiter
	counters fraud.CounterStore
}

func (h *actorHistory) RecentCount(ctx context.Context, actorID string, window time.Duration) (int, error) {
	return h.limiter.RecentCount(ctx, actorID, window)
}

func (h *actorHistory) SuspicionCount(ctx context.Context, actorID string) (int, error) {
	return h.counters.Count(ctx, actorID)
}

func withCorrelation(ctx context.Context) context.Context {
	id := logging.RequestID(ctx)
	if id == "" {
		id = idgen.Correlation()
	}
	return audit.WithCorrelation(ctx, id)
}

// markSpan flags span with the rejection code, and with the cause when the
// rejection came from an internal failure.
func markSpan(span trace.Span, err error) {
	var rej *Rejection
	if !errors.As(err, &rej) {
		traces.Fail(span, err)
		return
	}
	if rej.err != nil {
		span.RecordError(rej.err)
	}
	traces.Reject(span, string(rej.Code), rej.Message)
}

func outcomeLabel(dec *Decision, err error) string {
	if err != nil {
		var rej *Rejection
		if errors.As(err, &rej) {
			return strings.ToLower(string(rej.Code))
		}
		return "system_error"
	}
	if dec.State == txn.StatePendingSignatures {
		return "pending"
	}
	return "approved"
}

func requirementCodes(reqs []compliance.Requirement) []string {
	codes := make([]string, 0, len(reqs))
	for _, r := range reqs {
		codes = append(codes, r.Code)
	}
	return codes
}
