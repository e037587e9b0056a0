// Package multisig coordinates collective approval of transactions at or
// above the multi-signature threshold.
//
// A record enters PENDING_SIGNATURES when created above the threshold and
// becomes APPROVED once the required number of structurally valid claims
// from distinct signers is present. It becomes REJECTED on explicit
// rejection or when its signature window elapses. The originating actor
// counts only if it submits a claim like any other signer.
package multisig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/txguard/internal/syncutil"
	"github.com/mbd888/txguard/internal/txn"
)

// ExpiredReason is the rejection reason recorded when the window elapses.
const ExpiredReason = "signature window expired"

const (
	DefaultRequiredSignatures = 2
	DefaultWindow             = 24 * time.Hour
	// MaxClockSkew bounds how far in the future a claim timestamp may be.
	MaxClockSkew = 5 * time.Minute

	maxCASAttempts = 3
)

var (
	ErrInvalidClaim    = errors.New("multisig: invalid signature claim")
	ErrDuplicateSigner = errors.New("multisig: signer already signed this transaction")
	ErrNotRequired     = errors.New("multisig: transaction does not require signatures")
	ErrNotPending      = errors.New("multisig: transaction is not pending signatures")
	ErrWindowExpired   = errors.New("multisig: signature window expired")
)

// InsufficientSignaturesError reports how far a pending record is from approval.
type InsufficientSignaturesError struct {
	TransactionID string
	Have          int
	Need          int
}

func (e *InsufficientSignaturesError) Error() string {
	return fmt.Sprintf("multisig: transaction %s has %d of %d required signatures", e.TransactionID, e.Have, e.Need)
}

// RejectedError is returned by Authorize for REJECTED records.
type RejectedError struct {
	TransactionID string
	Reason        string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("multisig: transaction %s was rejected: %s", e.TransactionID, e.Reason)
}

// Outcome is the approval position of a record after an operation.
type Outcome struct {
	TransactionID string            `json:"transactionId"`
	State         txn.ApprovalState `json:"state"`
	Collected     int               `json:"collected"`
	Required      int               `json:"required"`
	Remaining     int               `json:"remaining"`
	Signers       []string          `json:"signers"`
	Reason        string            `json:"reason,omitempty"`
}

// Config configures the coordinator.
type Config struct {
	Threshold          *big.Int
	RequiredSignatures int
	Window             time.Duration
}

// Coordinator drives the approval state machine.
type Coordinator struct {
	store     txn.Store
	threshold *big.Int
	required  int
	window    time.Duration
	locks     *syncutil.KeyLock
	now       func() time.Time
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store txn.Store, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequiredSignatures < DefaultRequiredSignatures {
		cfg.RequiredSignatures = DefaultRequiredSignatures
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	threshold := new(big.Int)
	if cfg.Threshold != nil {
		threshold.Set(cfg.Threshold)
	}
	return &Coordinator{
		store:     store,
		threshold: threshold,
		required:  cfg.RequiredSignatures,
		window:    cfg.Window,
		locks:     syncutil.NewKeyLock(0),
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Required returns the number of signatures needed for approval.
func (c *Coordinator) Required() int { return c.required }

// RequiresSignatures reports whether amt is at or above the threshold.
func (c *Coordinator) RequiresSignatures(amt *big.Int) bool {
	return amt != nil && amt.Cmp(c.threshold) >= 0
}

// Prepare sets the approval fields of a new record from its amount.
func (c *Coordinator) Prepare(rec *txn.Record) {
	rec.MultisigRequired = c.RequiresSignatures(rec.Amount)
	rec.Signatures = nil
	if !rec.MultisigRequired {
		rec.State = txn.StateNotRequired
		rec.SignatureDeadline = time.Time{}
		return
	}
	rec.State = txn.StatePendingSignatures
	rec.SignatureDeadline = rec.CreatedAt.Add(c.window)
}

// Status returns the current outcome for txID without changing it.
func (c *Coordinator) Status(ctx context.Context, txID string) (*Outcome, error) {
	rec, err := c.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	return c.outcome(rec), nil
}

// Submit validates claim and adds it to the record's signatures.
func (c *Coordinator) Submit(ctx context.Context, txID string, claim txn.SignatureClaim) (*Outcome, error) {
	claim.SignerID = strings.TrimSpace(claim.SignerID)
	if err := validateStructure(claim); err != nil {
		return nil, err
	}

	unlock, err := c.locks.LockContext(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return c.mutate(ctx, txID, func(rec *txn.Record, now time.Time) error {
		if err := c.checkPending(rec, now); err != nil {
			return err
		}
		if err := c.validateTiming(rec, claim, now); err != nil {
			return err
		}
		for _, s := range rec.Signatures {
			if s.SignerID == claim.SignerID {
				return ErrDuplicateSigner
			}
		}
		rec.Signatures = append(rec.Signatures, claim)
		if len(rec.Signatures) >= c.required {
			rec.State = txn.StateApproved
		}
		return nil
	})
}

// Reject moves a pending record to REJECTED.
func (c *Coordinator) Reject(ctx context.Context, txID, actorID, reason string) (*Outcome, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "rejected by " + actorID
	}

	unlock, err := c.locks.LockContext(ctx, txID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return c.mutate(ctx, txID, func(rec *txn.Record, now time.Time) error {
		if err := c.checkPending(rec, now); err != nil {
			return err
		}
		rec.State = txn.StateRejected
		rec.RejectionReason = reason
		return nil
	})
}

// Authorize reports whether fund movement may proceed for txID.
func (c *Coordinator) Authorize(ctx context.Context, txID string) (*Outcome, error) {
	rec, err := c.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	out := c.outcome(rec)
	switch rec.State {
	case txn.StateNotRequired, txn.StateApproved:
		return out, nil
	case txn.StateRejected:
		return out, &RejectedError{TransactionID: rec.ID, Reason: rec.RejectionReason}
	default:
		if !rec.SignatureDeadline.IsZero() && !c.now().Before(rec.SignatureDeadline) {
			return out, ErrWindowExpired
		}
		return out, &InsufficientSignaturesError{TransactionID: rec.ID, Have: out.Collected, Need: out.Required}
	}
}

// ExpirePending rejects up to limit records whose signature window has
// elapsed and returns them. Records with a submission or rejection in flight
// are skipped and picked up by a later sweep.
func (c *Coordinator) ExpirePending(ctx context.Context, limit int) ([]*txn.Record, error) {
	now := c.now()
	candidates, err := c.store.ListExpiredPending(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired records: %w", err)
	}

	var expired []*txn.Record
	for _, cand := range candidates {
		rec, err := c.expireOne(ctx, cand.ID)
		if err != nil {
			c.logger.Warn("multisig expiry failed", "txId", cand.ID, "error", err)
			continue
		}
		if rec != nil {
			expired = append(expired, rec)
		}
	}
	return expired, nil
}

func (c *Coordinator) expireOne(ctx context.Context, txID string) (*txn.Record, error) {
	unlock, ok := c.locks.TryLock(txID)
	if !ok {
		c.logger.Debug("multisig record busy, expiry deferred", "txId", txID)
		return nil, nil
	}
	defer unlock()

	rec, err := c.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	now := c.now()
	if rec.State != txn.StatePendingSignatures || now.Before(rec.SignatureDeadline) {
		return nil, nil
	}
	rec.State = txn.StateRejected
	rec.RejectionReason = ExpiredReason
	rec.UpdatedAt = now
	if err := c.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	c.logger.Info("multisig window expired", "txId", rec.ID, "collected", len(rec.Signatures))
	return rec, nil
}

// mutate applies fn to a fresh copy of the record and writes it back with
// compare-and-set, retrying on version conflicts from other processes.
func (c *Coordinator) mutate(ctx context.Context, txID string, fn func(*txn.Record, time.Time) error) (*Outcome, error) {
	for attempt := 1; ; attempt++ {
		rec, err := c.store.Get(ctx, txID)
		if err != nil {
			return nil, err
		}
		now := c.now()
		if err := fn(rec, now); err != nil {
			if errors.Is(err, ErrWindowExpired) {
				c.expireLocked(ctx, rec, now)
			}
			return c.outcome(rec), err
		}
		rec.UpdatedAt = now
		err = c.store.Update(ctx, rec)
		if err == nil {
			return c.outcome(rec), nil
		}
		if !errors.Is(err, txn.ErrVersionConflict) || attempt >= maxCASAttempts {
			return nil, err
		}
	}
}

// expireLocked persists the REJECTED state for a record found expired
// during a mutation. The caller holds the record lock.
func (c *Coordinator) expireLocked(ctx context.Context, rec *txn.Record, now time.Time) {
	if rec.State != txn.StatePendingSignatures {
		return
	}
	cp := rec.Clone()
	cp.State = txn.StateRejected
	cp.RejectionReason = ExpiredReason
	cp.UpdatedAt = now
	if err := c.store.Update(ctx, cp); err != nil {
		c.logger.Warn("failed to persist expiry", "txId", rec.ID, "error", err)
		return
	}
	*rec = *cp
}

func (c *Coordinator) checkPending(rec *txn.Record, now time.Time) error {
	switch {
	case !rec.MultisigRequired || rec.State == txn.StateNotRequired:
		return ErrNotRequired
	case rec.State != txn.StatePendingSignatures:
		return fmt.Errorf("%w: state is %s", ErrNotPending, rec.State)
	case !rec.SignatureDeadline.IsZero() && !now.Before(rec.SignatureDeadline):
		return ErrWindowExpired
	}
	return nil
}

func validateStructure(claim txn.SignatureClaim) error {
	switch {
	case claim.SignerID == "":
		return fmt.Errorf("%w: signer is required", ErrInvalidClaim)
	case strings.TrimSpace(claim.Signature) == "":
		return fmt.Errorf("%w: signature payload is required", ErrInvalidClaim)
	case claim.SignedAt.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidClaim)
	}
	return nil
}

func (c *Coordinator) validateTiming(rec *txn.Record, claim txn.SignatureClaim, now time.Time) error {
	switch {
	case claim.SignedAt.After(now.Add(MaxClockSkew)):
		return fmt.Errorf("%w: timestamp is in the future", ErrInvalidClaim)
	case claim.SignedAt.Before(now.Add(-c.window)):
		return fmt.Errorf("%w: claim is older than the signature window", ErrInvalidClaim)
	case claim.SignedAt.Before(rec.CreatedAt):
		return fmt.Errorf("%w: claim predates the transaction", ErrInvalidClaim)
	}
	return nil
}

func (c *Coordinator) outcome(rec *txn.Record) *Outcome {
	out := &Outcome{
		TransactionID: rec.ID,
		State:         rec.State,
		Collected:     len(rec.Signatures),
		Signers:       make([]string, 0, len(rec.Signatures)),
		Reason:        rec.RejectionReason,
	}
	for _, s := range rec.Signatures {
		out.Signers = append(out.Signers, s.SignerID)
	}
	if rec.MultisigRequired {
		out.Required = c.required
		if out.Remaining = c.required - out.Collected; out.Remaining < 0 || rec.State == txn.StateApproved {
			out.Remaining = 0
		}
	}
	return out
}
