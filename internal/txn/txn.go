// Package txn defines the TransactionRecord evaluated by the security engine
// and the versioned store that holds it.
package txn

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ApprovalState is the multi-signature approval state of a record.
type ApprovalState string

const (
	StateNotRequired       ApprovalState = "NOT_REQUIRED"
	StatePendingSignatures ApprovalState = "PENDING_SIGNATURES"
	StateApproved          ApprovalState = "APPROVED"
	StateRejected          ApprovalState = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalState) Terminal() bool {
	return s != StatePendingSignatures
}

// Authorized reports whether fund movement may proceed in this state.
func (s ApprovalState) Authorized() bool {
	return s == StateNotRequired || s == StateApproved
}

// Operation names the administrative financial operation being evaluated.
type Operation string

const (
	OperationFundTransfer   Operation = "fund_transfer"
	OperationInstantFunding Operation = "instant_funding_override"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OperationFundTransfer || op == OperationInstantFunding
}

// SignatureClaim is one signer's claim of approval. The payload is opaque;
// only its presence is checked.
type SignatureClaim struct {
	SignerID  string    `json:"signerId"`
	Signature string    `json:"signature"`
	SignedAt  time.Time `json:"signedAt"`
}

// Record is one evaluated financial operation.
type Record struct {
	ID               string
	ActorID          string
	Operation        Operation
	Amount           *big.Int
	ProposalRef      string
	RiskScore        int
	MultisigRequired bool
	State            ApprovalState
	Signatures       []SignatureClaim
	RejectionReason  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// SignatureDeadline is zero unless MultisigRequired.
	SignatureDeadline time.Time
	// Version is bumped by every successful Update and guards against lost writes.
	Version int64
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Amount != nil {
		cp.Amount = new(big.Int).Set(r.Amount)
	}
	if r.Signatures != nil {
		cp.Signatures = make([]SignatureClaim, len(r.Signatures))
		copy(cp.Signatures, r.Signatures)
	}
	return &cp
}

var (
	ErrNotFound        = errors.New("txn: transaction not found")
	ErrDuplicateID     = errors.New("txn: transaction id already exists")
	ErrVersionConflict = errors.New("txn: transaction modified concurrently")
)

// Store persists transaction records.
//
// Update is a compare-and-set on Version: it succeeds only when the stored
// version equals rec.Version, and on success sets rec.Version to the new value.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	// ListExpiredPending returns up to limit PENDING_SIGNATURES records whose
	// signature deadline is at or before now.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	// PruneBefore removes up to limit records created before cutoff and
	// returns how many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
