package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/txguard/internal/amount"
	"github.com/mbd888/txguard/internal/audit"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/multisig"
	"github.com/mbd888/txguard/internal/risk"
	"github.com/mbd888/txguard/internal/traces"
	"github.com/mbd888/txguard/internal/txn"
)

// recentAssessments bounds the assessments returned in an actor status.
const recentAssessments = 10

// Transaction is the external view of a stored record.
type Transaction struct {
	ID                string               `json:"id"`
	ActorID           string               `json:"actorId"`
	Operation         txn.Operation        `json:"operation"`
	Amount            string               `json:"amount"`
	ProposalRef       string               `json:"proposalRef,omitempty"`
	RiskScore         int                  `json:"riskScore"`
	MultisigRequired  bool                 `json:"multisigRequired"`
	State             txn.ApprovalState    `json:"state"`
	Signatures        []txn.SignatureClaim `json:"signatures"`
	RejectionReason   string               `json:"rejectionReason,omitempty"`
	SignatureDeadline *time.Time           `json:"signatureDeadline,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

func viewOf(rec *txn.Record) *Transaction {
	t := &Transaction{
		ID:               rec.ID,
		ActorID:          rec.ActorID,
		Operation:        rec.Operation,
		Amount:           amount.Format(rec.Amount),
		ProposalRef:      rec.ProposalRef,
		RiskScore:        rec.RiskScore,
		MultisigRequired: rec.MultisigRequired,
		State:            rec.State,
		Signatures:       rec.Signatures,
		RejectionReason:  rec.RejectionReason,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if t.Signatures == nil {
		t.Signatures = []txn.SignatureClaim{}
	}
	if !rec.SignatureDeadline.IsZero() {
		d := rec.SignatureDeadline
		t.SignatureDeadline = &d
	}
	return t
}

// GetTransaction returns the record for id.
func (e *Engine) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	rec, err := e.state.Transactions.Get(ctx, id)
	if err != nil {
		return nil, e.lookupError(id, err)
	}
	return viewOf(rec), nil
}

// SubmitSignature adds a signer's claim to a pending transaction and
// reports the approval position afterwards.
func (e *Engine) SubmitSignature(ctx context.Context, txID string, claim txn.SignatureClaim) (*multisig.Outcome, error) {
	ctx = withCorrelation(ctx)
	ctx, span := traces.StartSpan(ctx, "engine.SubmitSignature", traces.TransactionID(txID))
	defer span.End()

	signer := strings.TrimSpace(claim.SignerID)
	out, err := e.coordinator.Submit(ctx, txID, claim)
	if err != nil {
		metrics.SignaturesTotal.WithLabelValues("rejected").Inc()
		rej := e.signatureError(txID, out, err)
		markSpan(span, rej)
		e.recorder.Record(ctx, audit.CategorySignatureRejected, "signature rejected: "+rej.Message, signer, map[string]any{
			"transactionId": txID,
			"code":          string(rej.Code),
			"reason":        err.Error(),
		})
		if errors.Is(err, multisig.ErrWindowExpired) {
			e.recordExpired(ctx, txID, out)
		}
		logging.L(ctx).Warn("signature rejected", "txId", txID, "signer", signer, "error", err)
		return out, rej
	}

	metrics.SignaturesTotal.WithLabelValues("accepted").Inc()
	e.recorder.Record(ctx, audit.CategorySignatureAdded,
		fmt.Sprintf("signature %d of %d added", out.Collected, out.Required), signer, map[string]any{
			"transactionId": txID,
			"collected":     out.Collected,
			"required":      out.Required,
			"remaining":     out.Remaining,
			"signature":     audit.Sensitive(claim.Signature),
		})
	if out.State == txn.StateApproved {
		metrics.SignaturesTotal.WithLabelValues("approved").Inc()
		e.recorder.Record(ctx, audit.CategoryMultisigApproved, "multi-signature approval complete", signer, map[string]any{
			"transactionId": txID,
			"signers":       out.Signers,
		})
		logging.L(ctx).Info("multisig approved", "txId", txID, "signers", out.Signers)
	}
	return out, nil
}

// RejectTransaction moves a pending transaction to REJECTED.
func (e *Engine) RejectTransaction(ctx context.Context, txID, actorID, reason string) (*multisig.Outcome, error) {
	ctx = withCorrelation(ctx)
	out, err := e.coordinator.Reject(ctx, txID, actorID, reason)
	if err != nil {
		rej := e.signatureError(txID, out, err)
		logging.L(ctx).Warn("reject failed", "txId", txID, "actor", actorID, "error", err)
		return out, rej
	}
	e.recorder.Record(ctx, audit.CategoryMultisigRejected, "transaction rejected: "+out.Reason, actorID, map[string]any{
		"transactionId": txID,
		"collected":     out.Collected,
		"required":      out.Required,
	})
	logging.L(ctx).Info("transaction rejected", "txId", txID, "actor", actorID)
	return out, nil
}

// AuthorizeExecution reports whether fund movement for txID may proceed.
// Pending transactions fail with INSUFFICIENT_SIGNATURES carrying the gap.
func (e *Engine) AuthorizeExecution(ctx context.Context, txID string) (*multisig.Outcome, error) {
	out, err := e.coordinator.Authorize(ctx, txID)
	if err != nil {
		return out, e.signatureError(txID, out, err)
	}
	return out, nil
}

// ExpirePending rejects pending transactions whose signature window has
// elapsed and records one audit event for each.
func (e *Engine) ExpirePending(ctx context.Context, limit int) (int, error) {
	expired, err := e.coordinator.ExpirePending(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, rec := range expired {
		e.recordExpired(ctx, rec.ID, &multisig.Outcome{
			TransactionID: rec.ID,
			State:         rec.State,
			Collected:     len(rec.Signatures),
			Required:      e.coordinator.Required(),
		})
	}
	return len(expired), nil
}

func (e *Engine) recordExpired(ctx context.Context, txID string, out *multisig.Outcome) {
	details := map[string]any{"transactionId": txID, "reason": multisig.ExpiredReason}
	if out != nil {
		details["collected"] = out.Collected
		details["required"] = out.Required
	}
	e.recorder.Record(ctx, audit.CategoryMultisigRejected, "signature window expired", "system", details)
}

// ActorStatus summarises an actor's velocity and risk position.
type ActorStatus struct {
	ActorID           string             `json:"actorId"`
	DayKey            string             `json:"day"`
	DailyTotal        string             `json:"dailyTotal"`
	DailyLimit        string             `json:"dailyLimit"`
	Remaining         string             `json:"remaining"`
	LastHourCount     int                `json:"lastHourCount"`
	Last24HCount      int                `json:"last24hCount"`
	SuspicionCount    int                `json:"suspicionCount"`
	RecentAssessments []*risk.Assessment `json:"recentAssessments"`
}

// ActorStatus returns actorID's current limits and recent assessments.
func (e *Engine) ActorStatus(ctx context.Context, actorID string) (*ActorStatus, error) {
	vs, err := e.limiter.Status(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read velocity status: %w", err)
	}
	flags, err := e.state.Suspicion.Count(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read suspicion count: %w", err)
	}
	assessments, err := e.state.Assessments.ListByActor(ctx, actorID, recentAssessments)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	if assessments == nil {
		assessments = []*risk.Assessment{}
	}
	return &ActorStatus{
		ActorID:           actorID,
		DayKey:            vs.DayKey,
		DailyTotal:        amount.Format(vs.DailyTotal),
		DailyLimit:        amount.Format(vs.DailyLimit),
		Remaining:         amount.Format(vs.Remaining),
		LastHourCount:     vs.LastHourCount,
		Last24HCount:      vs.Last24HCount,
		SuspicionCount:    flags,
		RecentAssessments: assessments,
	}, nil
}

func (e *Engine) lookupError(txID string, err error) *Rejection {
	if errors.Is(err, txn.ErrNotFound) {
		return &Rejection{
			Code:          CodeTransactionNotFound,
			Message:       "transaction not found",
			TransactionID: txID,
			err:           err,
		}
	}
	return &Rejection{Code: CodeSystemError, Message: "internal error", TransactionID: txID, err: err}
}

// signatureError maps coordinator errors onto rejections.
func (e *Engine) signatureError(txID string, out *multisig.Outcome, err error) *Rejection {
	var insufficient *multisig.InsufficientSignaturesError
	var rejected *multisig.RejectedError
	switch {
	case errors.As(err, &insufficient):
		return &Rejection{
			Code:           CodeInsufficientSignatures,
			Message:        fmt.Sprintf("%d of %d required signatures collected", insufficient.Have, insufficient.Need),
			SignaturesHave: intPtr(insufficient.Have),
			SignaturesNeed: intPtr(insufficient.Need),
			TransactionID:  txID,
			err:            err,
		}
	case errors.As(err, &rejected):
		return &Rejection{
			Code:          CodeTransactionRejected,
			Message:       "transaction was rejected: " + rejected.Reason,
			TransactionID: txID,
			err:           err,
		}
	case errors.Is(err, txn.ErrNotFound):
		return e.lookupError(txID, err)
	case errors.Is(err, multisig.ErrWindowExpired):
		rej := &Rejection{
			Code:          CodeTransactionRejected,
			Message:       multisig.ExpiredReason,
			TransactionID: txID,
			err:           err,
		}
		if out != nil {
			rej.SignaturesHave = intPtr(out.Collected)
			rej.SignaturesNeed = intPtr(out.Required)
		}
		return rej
	case errors.Is(err, multisig.ErrInvalidClaim),
		errors.Is(err, multisig.ErrDuplicateSigner),
		errors.Is(err, multisig.ErrNotRequired),
		errors.Is(err, multisig.ErrNotPending):
		rej := &Rejection{
			Code:          CodeSignatureInvalid,
			Message:       strings.TrimPrefix(err.Error(), "multisig: "),
			TransactionID: txID,
			err:           err,
		}
		if out != nil {
			rej.SignaturesHave = intPtr(out.Collected)
			rej.SignaturesNeed = intPtr(out.Required)
		}
		return rej
	default:
		return &Rejection{Code: CodeSystemError, Message: "internal error", TransactionID: txID, err: err}
	}
}
