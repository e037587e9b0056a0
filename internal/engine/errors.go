package engine

import (
	"errors"
	"fmt"

	"github.com/mbd888/txguard/internal/compliance"
)

// Code is a machine-readable rejection reason.
type Code string

const (
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeExceedsMaxAmount       Code = "EXCEEDS_MAX_AMOUNT"
	CodeDailyLimitExceeded     Code = "DAILY_LIMIT_EXCEEDED"
	CodeSuspiciousActivity     Code = "SUSPICIOUS_ACTIVITY"
	CodeComplianceRequired     Code = "COMPLIANCE_REQUIRED"
	CodeInsufficientSignatures Code = "INSUFFICIENT_SIGNATURES"
	CodeSignatureInvalid       Code = "SIGNATURE_INVALID"
	CodeTransactionRejected    Code = "TRANSACTION_REJECTED"
	CodeTransactionNotFound    Code = "TRANSACTION_NOT_FOUND"
	CodeSystemError            Code = "SYSTEM_ERROR"
)

// Kind groups codes for callers that only need the broad class.
type Kind int

const (
	KindValidation Kind = iota
	KindPolicy
	KindSignature
	KindNotFound
	KindSystem
)

// Kind returns the error class of c.
func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidRequest, CodeInvalidAmount:
		return KindValidation
	case CodeInsufficientSignatures, CodeSignatureInvalid, CodeTransactionRejected:
		return KindSignature
	case CodeTransactionNotFound:
		return KindNotFound
	case CodeSystemError:
		return KindSystem
	default:
		return KindPolicy
	}
}

// Rejection is returned whenever the engine refuses an operation. Fields
// other than Code and Message are set only when they apply.
type Rejection struct {
	Code           Code                     `json:"error"`
	Message        string                   `json:"message"`
	Reasons        []string                 `json:"reasons,omitempty"`
	Requirements   []compliance.Requirement `json:"requirements,omitempty"`
	RiskScore      *int                     `json:"riskScore,omitempty"`
	SignaturesHave *int                     `json:"signaturesHave,omitempty"`
	SignaturesNeed *int                     `json:"signaturesNeed,omitempty"`
	Current        string                   `json:"current,omitempty"`
	Limit          string                   `json:"limit,omitempty"`
	TransactionID  string                   `json:"transactionId,omitempty"`

	err error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func (r *Rejection) Unwrap() error { return r.err }

// IsCode reports whether err is a Rejection with the given code.
func IsCode(err error, code Code) bool {
	var rej *Rejection
	return errors.As(err, &rej) && rej.Code == code
}

func intPtr(v int) *int { return &v }
