// Package audit records every security decision as an immutable, classified
// event with a retention horizon.
//
// The risk level of an event follows from its category alone. Retention is a
// base horizon scaled by the single highest-priority multiplier that applies:
// financial and compliance categories keep events twice as long, CRITICAL
// events one and a half times, everything else once. Detail payloads are
// redacted before they are stored.
package audit

import (
	"time"
)

// Category classifies an event by the decision or state change it records.
type Category string

const (
	// Access and session events.
	CategoryUnauthorizedAccess Category = "unauthorized_access"
	CategoryFailedLogin        Category = "failed_login"
	CategoryCSRFViolation      Category = "csrf_violation"
	CategorySuccessfulLogin    Category = "successful_login"

	// Transaction pipeline outcomes.
	CategoryTransactionInvalid  Category = "transaction_invalid"
	CategoryLargeWithdrawal     Category = "large_withdrawal"
	CategoryDailyLimitExceeded  Category = "daily_limit_exceeded"
	CategorySuspiciousActivity  Category = "suspicious_activity"
	CategoryComplianceBlock     Category = "compliance_block"
	CategoryTransactionApproved Category = "transaction_approved"
	CategoryTransactionPending  Category = "transaction_pending"
	CategoryProposalCreated     Category = "proposal_created"

	// Multi-signature lifecycle.
	CategorySignatureAdded    Category = "signature_added"
	CategorySignatureRejected Category = "signature_rejected"
	CategoryMultisigApproved  Category = "multisig_approved"
	CategoryMultisigRejected  Category = "multisig_rejected"

	// Reporting and operations.
	CategoryAuditExport  Category = "audit_export"
	CategorySystemError  Category = "system_error"
	CategorySystemNotice Category = "system_notice"
)

// RiskLevel is the severity of an event.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether l is a known level.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Classification is the confidentiality tier of an event.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// Event is one recorded decision. Events are never mutated after creation.
type Event struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Category       Category       `json:"category"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	ActorID        string         `json:"actorId"`
	Action         string         `json:"action"`
	Details        map[string]any `json:"details"`
	RetainUntil    time.Time      `json:"retainUntil"`
	Classification Classification `json:"classification"`
	ReviewRequired bool           `json:"reviewRequired"`
	CorrelationID  string         `json:"correlationId,omitempty"`
}

// Expired reports whether the retention horizon has passed at now.
func (e *Event) Expired(now time.Time) bool {
	return !now.Before(e.RetainUntil)
}

// Clone returns a copy of e that shares no mutable state with it.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Details = cloneDetails(e.Details)
	return &c
}

func cloneDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneDetailValue(v)
	}
	return out
}

func cloneDetailValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneDetails(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneDetailValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	}
	return v
}

// Filter selects events for Query and Export. Zero fields match everything.
type Filter struct {
	ActorID   string
	Category  Category
	RiskLevel RiskLevel
	Start     time.Time
	End       time.Time
	Limit     int
}

// DefaultQueryLimit applies when Filter.Limit is zero.
const DefaultQueryLimit = 100

// MaxQueryLimit caps Filter.Limit.
const MaxQueryLimit = 10000

// Matches reports whether e satisfies every set field of f.
func (f Filter) Matches(e *Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return f.Limit
}

// Summary aggregates events over a time range.
type Summary struct {
	Start            time.Time              `json:"start,omitempty"`
	End              time.Time              `json:"end,omitempty"`
	Total            int                    `json:"total"`
	ReviewRequired   int                    `json:"reviewRequired"`
	ByCategory       map[Category]int       `json:"byCategory"`
	ByRiskLevel      map[RiskLevel]int      `json:"byRiskLevel"`
	ByClassification map[Classification]int `json:"byClassification"`
}

func newSummary(start, end time.Time) *Summary {
	return &Summary{
		Start:            start,
		End:              end,
		ByCategory:       make(map[Category]int),
		ByRiskLevel:      make(map[RiskLevel]int),
		ByClassification: make(map[Classification]int),
	}
}

func (s *Summary) add(e *Event) {
	s.Total++
	s.ByCategory[e.Category]++
	s.ByRiskLevel[e.RiskLevel]++
	s.ByClassification[e.Classification]++
	if e.ReviewRequired {
		s.ReviewRequired++
	}
}
