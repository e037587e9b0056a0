// Package compliance maps a transaction amount to the regulatory
// requirements it triggers. Some requirements are informational; any
// blocking requirement makes the transaction non-compliant.
package compliance

import (
	"errors"
	"math/big"
	"sort"

	"github.com/mbd888/txguard/internal/amount"
)

// Requirement codes.
const (
	CodeLargeTransactionReporting = "large_transaction_reporting"
	CodeEnhancedKYC               = "enhanced_kyc_documentation"
	CodeEnhancedAML               = "enhanced_aml_verification"
)

// Requirement is one regulatory obligation triggered by a transaction.
type Requirement struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Blocking    bool   `json:"blocking"`
	Threshold   string `json:"threshold"`
}

// Result is the gate's verdict.
type Result struct {
	Compliant    bool          `json:"compliant"`
	Requirements []Requirement `json:"requirements"`
}

// BlockingCodes returns the codes of blocking requirements in r.
func (r *Result) BlockingCodes() []string {
	var out []string
	for _, req := range r.Requirements {
		if req.Blocking {
			out = append(out, req.Code)
		}
	}
	return out
}

// Rule triggers its requirement when the amount is strictly above Above.
type Rule struct {
	Code        string
	Description string
	Above       *big.Int
	Blocking    bool
}

// Thresholds configures the default rule set.
type Thresholds struct {
	Reporting *big.Int
	KYC       *big.Int
	AML       *big.Int
}

// DefaultThresholds returns 10,000 / 25,000 / 50,000.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Reporting: amount.Whole(10_000),
		KYC:       amount.Whole(25_000),
		AML:       amount.Whole(50_000),
	}
}

// ErrInvalidThreshold is returned for nil or non-positive thresholds.
var ErrInvalidThreshold = errors.New("compliance: thresholds must be positive")

// Gate evaluates amounts against an ordered rule set.
type Gate struct {
	rules []Rule
}

// NewGate builds the standard rule set from t.
func NewGate(t Thresholds) (*Gate, error) {
	for _, v := range []*big.Int{t.Reporting, t.KYC, t.AML} {
		if v == nil || v.Sign() <= 0 {
			return nil, ErrInvalidThreshold
		}
	}
	return NewGateWithRules([]Rule{
		{Code: CodeLargeTransactionReporting, Description: "large-transaction reporting", Above: t.Reporting},
		{Code: CodeEnhancedKYC, Description: "enhanced KYC documentation", Above: t.KYC},
		{Code: CodeEnhancedAML, Description: "enhanced AML verification", Above: t.AML, Blocking: true},
	}), nil
}

// NewGateWithRules builds a gate from arbitrary rules. Requirements are
// reported in ascending threshold order.
func NewGateWithRules(rules []Rule) *Gate {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Above.Cmp(sorted[j].Above) < 0 })
	return &Gate{rules: sorted}
}

// Evaluate returns the requirements amt triggers. No current rule depends
// on proposalRef.
func (g *Gate) Evaluate(amt *big.Int, proposalRef string) *Result {
	res := &Result{Compliant: true, Requirements: []Requirement{}}
	if amt == nil {
		return res
	}
	for _, rule := range g.rules {
		if amt.Cmp(rule.Above) <= 0 {
			continue
		}
		res.Requirements = append(res.Requirements, Requirement{
			Code:        rule.Code,
			Description: rule.Description,
			Blocking:    rule.Blocking,
			Threshold:   amount.Format(rule.Above),
		})
		if rule.Blocking {
			res.Compliant = false
		}
	}
	return res
}
