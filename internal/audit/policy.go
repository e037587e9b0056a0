package audit

import "time"

// DefaultBaseRetention is roughly seven years.
const DefaultBaseRetention = 7 * 365 * 24 * time.Hour

var categoryLevels = map[Category]RiskLevel{
	CategoryUnauthorizedAccess: RiskCritical,
	CategoryLargeWithdrawal:    RiskCritical,
	CategorySuspiciousActivity: RiskCritical,

	CategoryFailedLogin:        RiskHigh,
	CategoryCSRFViolation:      RiskHigh,
	CategoryDailyLimitExceeded: RiskHigh,
	CategoryComplianceBlock:    RiskHigh,
	CategoryMultisigRejected:   RiskHigh,
	CategorySignatureRejected:  RiskHigh,
	CategorySystemError:        RiskHigh,

	CategorySuccessfulLogin: RiskMedium,
	CategoryProposalCreated: RiskMedium,
}

// Categories whose events carry financial or regulatory weight.
var longRetention = map[Category]bool{
	CategoryLargeWithdrawal:     true,
	CategoryDailyLimitExceeded:  true,
	CategoryTransactionApproved: true,
	CategoryTransactionPending:  true,
	CategoryTransactionInvalid:  true,
	CategorySignatureAdded:      true,
	CategoryMultisigApproved:    true,
	CategoryMultisigRejected:    true,
	CategoryComplianceBlock:     true,
	CategoryAuditExport:         true,
}

// LevelFor returns the fixed risk level of a category. Unknown categories are LOW.
func LevelFor(c Category) RiskLevel {
	if l, ok := categoryLevels[c]; ok {
		return l
	}
	return RiskLow
}

// IsFinancialOrCompliance reports whether c is retained at the doubled horizon.
func IsFinancialOrCompliance(c Category) bool {
	return longRetention[c]
}

// RetentionFor scales base by the highest-priority multiplier for (c, level).
func RetentionFor(base time.Duration, c Category, level RiskLevel) time.Duration {
	switch {
	case IsFinancialOrCompliance(c):
		return base * 2
	case level == RiskCritical:
		return base + base/2
	default:
		return base
	}
}

// ClassificationFor assigns the confidentiality tier.
func ClassificationFor(c Category, level RiskLevel) Classification {
	switch {
	case level == RiskCritical:
		return ClassRestricted
	case level == RiskHigh || IsFinancialOrCompliance(c):
		return ClassConfidential
	case c == CategorySystemNotice && level == RiskLow:
		return ClassPublic
	default:
		return ClassInternal
	}
}

// ReviewRequired reports whether an event at level needs human review.
func ReviewRequired(level RiskLevel) bool {
	return level == RiskCritical || level == RiskHigh
}
