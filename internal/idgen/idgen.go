// Package idgen generates identifiers for transactions, audit events and
// request correlation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes used across the engine. IDs are prefix + 24 hex chars.
const (
	PrefixTransaction = "tx_"
	PrefixAuditEvent  = "evt_"
)

// WithPrefix returns prefix + 24 hex chars from 12 random bytes.
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Transaction returns a new transaction ID.
func Transaction() string { return WithPrefix(PrefixTransaction) }

// AuditEvent returns a new audit event ID.
func AuditEvent() string { return WithPrefix(PrefixAuditEvent) }

// Correlation returns a random UUIDv4 string for request correlation.
func Correlation() string { return uuid.NewString() }
