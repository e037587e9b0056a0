package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestTransactionIDsAreUniqueAndPrefixed(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Transaction()
		if !strings.HasPrefix(id, PrefixTransaction) || len(id) != len(PrefixTransaction)+24 {
			t.Fatalf("malformed id %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestCorrelationIsUUID(t *testing.T) {
	if _, err := uuid.Parse(Correlation()); err != nil {
		t.Fatalf("correlation id is not a uuid: %v", err)
	}
}
