// Package risk implements the additive transaction risk score.
//
// A transaction earns points from independent factors: amount band,
// off-hours submission, the actor's recent activity, prior suspicion flags
// and an unfamiliar proposal reference. The total is capped at MaxScore.
// Scoring has no side effects; it only reads actor history.
package risk

import (
	"context"
	"math/big"
	"time"
)

// MaxScore is the upper bound of every score.
const MaxScore = 100

// Factor names reported in Assessment.Factors.
const (
	FactorAmount              = "amount"
	FactorOffHours            = "off_hours"
	FactorRecentActivity      = "recent_activity"
	FactorSuspicionHistory    = "suspicion_history"
	FactorUnfamiliarReference = "unfamiliar_reference"
)

// Input carries the attributes of the transaction being scored.
type Input struct {
	ActorID     string
	Amount      *big.Int
	ProposalRef string
	// At determines the hour of day. Zero means the scorer's clock.
	At time.Time
}

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	ActorID     string         `json:"actorId"`
	TxID        string         `json:"txId,omitempty"`
	Score       int            `json:"score"`
	Factors     map[string]int `json:"factors"`
	EvaluatedAt time.Time      `json:"evaluatedAt"`
}

// History is the read-only view of actor activity the scorer depends on.
type History interface {
	// RecentCount returns how many transactions the actor committed
	// within the trailing window.
	RecentCount(ctx context.Context, actorID string, window time.Duration) (int, error)
	// SuspicionCount returns the actor's confirmed-suspicious flag count.
	SuspicionCount(ctx context.Context, actorID string) (int, error)
}

// Store keeps committed assessments for later inspection.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error)
}
