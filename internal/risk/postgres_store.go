package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists assessments in risk_assessments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, assessment *Assessment) error {
	factorsJSON, err := json.Marshal(assessment.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (tx_id, actor_id, score, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5)
	`,
		assessment.TxID,
		assessment.ActorID,
		assessment.Score,
		factorsJSON,
		assessment.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = DefaultPerActorHistory
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, actor_id, score, factors, evaluated_at
		FROM risk_assessments
		WHERE actor_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var factorsJSON []byte
		if err := rows.Scan(&a.TxID, &a.ActorID, &a.Score, &factorsJSON, &a.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
		}
		a.Factors = make(map[string]int)
		if err := json.Unmarshal(factorsJSON, &a.Factors); err != nil {
			return nil, fmt.Errorf("failed to decode factors: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
