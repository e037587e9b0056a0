package txn

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/txguard/internal/amount"
)

// PostgresStore persists transaction records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, actor_id, operation, amount::TEXT, COALESCE(proposal_ref, ''), risk_score,
	multisig_required, state, signatures, COALESCE(rejection_reason, ''),
	created_at, updated_at, signature_deadline, version`

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	sigs, err := json.Marshal(signaturesOrEmpty(rec.Signatures))
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_transactions (id, actor_id, operation, amount, proposal_ref, risk_score,
			multisig_required, state, signatures, rejection_reason, created_at, updated_at,
			signature_deadline, version)
		VALUES ($1, $2, $3, $4::NUMERIC(30,6), NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, 1)
	`,
		rec.ID, rec.ActorID, string(rec.Operation), amount.Format(rec.Amount), rec.ProposalRef,
		rec.RiskScore, rec.MultisigRequired, string(rec.State), sigs, rec.RejectionReason,
		rec.CreatedAt, rec.UpdatedAt, nullTime(rec.SignatureDeadline),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	rec.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM security_transactions WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record) error {
	sigs, err := json.Marshal(signaturesOrEmpty(rec.Signatures))
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE security_transactions
		SET state = $3, signatures = $4, rejection_reason = NULLIF($5, ''), updated_at = $6,
			risk_score = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`, rec.ID, rec.Version, string(rec.State), sigs, rec.RejectionReason, rec.UpdatedAt, rec.RiskScore)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM security_transactions WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	rec.Version++
	return nil
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM security_transactions
		WHERE state = $1 AND signature_deadline IS NOT NULL AND signature_deadline <= $2
		ORDER BY signature_deadline ASC
		LIMIT $3
	`, string(StatePendingSignatures), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired pending transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM security_transactions
		WHERE id IN (
			SELECT id FROM security_transactions WHERE created_at < $1 ORDER BY created_at LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		op, state string
		amt       string
		sigs      []byte
		deadline  sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.ActorID, &op, &amt, &rec.ProposalRef, &rec.RiskScore,
		&rec.MultisigRequired, &state, &sigs, &rec.RejectionReason,
		&rec.CreatedAt, &rec.UpdatedAt, &deadline, &rec.Version); err != nil {
		return nil, err
	}
	v, ok := amount.Parse(amt)
	if !ok {
		return nil, fmt.Errorf("txn: stored amount %q is malformed", amt)
	}
	rec.Amount = v
	rec.Operation = Operation(op)
	rec.State = ApprovalState(state)
	if deadline.Valid {
		rec.SignatureDeadline = deadline.Time
	}
	if len(sigs) > 0 {
		if err := json.Unmarshal(sigs, &rec.Signatures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signatures: %w", err)
		}
	}
	return &rec, nil
}

func signaturesOrEmpty(s []SignatureClaim) []SignatureClaim {
	if s == nil {
		return []SignatureClaim{}
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
