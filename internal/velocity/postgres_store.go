package velocity

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/txguard/internal/amount"
)

// PostgresStore persists the ledger in velocity_ledger and day totals in daily_totals.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) RecordAndAccumulate(ctx context.Context, entry Entry, dayKey string, ceiling *big.Int) (*big.Int, error) {
	if ceiling != nil && entry.Amount.Cmp(ceiling) > 0 {
		return nil, ErrDailyLimitExceeded
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var limit sql.NullString
	if ceiling != nil {
		limit = sql.NullString{String: amount.Format(ceiling), Valid: true}
	}

	// The conditional upsert is the atomic check-and-reserve: a conflicting
	// row is only updated when the new total stays within the ceiling.
	var totalText string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO daily_totals (actor_id, day_key, total)
		VALUES ($1, $2, $3::NUMERIC)
		ON CONFLICT (actor_id, day_key) DO UPDATE
		SET total = daily_totals.total + EXCLUDED.total
		WHERE $4::NUMERIC IS NULL OR daily_totals.total + EXCLUDED.total <= $4::NUMERIC
		RETURNING total::TEXT
	`, entry.ActorID, dayKey, amount.Format(entry.Amount), limit).Scan(&totalText)
	if err == sql.ErrNoRows {
		return nil, ErrDailyLimitExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to accumulate daily total: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO velocity_ledger (tx_id, actor_id, amount, recorded_at)
		VALUES ($1, $2, $3::NUMERIC, $4)
	`, entry.TxID, entry.ActorID, amount.Format(entry.Amount), entry.At); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	total, ok := amount.Parse(totalText)
	if !ok {
		return nil, fmt.Errorf("unparseable daily total %q", totalText)
	}
	return total, nil
}

func (p *PostgresStore) DailyTotal(ctx context.Context, actorID, dayKey string) (*big.Int, error) {
	var totalText string
	err := p.db.QueryRowContext(ctx, `
		SELECT total::TEXT FROM daily_totals WHERE actor_id = $1 AND day_key = $2
	`, actorID, dayKey).Scan(&totalText)
	if err == sql.ErrNoRows {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	total, ok := amount.Parse(totalText)
	if !ok {
		return nil, fmt.Errorf("unparseable daily total %q", totalText)
	}
	return total, nil
}

func (p *PostgresStore) EntriesSince(ctx context.Context, actorID string, since time.Time) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT tx_id, actor_id, amount::TEXT, recorded_at
		FROM velocity_ledger
		WHERE actor_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at ASC
	`, actorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var amtText string
		if err := rows.Scan(&e.TxID, &e.ActorID, &amtText, &e.At); err != nil {
			return nil, err
		}
		amt, ok := amount.Parse(amtText)
		if !ok {
			return nil, fmt.Errorf("unparseable ledger amount %q", amtText)
		}
		e.Amount = amt
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PruneBefore(ctx context.Context, cutoff time.Time, cutoffDay string, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM velocity_ledger
		WHERE tx_id IN (
			SELECT tx_id FROM velocity_ledger WHERE recorded_at < $1
			ORDER BY recorded_at ASC LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM daily_totals WHERE day_key < $1
	`, cutoffDay); err != nil {
		return int(n), err
	}
	return int(n), nil
}

var _ Store = (*PostgresStore)(nil)
