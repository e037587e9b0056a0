package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresArchive stores events in audit_events.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive creates an archive backed by db.
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

func (p *PostgresArchive) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, occurred_at, category, risk_level, actor_id, action, details,
			retain_until, classification, review_required, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`,
		e.ID, e.Timestamp, string(e.Category), string(e.RiskLevel), e.ActorID, e.Action, details,
		e.RetainUntil, string(e.Classification), e.ReviewRequired, nullString(e.CorrelationID),
	)
	if err != nil {
		return fmt.Errorf("failed to archive audit event: %w", err)
	}
	return nil
}

// where builds the WHERE clause for f starting at placeholder $1.
func where(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.RiskLevel != "" {
		add("risk_level = $%d", string(f.RiskLevel))
	}
	if !f.Start.IsZero() {
		add("occurred_at >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("occurred_at <= $%d", f.End)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresArchive) Query(ctx context.Context, f Filter) ([]*Event, error) {
	clause, args := where(f)
	args = append(args, f.limit())
	query := `
		SELECT id, occurred_at, category, risk_level, actor_id, action, details,
		       retain_until, classification, review_required, COALESCE(correlation_id, '')
		FROM audit_events` + clause +
		fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		var e Event
		var category, level, class string
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &category, &level, &e.ActorID, &e.Action, &details,
			&e.RetainUntil, &class, &e.ReviewRequired, &e.CorrelationID); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Category = Category(category)
		e.RiskLevel = RiskLevel(level)
		e.Classification = Classification(class)
		e.Details = map[string]any{}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (p *PostgresArchive) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	clause, args := where(Filter{Start: start, End: end})
	rows, err := p.db.QueryContext(ctx, `
		SELECT category, risk_level, classification, review_required, COUNT(*)
		FROM audit_events`+clause+`
		GROUP BY category, risk_level, classification, review_required
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	s := newSummary(start, end)
	for rows.Next() {
		var category, level, class string
		var review bool
		var n int
		if err := rows.Scan(&category, &level, &class, &review, &n); err != nil {
			return nil, err
		}
		s.Total += n
		s.ByCategory[Category(category)] += n
		s.ByRiskLevel[RiskLevel(level)] += n
		s.ByClassification[Classification(class)] += n
		if review {
			s.ReviewRequired += n
		}
	}
	return s, rows.Err()
}

func (p *PostgresArchive) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE id IN (
			SELECT id FROM audit_events WHERE retain_until <= $1
			ORDER BY retain_until ASC LIMIT $2
		)
	`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Archive = (*PostgresArchive)(nil)
