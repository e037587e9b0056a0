package audit

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/mbd888/txguard/internal/circuitbreaker"
	"github.com/mbd888/txguard/internal/idgen"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/metrics"
	"github.com/mbd888/txguard/internal/retry"
)

// Archive is durable storage for events beyond the in-memory ring.
type Archive interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
	Summary(ctx context.Context, start, end time.Time) (*Summary, error)
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Publisher receives review-required events as they are recorded.
type Publisher interface {
	Publish(e *Event)
}

// Config configures a Recorder.
type Config struct {
	BaseRetention  time.Duration
	RingCapacity   int
	SensitiveTerms []string
}

type correlationKey struct{}

// WithCorrelation tags events recorded with ctx with id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationFrom(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return logging.RequestID(ctx)
}

// Recorder classifies, retains and serves audit events.
type Recorder struct {
	ring      *Ring
	archive   Archive
	publisher Publisher
	redactor  *Redactor
	base      time.Duration
	now       func() time.Time
	logger    *slog.Logger

	archiveAttempts int
	archiveDelay    time.Duration
	breaker         *circuitbreaker.Breaker
}

const archiveBreakerKey = "audit_archive"

// NewRecorder creates a recorder holding events in memory only.
func NewRecorder(cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseRetention <= 0 {
		cfg.BaseRetention = DefaultBaseRetention
	}
	return &Recorder{
		ring:            NewRing(cfg.RingCapacity),
		redactor:        NewRedactor(cfg.SensitiveTerms...),
		base:            cfg.BaseRetention,
		now:             time.Now,
		logger:          logger,
		archiveAttempts: 3,
		archiveDelay:    50 * time.Millisecond,
		breaker:         circuitbreaker.New(5, 30*time.Second),
	}
}

// WithArchive writes every event through to a.
func (r *Recorder) WithArchive(a Archive) *Recorder {
	r.archive = a
	return r
}

// WithPublisher forwards review-required events to p.
func (r *Recorder) WithPublisher(p Publisher) *Recorder {
	r.publisher = p
	return r
}

// WithClock overrides the time source.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	r.breaker.WithClock(now)
	return r
}

// Record creates, stores and returns a copy of an event. Archive failures are logged
// and counted; the event is still held in memory.
func (r *Recorder) Record(ctx context.Context, category Category, action, actorID string, details map[string]any) *Event {
	now := r.now().UTC()
	level := LevelFor(category)
	e := &Event{
		ID:             idgen.AuditEvent(),
		Timestamp:      now,
		Category:       category,
		RiskLevel:      level,
		ActorID:        actorID,
		Action:         SanitizeAction(action),
		Details:        r.redactor.Redact(details),
		RetainUntil:    now.Add(RetentionFor(r.base, category, level)),
		Classification: ClassificationFor(category, level),
		ReviewRequired: ReviewRequired(level),
		CorrelationID:  correlationFrom(ctx),
	}

	r.ring.Add(e)
	metrics.AuditEventsTotal.WithLabelValues(string(category), string(level)).Inc()
	metrics.AuditRingSize.Set(float64(r.ring.Len()))

	if r.archive != nil {
		r.appendArchive(ctx, e)
	}

	if e.ReviewRequired && r.publisher != nil {
		r.publisher.Publish(e.Clone())
	}

	logging.L(ctx).Debug("audit event recorded",
		"eventId", e.ID, "category", category, "riskLevel", level, "actor", actorID)
	return e.Clone()
}

// appendArchive writes e through with retries. While the breaker is open
// events are held in memory only.
func (r *Recorder) appendArchive(ctx context.Context, e *Event) {
	if !r.breaker.Allow(archiveBreakerKey) {
		metrics.AuditArchiveFailuresTotal.Inc()
		logging.L(ctx).Warn("audit archive circuit open, event held in memory only",
			"eventId", e.ID, "category", e.Category)
		return
	}
	err := retry.Do(ctx, retry.Policy{
		Attempts:  r.archiveAttempts,
		BaseDelay: r.archiveDelay,
		MaxDelay:  time.Second,
		OnRetry: func(attempt int, err error) {
			logging.L(ctx).Debug("retrying audit archive append",
				"eventId", e.ID, "attempt", attempt, "error", err)
		},
	}, func() error {
		return r.archive.Append(ctx, e)
	})
	r.breaker.Record(archiveBreakerKey, err)
	if err != nil {
		metrics.AuditArchiveFailuresTotal.Inc()
		logging.L(ctx).Error("failed to archive audit event",
			"eventId", e.ID, "category", e.Category, "error", err)
	}
}

// Query returns matching events, newest first. The archive is authoritative
// when configured; the ring serves otherwise, or if the archive fails.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]*Event, error) {
	f.Limit = f.limit()
	if r.archive != nil {
		events, err := r.archive.Query(ctx, f)
		if err == nil {
			return events, nil
		}
		logging.L(ctx).Warn("audit archive query failed, serving from memory", "error", err)
	}
	return r.queryRing(f), nil
}

func (r *Recorder) queryRing(f Filter) []*Event {
	matched := r.ring.Matching(f.Matches)
	slices.Reverse(matched)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// Summary aggregates events with timestamps in [start, end]. Zero bounds are open.
func (r *Recorder) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	if r.archive != nil {
		s, err := r.archive.Summary(ctx, start, end)
		if err == nil {
			return s, nil
		}
		logging.L(ctx).Warn("audit archive summary failed, serving from memory", "error", err)
	}
	f := Filter{Start: start, End: end}
	s := newSummary(start, end)
	for _, e := range r.ring.Matching(f.Matches) {
		s.add(e)
	}
	return s, nil
}

// Purge removes up to limit events whose retention horizon has passed from
// memory and from the archive. Returns the number removed from each.
func (r *Recorder) Purge(ctx context.Context, limit int) (ring int, archived int, err error) {
	now := r.now()
	ring = r.ring.RemoveExpired(now, limit)
	metrics.AuditRingSize.Set(float64(r.ring.Len()))
	if r.archive != nil {
		archived, err = r.archive.PurgeExpired(ctx, now, limit)
		if err != nil {
			return ring, archived, fmt.Errorf("failed to purge archive: %w", err)
		}
	}
	return ring, archived, nil
}

// Len returns the number of events held in memory.
func (r *Recorder) Len() int { return r.ring.Len() }
