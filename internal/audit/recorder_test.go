package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/logging"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var start = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestRecorder(cfg Config) (*Recorder, *stepClock) {
	clock := &stepClock{now: start}
	return NewRecorder(cfg, nil).WithClock(clock.Now), clock
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*Event
}

func (p *capturePublisher) Publish(e *Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

type failingArchive struct {
	appends int
}

func (f *failingArchive) Append(context.Context, *Event) error {
	f.appends++
	return errors.New("archive down")
}

func (f *failingArchive) Query(context.Context, Filter) ([]*Event, error) {
	return nil, errors.New("archive down")
}

func (f *failingArchive) Summary(context.Context, time.Time, time.Time) (*Summary, error) {
	return nil, errors.New("archive down")
}

func (f *failingArchive) PurgeExpired(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("archive down")
}

func TestRecord_ClassifiesAndRedacts(t *testing.T) {
	r, _ := newTestRecorder(Config{BaseRetention: 1000 * time.Hour})

	e := r.Record(context.Background(), CategorySuspiciousActivity, "suspicious\x07 transfer", "admin-1", map[string]any{
		"reasons":  []string{"unusual frequency"},
		"apiToken": "tok",
	})

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, RiskCritical, e.RiskLevel)
	assert.Equal(t, ClassRestricted, e.Classification)
	assert.True(t, e.ReviewRequired)
	assert.Equal(t, "suspicious transfer", e.Action)
	assert.Equal(t, RedactedMarker, e.Details["apiToken"])
	assert.Equal(t, []any{"unusual frequency"}, e.Details["reasons"])
	assert.Equal(t, e.Timestamp.Add(1500*time.Hour), e.RetainUntil)
	assert.True(t, e.RetainUntil.After(e.Timestamp))
}

func TestRecord_RetentionAlwaysAfterCreation(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	for _, c := range []Category{CategorySystemNotice, CategoryFailedLogin, CategoryTransactionApproved, CategoryLargeWithdrawal} {
		e := r.Record(context.Background(), c, "x", "a", nil)
		assert.True(t, e.RetainUntil.After(e.Timestamp), "category %s", c)
		assert.NotNil(t, e.Details)
	}
}

func TestRecord_CorrelationFromContext(t *testing.T) {
	r, _ := newTestRecorder(Config{})

	ctx := logging.WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", r.Record(ctx, CategorySystemNotice, "x", "a", nil).CorrelationID)

	ctx = WithCorrelation(ctx, "eval-9")
	assert.Equal(t, "eval-9", r.Record(ctx, CategorySystemNotice, "x", "a", nil).CorrelationID)
}

func TestRecord_PublishesReviewRequiredOnly(t *testing.T) {
	pub := &capturePublisher{}
	r, _ := newTestRecorder(Config{})
	r.WithPublisher(pub)

	ctx := context.Background()
	r.Record(ctx, CategoryTransactionApproved, "ok", "a", nil)
	r.Record(ctx, CategoryDailyLimitExceeded, "limit", "a", nil)
	r.Record(ctx, CategoryUnauthorizedAccess, "denied", "b", nil)

	require.Len(t, pub.events, 2)
	assert.Equal(t, CategoryDailyLimitExceeded, pub.events[0].Category)
	assert.Equal(t, CategoryUnauthorizedAccess, pub.events[1].Category)
}

func TestRecord_ArchiveFailureKeepsEventInMemory(t *testing.T) {
	archive := &failingArchive{}
	r, _ := newTestRecorder(Config{})
	r.WithArchive(archive)
	r.archiveDelay = time.Millisecond

	e := r.Record(context.Background(), CategoryComplianceBlock, "blocked", "a", nil)
	assert.Equal(t, 3, archive.appends, "archive writes are retried")

	events, err := r.Query(context.Background(), Filter{})
	require.NoError(t, err, "query falls back to memory")
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)

	s, err := r.Summary(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)
}

func TestRecord_ArchiveBreakerSkipsWritesWhileOpen(t *testing.T) {
	archive := &failingArchive{}
	r, _ := newTestRecorder(Config{})
	r.WithArchive(archive)
	r.archiveDelay = time.Millisecond

	for i := 0; i < 5; i++ {
		r.Record(context.Background(), CategoryTransactionApproved, "approved", "a", nil)
	}
	assert.Equal(t, 15, archive.appends)

	r.Record(context.Background(), CategoryTransactionApproved, "approved", "a", nil)
	assert.Equal(t, 15, archive.appends, "open circuit skips the archive")
	assert.Equal(t, 6, r.Len())
}

func seed(r *Recorder) {
	ctx := context.Background()
	r.Record(ctx, CategoryTransactionApproved, "approved", "alice", nil)
	r.Record(ctx, CategoryDailyLimitExceeded, "limit", "alice", nil)
	r.Record(ctx, CategoryTransactionApproved, "approved", "bob", nil)
	r.Record(ctx, CategorySuspiciousActivity, "suspicious", "bob", nil)
	r.Record(ctx, CategorySystemNotice, "notice", "system", nil)
}

func TestRecord_RedactsTypedDetails(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	ctx := context.Background()

	r.Record(ctx, CategoryUnauthorizedAccess, "rejected request", "mallory", map[string]any{
		"headers": http.Header{"Authorization": {"Bearer super-secret-jwt"}},
		"nested":  map[string]map[string]any{"inner": {"password": "hunter2"}},
	})

	events, err := r.Query(ctx, Filter{ActorID: "mallory"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	raw, err := json.Marshal(events[0].Details)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-jwt")
	assert.NotContains(t, string(raw), "hunter2")
	assert.Equal(t, RedactedMarker, events[0].Details["headers"].(map[string]any)["Authorization"])
}

func TestQuery_ReturnsCopies(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	ctx := context.Background()

	recorded := r.Record(ctx, CategoryTransactionApproved, "approved", "alice", map[string]any{
		"amount": "150000",
		"legs":   []any{map[string]any{"to": "bob"}},
	})
	recorded.Action = "edited by caller"
	recorded.Details["amount"] = "1"

	evs, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	evs[0].Action = "tampered"
	evs[0].Details["amount"] = "999"
	evs[0].Details["legs"].([]any)[0].(map[string]any)["to"] = "mallory"

	s, err := r.Summary(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Total)

	out, err := r.Export(ctx, FormatJSON, Filter{})
	require.NoError(t, err)
	assert.NotContains(t, string(out.Body), "tampered")

	again, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "approved", again[0].Action)
	assert.Equal(t, "150000", again[0].Details["amount"])
	assert.Equal(t, "bob", again[0].Details["legs"].([]any)[0].(map[string]any)["to"])
}

func TestQuery_NewestFirstWithFilters(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	seed(r)
	ctx := context.Background()

	all, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Timestamp.After(all[i].Timestamp))
	}
	assert.Equal(t, CategorySystemNotice, all[0].Category)

	alice, _ := r.Query(ctx, Filter{ActorID: "alice"})
	assert.Len(t, alice, 2)

	approved, _ := r.Query(ctx, Filter{Category: CategoryTransactionApproved})
	assert.Len(t, approved, 2)

	critical, _ := r.Query(ctx, Filter{RiskLevel: RiskCritical})
	require.Len(t, critical, 1)
	assert.Equal(t, "bob", critical[0].ActorID)

	window, _ := r.Query(ctx, Filter{Start: start.Add(2 * time.Second), End: start.Add(4 * time.Second)})
	assert.Len(t, window, 3)

	limited, _ := r.Query(ctx, Filter{Limit: 2})
	assert.Len(t, limited, 2)
	assert.Equal(t, all[0].ID, limited[0].ID)
}

func TestSummary(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	seed(r)

	s, err := r.Summary(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.ReviewRequired)
	assert.Equal(t, 2, s.ByCategory[CategoryTransactionApproved])
	assert.Equal(t, 1, s.ByRiskLevel[RiskCritical])
	assert.Equal(t, 1, s.ByClassification[ClassPublic])
	assert.Equal(t, 1, s.ByClassification[ClassRestricted])
	assert.Equal(t, 3, s.ByClassification[ClassConfidential])
}

func TestPurge_RemovesOnlyExpired(t *testing.T) {
	base := 10 * time.Hour
	r, clock := newTestRecorder(Config{BaseRetention: base})
	ctx := context.Background()

	r.Record(ctx, CategorySystemNotice, "short", "a", nil)        // 10h
	r.Record(ctx, CategorySuspiciousActivity, "medium", "a", nil) // 15h
	r.Record(ctx, CategoryTransactionApproved, "long", "a", nil)  // 20h

	clock.Set(start.Add(12 * time.Hour))
	removed, archived, err := r.Purge(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, archived)

	clock.Set(start.Add(30 * time.Hour))
	removed, _, err = r.Purge(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, r.Len())
}

func TestRingBoundsWorkingSet(t *testing.T) {
	r, _ := newTestRecorder(Config{RingCapacity: 3})
	seed(r)
	assert.Equal(t, 3, r.Len())
	events, _ := r.Query(context.Background(), Filter{})
	assert.Len(t, events, 3)
}

func TestExport_JSON(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	seed(r)

	out, err := r.Export(context.Background(), FormatJSON, Filter{ActorID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.ContentType)
	assert.Equal(t, 2, out.Count)

	var decoded struct {
		Count  int      `json:"count"`
		Events []*Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(out.Body, &decoded))
	assert.Equal(t, 2, decoded.Count)
	assert.Equal(t, CategorySuspiciousActivity, decoded.Events[0].Category)
}

func TestExport_CSV(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	r.Record(context.Background(), CategoryComplianceBlock, `blocked, "AML" needed`, "alice", map[string]any{"code": "aml"})

	out, err := r.Export(context.Background(), FormatCSV, Filter{})
	require.NoError(t, err)
	assert.Contains(t, out.ContentType, "text/csv")

	rows, err := csv.NewReader(bytes.NewReader(out.Body)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, "compliance_block", rows[1][2])
	assert.Equal(t, "HIGH", rows[1][3])
	assert.Equal(t, `blocked, "AML" needed`, rows[1][5])
	assert.Equal(t, "confidential", rows[1][6])
	assert.Equal(t, "true", rows[1][7])
	assert.JSONEq(t, `{"code":"aml"}`, rows[1][10])
}

func TestExport_UnsupportedFormat(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	_, err := r.Export(context.Background(), "xml", Filter{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
