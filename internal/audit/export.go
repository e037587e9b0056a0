package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat is returned for formats other than json and csv.
var ErrUnsupportedFormat = errors.New("audit: unsupported export format")

// Export is a serialized set of events.
type Export struct {
	Format      string
	ContentType string
	Count       int
	Body        []byte
}

// CSVHeader lists the flat export columns.
var CSVHeader = []string{
	"id", "timestamp", "category", "risk_level", "actor_id", "action",
	"classification", "review_required", "retain_until", "correlation_id", "details",
}

type jsonExport struct {
	ExportedAt time.Time `json:"exportedAt"`
	Count      int       `json:"count"`
	Events     []*Event  `json:"events"`
}

// Export serializes events matching f, newest first.
func (r *Recorder) Export(ctx context.Context, format string, f Filter) (*Export, error) {
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return nil, ErrUnsupportedFormat
	}
	if f.Limit == 0 {
		f.Limit = MaxQueryLimit
	}
	events, err := r.Query(ctx, f)
	if err != nil {
		return nil, err
	}

	if format == FormatCSV {
		body, err := encodeCSV(events)
		if err != nil {
			return nil, err
		}
		return &Export{Format: FormatCSV, ContentType: "text/csv; charset=utf-8", Count: len(events), Body: body}, nil
	}

	body, err := json.Marshal(jsonExport{ExportedAt: r.now().UTC(), Count: len(events), Events: events})
	if err != nil {
		return nil, err
	}
	return &Export{Format: FormatJSON, ContentType: "application/json", Count: len(events), Body: body}, nil
}

func encodeCSV(events []*Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, err
	}
	for _, e := range events {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return nil, err
		}
		if err := w.Write([]string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Category),
			string(e.RiskLevel),
			e.ActorID,
			e.Action,
			string(e.Classification),
			strconv.FormatBool(e.ReviewRequired),
			e.RetainUntil.UTC().Format(time.RFC3339Nano),
			e.CorrelationID,
			string(details),
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
