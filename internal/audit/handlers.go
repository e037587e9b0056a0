package audit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/validation"
)

// Handler provides HTTP endpoints over the audit trail.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a new audit handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes sets up the audit routes. All of them require an admin actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/events", h.QueryEvents)
	r.GET("/audit/export", h.ExportEvents)
	r.GET("/audit/summary", h.GetSummary)
}

func parseFilter(c *gin.Context) (Filter, error) {
	q := c.Query
	if errs := validation.Validate(
		validation.ValidIdentifier("actor", q("actor")),
		validation.OneOf("riskLevel", q("riskLevel"),
			string(RiskLow), string(RiskMedium), string(RiskHigh), string(RiskCritical)),
		validation.ValidTimestamp("start", q("start")),
		validation.ValidTimestamp("end", q("end")),
		validation.MaxLength("category", q("category"), 48),
	); len(errs) > 0 {
		return Filter{}, errs
	}

	f := Filter{
		ActorID:   q("actor"),
		Category:  Category(q("category")),
		RiskLevel: RiskLevel(q("riskLevel")),
	}
	if s := q("start"); s != "" {
		f.Start, _ = time.Parse(time.RFC3339, s)
	}
	if s := q("end"); s != "" {
		f.End, _ = time.Parse(time.RFC3339, s)
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return Filter{}, validation.ValidationErrors{{Field: "end", Message: "must not precede start"}}
	}
	if l := q("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			return Filter{}, validation.ValidationErrors{{Field: "limit", Message: "must be a positive integer"}}
		}
		f.Limit = n
	}
	return f, nil
}

func badFilter(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": err.Error(),
		"details": err,
	})
}

// QueryEvents handles GET /v1/audit/events
func (h *Handler) QueryEvents(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		badFilter(c, err)
		return
	}

	events, err := h.recorder.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to query audit events",
		})
		return
	}
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ExportEvents handles GET /v1/audit/export?format=json|csv
func (h *Handler) ExportEvents(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		badFilter(c, err)
		return
	}
	format := c.DefaultQuery("format", FormatJSON)

	ctx := c.Request.Context()
	export, err := h.recorder.Export(ctx, format, f)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unsupported_format",
				"message": "format must be json or csv",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to export audit events",
		})
		return
	}

	// Exports of the trail are themselves part of the trail.
	h.recorder.Record(ctx, CategoryAuditExport, "audit data exported", logging.Actor(ctx), map[string]any{
		"format": export.Format,
		"count":  export.Count,
		"filter": map[string]any{
			"actor":     f.ActorID,
			"category":  string(f.Category),
			"riskLevel": string(f.RiskLevel),
		},
	})

	filename := fmt.Sprintf("audit-%s.%s", time.Now().UTC().Format("20060102T150405Z"), export.Format)
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, export.ContentType, export.Body)
}

// GetSummary handles GET /v1/audit/summary
func (h *Handler) GetSummary(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		badFilter(c, err)
		return
	}

	summary, err := h.recorder.Summary(c.Request.Context(), f.Start, f.End)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to summarize audit events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}
