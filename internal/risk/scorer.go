package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/mbd888/txguard/internal/amount"
)

type amountBand struct {
	above  *big.Int
	points int
}

// Bands are checked highest first; only the first match applies.
var defaultBands = []amountBand{
	{above: amount.Whole(500_000), points: 40},
	{above: amount.Whole(100_000), points: 20},
	{above: amount.Whole(50_000), points: 10},
}

const (
	offHoursPoints       = 15
	heavyActivityPoints  = 25
	activeActivityPoints = 15
	suspicionPoints      = 10
	unfamiliarRefPoints  = 20

	heavyActivityCount  = 10
	activeActivityCount = 5
	activityWindow      = 24 * time.Hour

	offHoursStart = 6  // hour < 6
	offHoursEnd   = 20 // hour > 20
)

var (
	refPrefixes = []string{"prop_", "proposal_", "PROP-"}
	refPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{8,}$`)
)

// WellFormedReference reports whether a proposal reference looks like one
// this system issues: a recognized prefix, or at least 8 identifier characters.
func WellFormedReference(ref string) bool {
	for _, p := range refPrefixes {
		if strings.HasPrefix(ref, p) && len(ref) > len(p) {
			return true
		}
	}
	return refPattern.MatchString(ref)
}

// Scorer computes risk scores.
type Scorer struct {
	history History
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

// NewScorer creates a scorer reading actor activity from history.
func NewScorer(history History, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{
		history: history,
		loc:     time.UTC,
		now:     time.Now,
		logger:  logger,
	}
}

// WithLocation sets the timezone used to derive the hour of day.
func (s *Scorer) WithLocation(loc *time.Location) *Scorer {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// WithClock overrides the time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score evaluates in and returns its assessment. The score is always in [0, MaxScore].
func (s *Scorer) Score(ctx context.Context, in Input) (*Assessment, error) {
	at := in.At
	if at.IsZero() {
		at = s.now()
	}

	recent, err := s.history.RecentCount(ctx, in.ActorID, activityWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent activity: %w", err)
	}
	flags, err := s.history.SuspicionCount(ctx, in.ActorID)
	if err != nil {
		return nil, fmt.Errorf("failed to read suspicion count: %w", err)
	}

	factors := map[string]int{
		FactorAmount:              amountPoints(in.Amount),
		FactorOffHours:            offHoursPoints * boolToInt(OffHours(at.In(s.loc).Hour())),
		FactorRecentActivity:      activityPoints(recent),
		FactorSuspicionHistory:    suspicionPoints * max(flags, 0),
		FactorUnfamiliarReference: 0,
	}
	if in.ProposalRef != "" && !WellFormedReference(in.ProposalRef) {
		factors[FactorUnfamiliarReference] = unfamiliarRefPoints
	}

	total := 0
	for _, v := range factors {
		total += v
	}
	if total > MaxScore {
		total = MaxScore
	}

	s.logger.Debug("risk scored", "actor", in.ActorID, "score", total, "factors", factors)

	return &Assessment{
		ActorID:     in.ActorID,
		Score:       total,
		Factors:     factors,
		EvaluatedAt: at,
	}, nil
}

// OffHours reports whether hour falls outside 06:00-20:59.
func OffHours(hour int) bool {
	return hour < offHoursStart || hour > offHoursEnd
}

func amountPoints(v *big.Int) int {
	if v == nil {
		return 0
	}
	for _, b := range defaultBands {
		if v.Cmp(b.above) > 0 {
			return b.points
		}
	}
	return 0
}

func activityPoints(recent int) int {
	switch {
	case recent > heavyActivityCount:
		return heavyActivityPoints
	case recent > activeActivityCount:
		return activeActivityPoints
	default:
		return 0
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
