package risk

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/amount"
)

type fakeHistory struct {
	recent    int
	suspicion int
	err       error
}

func (f *fakeHistory) RecentCount(context.Context, string, time.Duration) (int, error) {
	return f.recent, f.err
}

func (f *fakeHistory) SuspicionCount(context.Context, string) (int, error) {
	return f.suspicion, f.err
}

var businessHours = time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

func score(t *testing.T, h *fakeHistory, in Input) *Assessment {
	t.Helper()
	if in.At.IsZero() {
		in.At = businessHours
	}
	if in.ActorID == "" {
		in.ActorID = "admin-1"
	}
	a, err := NewScorer(h, nil).Score(context.Background(), in)
	require.NoError(t, err)
	return a
}

func TestScore_AmountBands(t *testing.T) {
	tests := []struct {
		amount string
		want   int
	}{
		{"1", 0},
		{"50000", 0},
		{"50000.000001", 10},
		{"100000", 10},
		{"100001", 20},
		{"500000", 20},
		{"500000.01", 40},
		{"9000000", 40},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			a := score(t, &fakeHistory{}, Input{Amount: amount.MustParse(tt.amount)})
			assert.Equal(t, tt.want, a.Score)
			assert.Equal(t, tt.want, a.Factors[FactorAmount])
		})
	}
}

func TestScore_OffHours(t *testing.T) {
	tests := []struct {
		hour int
		want int
	}{
		{0, 15}, {5, 15}, {6, 0}, {12, 0}, {20, 0}, {21, 15}, {23, 15},
	}
	for _, tt := range tests {
		at := time.Date(2026, 3, 10, tt.hour, 30, 0, 0, time.UTC)
		a := score(t, &fakeHistory{}, Input{Amount: amount.Whole(10), At: at})
		assert.Equal(t, tt.want, a.Factors[FactorOffHours], "hour %d", tt.hour)
	}
}

func TestScore_OffHoursUsesLocation(t *testing.T) {
	// 14:00 UTC is 23:00 in UTC+9.
	s := NewScorer(&fakeHistory{}, nil).WithLocation(time.FixedZone("JST", 9*3600))
	a, err := s.Score(context.Background(), Input{ActorID: "a", Amount: amount.Whole(1), At: businessHours})
	require.NoError(t, err)
	assert.Equal(t, offHoursPoints, a.Score)
}

func TestScore_RecentActivity(t *testing.T) {
	tests := []struct {
		recent int
		want   int
	}{
		{0, 0}, {5, 0}, {6, 15}, {10, 15}, {11, 25}, {40, 25},
	}
	for _, tt := range tests {
		a := score(t, &fakeHistory{recent: tt.recent}, Input{Amount: amount.Whole(10)})
		assert.Equal(t, tt.want, a.Score, "recent %d", tt.recent)
	}
}

func TestScore_SuspicionHistory(t *testing.T) {
	a := score(t, &fakeHistory{suspicion: 3}, Input{Amount: amount.Whole(10)})
	assert.Equal(t, 30, a.Score)
}

func TestScore_UnfamiliarReference(t *testing.T) {
	tests := []struct {
		ref  string
		want int
	}{
		{"", 0},
		{"prop_1", 0},
		{"proposal_x", 0},
		{"PROP-7", 0},
		{"a1b2c3d4", 0},
		{"abc", 20},
		{"prop_", 20},
		{"has spaces in it", 20},
		{"'; DROP TABLE", 20},
	}
	for _, tt := range tests {
		a := score(t, &fakeHistory{}, Input{Amount: amount.Whole(10), ProposalRef: tt.ref})
		assert.Equal(t, tt.want, a.Score, "ref %q", tt.ref)
	}
}

func TestScore_CappedAt100(t *testing.T) {
	at := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	a := score(t, &fakeHistory{recent: 20, suspicion: 5}, Input{
		Amount:      amount.Whole(600_000),
		ProposalRef: "?",
		At:          at,
	})
	assert.Equal(t, MaxScore, a.Score)
	assert.Equal(t, 40, a.Factors[FactorAmount])
	assert.Equal(t, 50, a.Factors[FactorSuspicionHistory])
}

func TestScore_AlwaysInRange(t *testing.T) {
	amounts := []*big.Int{amount.MustParse("0.000001"), amount.Whole(75_000), amount.Whole(10_000_000)}
	for _, amt := range amounts {
		for hour := 0; hour < 24; hour++ {
			for _, h := range []*fakeHistory{{}, {recent: 7}, {recent: 50, suspicion: 100}} {
				at := time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC)
				a := score(t, h, Input{Amount: amt, At: at, ProposalRef: "x"})
				assert.GreaterOrEqual(t, a.Score, 0)
				assert.LessOrEqual(t, a.Score, MaxScore)
			}
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	h := &fakeHistory{recent: 7, suspicion: 1}
	in := Input{ActorID: "a", Amount: amount.Whole(120_000), ProposalRef: "zz"}
	first := score(t, h, in)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first.Score, score(t, h, in).Score)
	}
}

func TestScore_HistoryErrorPropagates(t *testing.T) {
	boom := errors.New("store down")
	_, err := NewScorer(&fakeHistory{err: boom}, nil).Score(context.Background(), Input{Amount: amount.Whole(1)})
	assert.ErrorIs(t, err, boom)
}

func TestMemoryStore_ListByActor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(ctx, &Assessment{ActorID: "a", Score: i, Factors: map[string]int{FactorAmount: i}}))
	}
	require.NoError(t, s.Record(ctx, &Assessment{ActorID: "b", Score: 99}))

	got, err := s.ListByActor(ctx, "a", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 4, got[0].Score, "most recent first")
	assert.Equal(t, 2, got[2].Score)

	got[0].Factors[FactorAmount] = 1000
	again, _ := s.ListByActor(ctx, "a", 1)
	assert.Equal(t, 4, again[0].Factors[FactorAmount])

	none, err := s.ListByActor(ctx, "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_CapsPerActor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < DefaultPerActorHistory+10; i++ {
		require.NoError(t, s.Record(ctx, &Assessment{ActorID: "a", Score: i % 100}))
	}
	got, err := s.ListByActor(ctx, "a", 0)
	require.NoError(t, err)
	assert.Len(t, got, DefaultPerActorHistory)
}
