package trust

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var checkedAt = time.Date(2026, time.October, 14, 18, 0, 0, 0, time.FixedZone("KST", 9*3600))

func healthy() Reading {
	return Reading{
		TotalScore:      Ptr(92.0),
		VolumeScore:     Ptr(45.0),
		AcceptanceScore: Ptr(47.0),
		TotalCompleted:  Ptr(310),
		TotalRejected:   Ptr(4),
		AcceptanceRate:  Ptr(97.5),
		Missions: map[string]Mission{
			MissionMorningLunchPeak: {Current: 110, Target: 120},
			MissionEveningPeak:      {Current: 80, Target: 100},
		},
		Riders: []Rider{
			{Name: "kim", Contribution: 40, Complete: 60, Reject: 1},
			{Name: "lee", Contribution: 35, Complete: 52},
		},
		MissionDate: "2026-10-14",
		CollectedAt: checkedAt.Add(-5 * time.Minute),
	}
}

type stubSource struct {
	r     *Reading
	err   error
	calls atomic.Int32
}

func (s *stubSource) Fetch(context.Context, string) (*Reading, error) {
	s.calls.Add(1)
	return s.r, s.err
}

func newScorer(src SecondarySource) *Scorer {
	return NewScorer(DefaultConfig(), src, WithNow(func() time.Time { return checkedAt }))
}

func TestIdenticalReadingsAreValid(t *testing.T) {
	t.Parallel()
	r := healthy()
	s := newScorer(&stubSource{r: &r})

	res := s.Validate(context.Background(), "2026-10-14-18-00", healthy())
	assert.Equal(t, StatusValid, res.Status)
	assert.Equal(t, 1.0, res.Similarity)
	assert.Equal(t, 0.0, res.Risk)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Empty(t, res.Differences)
	assert.Empty(t, res.Warnings)
	assert.True(t, s.IsTrustworthy(res))
}

func TestOutOfRangeTotalIsInvalidRegardlessOfSecondary(t *testing.T) {
	t.Parallel()
	bad := healthy()
	bad.TotalScore = Ptr(300.0)
	src := &stubSource{r: &bad}
	s := newScorer(src)

	res := s.Validate(context.Background(), "k", bad)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, 0.0, res.Confidence)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "total_score out of range")
	assert.Zero(t, src.calls.Load(), "structural failure short-circuits the secondary fetch")
	assert.False(t, s.IsTrustworthy(res))
}

func TestValidateStructure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		mutate     func(*Reading)
		structural bool
		warnings   int
	}{
		{name: "healthy", mutate: func(*Reading) {}},
		{name: "missing rate", mutate: func(r *Reading) { r.AcceptanceRate = nil }, structural: true},
		{name: "rate over 100", mutate: func(r *Reading) { r.AcceptanceRate = Ptr(101.0) }, structural: true},
		{name: "mission target too big", mutate: func(r *Reading) {
			r.Missions[MissionEveningPeak] = Mission{Current: 10, Target: 250}
		}, structural: true},
		{name: "unnamed rider", mutate: func(r *Reading) { r.Riders[0].Name = " " }, structural: true},
		{name: "rider counters only warn", mutate: func(r *Reading) {
			r.Riders[0].Reject = 51
			r.Riders[1].Cancel = 31
		}, warnings: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := healthy()
			tc.mutate(&r)
			warnings, err := ValidateStructure(r)
			if tc.structural {
				assert.ErrorIs(t, err, ErrStructural)
				var se *StructuralError
				assert.ErrorAs(t, err, &se)
			} else {
				assert.NoError(t, err)
			}
			assert.Len(t, warnings, tc.warnings)
		})
	}
}

func TestCompareIgnoresMissionNoise(t *testing.T) {
	t.Parallel()
	a, b := healthy(), healthy()
	b.Missions = map[string]Mission{
		MissionMorningLunchPeak: {Current: 112, Target: 120},
		MissionEveningPeak:      {Current: 90, Target: 100},
	}
	b.TotalScore = Ptr(87.0)

	sim, diffs := Compare(a, b, 100, 2)
	// 5 from total_score + 10 from evening_peak; morning is within noise
	assert.InDelta(t, 0.85, sim, 1e-9)
	require.Len(t, diffs, 2)
	assert.Equal(t, "total_score", diffs[0].Field)
	assert.Equal(t, MissionEveningPeak+".current", diffs[1].Field)

	b.TotalCompleted = Ptr(1000)
	sim, _ = Compare(a, b, 100, 2)
	assert.Equal(t, 0.0, sim, "similarity floors at zero")
}

func TestDetectAnomalies(t *testing.T) {
	t.Parallel()
	r := healthy()
	r.TotalScore = Ptr(40.0)
	r.AcceptanceRate = Ptr(45.0)
	r.Riders = nil
	risk, anomalies := DetectAnomalies(r)
	assert.InDelta(t, 0.9, risk, 1e-9)
	assert.Len(t, anomalies, 3)

	r.Riders = make([]Rider, 101)
	r.Missions[MissionAfternoonOffPeak] = Mission{Current: 0, Target: 100}
	risk, _ = DetectAnomalies(r)
	assert.InDelta(t, 0.9, risk, 1e-9, "0.3 + 0.4 + 0.1 riders + 0.1 mission")
	risk, _ = DetectAnomalies(Reading{TotalScore: Ptr(10.0), AcceptanceRate: Ptr(10.0), Missions: map[string]Mission{
		MissionMorningLunchPeak: {Target: 100}, MissionEveningPeak: {Target: 100}, MissionAfternoonOffPeak: {Target: 100},
	}})
	assert.Equal(t, 1.0, risk, "risk is capped")

	r = healthy()
	r.Missions[MissionAfternoonOffPeak] = Mission{Current: 10, Target: 100}
	risk, _ = DetectAnomalies(r)
	assert.InDelta(t, 0.1, risk, 1e-9)
}

func TestSecondaryProblemsYieldError(t *testing.T) {
	t.Parallel()
	for name, src := range map[string]SecondarySource{
		"absent":   &stubSource{},
		"failing":  &stubSource{err: errors.New("timeout")},
		"disabled": nil,
	} {
		t.Run(name, func(t *testing.T) {
			res := newScorer(src).Validate(context.Background(), "k", healthy())
			assert.Equal(t, StatusError, res.Status)
			assert.NotEmpty(t, res.Errors)
		})
	}
}

func TestSuspiciousBand(t *testing.T) {
	t.Parallel()
	sec := healthy()
	sec.TotalCompleted = Ptr(350) // 40 apart -> similarity 0.6
	s := newScorer(&stubSource{r: &sec})

	res := s.Validate(context.Background(), "k", healthy())
	assert.Equal(t, StatusSuspicious, res.Status)
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	assert.False(t, s.IsTrustworthy(res))
}

func TestFreshnessWarnings(t *testing.T) {
	t.Parallel()
	r := healthy()
	r.CollectedAt = checkedAt.Add(-45 * time.Minute)
	r.MissionDate = "2026-10-13"
	assert.Len(t, Freshness(r, checkedAt, 30*time.Minute), 2)
}

func TestStatsAndHistory(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.HistorySize = 3
	r := healthy()
	s := NewScorer(cfg, &stubSource{r: &r}, WithNow(func() time.Time { return checkedAt }))

	bad := healthy()
	bad.TotalScore = nil
	for _, id := range []string{"a", "b", "c", "d"} {
		s.Validate(context.Background(), id, healthy())
	}
	s.Validate(context.Background(), "e", bad)

	st := s.Stats()
	assert.Equal(t, 5, st.Total)
	assert.Equal(t, 4, st.ByStatus[StatusValid])
	assert.Equal(t, 1, st.ByStatus[StatusInvalid])
	assert.InDelta(t, 0.8, st.AverageConfidence, 1e-9)

	h := s.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{h[0].DataID, h[1].DataID, h[2].DataID})
	h = s.History(1)
	require.Len(t, h, 1)
	assert.Equal(t, "e", h[0].DataID)
}

func TestFingerprintIgnoresCollectionTime(t *testing.T) {
	t.Parallel()
	a, b := healthy(), healthy()
	b.CollectedAt = b.CollectedAt.Add(time.Minute)
	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	b.TotalScore = Ptr(93.0)
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
}

func TestCachedSourceCollapsesFetches(t *testing.T) {
	t.Parallel()
	r := healthy()
	inner := &stubSource{r: &r}
	c := NewCachedSource(inner, time.Minute)
	c.now = func() time.Time { return checkedAt }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Fetch(context.Background(), "tag")
			assert.NoError(t, err)
			assert.NotNil(t, got)
		}()
	}
	wg.Wait()
	_, _ = c.Fetch(context.Background(), "tag")
	assert.LessOrEqual(t, inner.calls.Load(), int32(8))
	before := inner.calls.Load()
	_, _ = c.Fetch(context.Background(), "tag")
	assert.Equal(t, before, inner.calls.Load(), "served from cache")

	c.Invalidate()
	_, _ = c.Fetch(context.Background(), "tag")
	assert.Equal(t, before+1, inner.calls.Load())
}

func TestCachedSourceDoesNotCacheAbsence(t *testing.T) {
	t.Parallel()
	inner := &stubSource{}
	c := NewCachedSource(inner, time.Minute)
	for i := 0; i < 2; i++ {
		got, err := c.Fetch(context.Background(), "tag")
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.Equal(t, int32(2), inner.calls.Load())
}
