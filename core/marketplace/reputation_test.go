package marketplace

import (
	"testing"
	"time"
)

func TestApplyCompletion(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("successful job updates all counters", func(t *testing.T) {
		rec := NewReputationRecord("agent://worker-1", now)
		ApplyCompletion(rec, true, 24, 4.25, now.Add(time.Hour))
		if rec.TotalJobs != 1 || rec.SuccessfulJobs != 1 {
			t.Errorf("jobs = %d/%d, want 1/1", rec.SuccessfulJobs, rec.TotalJobs)
		}
		if rec.CumulativeResponseHours != 24 {
			t.Errorf("cumulative hours = %v, want 24", rec.CumulativeResponseHours)
		}
		if len(rec.QualityRatings) != 1 || rec.QualityRatings[0] != 63 {
			t.Errorf("quality ratings = %v, want [63]", rec.QualityRatings)
		}
		if rec.Score <= 0 {
			t.Errorf("score = %d, want positive after a successful job", rec.Score)
		}
		if !rec.UpdatedAt.After(now) {
			t.Error("UpdatedAt should advance")
		}
	})

	t.Run("failed job counts toward total only", func(t *testing.T) {
		rec := NewReputationRecord("agent://worker-2", now)
		ApplyCompletion(rec, false, 24, 1.0, now)
		if rec.TotalJobs != 1 || rec.SuccessfulJobs != 0 {
			t.Errorf("jobs = %d/%d, want 0/1", rec.SuccessfulJobs, rec.TotalJobs)
		}
	})

	t.Run("quality history is windowed", func(t *testing.T) {
		rec := NewReputationRecord("agent://worker-3", now)
		for i := 0; i < 15; i++ {
			ApplyCompletion(rec, true, 10, 5, now)
		}
		if len(rec.QualityRatings) != consistencyWindow {
			t.Errorf("ratings window = %d, want %d", len(rec.QualityRatings), consistencyWindow)
		}
	})

	t.Run("negative turnaround clamps to zero", func(t *testing.T) {
		rec := NewReputationRecord("agent://worker-4", now)
		ApplyCompletion(rec, true, -5, 5, now)
		if rec.CumulativeResponseHours != 0 {
			t.Errorf("cumulative hours = %v, want 0", rec.CumulativeResponseHours)
		}
	})
}

func TestCompositeScore(t *testing.T) {
	now := time.Now().UTC()

	t.Run("perfect record hits the ceiling", func(t *testing.T) {
		rec := &ReputationRecord{
			SubjectRef:              "agent://ace",
			TotalJobs:               10,
			SuccessfulJobs:          10,
			CumulativeResponseHours: 240, // avg 24h, inside full-credit window
			QualityRatings:          []int{100, 100, 100, 100, 100},
			StakedSats:              stakeTargetSats,
			CreatedAt:               now,
		}
		if got := CompositeScore(rec); got != MaxScore {
			t.Errorf("score = %d, want %d", got, MaxScore)
		}
	})

	t.Run("empty record floors near zero", func(t *testing.T) {
		rec := NewReputationRecord("agent://rookie", now)
		got := CompositeScore(rec)
		// Only the neutral consistency component contributes: 0.10 * 50 * 100.
		if got != 500 {
			t.Errorf("score = %d, want 500 for an empty record", got)
		}
	})

	t.Run("failures drag the success component", func(t *testing.T) {
		good := &ReputationRecord{TotalJobs: 10, SuccessfulJobs: 10, CumulativeResponseHours: 100, QualityRatings: []int{80}}
		bad := &ReputationRecord{TotalJobs: 10, SuccessfulJobs: 5, CumulativeResponseHours: 100, QualityRatings: []int{80}}
		if CompositeScore(good) <= CompositeScore(bad) {
			t.Error("higher success ratio should score higher")
		}
	})
}

func TestResponseComponent(t *testing.T) {
	cases := []struct {
		name  string
		avg   float64
		wantC float64
	}{
		{"inside full credit window", 24, 100},
		{"at window edge", 72, 100},
		{"halfway through decay", 108, 50},
		{"fully decayed", 144, 0},
		{"beyond decay", 500, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &ReputationRecord{TotalJobs: 2, CumulativeResponseHours: tc.avg * 2}
			if got := responseComponent(rec); got != tc.wantC {
				t.Errorf("responseComponent(avg=%v) = %v, want %v", tc.avg, got, tc.wantC)
			}
		})
	}
}

func TestConsistencyComponent(t *testing.T) {
	t.Run("neutral until two ratings", func(t *testing.T) {
		rec := &ReputationRecord{QualityRatings: []int{90}}
		if got := consistencyComponent(rec); got != neutralConsistency {
			t.Errorf("single-rating consistency = %v, want %v", got, neutralConsistency)
		}
	})

	t.Run("narrow spread scores high", func(t *testing.T) {
		rec := &ReputationRecord{QualityRatings: []int{85, 90, 88}}
		if got := consistencyComponent(rec); got != 95 {
			t.Errorf("consistency = %v, want 95 (spread of 5)", got)
		}
	})

	t.Run("old outliers age out of the window", func(t *testing.T) {
		ratings := []int{1} // outlier that must fall outside the last 10
		for i := 0; i < 10; i++ {
			ratings = append(ratings, 90)
		}
		rec := &ReputationRecord{QualityRatings: ratings}
		if got := consistencyComponent(rec); got != 100 {
			t.Errorf("consistency = %v, want 100 once the outlier ages out", got)
		}
	})
}

func TestQualityRating(t *testing.T) {
	cases := []struct {
		component float64
		want      int
	}{
		{0, 1},      // floor
		{4, 60},     // a 80/100 verification score maps to component 4.0
		{5, 75},     // flat client credit
		{6.67, 100}, // saturates
		{12, 100},
		{-3, 1},
	}
	for _, tc := range cases {
		if got := QualityRating(tc.component); got != tc.want {
			t.Errorf("QualityRating(%v) = %d, want %d", tc.component, got, tc.want)
		}
	}
}

func TestStakingComponent(t *testing.T) {
	if got := stakingComponent(&ReputationRecord{StakedSats: 0}); got != 0 {
		t.Errorf("no stake = %v, want 0", got)
	}
	if got := stakingComponent(&ReputationRecord{StakedSats: stakeTargetSats / 2}); got != 50 {
		t.Errorf("half stake = %v, want 50", got)
	}
	if got := stakingComponent(&ReputationRecord{StakedSats: stakeTargetSats * 3}); got != 100 {
		t.Errorf("over-target stake = %v, want 100", got)
	}
}
