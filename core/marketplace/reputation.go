package marketplace

import (
	"time"
)

// Composite score weighting. Components are each expressed on a 0-100 scale
// before weighting; the weighted sum is scaled to 0-10000.
const (
	weightSuccess     = 0.35
	weightResponse    = 0.20
	weightQuality     = 0.25
	weightConsistency = 0.10
	weightStaking     = 0.10

	// MaxScore is the ceiling of the composite reputation score.
	MaxScore = 10000

	// responseFullCreditHours is the average turnaround at or under which
	// the response component earns full credit. Credit decays linearly to
	// zero at twice this window.
	responseFullCreditHours = 72.0

	// qualityRatingFactor maps a 0-10ish per-job score component onto the
	// 1-100 quality rating scale.
	qualityRatingFactor = 15

	// stakeTargetSats is the stake at which the staking component saturates.
	stakeTargetSats = 100_000

	// consistencyWindow bounds how many recent quality ratings feed the
	// consistency component.
	consistencyWindow = 10

	// neutralConsistency is reported until enough ratings exist to measure
	// spread.
	neutralConsistency = 50.0
)

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// QualityRating converts a per-job score component (roughly 0-10) into a
// 1-100 rating suitable for the quality history.
func QualityRating(scoreComponent float64) int {
	r := int(scoreComponent * qualityRatingFactor)
	if r < 1 {
		r = 1
	}
	if r > 100 {
		r = 100
	}
	return r
}

// successComponent is the fraction of recorded jobs that completed
// successfully, on a 0-100 scale. A subject with no history scores 0.
func successComponent(rec *ReputationRecord) float64 {
	if rec.TotalJobs == 0 {
		return 0
	}
	return clamp100(100 * float64(rec.SuccessfulJobs) / float64(rec.TotalJobs))
}

// responseComponent scores average turnaround: full credit at or under the
// full-credit window, decaying linearly to zero at twice the window.
func responseComponent(rec *ReputationRecord) float64 {
	if rec.TotalJobs == 0 {
		return 0
	}
	avg := rec.CumulativeResponseHours / float64(rec.TotalJobs)
	if avg <= responseFullCreditHours {
		return 100
	}
	if avg >= 2*responseFullCreditHours {
		return 0
	}
	return clamp100(100 * (2 - avg/responseFullCreditHours))
}

// qualityComponent averages the recorded 1-100 quality ratings.
func qualityComponent(rec *ReputationRecord) float64 {
	if len(rec.QualityRatings) == 0 {
		return 0
	}
	var sum int
	for _, r := range rec.QualityRatings {
		sum += r
	}
	return clamp100(float64(sum) / float64(len(rec.QualityRatings)))
}

// consistencyComponent rewards a narrow spread across the last
// consistencyWindow quality ratings. With fewer than two ratings the spread
// is unknowable, so a neutral value is reported.
func consistencyComponent(rec *ReputationRecord) float64 {
	ratings := rec.QualityRatings
	if len(ratings) > consistencyWindow {
		ratings = ratings[len(ratings)-consistencyWindow:]
	}
	if len(ratings) < 2 {
		return neutralConsistency
	}
	min, max := ratings[0], ratings[0]
	for _, r := range ratings[1:] {
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
	}
	return clamp100(100 - float64(max-min))
}

// stakingComponent scales linearly with staked sats up to the saturation
// target.
func stakingComponent(rec *ReputationRecord) float64 {
	if rec.StakedSats <= 0 {
		return 0
	}
	if rec.StakedSats >= stakeTargetSats {
		return 100
	}
	return clamp100(100 * float64(rec.StakedSats) / float64(stakeTargetSats))
}

// CompositeScore recomputes the 0-10000 composite from the record's raw
// history. Each component is clamped to 0-100 before weighting.
func CompositeScore(rec *ReputationRecord) int {
	weighted := weightSuccess*successComponent(rec) +
		weightResponse*responseComponent(rec) +
		weightQuality*qualityComponent(rec) +
		weightConsistency*consistencyComponent(rec) +
		weightStaking*stakingComponent(rec)
	score := int(weighted * 100)
	if score < 0 {
		score = 0
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// ApplyCompletion folds one finished job into the record and recomputes the
// composite score. turnaroundHours is the observed response time for this
// job; success marks whether the job counts toward the success rate.
func ApplyCompletion(rec *ReputationRecord, success bool, turnaroundHours float64, scoreComponent float64, now time.Time) {
	rec.TotalJobs++
	if success {
		rec.SuccessfulJobs++
	}
	if turnaroundHours < 0 {
		turnaroundHours = 0
	}
	rec.CumulativeResponseHours += turnaroundHours
	rec.QualityRatings = append(rec.QualityRatings, QualityRating(scoreComponent))
	if len(rec.QualityRatings) > consistencyWindow {
		rec.QualityRatings = rec.QualityRatings[len(rec.QualityRatings)-consistencyWindow:]
	}
	rec.Score = CompositeScore(rec)
	rec.UpdatedAt = now
}

// NewReputationRecord seeds an empty record for a subject first seen now.
// The score starts at the empty-history composite rather than zero so a
// never-seen subject reads the same before and after persistence.
func NewReputationRecord(subjectRef string, now time.Time) *ReputationRecord {
	rec := &ReputationRecord{
		SubjectRef: subjectRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	rec.Score = CompositeScore(rec)
	return rec
}
