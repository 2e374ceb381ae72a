package marketplace

// BadgeType names an achievement a subject can hold at most once.
type BadgeType string

const (
	BadgeFirstJob    BadgeType = "first_job"
	BadgeTenJobs     BadgeType = "ten_jobs"
	BadgeFiftyJobs   BadgeType = "fifty_jobs"
	BadgeTopRated    BadgeType = "top_rated"
	BadgeReliable    BadgeType = "reliable"
	BadgeStakeholder BadgeType = "stakeholder"
)

const (
	topRatedScore     = 9000
	reliableMinJobs   = 10
	reliableMinRatio  = 0.95
	stakeholderTarget = stakeTargetSats
)

// EligibleBadges lists every badge the record currently qualifies for.
// Issuance elsewhere is responsible for skipping badges already held.
func EligibleBadges(rec *ReputationRecord) []BadgeType {
	var out []BadgeType
	if rec.TotalJobs >= 1 {
		out = append(out, BadgeFirstJob)
	}
	if rec.TotalJobs >= 10 {
		out = append(out, BadgeTenJobs)
	}
	if rec.TotalJobs >= 50 {
		out = append(out, BadgeFiftyJobs)
	}
	if rec.Score >= topRatedScore {
		out = append(out, BadgeTopRated)
	}
	if rec.TotalJobs >= reliableMinJobs &&
		float64(rec.SuccessfulJobs)/float64(rec.TotalJobs) >= reliableMinRatio {
		out = append(out, BadgeReliable)
	}
	if rec.StakedSats >= stakeholderTarget {
		out = append(out, BadgeStakeholder)
	}
	return out
}
