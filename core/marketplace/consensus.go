package marketplace

// PassThreshold is the minimum aggregate score for a delivery to pass
// verification. Fixed policy, not configurable per job.
const PassThreshold = 70.0

// DefaultVerifierWeight is applied when a verifier result carries no explicit
// weight (Weight <= 0).
const DefaultVerifierWeight = 1.0

// VerifierResult is one verifier's judgment of a delivery, as fed into the
// consensus fold.
type VerifierResult struct {
	VerifierRef string  `json:"verifier_ref"`
	Passed      bool    `json:"passed"`
	Score       float64 `json:"score"`
	Weight      float64 `json:"weight"`
}

// ConsensusResult aggregates weighted verifier votes for one escrow.
type ConsensusResult struct {
	Passed         bool    `json:"passed"`
	Score          float64 `json:"score"`
	TotalWeight    float64 `json:"total_weight"`
	PassVotes      float64 `json:"pass_votes"`
	FailVotes      float64 `json:"fail_votes"`
	AgreementRatio float64 `json:"agreement_ratio"`
	Verifiers      int     `json:"verifiers"`
}

// ComputeConsensus folds weighted verifier results into a single decision.
// The consensus score averages only the passing voters' scores (0 when none
// passed). A dead 50/50 weight split is not a pass: strict majority required,
// ties default to fail.
func ComputeConsensus(results []VerifierResult) ConsensusResult {
	var out ConsensusResult
	var weightedScore float64
	for _, r := range results {
		w := r.Weight
		if w <= 0 {
			w = DefaultVerifierWeight
		}
		out.TotalWeight += w
		if r.Passed {
			out.PassVotes += w
			weightedScore += w * r.Score
		}
	}
	out.Verifiers = len(results)
	out.FailVotes = out.TotalWeight - out.PassVotes
	if out.PassVotes > 0 {
		out.Score = weightedScore / out.PassVotes
	}
	if out.TotalWeight > 0 {
		out.AgreementRatio = out.PassVotes / out.TotalWeight
	}
	out.Passed = out.PassVotes > out.FailVotes && out.Score >= PassThreshold
	return out
}
