package marketplace

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// VerificationInput carries everything the check pipeline sees about one
// delivery. Salt distinguishes verifier personas when the coordinator runs in
// consensus mode.
type VerificationInput struct {
	EscrowID    string
	JobID       string
	DeliveryRef string
	JobType     string
	Deadline    *time.Time
	DeliveredAt time.Time
	Salt        string
}

// CheckRunner produces the result of one named verification check.
type CheckRunner interface {
	Run(check string, in VerificationInput) CheckResult
}

// ChecksFor selects the fixed check pipeline for a job type.
func ChecksFor(jobType string) []string {
	switch jobType {
	case "code":
		return []string{"compiles", "tests_pass", "lint", "completeness", "deadline"}
	case "design":
		return []string{"originality", "visual_quality", "completeness", "deadline"}
	default:
		return []string{"content", "plagiarism", "quality", "completeness", "deadline"}
	}
}

// RunChecks executes the pipeline for the input's job type and folds the
// results into an attestation. The aggregate score is the unweighted mean of
// checks that report a numeric score; the attestation passes only when every
// check passed and the aggregate clears PassThreshold.
func RunChecks(runner CheckRunner, in VerificationInput, verifierRef string, now time.Time) VerificationAttestation {
	checks := make(map[string]CheckResult)
	var sum float64
	var scored int
	allPassed := true
	for _, name := range ChecksFor(in.JobType) {
		res := runner.Run(name, in)
		checks[name] = res
		if !res.Passed {
			allPassed = false
		}
		if res.Scored {
			sum += res.Score
			scored++
		}
	}
	var score float64
	if scored > 0 {
		score = sum / float64(scored)
	}
	return VerificationAttestation{
		EscrowID:    in.EscrowID,
		JobID:       in.JobID,
		DeliveryRef: in.DeliveryRef,
		Passed:      allPassed && score >= PassThreshold,
		Score:       score,
		Checks:      checks,
		VerifierRef: verifierRef,
		VerifiedAt:  now,
	}
}

// HashCheckRunner derives deterministic stand-in scores from the delivery
// reference. The real content/plagiarism analyzers live outside this service;
// scores here only need to be stable for a given delivery. The deadline check
// is computed for real and reports pass/fail only.
type HashCheckRunner struct{}

func (HashCheckRunner) Run(check string, in VerificationInput) CheckResult {
	if check == "deadline" {
		if in.Deadline != nil && in.DeliveredAt.After(*in.Deadline) {
			return CheckResult{Passed: false, Detail: "delivered after deadline"}
		}
		return CheckResult{Passed: true}
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", in.DeliveryRef, check, in.Salt)))
	score := 60 + float64(int(h[0])%41) // 60..100
	return CheckResult{Passed: true, Score: score, Scored: true}
}

// FixedCheckRunner scores every scored check with one value; used by tests
// and by deployments that pin verification outcomes.
type FixedCheckRunner struct {
	CheckScore float64
	Fail       map[string]bool // named checks forced to fail
}

func (f FixedCheckRunner) Run(check string, in VerificationInput) CheckResult {
	if f.Fail[check] {
		return CheckResult{Passed: false, Detail: "forced failure"}
	}
	if check == "deadline" {
		if in.Deadline != nil && in.DeliveredAt.After(*in.Deadline) {
			return CheckResult{Passed: false, Detail: "delivered after deadline"}
		}
		return CheckResult{Passed: true}
	}
	return CheckResult{Passed: true, Score: f.CheckScore, Scored: true}
}
