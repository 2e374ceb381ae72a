package marketplace

import "time"

// Job is the client-side record of a posted unit of work. The Job Registry
// owns the authoritative copy; Work Matchers only ever hold a read-only cache
// keyed by JobID.
type Job struct {
	JobID          string     `json:"job_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	BudgetSats     int64      `json:"budget_sats"`
	RequiredSkills []string   `json:"required_skills,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Status         JobStatus  `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	AcceptedPrice  int64      `json:"accepted_price_sats,omitempty"`
	EscrowID       string     `json:"escrow_id,omitempty"`
	// EscrowCreated flips only once createEscrow AND fundEscrow both landed.
	// A created-but-unfunded escrow keeps EscrowID set with this false so the
	// funding call can be retried without re-creating the contract.
	EscrowCreated      bool      `json:"escrow_created"`
	DeliveryRef        string    `json:"delivery_ref,omitempty"`
	VerificationScore  float64   `json:"verification_score,omitempty"`
	VerificationPassed bool      `json:"verification_passed,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// JobSpec carries the fields a client supplies when posting a job. The nonce
// feeds the content-derived JobID so an identical retry dedups instead of
// double-posting.
type JobSpec struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	BudgetSats     int64      `json:"budget_sats"`
	RequiredSkills []string   `json:"required_skills,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	JobType        string     `json:"job_type,omitempty"` // content | code | design
	Nonce          string     `json:"nonce,omitempty"`
}

// Offer is a worker's proposal to fulfill a job. Immutable once created; the
// registry only ever appends it to the per-job offer list.
type Offer struct {
	OfferID              string    `json:"offer_id"`
	JobID                string    `json:"job_id"`
	WorkerRef            string    `json:"worker_ref"`
	PriceSats            int64     `json:"price_sats"`
	ETA                  time.Time `json:"eta"`
	SLATerms             string    `json:"sla_terms,omitempty"`
	ReputationScoreAtBid int       `json:"reputation_score_at_bid"`
	CreatedAt            time.Time `json:"created_at"`
}

// Delivery records the worker's submitted completed-work reference. Created
// exactly once, after escrow funding is confirmed on the ledger.
type Delivery struct {
	EscrowID    string    `json:"escrow_id"`
	JobID       string    `json:"job_id"`
	DeliveryRef string    `json:"delivery_ref"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// CheckResult is the outcome of one named verification check. Scored reports
// whether the check contributes a numeric score to the aggregate; pass/fail
// only checks (e.g. deadline) leave it false.
type CheckResult struct {
	Passed bool    `json:"passed"`
	Score  float64 `json:"score,omitempty"`
	Scored bool    `json:"scored,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// VerificationAttestation is a verifier's pass/fail/score judgment on one
// delivery. Immutable once published; the coordinator keeps one per escrow.
type VerificationAttestation struct {
	EscrowID    string                 `json:"escrow_id"`
	JobID       string                 `json:"job_id"`
	DeliveryRef string                 `json:"delivery_ref"`
	Passed      bool                   `json:"passed"`
	Score       float64                `json:"score"` // 0-100
	Checks      map[string]CheckResult `json:"checks"`
	VerifierRef string                 `json:"verifier_ref"`
	VerifiedAt  time.Time              `json:"verified_at"`
}

// ReputationScores carries the per-party score components of one completed
// job, as published by the registry on approval.
type ReputationScores struct {
	Worker       float64 `json:"worker"`
	Client       float64 `json:"client"`
	Verification float64 `json:"verification"`
}

// ReputationRecord holds a subject's running performance statistics and the
// derived composite score (0-10000). Mutated once per completed job, keyed by
// (escrowID, subjectRef) for dedup under redelivery.
type ReputationRecord struct {
	SubjectRef              string    `json:"subject_ref"`
	TotalJobs               int       `json:"total_jobs"`
	SuccessfulJobs          int       `json:"successful_jobs"`
	CumulativeResponseHours float64   `json:"cumulative_response_hours"`
	QualityRatings          []int     `json:"quality_ratings,omitempty"`
	StakedSats              int64     `json:"staked_sats"`
	Score                   int       `json:"score"` // 0-10000 composite
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Badge marks a one-time achievement. At most one per (subject, type); the
// issuer's existence check enforces that, not the caller.
type Badge struct {
	BadgeID    string            `json:"badge_id"`
	SubjectRef string            `json:"subject_ref"`
	Type       BadgeType         `json:"badge_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	IssuedAt   time.Time         `json:"issued_at"`
}

// JobFilter captures list filters for registry jobs.
type JobFilter struct {
	Status JobStatus
	Skills []string
	Limit  int
	Offset int
}
