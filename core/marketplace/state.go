package marketplace

// JobStatus is the client-side lifecycle state of a job.
type JobStatus string

const (
	JobOpen JobStatus = "open"
	// JobAssigned: an offer was accepted; escrow creation/funding may still be
	// in flight or awaiting manual retry.
	JobAssigned JobStatus = "assigned"
	// JobDeliveredPendingVerification is a transit state: the registry holds it
	// only for the instant between receiving an attestation and applying its
	// verdict.
	JobDeliveredPendingVerification JobStatus = "delivered_pending_verification"
	JobVerified                     JobStatus = "verified"
	JobCompleted                    JobStatus = "completed"
	JobDisputed                     JobStatus = "disputed"
)

// jobTransitions is the legal edge set of the client-side state machine.
// Anything not listed is rejected by the store's guarded transition, which is
// how out-of-order and duplicate bus messages become no-ops.
var jobTransitions = map[JobStatus][]JobStatus{
	JobOpen:                         {JobAssigned},
	JobAssigned:                     {JobDeliveredPendingVerification},
	JobDeliveredPendingVerification: {JobVerified, JobDisputed},
	JobVerified:                     {JobCompleted},
	JobCompleted:                    {},
	JobDisputed:                     {},
}

// CanTransitionTo reports whether moving from s to next is a legal step.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// WorkState is the worker-side lifecycle state of an accepted job, tracked by
// the Work Matcher independently of the registry's JobStatus.
type WorkState string

const (
	WorkInProgress      WorkState = "in_progress"
	WorkAwaitingFunding WorkState = "awaiting_funding"
	WorkDelivering      WorkState = "delivering"
	WorkDelivered       WorkState = "delivered"
	// WorkStalled marks a job whose escrow never funded within the watcher's
	// retry budget; it takes external intervention to move again.
	WorkStalled WorkState = "stalled"
)
