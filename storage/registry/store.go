// Package registry persists the Job Registry's jobs and offers. The store's
// guarded transition is the single write path for job status, which is what
// turns duplicate and out-of-order bus messages into no-ops instead of
// corruption.
package registry

import (
	"context"

	"jobmesh-backend/core/marketplace"
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrJobNotFound   = Err("job not found")
	ErrJobExists     = Err("job already exists")
	ErrOfferNotFound = Err("offer not found")
	ErrJobNotOpen    = Err("job is not accepting offers")
	ErrBadTransition = Err("job is not in the required state")
)

// Store abstracts job and offer persistence for one registry process.
type Store interface {
	// CreateJob inserts a new job. A job with the same id already present
	// returns ErrJobExists; content-derived ids make a client retry land here
	// instead of double-posting.
	CreateJob(ctx context.Context, job marketplace.Job) error
	GetJob(ctx context.Context, jobID string) (marketplace.Job, error)
	ListJobs(ctx context.Context, filter marketplace.JobFilter) ([]marketplace.Job, error)

	// TransitionJob atomically moves a job from one status to another,
	// applying mutate to the row inside the same guard. ErrBadTransition is
	// returned when the job is not currently in from, or the edge is not in
	// the legal state machine; callers treat that as "message inapplicable,
	// drop and log".
	TransitionJob(ctx context.Context, jobID string, from, to marketplace.JobStatus, mutate func(*marketplace.Job)) (marketplace.Job, error)

	// UpdateJob applies mutate to a job without a status transition, for
	// fields like the escrow-created flag that change within one state.
	UpdateJob(ctx context.Context, jobID string, mutate func(*marketplace.Job)) (marketplace.Job, error)

	// AppendOffer records a worker's offer. Offers are immutable and only
	// accepted while the job is open.
	AppendOffer(ctx context.Context, offer marketplace.Offer) error
	ListOffers(ctx context.Context, jobID string) ([]marketplace.Offer, error)
	GetOffer(ctx context.Context, jobID, offerID string) (marketplace.Offer, error)

	Close()
}
