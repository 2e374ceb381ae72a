// Package registry runs the client side of the job protocol: posting jobs,
// collecting bids, accepting one, setting up escrow, applying verification
// verdicts, and releasing payment. All job state lives in the store; the
// agent itself only reacts to messages and ledger results, so any number of
// handler invocations can race and the store's guarded transitions arbitrate.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"

	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	"jobmesh-backend/observability"
	"jobmesh-backend/storage/registry"
)

// Config identifies this registry and the coordinator it trusts to judge
// deliveries for its jobs.
type Config struct {
	SelfRef     string // agent ref of this registry, e.g. agent://client-main
	VerifierRef string // coordinator that receives verification requests
}

// Agent is the client-side registry process.
type Agent struct {
	cfg    Config
	store  registry.Store
	escrow ledger.EscrowLedger
	bus    bus.Bus
	clock  marketplace.Clock

	unsubs []func()
}

func New(cfg Config, store registry.Store, escrow ledger.EscrowLedger, b bus.Bus, clock marketplace.Clock) *Agent {
	if clock == nil {
		clock = marketplace.SystemClock()
	}
	return &Agent{cfg: cfg, store: store, escrow: escrow, bus: b, clock: clock}
}

// Start subscribes the agent to its inbound topics: the shared bid topic and
// this registry's targeted verdict topic.
func (a *Agent) Start() error {
	unsubBids, err := a.bus.Subscribe(bus.TopicJobsBids, a.handleBid)
	if err != nil {
		return fmt.Errorf("subscribe bids: %w", err)
	}
	a.unsubs = append(a.unsubs, unsubBids)

	unsubVerdicts, err := a.bus.Subscribe(bus.TopicVerifyResult(a.cfg.SelfRef), a.handleVerificationResult)
	if err != nil {
		return fmt.Errorf("subscribe verdicts: %w", err)
	}
	a.unsubs = append(a.unsubs, unsubVerdicts)

	log.Printf("registry %s: started (verifier=%s)", a.cfg.SelfRef, a.cfg.VerifierRef)
	return nil
}

// Stop drops the agent's subscriptions. In-flight handlers finish on their
// own; job state is already durable in the store.
func (a *Agent) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

// PostJob stores a new job and broadcasts it to workers. The job id is
// derived from the posted content, so retrying the same post converges on the
// same job instead of creating a twin; the broadcast is re-sent either way,
// which is harmless under at-least-once delivery and re-announces the job if
// the first broadcast was lost.
func (a *Agent) PostJob(ctx context.Context, spec marketplace.JobSpec) (marketplace.Job, error) {
	if spec.BudgetSats <= 0 {
		return marketplace.Job{}, fmt.Errorf("post job: budget must be positive, got %d", spec.BudgetSats)
	}
	if spec.Title == "" {
		return marketplace.Job{}, errors.New("post job: title required")
	}

	now := a.clock.Now()
	job := marketplace.Job{
		JobID:          marketplace.NewJobID(spec),
		Title:          spec.Title,
		Description:    spec.Description,
		BudgetSats:     spec.BudgetSats,
		RequiredSkills: spec.RequiredSkills,
		Deadline:       spec.Deadline,
		Status:         marketplace.JobOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch err := a.store.CreateJob(ctx, job); {
	case err == nil:
		observability.RecordJobTransition(string(marketplace.JobOpen))
	case errors.Is(err, registry.ErrJobExists):
		existing, getErr := a.store.GetJob(ctx, job.JobID)
		if getErr != nil {
			return marketplace.Job{}, fmt.Errorf("post job %s: %w", job.JobID, getErr)
		}
		log.Printf("registry %s: job %s already posted, re-broadcasting", a.cfg.SelfRef, job.JobID)
		job = existing
	default:
		return marketplace.Job{}, fmt.Errorf("post job %s: %w", job.JobID, err)
	}

	env := bus.NewEnvelope(bus.MsgJobBroadcast, a.cfg.SelfRef)
	env.JobBroadcast = &bus.JobBroadcast{
		JobID:          job.JobID,
		Title:          job.Title,
		Description:    job.Description,
		BudgetSats:     job.BudgetSats,
		RequiredSkills: job.RequiredSkills,
		Deadline:       job.Deadline,
		JobType:        spec.JobType,
		ClientRef:      a.cfg.SelfRef,
	}
	if err := a.bus.Publish(ctx, bus.TopicJobsBroadcast, env); err != nil {
		// The job is stored; a lost broadcast is recoverable by re-posting.
		return job, fmt.Errorf("broadcast job %s: %w", job.JobID, err)
	}
	log.Printf("registry %s: posted job %s (budget=%d)", a.cfg.SelfRef, job.JobID, job.BudgetSats)
	return job, nil
}

// handleBid appends an incoming offer while the job is still open. Late,
// duplicate, and unknown-job bids are dropped with a log line; under an
// unordered bus they are expected traffic, not faults.
func (a *Agent) handleBid(_ string, env *bus.Envelope) {
	bid := env.Bid
	offer := marketplace.Offer{
		OfferID:              bid.OfferID,
		JobID:                bid.JobID,
		WorkerRef:            bid.WorkerRef,
		PriceSats:            bid.PriceSats,
		ETA:                  bid.ETA,
		SLATerms:             bid.SLATerms,
		ReputationScoreAtBid: bid.ReputationScore,
		CreatedAt:            a.clock.Now(),
	}
	switch err := a.store.AppendOffer(context.Background(), offer); {
	case err == nil:
		log.Printf("registry %s: recorded offer %s on job %s from %s (price=%d)",
			a.cfg.SelfRef, offer.OfferID, offer.JobID, offer.WorkerRef, offer.PriceSats)
	case errors.Is(err, registry.ErrJobNotOpen):
		log.Printf("registry %s: dropping late offer %s on job %s", a.cfg.SelfRef, offer.OfferID, offer.JobID)
	case errors.Is(err, registry.ErrJobNotFound):
		log.Printf("registry %s: dropping offer %s for unknown job %s", a.cfg.SelfRef, offer.OfferID, offer.JobID)
	default:
		log.Printf("registry %s: store offer %s on job %s: %v", a.cfg.SelfRef, offer.OfferID, offer.JobID, err)
	}
}

// AcceptOffer assigns the job to the offer's worker and sets up escrow. The
// assignment commits first; the two ledger calls follow. When either ledger
// call fails the job stays assigned with the escrow flagged unfunded for
// RetryEscrow, because an on-chain create cannot be rolled back and a
// half-made escrow must not unassign the worker.
func (a *Agent) AcceptOffer(ctx context.Context, jobID, offerID string) (marketplace.Job, error) {
	offer, err := a.store.GetOffer(ctx, jobID, offerID)
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("accept offer %s on job %s: %w", offerID, jobID, err)
	}

	escrowID := marketplace.NewEscrowID()
	job, err := a.store.TransitionJob(ctx, jobID, marketplace.JobOpen, marketplace.JobAssigned, func(j *marketplace.Job) {
		j.AssignedWorker = offer.WorkerRef
		j.AcceptedPrice = offer.PriceSats
		j.EscrowID = escrowID
	})
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("accept offer %s on job %s: %w", offerID, jobID, err)
	}
	observability.RecordJobTransition(string(marketplace.JobAssigned))
	log.Printf("registry %s: job %s assigned to %s at %d (escrow=%s)",
		a.cfg.SelfRef, jobID, offer.WorkerRef, offer.PriceSats, escrowID)

	return a.setupEscrow(ctx, job, offer.OfferID)
}

// RetryEscrow re-drives escrow setup for an assigned job whose funding never
// completed. It is the manual recovery path: nothing calls it automatically.
func (a *Agent) RetryEscrow(ctx context.Context, jobID string) (marketplace.Job, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("retry escrow for job %s: %w", jobID, err)
	}
	if job.Status != marketplace.JobAssigned || job.EscrowID == "" {
		return job, fmt.Errorf("retry escrow for job %s: job is %s, nothing to retry: %w", jobID, job.Status, registry.ErrBadTransition)
	}
	if job.EscrowCreated {
		log.Printf("registry %s: escrow %s already funded, nothing to retry", a.cfg.SelfRef, job.EscrowID)
		return job, nil
	}
	offer, err := a.findAcceptedOffer(ctx, job)
	if err != nil {
		return job, fmt.Errorf("retry escrow for job %s: locate accepted offer: %w", jobID, err)
	}
	return a.setupEscrow(ctx, job, offer.OfferID)
}

func (a *Agent) findAcceptedOffer(ctx context.Context, job marketplace.Job) (marketplace.Offer, error) {
	offers, err := a.store.ListOffers(ctx, job.JobID)
	if err != nil {
		return marketplace.Offer{}, err
	}
	for _, offer := range offers {
		if offer.WorkerRef == job.AssignedWorker && offer.PriceSats == job.AcceptedPrice {
			return offer, nil
		}
	}
	return marketplace.Offer{}, registry.ErrOfferNotFound
}

// setupEscrow creates and funds the job's escrow, marks the job once both
// calls landed, and tells the worker. Already-created and already-funded
// escrows are fine: the retry path reaches here with the create done.
func (a *Agent) setupEscrow(ctx context.Context, job marketplace.Job, offerID string) (marketplace.Job, error) {
	err := a.escrow.CreateEscrow(ctx, job.EscrowID, job.JobID, a.cfg.SelfRef, job.AssignedWorker, job.AcceptedPrice)
	if err != nil && !errors.Is(err, ledger.ErrEscrowExists) {
		log.Printf("registry %s: create escrow %s for job %s: %v", a.cfg.SelfRef, job.EscrowID, job.JobID, err)
		return job, fmt.Errorf("create escrow %s: %w", job.EscrowID, err)
	}
	if err := a.escrow.FundEscrow(ctx, job.EscrowID); err != nil {
		log.Printf("registry %s: fund escrow %s for job %s: %v (job stays assigned, retry later)",
			a.cfg.SelfRef, job.EscrowID, job.JobID, err)
		return job, fmt.Errorf("fund escrow %s: %w", job.EscrowID, err)
	}

	job, err = a.store.UpdateJob(ctx, job.JobID, func(j *marketplace.Job) {
		j.EscrowCreated = true
	})
	if err != nil {
		return job, fmt.Errorf("mark escrow created for job %s: %w", job.JobID, err)
	}

	env := bus.NewEnvelope(bus.MsgAcceptance, a.cfg.SelfRef)
	env.Acceptance = &bus.Acceptance{
		JobID:       job.JobID,
		OfferID:     offerID,
		WorkerRef:   job.AssignedWorker,
		ClientRef:   a.cfg.SelfRef,
		EscrowID:    job.EscrowID,
		PriceSats:   job.AcceptedPrice,
		VerifierRef: a.cfg.VerifierRef,
		RegistryRef: a.cfg.SelfRef,
	}
	if err := a.bus.Publish(ctx, bus.TopicJobsAccept(job.AssignedWorker), env); err != nil {
		return job, fmt.Errorf("announce acceptance for job %s: %w", job.JobID, err)
	}
	log.Printf("registry %s: escrow %s funded, acceptance sent to %s", a.cfg.SelfRef, job.EscrowID, job.AssignedWorker)
	return job, nil
}

// handleVerificationResult applies a coordinator's verdict: the job passes
// through delivered_pending_verification and lands in verified or disputed.
// A verdict that does not match the job's current state (duplicate, or racing
// a newer transition) is dropped.
func (a *Agent) handleVerificationResult(_ string, env *bus.Envelope) {
	vr := env.VerificationResult
	ctx := context.Background()

	job, err := a.store.TransitionJob(ctx, vr.JobID, marketplace.JobAssigned, marketplace.JobDeliveredPendingVerification, func(j *marketplace.Job) {
		j.DeliveryRef = vr.DeliveryRef
		j.VerificationScore = vr.Score
		j.VerificationPassed = vr.Passed
	})
	if err != nil {
		log.Printf("registry %s: dropping verdict for job %s (escrow=%s): %v", a.cfg.SelfRef, vr.JobID, vr.EscrowID, err)
		return
	}
	observability.RecordJobTransition(string(marketplace.JobDeliveredPendingVerification))

	verdict := marketplace.JobVerified
	if !vr.Passed {
		verdict = marketplace.JobDisputed
	}
	if _, err := a.store.TransitionJob(ctx, vr.JobID, marketplace.JobDeliveredPendingVerification, verdict, nil); err != nil {
		log.Printf("registry %s: settle verdict for job %s: %v", a.cfg.SelfRef, vr.JobID, err)
		return
	}
	observability.RecordJobTransition(string(verdict))
	log.Printf("registry %s: job %s %s (score=%.1f, verifiers=%d)", a.cfg.SelfRef, vr.JobID, verdict, vr.Score, vr.Verifiers)

	if verdict == marketplace.JobDisputed {
		if err := a.escrow.RaiseDispute(ctx, job.EscrowID, fmt.Sprintf("verification failed with score %.1f", vr.Score)); err != nil {
			log.Printf("registry %s: raise dispute on escrow %s: %v", a.cfg.SelfRef, job.EscrowID, err)
		}
	}
}

// ApproveWork releases payment for a verified job. The job only becomes
// completed after the ledger itself reports Released; the approve call alone
// is not trusted until the status reads back, because the ledger is the
// source of truth for fund movement.
func (a *Agent) ApproveWork(ctx context.Context, jobID string) (marketplace.Job, error) {
	job, err := a.store.GetJob(ctx, jobID)
	if err != nil {
		return marketplace.Job{}, fmt.Errorf("approve job %s: %w", jobID, err)
	}
	if job.Status != marketplace.JobVerified {
		return job, fmt.Errorf("approve job %s: job is %s, want %s: %w", jobID, job.Status, marketplace.JobVerified, registry.ErrBadTransition)
	}

	if err := a.escrow.ApproveWork(ctx, job.EscrowID); err != nil {
		// Retryable: the job stays verified.
		return job, fmt.Errorf("approve escrow %s: %w", job.EscrowID, err)
	}
	status, err := a.escrow.Status(ctx, job.EscrowID)
	if err != nil {
		return job, fmt.Errorf("confirm release of escrow %s: %w", job.EscrowID, err)
	}
	if status != ledger.StatusReleased {
		return job, fmt.Errorf("approve job %s: escrow %s reads %s, not released", jobID, job.EscrowID, status)
	}

	job, err = a.store.TransitionJob(ctx, jobID, marketplace.JobVerified, marketplace.JobCompleted, nil)
	if err != nil {
		return job, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	observability.RecordJobTransition(string(marketplace.JobCompleted))
	log.Printf("registry %s: job %s completed, escrow %s released", a.cfg.SelfRef, jobID, job.EscrowID)

	env := bus.NewEnvelope(bus.MsgReputationUpdate, a.cfg.SelfRef)
	env.ReputationUpdate = &bus.ReputationUpdate{
		EscrowID:  job.EscrowID,
		JobID:     job.JobID,
		WorkerRef: job.AssignedWorker,
		ClientRef: a.cfg.SelfRef,
		Success:   true,
		Scores: marketplace.ReputationScores{
			Worker:       job.VerificationScore / 20,
			Client:       clientScoreComponent,
			Verification: job.VerificationScore,
		},
		CompletedAt: a.clock.Now(),
	}
	if err := a.bus.Publish(ctx, bus.TopicReputation, env); err != nil {
		return job, fmt.Errorf("publish reputation update for job %s: %w", jobID, err)
	}
	return job, nil
}

// clientScoreComponent is the flat quality component credited to the client
// side of a settled job. Clients are rated for paying out cleanly, not for
// the delivered work, so the component is constant.
const clientScoreComponent = 5.0
