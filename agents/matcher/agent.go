// Package matcher runs the worker side of the job protocol: discovering
// broadcast jobs, bidding, waiting out escrow funding, and delivering work.
// Each engaged job moves through its own worker-side state machine
// (in_progress, awaiting_funding, delivering, delivered, or stalled),
// independent of every other job.
package matcher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
)

// bidRatio is the fraction of a job's budget this matcher offers. Undercutting
// the budget slightly wins against naive full-price bids without racing to
// the bottom.
const bidRatio = 0.9

// defaultETAWindow is promised when a job declares no deadline.
const defaultETAWindow = 48 * time.Hour

// Config identifies the worker and what it can do.
type Config struct {
	SelfRef  string   // agent ref of this worker
	Skills   []string // capabilities matched against job requirements
	SLATerms string   // service terms quoted verbatim on bids

	// ReputationScore is quoted on outgoing bids. Workers track their own
	// composite here; a fresh worker quotes the empty-history default.
	ReputationScore int
}

// Agent is the worker-side matcher process.
type Agent struct {
	cfg    Config
	bus    bus.Bus
	escrow ledger.EscrowLedger
	clock  marketplace.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	work   map[string]workItem // keyed by job id
	unsubs []func()
}

// workItem is this worker's view of one engaged job: the cached broadcast, a
// read-only copy of the acceptance, and where the work stands.
type workItem struct {
	State      marketplace.WorkState
	Job        bus.JobBroadcast
	OfferID    string
	EscrowID   string
	Acceptance bus.Acceptance
	Delivery   *marketplace.Delivery
	Watch      *FundingWatch
}

func New(cfg Config, b bus.Bus, escrow ledger.EscrowLedger, clock marketplace.Clock) *Agent {
	if clock == nil {
		clock = marketplace.SystemClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:    cfg,
		bus:    b,
		escrow: escrow,
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		work:   make(map[string]workItem),
	}
}

// Start subscribes to the broadcast feed and this worker's targeted
// acceptance topic.
func (a *Agent) Start() error {
	unsubJobs, err := a.bus.Subscribe(bus.TopicJobsBroadcast, a.handleBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe broadcasts: %w", err)
	}
	a.unsubs = append(a.unsubs, unsubJobs)

	unsubAccept, err := a.bus.Subscribe(bus.TopicJobsAccept(a.cfg.SelfRef), a.handleAcceptance)
	if err != nil {
		return fmt.Errorf("subscribe acceptances: %w", err)
	}
	a.unsubs = append(a.unsubs, unsubAccept)

	log.Printf("matcher %s: started (skills=%v)", a.cfg.SelfRef, a.cfg.Skills)
	return nil
}

// Stop drops subscriptions and cancels any funding watchers still polling.
// Interrupted jobs stay in awaiting_funding; a restart re-engages on the next
// redelivered acceptance.
func (a *Agent) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	a.cancel()
	a.wg.Wait()
}

// EvaluateJob is the bid decision: engage when the job declares no skill
// requirements, or when any required skill matches one of ours. Purely
// functional so the policy is testable on its own.
func (a *Agent) EvaluateJob(jb bus.JobBroadcast) bool {
	if len(jb.RequiredSkills) == 0 {
		return true
	}
	for _, want := range jb.RequiredSkills {
		for _, have := range a.cfg.Skills {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// handleBroadcast bids on jobs this worker can do. A redelivered broadcast
// for a job already engaged is dropped rather than double-bid.
func (a *Agent) handleBroadcast(_ string, env *bus.Envelope) {
	jb := *env.JobBroadcast
	if !a.EvaluateJob(jb) {
		return
	}

	price := int64(float64(jb.BudgetSats) * bidRatio)
	if price <= 0 {
		price = jb.BudgetSats
	}
	eta := a.clock.Now().Add(defaultETAWindow)
	if jb.Deadline != nil {
		eta = *jb.Deadline
	}

	a.mu.Lock()
	if _, engaged := a.work[jb.JobID]; engaged {
		a.mu.Unlock()
		log.Printf("matcher %s: already bid on job %s, ignoring rebroadcast", a.cfg.SelfRef, jb.JobID)
		return
	}
	offerID := marketplace.NewOfferID()
	a.work[jb.JobID] = workItem{State: marketplace.WorkInProgress, Job: jb, OfferID: offerID}
	a.mu.Unlock()

	out := bus.NewEnvelope(bus.MsgBid, a.cfg.SelfRef)
	out.Bid = &bus.Bid{
		OfferID:         offerID,
		JobID:           jb.JobID,
		WorkerRef:       a.cfg.SelfRef,
		PriceSats:       price,
		ETA:             eta,
		SLATerms:        a.cfg.SLATerms,
		ReputationScore: a.cfg.ReputationScore,
	}
	if err := a.bus.Publish(context.Background(), bus.TopicJobsBids, out); err != nil {
		log.Printf("matcher %s: publish bid on job %s: %v", a.cfg.SelfRef, jb.JobID, err)
		return
	}
	log.Printf("matcher %s: bid %d on job %s (budget=%d)", a.cfg.SelfRef, price, jb.JobID, jb.BudgetSats)
}

// handleAcceptance moves an engaged job to awaiting_funding and starts its
// funding watcher. Funding is confirmed by querying the ledger, never assumed
// from the message: the acceptance only names the escrow to watch. An
// acceptance for a job with no cached broadcast still engages — the broadcast
// may simply have been lost.
func (a *Agent) handleAcceptance(_ string, env *bus.Envelope) {
	acc := *env.Acceptance
	if acc.WorkerRef != a.cfg.SelfRef {
		log.Printf("matcher %s: ignoring acceptance addressed to %s", a.cfg.SelfRef, acc.WorkerRef)
		return
	}

	a.mu.Lock()
	item := a.work[acc.JobID]
	if item.State != "" && item.State != marketplace.WorkInProgress {
		a.mu.Unlock()
		log.Printf("matcher %s: job %s already %s, dropping duplicate acceptance", a.cfg.SelfRef, acc.JobID, item.State)
		return
	}
	watch := NewFundingWatch(acc.EscrowID, a.escrow, a.clock)
	item.State = marketplace.WorkAwaitingFunding
	item.EscrowID = acc.EscrowID
	item.Acceptance = acc
	item.Watch = watch
	a.work[acc.JobID] = item
	a.mu.Unlock()

	log.Printf("matcher %s: job %s accepted at %d, watching escrow %s", a.cfg.SelfRef, acc.JobID, acc.PriceSats, acc.EscrowID)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		funded, err := watch.Run(a.ctx)
		if err != nil {
			// Shut down mid-watch; leave the job where it is.
			return
		}
		if !funded {
			a.setState(acc.JobID, marketplace.WorkStalled)
			log.Printf("matcher %s: job %s stalled, escrow %s never funded", a.cfg.SelfRef, acc.JobID, acc.EscrowID)
			return
		}
		a.deliverWork(acc)
	}()
}

func (a *Agent) setState(jobID string, state marketplace.WorkState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item := a.work[jobID]
	item.State = state
	a.work[jobID] = item
}

// deliverWork produces the delivery for a funded escrow and asks the
// registry's coordinator to judge it. The on-ledger submitDelivery is
// best-effort: it feeds the audit trail, but the protocol continues over the
// bus even when the ledger write fails.
func (a *Agent) deliverWork(acc bus.Acceptance) {
	a.mu.Lock()
	item := a.work[acc.JobID]
	if item.State != marketplace.WorkAwaitingFunding {
		a.mu.Unlock()
		log.Printf("matcher %s: job %s is %s, not delivering", a.cfg.SelfRef, acc.JobID, item.State)
		return
	}
	item.State = marketplace.WorkDelivering
	a.work[acc.JobID] = item
	a.mu.Unlock()

	delivery := marketplace.Delivery{
		EscrowID:    acc.EscrowID,
		JobID:       acc.JobID,
		DeliveryRef: marketplace.NewDeliveryRef(),
		DeliveredAt: a.clock.Now(),
	}
	if err := a.escrow.SubmitDelivery(a.ctx, acc.EscrowID, delivery.DeliveryRef); err != nil {
		log.Printf("matcher %s: on-ledger delivery for escrow %s failed, continuing off-chain: %v",
			a.cfg.SelfRef, acc.EscrowID, err)
	}

	// The work is delivered once the ledger has the reference; record that
	// before requesting judgment so a verdict can never outrun our own state.
	a.mu.Lock()
	item = a.work[acc.JobID]
	item.State = marketplace.WorkDelivered
	item.Delivery = &delivery
	a.work[acc.JobID] = item
	a.mu.Unlock()
	log.Printf("matcher %s: delivered job %s (escrow=%s, ref=%s)", a.cfg.SelfRef, acc.JobID, acc.EscrowID, delivery.DeliveryRef)

	if acc.VerifierRef == "" {
		log.Printf("matcher %s: job %s has no verifier configured, work stays unjudged", a.cfg.SelfRef, acc.JobID)
		return
	}
	out := bus.NewEnvelope(bus.MsgVerificationRequest, a.cfg.SelfRef)
	out.VerificationRequest = &bus.VerificationRequest{
		EscrowID:    acc.EscrowID,
		JobID:       acc.JobID,
		DeliveryRef: delivery.DeliveryRef,
		WorkerRef:   a.cfg.SelfRef,
		ClientRef:   acc.ClientRef,
		JobType:     item.Job.JobType,
		Deadline:    item.Job.Deadline,
		DeliveredAt: delivery.DeliveredAt,
		RegistryRef: acc.RegistryRef,
	}
	if err := a.bus.Publish(a.ctx, bus.TopicVerifyRequest(acc.VerifierRef), out); err != nil {
		log.Printf("matcher %s: request verification for escrow %s: %v", a.cfg.SelfRef, acc.EscrowID, err)
	}
}

// WorkStateOf reports where one job stands for this worker.
func (a *Agent) WorkStateOf(jobID string) (marketplace.WorkState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.work[jobID]
	return item.State, ok
}

// DeliveryOf returns the delivery produced for a job, if any.
func (a *Agent) DeliveryOf(jobID string) (marketplace.Delivery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.work[jobID]
	if !ok || item.Delivery == nil {
		return marketplace.Delivery{}, false
	}
	return *item.Delivery, true
}
