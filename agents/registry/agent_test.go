package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	"jobmesh-backend/storage/registry"
)

const (
	testClient   = "agent://client-main"
	testWorker   = "agent://worker-1"
	testVerifier = "agent://verifier-main"
)

// flakyLedger fails the first N fund calls, then behaves.
type flakyLedger struct {
	ledger.EscrowLedger
	fundFailures int
}

func (f *flakyLedger) FundEscrow(ctx context.Context, escrowID string) error {
	if f.fundFailures > 0 {
		f.fundFailures--
		return errors.New("rpc timeout")
	}
	return f.EscrowLedger.FundEscrow(ctx, escrowID)
}

type fixture struct {
	agent  *Agent
	store  *registry.MemoryStore
	escrow ledger.EscrowLedger
	bus    *bus.MemoryBus
}

func newFixture(t *testing.T, escrow ledger.EscrowLedger) *fixture {
	t.Helper()
	if escrow == nil {
		escrow = ledger.NewMemoryLedger()
	}
	f := &fixture{
		store:  registry.NewMemoryStore(),
		escrow: escrow,
		bus:    bus.NewMemoryBus(),
	}
	f.agent = New(Config{SelfRef: testClient, VerifierRef: testVerifier}, f.store, f.escrow, f.bus, marketplace.SystemClock())
	if err := f.agent.Start(); err != nil {
		t.Fatalf("start agent: %v", err)
	}
	t.Cleanup(f.agent.Stop)
	return f
}

func (f *fixture) postJob(t *testing.T) marketplace.Job {
	t.Helper()
	job, err := f.agent.PostJob(context.Background(), marketplace.JobSpec{
		Title:      "Write launch blog post",
		BudgetSats: 100,
		Nonce:      "n1",
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}
	return job
}

func (f *fixture) sendBid(t *testing.T, jobID, offerID string) {
	t.Helper()
	env := bus.NewEnvelope(bus.MsgBid, testWorker)
	env.Bid = &bus.Bid{
		OfferID:   offerID,
		JobID:     jobID,
		WorkerRef: testWorker,
		PriceSats: 90,
		ETA:       time.Now().Add(48 * time.Hour),
	}
	if err := f.bus.Publish(context.Background(), bus.TopicJobsBids, env); err != nil {
		t.Fatalf("publish bid: %v", err)
	}
}

func (f *fixture) sendVerdict(t *testing.T, job marketplace.Job, passed bool, score float64) {
	t.Helper()
	env := bus.NewEnvelope(bus.MsgVerificationResult, testVerifier)
	env.VerificationResult = &bus.VerificationResult{
		EscrowID:    job.EscrowID,
		JobID:       job.JobID,
		DeliveryRef: "DLV-test",
		Passed:      passed,
		Score:       score,
		VerifierRef: testVerifier,
		Verifiers:   1,
	}
	if err := f.bus.Publish(context.Background(), bus.TopicVerifyResult(testClient), env); err != nil {
		t.Fatalf("publish verdict: %v", err)
	}
}

func TestPostJob(t *testing.T) {
	f := newFixture(t, nil)

	var broadcasts []*bus.Envelope
	f.bus.Subscribe(bus.TopicJobsBroadcast, func(_ string, env *bus.Envelope) {
		broadcasts = append(broadcasts, env)
	})

	job := f.postJob(t)
	if job.Status != marketplace.JobOpen {
		t.Errorf("status = %s, want open", job.Status)
	}
	if len(broadcasts) != 1 || broadcasts[0].JobBroadcast.JobID != job.JobID {
		t.Fatalf("broadcasts = %d, want 1 for job %s", len(broadcasts), job.JobID)
	}

	t.Run("identical repost converges on the same job", func(t *testing.T) {
		again := f.postJob(t)
		if again.JobID != job.JobID {
			t.Errorf("repost produced %s, want %s", again.JobID, job.JobID)
		}
		jobs, _ := f.store.ListJobs(context.Background(), marketplace.JobFilter{})
		if len(jobs) != 1 {
			t.Errorf("store holds %d jobs, want 1", len(jobs))
		}
		if len(broadcasts) != 2 {
			t.Errorf("broadcasts = %d, want re-announce on repost", len(broadcasts))
		}
	})

	t.Run("zero budget is rejected", func(t *testing.T) {
		_, err := f.agent.PostJob(context.Background(), marketplace.JobSpec{Title: "free work", BudgetSats: 0})
		if err == nil {
			t.Error("expected error for zero budget")
		}
	})
}

func TestBidHandling(t *testing.T) {
	f := newFixture(t, nil)
	job := f.postJob(t)

	f.sendBid(t, job.JobID, "OFFER-1")
	offers, _ := f.store.ListOffers(context.Background(), job.JobID)
	if len(offers) != 1 || offers[0].WorkerRef != testWorker {
		t.Fatalf("offers = %+v, want the worker's bid recorded", offers)
	}

	// Redelivered bid is absorbed.
	f.sendBid(t, job.JobID, "OFFER-1")
	offers, _ = f.store.ListOffers(context.Background(), job.JobID)
	if len(offers) != 1 {
		t.Errorf("offers after redelivery = %d, want 1", len(offers))
	}

	// Bids after acceptance are dropped.
	if _, err := f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.sendBid(t, job.JobID, "OFFER-2")
	offers, _ = f.store.ListOffers(context.Background(), job.JobID)
	if len(offers) != 1 {
		t.Errorf("late bid was recorded: %+v", offers)
	}
}

func TestAcceptOffer(t *testing.T) {
	f := newFixture(t, nil)
	job := f.postJob(t)
	f.sendBid(t, job.JobID, "OFFER-1")

	var accepted *bus.Acceptance
	f.bus.Subscribe(bus.TopicJobsAccept(testWorker), func(_ string, env *bus.Envelope) {
		accepted = env.Acceptance
	})

	got, err := f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != marketplace.JobAssigned || got.AssignedWorker != testWorker || got.AcceptedPrice != 90 {
		t.Errorf("job after accept = %+v", got)
	}
	if !got.EscrowCreated || got.EscrowID == "" {
		t.Errorf("escrow not set up: created=%v id=%q", got.EscrowCreated, got.EscrowID)
	}

	status, _ := f.escrow.Status(context.Background(), got.EscrowID)
	if status != ledger.StatusFunded {
		t.Errorf("ledger status = %s, want funded", status)
	}

	if accepted == nil {
		t.Fatal("no acceptance reached the worker")
	}
	if accepted.EscrowID != got.EscrowID || accepted.VerifierRef != testVerifier || accepted.RegistryRef != testClient {
		t.Errorf("acceptance = %+v", accepted)
	}

	t.Run("second accept is rejected by the state machine", func(t *testing.T) {
		if _, err := f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1"); !errors.Is(err, registry.ErrBadTransition) {
			t.Errorf("second accept = %v, want %v", err, registry.ErrBadTransition)
		}
	})

	t.Run("unknown offer is rejected", func(t *testing.T) {
		if _, err := f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-404"); !errors.Is(err, registry.ErrOfferNotFound) {
			t.Errorf("unknown offer = %v, want %v", err, registry.ErrOfferNotFound)
		}
	})
}

func TestAcceptOfferFundingFailure(t *testing.T) {
	flaky := &flakyLedger{EscrowLedger: ledger.NewMemoryLedger(), fundFailures: 1}
	f := newFixture(t, flaky)
	job := f.postJob(t)
	f.sendBid(t, job.JobID, "OFFER-1")

	var acceptances int
	f.bus.Subscribe(bus.TopicJobsAccept(testWorker), func(string, *bus.Envelope) { acceptances++ })

	got, err := f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1")
	if err == nil {
		t.Fatal("expected funding failure")
	}
	// Create succeeded, funding did not: assigned, unfunded, worker not told.
	if got.Status != marketplace.JobAssigned {
		t.Errorf("status = %s, want assigned after failed funding", got.Status)
	}
	stored, _ := f.store.GetJob(context.Background(), job.JobID)
	if stored.EscrowCreated {
		t.Error("escrow marked created despite failed funding")
	}
	if acceptances != 0 {
		t.Errorf("acceptances = %d, want none until escrow funds", acceptances)
	}

	t.Run("manual retry completes the setup", func(t *testing.T) {
		got, err := f.agent.RetryEscrow(context.Background(), job.JobID)
		if err != nil {
			t.Fatalf("retry: %v", err)
		}
		if !got.EscrowCreated {
			t.Error("escrow still unfunded after retry")
		}
		status, _ := f.escrow.Status(context.Background(), got.EscrowID)
		if status != ledger.StatusFunded {
			t.Errorf("ledger status = %s, want funded", status)
		}
		if acceptances != 1 {
			t.Errorf("acceptances = %d, want 1 after retry", acceptances)
		}
	})
}

func TestVerificationVerdicts(t *testing.T) {
	t.Run("passing verdict lands in verified", func(t *testing.T) {
		f := newFixture(t, nil)
		job := f.postJob(t)
		f.sendBid(t, job.JobID, "OFFER-1")
		job, _ = f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1")

		f.sendVerdict(t, job, true, 85)
		got, _ := f.store.GetJob(context.Background(), job.JobID)
		if got.Status != marketplace.JobVerified {
			t.Errorf("status = %s, want verified", got.Status)
		}
		if got.VerificationScore != 85 || !got.VerificationPassed || got.DeliveryRef == "" {
			t.Errorf("verdict not stored: %+v", got)
		}

		// Redelivered verdict no longer applies.
		f.sendVerdict(t, job, true, 85)
		again, _ := f.store.GetJob(context.Background(), job.JobID)
		if again.Status != marketplace.JobVerified {
			t.Errorf("status after redelivery = %s", again.Status)
		}
	})

	t.Run("failing verdict lands in disputed and disputes the escrow", func(t *testing.T) {
		f := newFixture(t, nil)
		job := f.postJob(t)
		f.sendBid(t, job.JobID, "OFFER-1")
		job, _ = f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1")

		f.sendVerdict(t, job, false, 40)
		got, _ := f.store.GetJob(context.Background(), job.JobID)
		if got.Status != marketplace.JobDisputed {
			t.Errorf("status = %s, want disputed", got.Status)
		}
		status, _ := f.escrow.Status(context.Background(), job.EscrowID)
		if status != ledger.StatusDisputed {
			t.Errorf("ledger status = %s, want disputed", status)
		}
	})

	t.Run("verdict for an unassigned job is dropped", func(t *testing.T) {
		f := newFixture(t, nil)
		job := f.postJob(t)
		job.EscrowID = "ESC-premature"
		f.sendVerdict(t, job, true, 85)
		got, _ := f.store.GetJob(context.Background(), job.JobID)
		if got.Status != marketplace.JobOpen {
			t.Errorf("status = %s, want open (verdict dropped)", got.Status)
		}
	})
}

func TestApproveWork(t *testing.T) {
	f := newFixture(t, nil)
	job := f.postJob(t)
	f.sendBid(t, job.JobID, "OFFER-1")
	job, _ = f.agent.AcceptOffer(context.Background(), job.JobID, "OFFER-1")

	var updates []*bus.ReputationUpdate
	f.bus.Subscribe(bus.TopicReputation, func(_ string, env *bus.Envelope) {
		updates = append(updates, env.ReputationUpdate)
	})

	t.Run("approval before verification is rejected", func(t *testing.T) {
		if _, err := f.agent.ApproveWork(context.Background(), job.JobID); err == nil {
			t.Error("expected rejection while assigned")
		}
	})

	f.sendVerdict(t, job, true, 85)

	got, err := f.agent.ApproveWork(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got.Status != marketplace.JobCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	status, _ := f.escrow.Status(context.Background(), job.EscrowID)
	if status != ledger.StatusReleased {
		t.Errorf("ledger status = %s, want released", status)
	}

	if len(updates) != 1 {
		t.Fatalf("reputation updates = %d, want 1", len(updates))
	}
	upd := updates[0]
	if upd.WorkerRef != testWorker || upd.ClientRef != testClient || !upd.Success {
		t.Errorf("update = %+v", upd)
	}
	if upd.Scores.Worker != 4.25 || upd.Scores.Client != 5 || upd.Scores.Verification != 85 {
		t.Errorf("scores = %+v, want worker=4.25 client=5 verification=85", upd.Scores)
	}

	t.Run("second approval is rejected once completed", func(t *testing.T) {
		if _, err := f.agent.ApproveWork(context.Background(), job.JobID); err == nil {
			t.Error("expected rejection once completed")
		}
		if len(updates) != 1 {
			t.Errorf("reputation updates = %d after double approve, want 1", len(updates))
		}
	})
}
