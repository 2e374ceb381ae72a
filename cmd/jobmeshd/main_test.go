package main

import (
	"context"
	"testing"
	"time"

	"jobmesh-backend/agents/matcher"
	regagent "jobmesh-backend/agents/registry"
	repagent "jobmesh-backend/agents/reputation"
	"jobmesh-backend/agents/verifier"
	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	regstore "jobmesh-backend/storage/registry"
	repstore "jobmesh-backend/storage/reputation"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadConfig()

	if len(cfg.Roles) != 4 {
		t.Fatalf("expected all four roles by default, got %v", cfg.Roles)
	}
	if cfg.HTTPAddr != ":3001" || cfg.BusDriver != "memory" || cfg.StoreDriver != "memory" || cfg.LedgerDriver != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ClientRef != "agent://client-main" || cfg.Personas != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("JOBMESH_ROLES", "verifier, reputation")
	t.Setenv("JOBMESH_BUS", "nats")
	t.Setenv("JOBMESH_SKILLS", "golang, writing")
	t.Setenv("JOBMESH_VERIFIER_PERSONAS", "3")
	t.Setenv("JOBMESH_VERIFIER_WEIGHTS", "3,1,1")

	cfg := loadConfig()
	if len(cfg.Roles) != 2 || cfg.Roles[0] != "verifier" || cfg.Roles[1] != "reputation" {
		t.Fatalf("unexpected roles: %v", cfg.Roles)
	}
	if cfg.BusDriver != "nats" {
		t.Fatalf("expected nats bus, got %s", cfg.BusDriver)
	}
	if len(cfg.Skills) != 2 || cfg.Skills[1] != "writing" {
		t.Fatalf("unexpected skills: %v", cfg.Skills)
	}
	if cfg.Personas != 3 || len(cfg.Weights) != 3 || cfg.Weights[0] != 3 {
		t.Fatalf("unexpected verifier config: %+v", cfg)
	}
}

func TestParseWeightsSkipsGarbage(t *testing.T) {
	got := parseWeights("2, not-a-number, 1.5")
	if len(got) != 2 || got[0] != 2 || got[1] != 1.5 {
		t.Fatalf("unexpected weights: %v", got)
	}
}

// fixedClock keeps every agent on the same instant so score math comes out
// exact. After fires immediately, which the funding watcher never needs
// here because the registry funds the escrow before announcing acceptance.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

// TestEndToEndJobFlow runs the whole mesh in one process: a client posts a
// job, a worker bids and delivers, a verifier judges the delivery, and the
// reputation agent settles both parties once the client approves.
func TestEndToEndJobFlow(t *testing.T) {
	const (
		clientRef  = "agent://client-e2e"
		workerRef  = "agent://worker-e2e"
		judgeRef   = "agent://verifier-e2e"
		scorerRef  = "agent://reputation-e2e"
		budgetSats = 100
	)

	ctx := context.Background()
	clock := fixedClock{now: time.Unix(1_700_000_000, 0).UTC()}

	mesh := bus.NewMemoryBus()
	jobs := regstore.NewMemoryStore()
	rep := repstore.NewMemoryStore()
	escrow := ledger.NewMemoryLedger()

	client := regagent.New(regagent.Config{SelfRef: clientRef, VerifierRef: judgeRef}, jobs, escrow, mesh, clock)
	worker := matcher.New(matcher.Config{SelfRef: workerRef, Skills: []string{"writing"}, ReputationScore: 500}, mesh, escrow, clock)
	judge := verifier.New(verifier.Config{SelfRef: judgeRef}, mesh, marketplace.FixedCheckRunner{CheckScore: 85}, clock)
	scorer := repagent.New(repagent.Config{SelfRef: scorerRef}, mesh, rep, clock)

	for _, start := range []func() error{client.Start, worker.Start, judge.Start, scorer.Start} {
		if err := start(); err != nil {
			t.Fatalf("start agent: %v", err)
		}
	}
	t.Cleanup(func() {
		client.Stop()
		worker.Stop()
		judge.Stop()
		scorer.Stop()
	})

	job, err := client.PostJob(ctx, marketplace.JobSpec{
		Title:          "Write release notes",
		BudgetSats:     budgetSats,
		RequiredSkills: []string{"writing"},
		JobType:        "content",
		Nonce:          "e2e-1",
	})
	if err != nil {
		t.Fatalf("post job: %v", err)
	}

	// The broadcast reached the worker synchronously, so its bid is already
	// on file.
	offers, err := jobs.ListOffers(ctx, job.JobID)
	if err != nil || len(offers) != 1 {
		t.Fatalf("expected exactly one offer, got %v (err %v)", offers, err)
	}
	if offers[0].PriceSats != 90 || offers[0].WorkerRef != workerRef {
		t.Fatalf("unexpected offer: %+v", offers[0])
	}

	job, err = client.AcceptOffer(ctx, job.JobID, offers[0].OfferID)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	if job.Status != marketplace.JobAssigned || !job.EscrowCreated {
		t.Fatalf("unexpected job after accept: %+v", job)
	}

	// Delivery and verification run on the worker's funding-watch goroutine;
	// wait for the verdict to land at the registry.
	job = waitForStatus(t, jobs, job.JobID, marketplace.JobVerified)
	if job.VerificationScore != 85 || !job.VerificationPassed {
		t.Fatalf("unexpected verification outcome: %+v", job)
	}
	if state, ok := worker.WorkStateOf(job.JobID); !ok || state != marketplace.WorkDelivered {
		t.Fatalf("expected delivered work state, got %v (known %v)", state, ok)
	}

	job, err = client.ApproveWork(ctx, job.JobID)
	if err != nil {
		t.Fatalf("approve work: %v", err)
	}
	if job.Status != marketplace.JobCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if status, err := escrow.Status(ctx, job.EscrowID); err != nil || status != ledger.StatusReleased {
		t.Fatalf("expected released escrow, got %v (err %v)", status, err)
	}

	// Both sides settled exactly once: one successful job, instant
	// turnaround, quality 4.25 for the worker and the payout rating for
	// the client.
	workerRec, err := rep.GetRecord(ctx, workerRef)
	if err != nil {
		t.Fatalf("load worker record: %v", err)
	}
	if workerRec.TotalJobs != 1 || workerRec.SuccessfulJobs != 1 || workerRec.Score != 7575 {
		t.Fatalf("unexpected worker record: %+v", workerRec)
	}
	clientRec, err := rep.GetRecord(ctx, clientRef)
	if err != nil {
		t.Fatalf("load client record: %v", err)
	}
	if clientRec.TotalJobs != 1 || clientRec.Score != 7875 {
		t.Fatalf("unexpected client record: %+v", clientRec)
	}

	for _, ref := range []string{workerRef, clientRef} {
		badges, err := rep.ListBadges(ctx, ref)
		if err != nil {
			t.Fatalf("list badges for %s: %v", ref, err)
		}
		if len(badges) != 1 || badges[0].Type != marketplace.BadgeFirstJob {
			t.Fatalf("expected a first-job badge for %s, got %+v", ref, badges)
		}
	}

	// A redelivered settlement message changes nothing.
	env := bus.NewEnvelope(bus.MsgReputationUpdate, clientRef)
	env.ReputationUpdate = &bus.ReputationUpdate{
		EscrowID:    job.EscrowID,
		JobID:       job.JobID,
		WorkerRef:   workerRef,
		ClientRef:   clientRef,
		Success:     true,
		Scores:      marketplace.ReputationScores{Worker: 4.25, Client: 5, Verification: 85},
		CompletedAt: clock.Now(),
	}
	if err := mesh.Publish(ctx, bus.TopicReputation, env); err != nil {
		t.Fatalf("republish settlement: %v", err)
	}
	workerRec, _ = rep.GetRecord(ctx, workerRef)
	if workerRec.TotalJobs != 1 || workerRec.Score != 7575 {
		t.Fatalf("redelivery changed the worker record: %+v", workerRec)
	}
}

func waitForStatus(t *testing.T, jobs regstore.Store, jobID string, want marketplace.JobStatus) marketplace.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := jobs.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job %s: %v", jobID, err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s to reach %s, still %s", jobID, want, job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
