package main

import (
	"context"
	"fmt"
	"log"
	"os"
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

func main() {
	fmt.Println("🔍 Jobmesh Fulfillment Mesh - Build Verification")
	fmt.Println("==================================================")

	ctx := context.Background()
	clock := marketplace.SystemClock()

	// Test 1: Package imports and basic initialization
	fmt.Println("\n📦 Test 1: Package Imports and Initialization")

	mesh := bus.NewMemoryBus()
	if mesh == nil {
		log.Fatal("❌ Failed to create message bus")
	}
	fmt.Println("✅ Message bus created")

	jobs := regstore.NewMemoryStore()
	if jobs == nil {
		log.Fatal("❌ Failed to create job store")
	}
	fmt.Println("✅ Job store created")

	rep := repstore.NewMemoryStore()
	if rep == nil {
		log.Fatal("❌ Failed to create reputation store")
	}
	fmt.Println("✅ Reputation store created")

	escrow := ledger.NewMemoryLedger()
	if escrow == nil {
		log.Fatal("❌ Failed to create escrow ledger")
	}
	fmt.Println("✅ Escrow ledger created")

	client := regagent.New(regagent.Config{SelfRef: "agent://client-check", VerifierRef: "agent://verifier-check"}, jobs, escrow, mesh, clock)
	if client == nil {
		log.Fatal("❌ Failed to create registry agent")
	}
	fmt.Println("✅ Registry agent created")

	worker := matcher.New(matcher.Config{SelfRef: "agent://worker-check", Skills: []string{"verification"}, ReputationScore: 500}, mesh, escrow, clock)
	if worker == nil {
		log.Fatal("❌ Failed to create matcher agent")
	}
	fmt.Println("✅ Matcher agent created")

	judge := verifier.New(verifier.Config{SelfRef: "agent://verifier-check"}, mesh, marketplace.FixedCheckRunner{CheckScore: 85}, clock)
	if judge == nil {
		log.Fatal("❌ Failed to create verifier agent")
	}
	fmt.Println("✅ Verifier agent created")

	scorer := repagent.New(repagent.Config{SelfRef: "agent://reputation-check"}, mesh, rep, clock)
	if scorer == nil {
		log.Fatal("❌ Failed to create reputation agent")
	}
	fmt.Println("✅ Reputation agent created")

	// Test 2: Data structure creation
	fmt.Println("\n📋 Test 2: Data Structure Creation")

	spec := marketplace.JobSpec{
		Title:          "Build Verification Job",
		Description:    "Ensure the mesh wires together",
		BudgetSats:     50000,
		RequiredSkills: []string{"verification", "testing"},
		JobType:        "code",
		Nonce:          "build-verification-001",
	}
	if spec.Title == "" {
		log.Fatal("❌ Failed to create job spec structure")
	}
	fmt.Println("✅ Job spec structure created")

	offer := marketplace.Offer{
		OfferID:              marketplace.NewOfferID(),
		JobID:                "JOB-check",
		WorkerRef:            "agent://worker-check",
		PriceSats:            45000,
		ETA:                  clock.Now().Add(48 * time.Hour),
		ReputationScoreAtBid: 500,
	}
	if offer.OfferID == "" {
		log.Fatal("❌ Failed to create offer structure")
	}
	fmt.Println("✅ Offer structure created")

	record := marketplace.NewReputationRecord("agent://worker-check", clock.Now())
	if record.Score != 500 {
		log.Fatal("❌ Fresh reputation record should read the neutral composite")
	}
	fmt.Println("✅ Reputation record structure created")

	// Test 3: Basic functionality
	fmt.Println("\n⚙️  Test 3: Basic Functionality")

	for _, start := range []func() error{client.Start, worker.Start, judge.Start, scorer.Start} {
		if err := start(); err != nil {
			log.Fatalf("❌ Failed to start agent: %v", err)
		}
	}
	fmt.Println("✅ All agents subscribed")

	job, err := client.PostJob(ctx, spec)
	if err != nil {
		log.Fatalf("❌ Failed to post job: %v", err)
	}
	fmt.Println("✅ Job broadcast working")

	offers, err := jobs.ListOffers(ctx, job.JobID)
	if err != nil || len(offers) == 0 {
		log.Fatalf("❌ Worker did not bid: %v", err)
	}
	fmt.Println("✅ Bid round trip working")

	png, err := ledger.FundingRequestPNG("ESC-check", 45000)
	if err != nil || len(png) == 0 {
		log.Fatalf("❌ Failed to render funding request QR: %v", err)
	}
	fmt.Println("✅ Funding request QR working")

	consensus := marketplace.ComputeConsensus([]marketplace.VerifierResult{
		{VerifierRef: "a", Passed: true, Score: 90, Weight: 1},
		{VerifierRef: "b", Passed: true, Score: 80, Weight: 1},
		{VerifierRef: "c", Passed: false, Score: 40, Weight: 1},
	})
	if !consensus.Passed {
		log.Fatal("❌ Consensus should pass with two of three votes")
	}
	fmt.Println("✅ Consensus math working")

	// Test 4: Topic naming
	fmt.Println("\n🌐 Test 4: Topic Naming")

	if got := bus.TopicJobsAccept("agent://worker-check"); got != "jobs.accept.worker-check" {
		log.Fatalf("❌ Unexpected acceptance topic: %s", got)
	}
	fmt.Println("✅ Acceptance topic naming working")

	if got := bus.SanitizeRef("agent://team/alpha"); got != "team-alpha" {
		log.Fatalf("❌ Unexpected sanitized ref: %s", got)
	}
	fmt.Println("✅ Ref sanitization working")

	// Test 5: Error handling
	fmt.Println("\n🛡️  Test 5: Error Handling")

	if _, err := client.PostJob(ctx, marketplace.JobSpec{Title: "free work"}); err == nil {
		log.Fatal("❌ Should have rejected a zero-budget job")
	}
	fmt.Println("✅ Job validation working")

	bad := bus.NewEnvelope(bus.MsgBid, "agent://worker-check")
	if err := bad.Validate(); err == nil {
		log.Fatal("❌ Should have rejected a bid envelope without a payload")
	}
	fmt.Println("✅ Envelope validation working")

	if err := escrow.CreateEscrow(ctx, "ESC-dup", "JOB-check", "c", "w", 10); err != nil {
		log.Fatalf("❌ Failed to create escrow: %v", err)
	}
	if err := escrow.CreateEscrow(ctx, "ESC-dup", "JOB-check", "c", "w", 10); err == nil {
		log.Fatal("❌ Should have rejected a duplicate escrow")
	}
	fmt.Println("✅ Escrow duplicate handling working")

	// Test 6: Resource management
	fmt.Println("\n🧹 Test 6: Resource Management")

	client.Stop()
	worker.Stop()
	judge.Stop()
	scorer.Stop()
	fmt.Println("✅ Agents stopped cleanly")

	if err := mesh.Close(); err != nil {
		log.Fatalf("❌ Failed to close bus: %v", err)
	}
	fmt.Println("✅ Bus closed cleanly")

	// Summary
	fmt.Println("\n🎉 BUILD VERIFICATION COMPLETED SUCCESSFULLY!")
	fmt.Println("==============================================")
	fmt.Println("✅ All components initialized correctly")
	fmt.Println("✅ Data structures created properly")
	fmt.Println("✅ Basic functionality working")
	fmt.Println("✅ Topic naming correct")
	fmt.Println("✅ Error handling robust")
	fmt.Println("✅ Resource management clean")

	fmt.Println("\n🚀 Jobmesh node is ready to run!")
	fmt.Println("\n📋 Deployment Checklist:")
	fmt.Println("   □ Configure JOBMESH_* environment variables")
	fmt.Println("   □ Point JOBMESH_NATS_URL at the mesh broker")
	fmt.Println("   □ Set JOBMESH_PG_DSN for durable stores")
	fmt.Println("   □ Point JOBMESH_LEDGER_API at the escrow service")
	fmt.Println("   □ Scrape /metrics from the node port")

	os.Exit(0)
}
