package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobmesh-backend/agents/matcher"
	regagent "jobmesh-backend/agents/registry"
	repagent "jobmesh-backend/agents/reputation"
	"jobmesh-backend/agents/verifier"
	"jobmesh-backend/api"
	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	"jobmesh-backend/observability"
	regstore "jobmesh-backend/storage/registry"
	repstore "jobmesh-backend/storage/reputation"
)

type config struct {
	Roles    []string
	HTTPAddr string

	BusDriver string
	NATSURL   string

	StoreDriver string
	PGDSN       string

	LedgerDriver  string
	LedgerAPIBase string

	ClientRef     string
	WorkerRef     string
	VerifierRef   string
	ReputationRef string

	Skills   []string
	SLATerms string
	Personas int
	Weights  []float64
}

func loadConfig() config {
	personas := 1
	if raw := os.Getenv("JOBMESH_VERIFIER_PERSONAS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			personas = v
		}
	}

	return config{
		Roles:    splitList(envDefault("JOBMESH_ROLES", "registry,matcher,verifier,reputation")),
		HTTPAddr: envDefault("JOBMESH_HTTP_ADDR", ":3001"),

		BusDriver: envDefault("JOBMESH_BUS", "memory"), // memory | nats
		NATSURL:   os.Getenv("JOBMESH_NATS_URL"),

		StoreDriver: envDefault("JOBMESH_STORE_DRIVER", "memory"), // memory | postgres
		PGDSN:       os.Getenv("JOBMESH_PG_DSN"),

		LedgerDriver:  envDefault("JOBMESH_LEDGER", "memory"), // memory | http
		LedgerAPIBase: os.Getenv("JOBMESH_LEDGER_API"),

		ClientRef:     envDefault("JOBMESH_CLIENT_REF", "agent://client-main"),
		WorkerRef:     envDefault("JOBMESH_WORKER_REF", "agent://worker-main"),
		VerifierRef:   envDefault("JOBMESH_VERIFIER_REF", "agent://verifier-main"),
		ReputationRef: envDefault("JOBMESH_REPUTATION_REF", "agent://reputation-main"),

		Skills:   splitList(os.Getenv("JOBMESH_SKILLS")),
		SLATerms: os.Getenv("JOBMESH_SLA_TERMS"),
		Personas: personas,
		Weights:  parseWeights(os.Getenv("JOBMESH_VERIFIER_WEIGHTS")),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseWeights(raw string) []float64 {
	var out []float64
	for _, part := range splitList(raw) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			log.Printf("ignoring verifier weight %q: %v", part, err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func main() {
	cfg := loadConfig()
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	roles := make(map[string]bool, len(cfg.Roles))
	for _, role := range cfg.Roles {
		switch role {
		case "registry", "matcher", "verifier", "reputation":
			roles[role] = true
		default:
			log.Fatalf("unknown role %q in JOBMESH_ROLES", role)
		}
	}

	var mesh bus.Bus
	switch cfg.BusDriver {
	case "nats":
		conn, err := bus.ConnectNATS(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect bus: %v", err)
		}
		mesh = conn
	default:
		mesh = bus.NewMemoryBus()
	}
	defer mesh.Close()

	var jobs regstore.Store
	var rep repstore.Store
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PGDSN == "" {
			log.Fatal("JOBMESH_PG_DSN required when JOBMESH_STORE_DRIVER=postgres")
		}
		pgJobs, err := regstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("failed to init job store: %v", err)
		}
		jobs = pgJobs
		pgRep, err := repstore.NewPGStore(ctx, cfg.PGDSN)
		if err != nil {
			log.Fatalf("failed to init reputation store: %v", err)
		}
		rep = pgRep
	default:
		jobs = regstore.NewMemoryStore()
		rep = repstore.NewMemoryStore()
	}
	defer jobs.Close()
	defer rep.Close()

	// Every role in this process observes escrow status through one read
	// cache, so a lagging ledger replica can never walk a status backward.
	escrow := ledger.NewStatusCache(ledger.NewLedger(cfg.LedgerDriver, cfg.LedgerAPIBase))
	clock := marketplace.SystemClock()

	var client *regagent.Agent
	if roles["registry"] {
		client = regagent.New(regagent.Config{SelfRef: cfg.ClientRef, VerifierRef: cfg.VerifierRef}, jobs, escrow, mesh, clock)
		if err := client.Start(); err != nil {
			log.Fatalf("failed to start registry agent: %v", err)
		}
		defer client.Stop()
	}

	if roles["matcher"] {
		// Quote the stored composite on outgoing bids; a never-seen worker
		// quotes the neutral default.
		score := 500
		if rec, err := rep.GetRecord(ctx, cfg.WorkerRef); err == nil {
			score = rec.Score
		}
		worker := matcher.New(matcher.Config{SelfRef: cfg.WorkerRef, Skills: cfg.Skills, SLATerms: cfg.SLATerms, ReputationScore: score}, mesh, escrow, clock)
		if err := worker.Start(); err != nil {
			log.Fatalf("failed to start matcher agent: %v", err)
		}
		defer worker.Stop()
	}

	if roles["verifier"] {
		judge := verifier.New(verifier.Config{SelfRef: cfg.VerifierRef, Personas: cfg.Personas, Weights: cfg.Weights}, mesh, nil, clock)
		if err := judge.Start(); err != nil {
			log.Fatalf("failed to start verifier agent: %v", err)
		}
		defer judge.Stop()
	}

	if roles["reputation"] {
		scorer := repagent.New(repagent.Config{SelfRef: cfg.ReputationRef}, mesh, rep, clock)
		if err := scorer.Start(); err != nil {
			log.Fatalf("failed to start reputation agent: %v", err)
		}
		defer scorer.Stop()
	}

	mux := http.NewServeMux()
	api.NewServer(client, jobs, rep, escrow).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("jobmesh node listening on %s (roles=%s, bus=%s, store=%s, ledger=%s)",
			cfg.HTTPAddr, strings.Join(cfg.Roles, ","), cfg.BusDriver, cfg.StoreDriver, cfg.LedgerDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
