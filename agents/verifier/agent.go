// Package verifier runs the verification coordinator: it judges deliveries
// on request and reports verdicts back to the registry that owns the job.
// One coordinator can run a single check pipeline or fan the same delivery
// out to several weighted verifier personas and settle their votes by
// consensus.
package verifier

import (
	"context"
	"fmt"
	"log"
	"sync"

	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/observability"
)

// Config selects the coordinator's judging mode.
type Config struct {
	SelfRef string

	// Personas is how many independent verifier personas vote on each
	// delivery. Zero or one runs the single-verifier pipeline; more runs
	// weighted consensus across salted pipelines.
	Personas int

	// Weights assigns a voting weight to each persona by index. Personas
	// beyond the slice, and entries <= 0, vote with the default weight.
	Weights []float64
}

// Agent is the verification coordinator process.
type Agent struct {
	cfg    Config
	bus    bus.Bus
	runner marketplace.CheckRunner
	clock  marketplace.Clock

	mu       sync.Mutex
	verdicts map[string]verdict // keyed by escrow id
	unsubs   []func()
}

// verdict is a settled judgment, kept so a redelivered request re-sends the
// same answer instead of judging twice.
type verdict struct {
	result      bus.VerificationResult
	attestation marketplace.VerificationAttestation
}

func New(cfg Config, b bus.Bus, runner marketplace.CheckRunner, clock marketplace.Clock) *Agent {
	if runner == nil {
		runner = marketplace.HashCheckRunner{}
	}
	if clock == nil {
		clock = marketplace.SystemClock()
	}
	return &Agent{
		cfg:      cfg,
		bus:      b,
		runner:   runner,
		clock:    clock,
		verdicts: make(map[string]verdict),
	}
}

// Start subscribes to this coordinator's targeted request topic.
func (a *Agent) Start() error {
	unsub, err := a.bus.Subscribe(bus.TopicVerifyRequest(a.cfg.SelfRef), a.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe verification requests: %w", err)
	}
	a.unsubs = append(a.unsubs, unsub)
	mode := "single"
	if a.cfg.Personas > 1 {
		mode = fmt.Sprintf("consensus(%d)", a.cfg.Personas)
	}
	log.Printf("verifier %s: started in %s mode", a.cfg.SelfRef, mode)
	return nil
}

// Stop drops the agent's subscriptions.
func (a *Agent) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

func (a *Agent) weight(persona int) float64 {
	if persona < len(a.cfg.Weights) && a.cfg.Weights[persona] > 0 {
		return a.cfg.Weights[persona]
	}
	return marketplace.DefaultVerifierWeight
}

// handleRequest judges one delivery. Each escrow is judged exactly once; a
// redelivered request re-sends the stored verdict so the registry can recover
// from a lost result without the scores shifting underneath it.
func (a *Agent) handleRequest(_ string, env *bus.Envelope) {
	req := env.VerificationRequest
	ctx := context.Background()

	a.mu.Lock()
	if v, done := a.verdicts[req.EscrowID]; done {
		a.mu.Unlock()
		log.Printf("verifier %s: escrow %s already judged, re-sending verdict", a.cfg.SelfRef, req.EscrowID)
		a.sendResult(ctx, req.RegistryRef, v.result)
		return
	}
	a.mu.Unlock()

	in := marketplace.VerificationInput{
		EscrowID:    req.EscrowID,
		JobID:       req.JobID,
		DeliveryRef: req.DeliveryRef,
		JobType:     req.JobType,
		Deadline:    req.Deadline,
		DeliveredAt: req.DeliveredAt,
	}

	var att marketplace.VerificationAttestation
	verifiers := 1
	if a.cfg.Personas > 1 {
		att = a.judgeByConsensus(in)
		verifiers = a.cfg.Personas
	} else {
		att = marketplace.RunChecks(a.runner, in, a.cfg.SelfRef, a.clock.Now())
	}

	v := verdict{
		result: bus.VerificationResult{
			EscrowID:    req.EscrowID,
			JobID:       req.JobID,
			DeliveryRef: req.DeliveryRef,
			Passed:      att.Passed,
			Score:       att.Score,
			VerifierRef: a.cfg.SelfRef,
			Verifiers:   verifiers,
		},
		attestation: att,
	}

	a.mu.Lock()
	// Two deliveries of the same request can race past the first check; the
	// first verdict stored wins and both send the same thing.
	if prior, done := a.verdicts[req.EscrowID]; done {
		v = prior
	} else {
		a.verdicts[req.EscrowID] = v
		observability.RecordVerification(att.Passed)
	}
	a.mu.Unlock()

	log.Printf("verifier %s: escrow %s scored %.1f passed=%v (verifiers=%d)",
		a.cfg.SelfRef, req.EscrowID, v.result.Score, v.result.Passed, v.result.Verifiers)

	a.sendResult(ctx, req.RegistryRef, v.result)

	audit := bus.NewEnvelope(bus.MsgAttestation, a.cfg.SelfRef)
	attCopy := v.attestation
	audit.Attestation = &attCopy
	if err := a.bus.Publish(ctx, bus.TopicAttestations, audit); err != nil {
		log.Printf("verifier %s: broadcast attestation for escrow %s: %v", a.cfg.SelfRef, req.EscrowID, err)
	}
}

// judgeByConsensus runs the check pipeline once per persona, each with its
// own salt so the personas disagree the way independent judges would, then
// folds the votes into a weighted consensus.
func (a *Agent) judgeByConsensus(in marketplace.VerificationInput) marketplace.VerificationAttestation {
	now := a.clock.Now()
	votes := make([]marketplace.VerifierResult, 0, a.cfg.Personas)
	var first marketplace.VerificationAttestation
	for i := 0; i < a.cfg.Personas; i++ {
		in.Salt = fmt.Sprintf("persona-%d", i+1)
		att := marketplace.RunChecks(a.runner, in, fmt.Sprintf("%s#%d", a.cfg.SelfRef, i+1), now)
		if i == 0 {
			first = att
		}
		votes = append(votes, marketplace.VerifierResult{
			VerifierRef: att.VerifierRef,
			Passed:      att.Passed,
			Score:       att.Score,
			Weight:      a.weight(i),
		})
	}

	c := marketplace.ComputeConsensus(votes)
	checks := make(map[string]marketplace.CheckResult, len(first.Checks)+1)
	for name, res := range first.Checks {
		checks[name] = res
	}
	checks["consensus"] = marketplace.CheckResult{
		Passed: c.Passed,
		Score:  c.Score,
		Scored: true,
		Detail: fmt.Sprintf("%d verifiers, %.0f/%.0f votes passing, agreement %.2f", c.Verifiers, c.PassVotes, c.TotalWeight, c.AgreementRatio),
	}

	return marketplace.VerificationAttestation{
		EscrowID:    in.EscrowID,
		JobID:       in.JobID,
		DeliveryRef: in.DeliveryRef,
		Passed:      c.Passed,
		Score:       c.Score,
		Checks:      checks,
		VerifierRef: a.cfg.SelfRef,
		VerifiedAt:  now,
	}
}

func (a *Agent) sendResult(ctx context.Context, registryRef string, result bus.VerificationResult) {
	env := bus.NewEnvelope(bus.MsgVerificationResult, a.cfg.SelfRef)
	r := result
	env.VerificationResult = &r
	if err := a.bus.Publish(ctx, bus.TopicVerifyResult(registryRef), env); err != nil {
		log.Printf("verifier %s: send verdict for escrow %s to %s: %v", a.cfg.SelfRef, result.EscrowID, registryRef, err)
	}
}
