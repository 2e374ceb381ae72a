// Package reputation runs the reputation ledger: it folds settled jobs into
// per-subject records and issues achievement badges. Updates arrive over an
// at-least-once bus, so every mutation goes through the store's escrow-keyed
// dedup; badge issuance is idempotent on its own via the (subject, type)
// uniqueness rule.
package reputation

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"jobmesh-backend/bus"
	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/observability"
	"jobmesh-backend/storage/reputation"
)

// Config identifies the ledger process.
type Config struct {
	SelfRef string
}

// Agent is the reputation ledger process.
type Agent struct {
	cfg    Config
	bus    bus.Bus
	store  reputation.Store
	clock  marketplace.Clock
	unsubs []func()
}

func New(cfg Config, b bus.Bus, store reputation.Store, clock marketplace.Clock) *Agent {
	if clock == nil {
		clock = marketplace.SystemClock()
	}
	return &Agent{cfg: cfg, bus: b, store: store, clock: clock}
}

// Start subscribes to the shared reputation-update topic.
func (a *Agent) Start() error {
	unsub, err := a.bus.Subscribe(bus.TopicReputation, a.handleUpdate)
	if err != nil {
		return fmt.Errorf("subscribe reputation updates: %w", err)
	}
	a.unsubs = append(a.unsubs, unsub)
	log.Printf("reputation %s: started", a.cfg.SelfRef)
	return nil
}

// Stop drops the agent's subscriptions.
func (a *Agent) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

// handleUpdate folds one settled job into both parties' records. Worker and
// client are independent subjects: a redelivery that already counted one side
// still must not double-count the other.
func (a *Agent) handleUpdate(_ string, env *bus.Envelope) {
	upd := env.ReputationUpdate
	a.applyFor(upd, upd.WorkerRef, upd.Scores.Worker)
	a.applyFor(upd, upd.ClientRef, upd.Scores.Client)
}

func (a *Agent) applyFor(upd *bus.ReputationUpdate, subjectRef string, scoreComponent float64) {
	ctx := context.Background()
	now := a.clock.Now()
	completedAt := upd.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}

	applied, rec, err := a.store.ApplyUpdate(ctx, subjectRef, upd.EscrowID, func(rec *marketplace.ReputationRecord) {
		// Turnaround for this job is the gap since the record last moved;
		// cumulatively that makes the response average the account's age
		// spread over its jobs.
		turnaround := completedAt.Sub(rec.UpdatedAt).Hours()
		marketplace.ApplyCompletion(rec, upd.Success, turnaround, scoreComponent, now)
	})
	if err != nil {
		log.Printf("reputation %s: apply update for %s (escrow=%s): %v", a.cfg.SelfRef, subjectRef, upd.EscrowID, err)
		return
	}
	observability.RecordReputationUpdate(applied)
	if !applied {
		log.Printf("reputation %s: escrow %s already counted for %s, dropping redelivery", a.cfg.SelfRef, upd.EscrowID, subjectRef)
		return
	}
	log.Printf("reputation %s: %s now %d/%d jobs, score %d", a.cfg.SelfRef, subjectRef, rec.SuccessfulJobs, rec.TotalJobs, rec.Score)

	a.issueBadges(ctx, rec)
}

// issueBadges awards every badge the record now qualifies for. The store
// skips types already held, so re-evaluating unchanged stats issues nothing.
func (a *Agent) issueBadges(ctx context.Context, rec marketplace.ReputationRecord) {
	for _, badgeType := range marketplace.EligibleBadges(&rec) {
		badge := marketplace.Badge{
			BadgeID:    marketplace.NewBadgeID(),
			SubjectRef: rec.SubjectRef,
			Type:       badgeType,
			Metadata: map[string]string{
				"total_jobs": strconv.Itoa(rec.TotalJobs),
				"score":      strconv.Itoa(rec.Score),
			},
			IssuedAt: a.clock.Now(),
		}
		issued, err := a.store.IssueBadge(ctx, badge)
		if err != nil {
			log.Printf("reputation %s: issue badge %s for %s: %v", a.cfg.SelfRef, badgeType, rec.SubjectRef, err)
			continue
		}
		if issued {
			log.Printf("reputation %s: badge %s issued to %s", a.cfg.SelfRef, badgeType, rec.SubjectRef)
		}
	}
}

// Record reads a subject's current record.
func (a *Agent) Record(ctx context.Context, subjectRef string) (marketplace.ReputationRecord, error) {
	return a.store.GetRecord(ctx, subjectRef)
}

// Badges reads a subject's issued badges.
func (a *Agent) Badges(ctx context.Context, subjectRef string) ([]marketplace.Badge, error) {
	return a.store.ListBadges(ctx, subjectRef)
}
