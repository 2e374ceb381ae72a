package matcher

import (
	"context"
	"log"
	"time"

	"jobmesh-backend/core/marketplace"
	"jobmesh-backend/ledger"
	"jobmesh-backend/observability"
)

const (
	fundingPollInterval = 5 * time.Second
	fundingMaxAttempts  = 30
)

// FundingWatch polls the ledger until one escrow reads Funded. It is a
// bounded loop, not a background service: an escrow that never funds within
// MaxAttempts polls is abandoned and its job stalls, which costs one log line
// instead of a leaked goroutine per dead escrow.
type FundingWatch struct {
	EscrowID    string
	Attempt     int
	MaxAttempts int
	Interval    time.Duration

	escrow ledger.EscrowLedger
	clock  marketplace.Clock
}

func NewFundingWatch(escrowID string, escrow ledger.EscrowLedger, clock marketplace.Clock) *FundingWatch {
	return &FundingWatch{
		EscrowID:    escrowID,
		MaxAttempts: fundingMaxAttempts,
		Interval:    fundingPollInterval,
		escrow:      escrow,
		clock:       clock,
	}
}

// Run polls until the escrow reads Funded or better, the attempt budget runs
// out, or ctx is canceled. It reports whether funding was confirmed. A failed
// ledger query is a transient fault: it consumes an attempt and the loop
// keeps going.
func (w *FundingWatch) Run(ctx context.Context) (bool, error) {
	for w.Attempt < w.MaxAttempts {
		w.Attempt++
		status, err := w.escrow.Status(ctx, w.EscrowID)
		switch {
		case err != nil:
			observability.RecordFundingPoll("error")
			log.Printf("funding watch %s: poll %d/%d: %v", w.EscrowID, w.Attempt, w.MaxAttempts, err)
		case status.AtLeast(ledger.StatusFunded):
			observability.RecordFundingPoll("funded")
			log.Printf("funding watch %s: funded after %d polls", w.EscrowID, w.Attempt)
			return true, nil
		default:
			observability.RecordFundingPoll("pending")
		}

		if w.Attempt >= w.MaxAttempts {
			break
		}
		select {
		case <-w.clock.After(w.Interval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	observability.RecordFundingPoll("exhausted")
	log.Printf("funding watch %s: gave up after %d polls", w.EscrowID, w.Attempt)
	return false, nil
}
