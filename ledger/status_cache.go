package ledger

import (
	"context"
	"log"
	"sync"
)

// StatusCache wraps an EscrowLedger so the status observed through it never
// moves backward. The ledger itself is monotonic, but a remote one can answer
// from a replica that lags our own earlier reads; the cache holds each
// escrow's high-water mark and clamps any answer behind it. It is a read
// cache only: the floor rises on Status responses, never on the assumed
// effect of a mutation, so funding is still confirmed by querying, not by
// trusting that a call stuck.
type StatusCache struct {
	EscrowLedger

	mu   sync.Mutex
	seen map[string]EscrowStatus
}

func NewStatusCache(inner EscrowLedger) *StatusCache {
	return &StatusCache{EscrowLedger: inner, seen: make(map[string]EscrowStatus)}
}

// Status queries the wrapped ledger and returns the answer or the escrow's
// high-water mark, whichever has progressed further. Errors pass through
// untouched and leave the mark where it was.
func (c *StatusCache) Status(ctx context.Context, escrowID string) (EscrowStatus, error) {
	status, err := c.EscrowLedger.Status(ctx, escrowID)
	if err != nil {
		return status, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	floor := c.seen[escrowID]
	if !status.AtLeast(floor) {
		log.Printf("escrow %s: ledger answered %s behind earlier %s, holding the mark", escrowID, status, floor)
		return floor, nil
	}
	c.seen[escrowID] = status
	return status, nil
}
