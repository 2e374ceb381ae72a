// Package reputation persists reputation records, the escrow-keyed ledger of
// applied updates, and issued badges. The applied-update ledger is what makes
// redelivered reputation_update messages harmless: a record mutates at most
// once per escrow, no matter how many times the bus hands us the message.
package reputation

import (
	"context"

	"jobmesh-backend/core/marketplace"
)

// Store abstracts reputation persistence for one reputation agent.
type Store interface {
	// ApplyUpdate folds one completion into subjectRef's record, using
	// escrowID as the idempotency key. The first call for an
	// (escrow, subject) pair runs apply against the current record inside
	// the store's critical section and persists the result; any later call
	// with the same pair leaves the record alone and reports applied=false.
	// A subject never seen before starts from a fresh empty record.
	ApplyUpdate(ctx context.Context, subjectRef, escrowID string, apply func(*marketplace.ReputationRecord)) (applied bool, rec marketplace.ReputationRecord, err error)

	// GetRecord returns the subject's current record. An unknown subject
	// gets a fresh empty record rather than an error, so every agent has a
	// readable score from the start.
	GetRecord(ctx context.Context, subjectRef string) (marketplace.ReputationRecord, error)

	// IssueBadge awards a badge. Each (subject, badge type) pair is held at
	// most once; issuing an already-held type reports issued=false and
	// leaves the original award untouched.
	IssueBadge(ctx context.Context, badge marketplace.Badge) (issued bool, err error)
	ListBadges(ctx context.Context, subjectRef string) ([]marketplace.Badge, error)

	Close()
}
