// Package ledger wraps the external escrow service. The ledger is the source
// of truth for fund movement; everything else in the marketplace holds at
// most a stale cache of what it says.
package ledger

import (
	"context"
	"fmt"
)

type Err string

func (e Err) Error() string { return string(e) }

const (
	ErrEscrowNotFound   Err = "escrow not found"
	ErrEscrowExists     Err = "escrow already exists"
	ErrNotFunded        Err = "escrow not funded"
	ErrEscrowDisputed   Err = "escrow is disputed"
	ErrEscrowClosed     Err = "escrow already settled"
	ErrStatusRegression Err = "escrow status cannot move backward"
)

// EscrowStatus is the ledger's fund-movement state. The numeric ordering is
// part of the contract: callers only ever ask "has this escrow progressed at
// least this far", via AtLeast. Disputed and Refunded are alternate terminal
// branches, not further progress.
type EscrowStatus int

const (
	StatusNone EscrowStatus = iota
	StatusCreated
	StatusFunded
	StatusDelivered
	StatusDisputed
	StatusReleased
	StatusRefunded
)

var statusNames = map[EscrowStatus]string{
	StatusNone:      "none",
	StatusCreated:   "created",
	StatusFunded:    "funded",
	StatusDelivered: "delivered",
	StatusDisputed:  "disputed",
	StatusReleased:  "released",
	StatusRefunded:  "refunded",
}

func (s EscrowStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseStatus maps a wire name back onto the enum.
func ParseStatus(raw string) (EscrowStatus, error) {
	for s, name := range statusNames {
		if name == raw {
			return s, nil
		}
	}
	return StatusNone, fmt.Errorf("unknown escrow status %q", raw)
}

// AtLeast reports whether s has progressed at least as far as min.
func (s EscrowStatus) AtLeast(min EscrowStatus) bool { return s >= min }

// Escrow is the ledger-side fund record.
type Escrow struct {
	EscrowID   string       `json:"escrow_id"`
	JobID      string       `json:"job_id"`
	ClientRef  string       `json:"client_ref"`
	WorkerRef  string       `json:"worker_ref"`
	AmountSats int64        `json:"amount_sats"`
	Status     EscrowStatus `json:"status"`
	// DeliveryRef is set by SubmitDelivery; kept for auditability only.
	DeliveryRef string `json:"delivery_ref,omitempty"`
}

// EscrowLedger is the external escrow contract, seen through the operations
// the marketplace invokes. Every call can fail transiently; callers treat RPC
// errors as retryable, never as a job-fatal condition.
type EscrowLedger interface {
	CreateEscrow(ctx context.Context, escrowID, jobID, clientRef, workerRef string, amountSats int64) error
	FundEscrow(ctx context.Context, escrowID string) error
	Status(ctx context.Context, escrowID string) (EscrowStatus, error)
	SubmitDelivery(ctx context.Context, escrowID, deliveryRef string) error
	ApproveWork(ctx context.Context, escrowID string) error
	RaiseDispute(ctx context.Context, escrowID, reason string) error
}

// NewLedger selects an implementation by name.
func NewLedger(name, apiBase string) EscrowLedger {
	switch name {
	case "http":
		return NewHTTPLedger(apiBase)
	default:
		return NewMemoryLedger()
	}
}
