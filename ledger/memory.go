package ledger

import (
	"context"
	"log"
	"sync"
)

// MemoryLedger is an in-process escrow ledger for tests and offline runs. It
// enforces the same monotonic status discipline the on-chain contract does,
// so code exercised against it sees real guard behavior.
type MemoryLedger struct {
	mu      sync.RWMutex
	escrows map[string]*Escrow
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{escrows: make(map[string]*Escrow)}
}

func (l *MemoryLedger) CreateEscrow(_ context.Context, escrowID, jobID, clientRef, workerRef string, amountSats int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.escrows[escrowID]; ok {
		return ErrEscrowExists
	}
	l.escrows[escrowID] = &Escrow{
		EscrowID:   escrowID,
		JobID:      jobID,
		ClientRef:  clientRef,
		WorkerRef:  workerRef,
		AmountSats: amountSats,
		Status:     StatusCreated,
	}
	log.Printf("[ledger] escrow %s created for job %s (%d sats)", escrowID, jobID, amountSats)
	return nil
}

func (l *MemoryLedger) FundEscrow(_ context.Context, escrowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.Status.AtLeast(StatusFunded) {
		return nil // already funded, idempotent
	}
	return l.raise(esc, StatusFunded)
}

func (l *MemoryLedger) Status(_ context.Context, escrowID string) (EscrowStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return StatusNone, nil
	}
	return esc.Status, nil
}

func (l *MemoryLedger) SubmitDelivery(_ context.Context, escrowID, deliveryRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if !esc.Status.AtLeast(StatusFunded) {
		return ErrNotFunded
	}
	if esc.Status.AtLeast(StatusDelivered) {
		return nil
	}
	esc.DeliveryRef = deliveryRef
	return l.raise(esc, StatusDelivered)
}

func (l *MemoryLedger) ApproveWork(_ context.Context, escrowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	switch {
	case esc.Status == StatusReleased:
		return nil // idempotent
	case esc.Status == StatusDisputed:
		return ErrEscrowDisputed
	case esc.Status == StatusRefunded:
		return ErrEscrowClosed
	case !esc.Status.AtLeast(StatusFunded):
		// A delivery record on the ledger is optional, funding is not.
		return ErrNotFunded
	}
	return l.raise(esc, StatusReleased)
}

func (l *MemoryLedger) RaiseDispute(_ context.Context, escrowID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	switch esc.Status {
	case StatusDisputed:
		return nil
	case StatusReleased, StatusRefunded:
		return ErrEscrowClosed
	}
	if !esc.Status.AtLeast(StatusFunded) {
		return ErrNotFunded
	}
	log.Printf("[ledger] escrow %s disputed: %s", escrowID, reason)
	return l.raise(esc, StatusDisputed)
}

// Refund settles a disputed escrow back to the client. Not part of the
// marketplace call surface; dispute resolution invokes it out-of-band.
func (l *MemoryLedger) Refund(_ context.Context, escrowID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	esc, ok := l.escrows[escrowID]
	if !ok {
		return ErrEscrowNotFound
	}
	if esc.Status == StatusRefunded {
		return nil
	}
	if esc.Status != StatusDisputed {
		return ErrEscrowClosed
	}
	return l.raise(esc, StatusRefunded)
}

// raise moves an escrow forward. Callers hold the write lock.
func (l *MemoryLedger) raise(esc *Escrow, to EscrowStatus) error {
	if to < esc.Status {
		return ErrStatusRegression
	}
	esc.Status = to
	log.Printf("[ledger] escrow %s -> %s", esc.EscrowID, to)
	return nil
}
