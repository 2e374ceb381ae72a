package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobmesh-backend/ledger"
)

// instantClock fires every timer immediately so poll loops run without real
// sleeps.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(1_700_000_000, 0).UTC()
	return ch
}

// frozenClock never fires, for tests that need the loop parked on its timer.
type frozenClock struct{ instantClock }

func (frozenClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

// countingLedger reports Created until the configured poll, optionally
// erroring on the first polls. Only Status is implemented; the watcher calls
// nothing else.
type countingLedger struct {
	ledger.EscrowLedger
	polls     int
	fundedAt  int // poll number that first reads Funded; 0 = never
	failFirst int // polls that error before the ledger responds
}

func (c *countingLedger) Status(_ context.Context, _ string) (ledger.EscrowStatus, error) {
	c.polls++
	if c.polls <= c.failFirst {
		return ledger.StatusNone, errors.New("rpc down")
	}
	if c.fundedAt > 0 && c.polls >= c.fundedAt {
		return ledger.StatusFunded, nil
	}
	return ledger.StatusCreated, nil
}

func TestFundingWatchFundsOnFifthPoll(t *testing.T) {
	led := &countingLedger{fundedAt: 5}
	w := NewFundingWatch("ESC-1", led, instantClock{})

	funded, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !funded {
		t.Fatal("watcher missed the funding")
	}
	if led.polls != 5 {
		t.Errorf("ledger polled %d times, want exactly 5", led.polls)
	}
	if w.Attempt != 5 {
		t.Errorf("attempt counter = %d, want 5", w.Attempt)
	}
}

func TestFundingWatchExhaustsRetryBudget(t *testing.T) {
	led := &countingLedger{} // never funds
	w := NewFundingWatch("ESC-1", led, instantClock{})

	funded, err := w.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if funded {
		t.Fatal("watcher claimed funding from a ledger that never funded")
	}
	if led.polls != fundingMaxAttempts {
		t.Errorf("ledger polled %d times, want %d then stop", led.polls, fundingMaxAttempts)
	}
}

func TestFundingWatchTreatsRPCErrorsAsAttempts(t *testing.T) {
	t.Run("recovers after transient errors", func(t *testing.T) {
		led := &countingLedger{failFirst: 2, fundedAt: 3}
		w := NewFundingWatch("ESC-1", led, instantClock{})
		funded, err := w.Run(context.Background())
		if err != nil || !funded {
			t.Fatalf("run = (%v, %v), want funded", funded, err)
		}
		if led.polls != 3 {
			t.Errorf("ledger polled %d times, want 3", led.polls)
		}
	})

	t.Run("a ledger that only errors exhausts the budget", func(t *testing.T) {
		led := &countingLedger{failFirst: 1 << 10}
		w := NewFundingWatch("ESC-1", led, instantClock{})
		funded, err := w.Run(context.Background())
		if err != nil || funded {
			t.Fatalf("run = (%v, %v), want unfunded without error", funded, err)
		}
		if led.polls != fundingMaxAttempts {
			t.Errorf("ledger polled %d times, want %d", led.polls, fundingMaxAttempts)
		}
	})
}

func TestFundingWatchCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	led := &countingLedger{}
	w := NewFundingWatch("ESC-1", led, frozenClock{})
	funded, err := w.Run(ctx)
	if funded {
		t.Error("canceled watch reported funded")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if led.polls != 1 {
		t.Errorf("ledger polled %d times, want 1 before parking on the timer", led.polls)
	}
}
