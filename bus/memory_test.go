package bus

import (
	"context"
	"testing"
)

func TestMemoryBus(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to exact topic only", func(t *testing.T) {
		b := NewMemoryBus()
		defer b.Close()

		var bids, accepts int
		if _, err := b.Subscribe(TopicJobsBids, func(string, *Envelope) { bids++ }); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Subscribe(TopicJobsAccept("agent://worker-1"), func(string, *Envelope) { accepts++ }); err != nil {
			t.Fatal(err)
		}

		if err := b.Publish(ctx, TopicJobsBids, validBidEnvelope()); err != nil {
			t.Fatal(err)
		}
		if bids != 1 || accepts != 0 {
			t.Errorf("delivery = bids:%d accepts:%d, want 1/0", bids, accepts)
		}
	})

	t.Run("subscribers get isolated copies", func(t *testing.T) {
		b := NewMemoryBus()
		defer b.Close()

		var first *Envelope
		b.Subscribe(TopicJobsBids, func(_ string, env *Envelope) {
			first = env
			env.Bid.PriceSats = 1 // must not leak into the second copy
		})
		var secondPrice int64
		b.Subscribe(TopicJobsBids, func(_ string, env *Envelope) { secondPrice = env.Bid.PriceSats })

		env := validBidEnvelope()
		env.Bid.PriceSats = 90
		if err := b.Publish(ctx, TopicJobsBids, env); err != nil {
			t.Fatal(err)
		}
		if first == env {
			t.Error("subscriber received the publisher's pointer")
		}
		if secondPrice != 90 {
			t.Errorf("second subscriber saw mutated price %d", secondPrice)
		}
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := NewMemoryBus()
		defer b.Close()

		var n int
		cancel, err := b.Subscribe(TopicJobsBids, func(string, *Envelope) { n++ })
		if err != nil {
			t.Fatal(err)
		}
		b.Publish(ctx, TopicJobsBids, validBidEnvelope())
		cancel()
		b.Publish(ctx, TopicJobsBids, validBidEnvelope())
		if n != 1 {
			t.Errorf("handler ran %d times, want 1", n)
		}
	})

	t.Run("publish without subscribers succeeds", func(t *testing.T) {
		b := NewMemoryBus()
		defer b.Close()
		if err := b.Publish(ctx, TopicReputation, validBidEnvelope()); err != nil {
			t.Errorf("publish to silent topic: %v", err)
		}
	})

	t.Run("invalid envelope rejected at publish", func(t *testing.T) {
		b := NewMemoryBus()
		defer b.Close()
		env := NewEnvelope(MsgBid, "agent://worker-1") // payload missing
		if err := b.Publish(ctx, TopicJobsBids, env); err == nil {
			t.Error("invalid envelope should not publish")
		}
	})

	t.Run("closed bus rejects traffic", func(t *testing.T) {
		b := NewMemoryBus()
		b.Close()
		if err := b.Publish(ctx, TopicJobsBids, validBidEnvelope()); err != ErrBusClosed {
			t.Errorf("publish after close = %v, want %v", err, ErrBusClosed)
		}
		if _, err := b.Subscribe(TopicJobsBids, func(string, *Envelope) {}); err != ErrBusClosed {
			t.Errorf("subscribe after close = %v, want %v", err, ErrBusClosed)
		}
	})
}

func TestTopicHelpers(t *testing.T) {
	cases := []struct {
		ref  string
		want string
	}{
		{"agent://worker-1", "worker-1"},
		{"agent://Client.Main", "Client-Main"},
		{"plain", "plain"},
		{"has space", "has-space"},
	}
	for _, tc := range cases {
		if got := SanitizeRef(tc.ref); got != tc.want {
			t.Errorf("SanitizeRef(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}

	if got := TopicJobsAccept("agent://worker-1"); got != "jobs.accept.worker-1" {
		t.Errorf("accept topic = %s", got)
	}
	if got := TopicVerifyRequest("agent://verifier-1"); got != "verify.request.verifier-1" {
		t.Errorf("verify request topic = %s", got)
	}
	if got := TopicVerifyResult("agent://client-1"); got != "verify.result.client-1" {
		t.Errorf("verify result topic = %s", got)
	}
}
