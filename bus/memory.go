package bus

import (
	"context"
	"encoding/json"
	"sync"

	"jobmesh-backend/observability"
)

type memorySub struct {
	id int
	h  Handler
}

// MemoryBus is an in-process Bus with exact-topic matching. It backs tests
// and single-process deployments. Delivery is synchronous in registration
// order, and every subscriber gets its own decoded copy of the message, so
// handlers never share payload memory with the publisher or each other.
type MemoryBus struct {
	mu     sync.Mutex
	closed bool
	nextID int
	subs   map[string][]memorySub
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	if env == nil {
		return ErrNilEnvelope
	}
	if err := env.Validate(); err != nil {
		observability.RecordBusDrop(topic, "invalid")
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	handlers := make([]memorySub, len(b.subs[topic]))
	copy(handlers, b.subs[topic])
	b.mu.Unlock()

	observability.RecordBusPublish(topic)
	for _, sub := range handlers {
		cp, err := DecodeEnvelope(data)
		if err != nil {
			// Cannot happen: the envelope validated before marshalling.
			observability.RecordBusDrop(topic, "decode")
			continue
		}
		observability.RecordBusDeliver(topic)
		sub.h(topic, cp)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], memorySub{id: id, h: h})
	return func() { b.unsubscribe(topic, id) }, nil
}

func (b *MemoryBus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]memorySub)
	return nil
}
