// Package bus carries the marketplace protocol between agents. All traffic is
// at-least-once and unordered; consumers are expected to tolerate duplicates
// and stale messages, so the bus itself never dedups.
package bus

import "context"

type Err string

func (e Err) Error() string { return string(e) }

const (
	ErrBusClosed   Err = "bus closed"
	ErrEmptyTopic  Err = "empty topic"
	ErrNilEnvelope Err = "nil envelope"
	ErrNilHandler  Err = "nil handler"
)

// Handler consumes one decoded envelope. Handlers run on the bus's delivery
// goroutine and must not block for long.
type Handler func(topic string, env *Envelope)

// Bus is the pub/sub fabric agents talk over. Publish validates the envelope
// before it leaves the process; Subscribe returns a cancel func that stops
// delivery.
type Bus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Subscribe(topic string, h Handler) (func(), error)
	Close() error
}
