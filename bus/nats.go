package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"jobmesh-backend/observability"
)

// NATSBus adapts a NATS connection to the Bus interface. Reconnects are
// handled by the client; messages published while disconnected are buffered
// by the library up to its default pending limits.
type NATSBus struct {
	conn *nats.Conn
}

// ConnectNATS dials the given server (nats.DefaultURL when empty) with
// unlimited reconnects.
func ConnectNATS(url string) (*NATSBus, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[bus] nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[bus] nats reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, env *Envelope) error {
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
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	observability.RecordBusPublish(topic)
	return nil
}

func (b *NATSBus) Subscribe(topic string, h Handler) (func(), error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}
	sub, err := b.conn.Subscribe(topic, func(m *nats.Msg) {
		env, err := DecodeEnvelope(m.Data)
		if err != nil {
			log.Printf("[bus] drop malformed message on %s: %v", topic, err)
			observability.RecordBusDrop(topic, "malformed")
			return
		}
		observability.RecordBusDeliver(topic)
		h(topic, env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && !b.conn.IsClosed() {
			log.Printf("[bus] unsubscribe %s: %v", topic, err)
		}
	}, nil
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Drain()
}
