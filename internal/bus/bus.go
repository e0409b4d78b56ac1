// Package bus wraps the NATS JetStream connection used for sync job dispatch.
// Delivery is at-least-once; consumers de-duplicate by the chunking session id
// carried in the payload.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	connectTimeout = 5 * time.Second
	drainTimeout   = 10 * time.Second

	// SubjectRoot is the subject space all sync jobs are published under.
	SubjectRoot = "connector.sync.>"
)

// Bus is a connected JetStream client scoped to one stream.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	closed chan struct{}
}

// Connect dials NATS, sets up JetStream, and ensures the dispatch stream
// exists with the connector.sync.> subject space.
func Connect(url, stream, clientName string) (*Bus, error) {
	closed := make(chan struct{})
	nc, err := nats.Connect(url,
		nats.Name(clientName),
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(false),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			nc.Close()
			return nil, fmt.Errorf("stream info %s: %w", stream, err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{SubjectRoot},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream %s: %w", stream, err)
		}
	}

	return &Bus{nc: nc, js: js, stream: stream, closed: closed}, nil
}

// Publish publishes one message and waits for the JetStream ack.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if b == nil || b.js == nil {
		return errors.New("bus is not connected")
	}
	_, err := b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe creates a durable queue subscription with manual acks, so multiple
// workers share the subject space without double-delivery within the group.
func (b *Bus) Subscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if b == nil || b.js == nil {
		return nil, errors.New("bus is not connected")
	}
	return b.js.QueueSubscribe(subject, queue, handler,
		nats.ManualAck(),
		nats.Durable(queue),
		nats.AckWait(5*time.Minute),
		nats.MaxDeliver(5),
	)
}

// NotifyStatus registers fn for connection drop and resume events. The nats
// client reconnects on its own; this only reports the state change so callers
// can degrade readiness while the connection is down.
func (b *Bus) NotifyStatus(fn func(connected bool)) {
	if b == nil || b.nc == nil || fn == nil {
		return
	}
	b.nc.SetDisconnectErrHandler(func(*nats.Conn, error) { fn(false) })
	b.nc.SetReconnectHandler(func(*nats.Conn) { fn(true) })
}

// Connected reports whether the underlying connection is currently up.
func (b *Bus) Connected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

// Close drains the connection so in-flight publishes complete before teardown.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return
	}
	select {
	case <-b.closed:
	case <-time.After(drainTimeout):
		b.nc.Close()
	}
}
