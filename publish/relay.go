// Package publish relays the envelope stream onto a NATS message bus so
// out-of-process consumers (strategy runners, recorders, UIs) see the same
// events as in-process listeners. Delivery is fire-and-forget over NATS
// core; the relay is an optional leaf, never in the hot path's error flow.
package publish

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bjoelf/multibroker/broker"
)

// Conn is the slice of the NATS client the relay uses. *nats.Conn satisfies
// it; tests substitute a recorder.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Config tunes the relay and its connection.
type Config struct {
	// URL of the NATS server, e.g. nats.DefaultURL.
	URL string
	// SubjectPrefix roots every published subject. Defaults to "terminal".
	SubjectPrefix string
	// Name identifies the client to the server.
	Name string
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

const (
	defaultPrefix         = "terminal"
	defaultConnectTimeout = 5 * time.Second
)

// Connect dials NATS with the relay's standard options: bounded dial,
// automatic client-side reconnect, and logged connection events.
func Connect(cfg Config, log *slog.Logger) (*nats.Conn, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(timeout),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Warn("nats connection closed")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", nc.ConnectedUrl())
	return nc, nil
}

// Relay publishes every envelope it is handed to
// <prefix>.<event>.<brokerId>. It holds no adapter state; feed it from the
// stream manager with Attach.
type Relay struct {
	conn   Conn
	prefix string
	log    *slog.Logger
}

// NewRelay wraps an established connection.
func NewRelay(conn Conn, prefix string, log *slog.Logger) *Relay {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Relay{conn: conn, prefix: prefix, log: log}
}

// Publish serializes one envelope and fires it at the bus. A serialization
// or publish failure is logged and swallowed: the in-process stream must
// never stall because the bus is down.
func (r *Relay) Publish(msg broker.Message) {
	subject := fmt.Sprintf("%s.%s.%s", r.prefix, msg.Event, msg.BrokerID)
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error("envelope serialization failed", "subject", subject, "err", err)
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		r.log.Error("nats publish failed", "subject", subject, "err", err)
	}
}

// Broadcaster is the slice of the stream manager the relay attaches to.
type Broadcaster interface {
	On(kind broker.EventKind, cb func(broker.Message)) func()
}

// Attach subscribes the relay to every event kind on the given stream and
// returns a detach function that also flushes and closes the connection.
func (r *Relay) Attach(stream Broadcaster) func() {
	removals := make([]func(), 0, len(broker.EventKinds))
	for _, kind := range broker.EventKinds {
		removals = append(removals, stream.On(kind, r.Publish))
	}
	return func() {
		for _, remove := range removals {
			remove()
		}
		if err := r.conn.Flush(); err != nil {
			r.log.Warn("nats flush on detach failed", "err", err)
		}
		r.conn.Close()
	}
}
