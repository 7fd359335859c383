// Package stream owns connection liveness and subscription multiplexing for
// every registered broker. It isolates subscribers from reconnection churn:
// callbacks registered through the manager survive a reconnect because the
// manager replays wire-level subscriptions itself.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bjoelf/multibroker/broker"
)

// connState tracks one broker's connection lifecycle. connected and
// connecting are never both true; attempts resets to 0 only once a recovery
// round fully succeeds (dial plus replay) and increments inside the
// reconnect loop.
type connState struct {
	connected       bool
	connecting      bool
	attempts        int
	cancelReconnect chan struct{}
}

// Manager multiplexes logical subscriptions onto per-broker streaming
// connections and recovers from connection loss with bounded backed-off
// retries. Construct one per application at the composition root; there is
// no package-level singleton.
type Manager struct {
	mu        sync.Mutex
	adapters  map[broker.BrokerID]broker.Adapter
	states    map[broker.BrokerID]*connState
	subs      map[string]*subscription
	depthSubs map[string]*depthSubscription
	listeners map[broker.EventKind]map[uint64]func(broker.Message)
	nextToken uint64

	policy ReconnectPolicy
	log    *slog.Logger
}

// NewManager creates a stream manager with the given reconnect policy.
func NewManager(policy ReconnectPolicy, log *slog.Logger) *Manager {
	if policy.MaxAttempts <= 0 {
		policy = DefaultReconnectPolicy()
	}
	return &Manager{
		adapters:  make(map[broker.BrokerID]broker.Adapter),
		states:    make(map[broker.BrokerID]*connState),
		subs:      make(map[string]*subscription),
		depthSubs: make(map[string]*depthSubscription),
		listeners: make(map[broker.EventKind]map[uint64]func(broker.Message)),
		policy:    policy,
		log:       log,
	}
}

// RegisterAdapter makes a broker known to the manager with a fresh
// connection state. Re-registering replaces the adapter; last wins.
func (m *Manager) RegisterAdapter(id broker.BrokerID, a broker.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[id] = a
	m.states[id] = &connState{cancelReconnect: make(chan struct{})}
}

// Connected reports whether the broker's streaming connection is up.
func (m *Manager) Connected(id broker.BrokerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	return ok && st.connected
}

// Connect opens the broker's streaming connection. A call while a previous
// connect is still in flight, or while already connected, is a no-op: at any
// moment at most one wire-level connect per broker is underway.
//
// On success the adapter's order and position streams are wired into the
// broadcast envelope and a connected connection_status event is emitted. On
// failure the flags are reset, a disconnected connection_status event
// carrying the error is emitted, and the error is returned.
func (m *Manager) Connect(ctx context.Context, id broker.BrokerID) error {
	m.mu.Lock()
	a, st, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if st.connected || st.connecting {
		m.mu.Unlock()
		return nil
	}
	st.connecting = true
	m.mu.Unlock()

	if err := a.ConnectWebSocket(ctx); err != nil {
		m.mu.Lock()
		st.connecting = false
		st.connected = false
		m.mu.Unlock()
		m.log.Error("websocket connect failed", "broker", id, "err", err)
		m.broadcast(broker.EventConnectionStatus, id, broker.ConnectionStatus{Connected: false, Err: err.Error()})
		return err
	}

	m.wireAccountStreams(id, a)

	m.mu.Lock()
	st.connecting = false
	st.connected = true
	st.attempts = 0
	m.mu.Unlock()

	m.log.Info("websocket connected", "broker", id)
	m.broadcast(broker.EventConnectionStatus, id, broker.ConnectionStatus{Connected: true})
	return nil
}

// wireAccountStreams re-broadcasts the adapter's order and position streams
// under the uniform envelope. An order event that carries a fill is also
// surfaced as a trade_update so fill tickers don't have to filter statuses.
func (m *Manager) wireAccountStreams(id broker.BrokerID, a broker.Adapter) {
	if err := a.SubscribeOrders(func(u broker.OrderUpdate) {
		m.broadcast(broker.EventOrderUpdate, id, u)
		if u.FilledQty > 0 {
			m.broadcast(broker.EventTradeUpdate, id, u)
		}
	}); err != nil {
		m.log.Warn("order stream subscription failed", "broker", id, "err", err)
	}
	if err := a.SubscribePositions(func(u broker.PositionUpdate) {
		m.broadcast(broker.EventPositionUpdate, id, u)
	}); err != nil {
		m.log.Warn("position stream subscription failed", "broker", id, "err", err)
	}
}

// Disconnect closes the broker's streaming connection but keeps its
// subscription entries so a later reconnect can replay them. Each
// subscription's adapter-level callback is deactivated first so a
// half-closed adapter cannot deliver into stale wiring.
func (m *Manager) Disconnect(id broker.BrokerID) error {
	m.mu.Lock()
	a, st, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for _, sub := range m.subs {
		if sub.brokerID == id {
			sub.setActive(false)
		}
	}
	for _, ds := range m.depthSubs {
		if ds.brokerID == id {
			ds.setActive(false)
		}
	}
	st.connected = false
	st.connecting = false
	m.mu.Unlock()

	derr := a.DisconnectWebSocket()
	if derr != nil {
		m.log.Warn("websocket disconnect failed", "broker", id, "err", derr)
	}
	m.broadcast(broker.EventConnectionStatus, id, broker.ConnectionStatus{Connected: false})
	return derr
}

// Cleanup is the destructive counterpart to Disconnect, used when a broker
// is being removed rather than reconnected: it aborts any in-flight
// reconnect loop, tears down and deletes every subscription for the broker,
// disconnects, and resets the attempt counter.
func (m *Manager) Cleanup(id broker.BrokerID) {
	m.mu.Lock()
	a := m.adapters[id]
	st := m.states[id]
	if st != nil {
		close(st.cancelReconnect)
		st.cancelReconnect = make(chan struct{})
	}
	var removed []*subscription
	for key, sub := range m.subs {
		if sub.brokerID == id {
			sub.setActive(false)
			removed = append(removed, sub)
			delete(m.subs, key)
		}
	}
	for key, ds := range m.depthSubs {
		if ds.brokerID == id {
			ds.setActive(false)
			delete(m.depthSubs, key)
		}
	}
	m.mu.Unlock()

	if a != nil {
		for _, sub := range removed {
			if err := a.UnsubscribeQuotes(sub.symbols); err != nil {
				m.log.Warn("unsubscribe during cleanup failed", "broker", id, "err", err)
			}
		}
	}

	if err := m.Disconnect(id); err != nil {
		m.log.Warn("disconnect during cleanup failed", "broker", id, "err", err)
	}

	m.mu.Lock()
	if st != nil {
		st.attempts = 0
	}
	m.mu.Unlock()
}

// ConnectAll connects every registered broker in parallel. One broker's
// failure never aborts the others; failures are logged per broker (and each
// also surfaces as a connection_status event from Connect).
func (m *Manager) ConnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.brokerIDs() {
		wg.Add(1)
		go func(id broker.BrokerID) {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				m.log.Error("connect failed", "broker", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// DisconnectAll disconnects every registered broker in parallel and waits
// for all of them to settle.
func (m *Manager) DisconnectAll() {
	var wg sync.WaitGroup
	for _, id := range m.brokerIDs() {
		wg.Add(1)
		go func(id broker.BrokerID) {
			defer wg.Done()
			if err := m.Disconnect(id); err != nil {
				m.log.Error("disconnect failed", "broker", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

func (m *Manager) brokerIDs() []broker.BrokerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]broker.BrokerID, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	return ids
}

// lookupLocked resolves adapter and state for a broker. Callers hold m.mu.
func (m *Manager) lookupLocked(id broker.BrokerID) (broker.Adapter, *connState, error) {
	a, ok := m.adapters[id]
	if !ok {
		return nil, nil, &UnknownBrokerError{ID: id}
	}
	return a, m.states[id], nil
}

// UnknownBrokerError reports an operation on a broker that was never
// registered with the manager.
type UnknownBrokerError struct {
	ID broker.BrokerID
}

func (e *UnknownBrokerError) Error() string {
	return "no adapter registered for broker " + string(e.ID)
}
