package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bjoelf/multibroker/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockAdapter records every call the manager makes and lets tests inject
// failures and deliver quotes through the registered callbacks.
type mockAdapter struct {
	id broker.BrokerID

	mu            sync.Mutex
	connectErr    error
	connectErrs   []error // consumed first, one per ConnectWebSocket call
	connectDelay  time.Duration
	disconnectErr error
	subErr        error

	connectCalls    int
	disconnectCalls int
	subCalls        [][]broker.Symbol
	unsubCalls      [][]broker.Symbol

	quoteCbs []broker.QuoteCallback
	depthCb  broker.DepthCallback
	orderCb  broker.OrderCallback
	posCb    broker.PositionCallback
	orderErr error
	posErr   error
}

func newMockAdapter(id broker.BrokerID) *mockAdapter {
	return &mockAdapter{id: id}
}

func (m *mockAdapter) ID() broker.BrokerID                   { return m.id }
func (m *mockAdapter) CredentialKind() broker.CredentialKind { return broker.KindAPIKeyOnly }

func (m *mockAdapter) Initialize(ctx context.Context, cred *broker.Credential) error { return nil }

func (m *mockAdapter) Authenticate(ctx context.Context) (broker.AuthStatus, error) {
	return broker.AuthStatus{BrokerID: m.id, State: broker.StateAuthenticated, Authenticated: true}, nil
}

func (m *mockAdapter) Disconnect() error { return m.DisconnectWebSocket() }

func (m *mockAdapter) ConnectWebSocket(ctx context.Context) error {
	m.mu.Lock()
	delay := m.connectDelay
	m.connectCalls++
	var err error
	if len(m.connectErrs) > 0 {
		err = m.connectErrs[0]
		m.connectErrs = m.connectErrs[1:]
	} else {
		err = m.connectErr
	}
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (m *mockAdapter) DisconnectWebSocket() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectCalls++
	return m.disconnectErr
}

func (m *mockAdapter) SubscribeQuotes(symbols []broker.Symbol, cb broker.QuoteCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.subCalls = append(m.subCalls, symbols)
	m.quoteCbs = append(m.quoteCbs, cb)
	return nil
}

func (m *mockAdapter) UnsubscribeQuotes(symbols []broker.Symbol) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubCalls = append(m.unsubCalls, symbols)
	return nil
}

func (m *mockAdapter) SubscribeMarketDepth(s broker.Symbol, cb broker.DepthCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthCb = cb
	return nil
}

func (m *mockAdapter) SubscribeOrders(cb broker.OrderCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orderErr != nil {
		return m.orderErr
	}
	m.orderCb = cb
	return nil
}

func (m *mockAdapter) SubscribePositions(cb broker.PositionCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.posErr != nil {
		return m.posErr
	}
	m.posCb = cb
	return nil
}

func (m *mockAdapter) AuthStatus() broker.AuthStatus {
	return broker.AuthStatus{BrokerID: m.id, State: broker.StateAuthenticated, Authenticated: true}
}

func (m *mockAdapter) IsAuthenticated() bool { return true }

// pushQuote delivers a quote through the most recent wire subscription.
func (m *mockAdapter) pushQuote(q broker.Quote) {
	m.mu.Lock()
	var cb broker.QuoteCallback
	if len(m.quoteCbs) > 0 {
		cb = m.quoteCbs[len(m.quoteCbs)-1]
	}
	m.mu.Unlock()
	if cb != nil {
		cb(q)
	}
}

func (m *mockAdapter) counts() (connects, disconnects, subs, unsubs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls, m.disconnectCalls, len(m.subCalls), len(m.unsubCalls)
}

// newTestManager wires a manager with fast backoff and one registered mock.
func newTestManager(id broker.BrokerID) (*Manager, *mockAdapter) {
	m := NewManager(ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
	}, testLogger())
	a := newMockAdapter(id)
	m.RegisterAdapter(id, a)
	return m, a
}

// collectStatuses subscribes to connection_status events and returns a
// getter for the payloads observed so far.
func collectStatuses(m *Manager) func() []broker.ConnectionStatus {
	var mu sync.Mutex
	var got []broker.ConnectionStatus
	m.On(broker.EventConnectionStatus, func(msg broker.Message) {
		cs, ok := msg.Data.(broker.ConnectionStatus)
		if !ok {
			return
		}
		mu.Lock()
		got = append(got, cs)
		mu.Unlock()
	})
	return func() []broker.ConnectionStatus {
		mu.Lock()
		defer mu.Unlock()
		out := make([]broker.ConnectionStatus, len(got))
		copy(out, got)
		return out
	}
}
