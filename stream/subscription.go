package stream

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bjoelf/multibroker/broker"
)

// subscription is one multiplexed quote subscription: any number of logical
// subscriber callbacks sharing exactly one wire-level adapter subscription.
// The callback set is mutated concurrently by UI components mounting and
// unmounting, so it lives behind its own lock.
type subscription struct {
	brokerID broker.BrokerID
	symbols  []broker.Symbol // sorted; identity of the subscription

	mu        sync.Mutex
	callbacks map[uint64]broker.QuoteCallback
	active    bool // wire-level subscription currently in place
}

func newSubscription(id broker.BrokerID, symbols []broker.Symbol) *subscription {
	return &subscription{
		brokerID:  id,
		symbols:   symbols,
		callbacks: make(map[uint64]broker.QuoteCallback),
	}
}

func (s *subscription) add(token uint64, cb broker.QuoteCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[token] = cb
}

// remove deletes one callback and reports whether the set is now empty.
func (s *subscription) remove(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, token)
	return len(s.callbacks) == 0
}

func (s *subscription) setActive(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = v
}

func (s *subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// snapshot returns the current callbacks so fan-out happens outside the
// lock; a callback that subscribes or unsubscribes from inside its own
// invocation must not deadlock.
func (s *subscription) snapshot() []broker.QuoteCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbs := make([]broker.QuoteCallback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

// depthSubscription is a single-subscriber market-depth subscription. Depth
// feeds are scarce and per-view, so they are not multiplexed.
type depthSubscription struct {
	brokerID broker.BrokerID
	symbol   broker.Symbol

	mu     sync.Mutex
	active bool
}

func (d *depthSubscription) setActive(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = v
}

func (d *depthSubscription) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SubscriptionHandle identifies one logical subscriber within a multiplexed
// subscription: Key names the shared wire-level subscription, token the
// individual callback registration.
type SubscriptionHandle struct {
	Key   string
	token uint64
}

// subscriptionKey derives the deterministic identity of a quote
// subscription from broker + sorted symbol set, so two logical subscribers
// requesting the same set share one wire subscription.
func subscriptionKey(id broker.BrokerID, sorted []broker.Symbol) string {
	parts := make([]string, len(sorted))
	for i, s := range sorted {
		parts[i] = s.String()
	}
	return string(id) + "|" + strings.Join(parts, ",")
}

// sortedSymbols returns a sorted copy so the caller's slice order never
// affects subscription identity.
func sortedSymbols(symbols []broker.Symbol) []broker.Symbol {
	out := make([]broker.Symbol, len(symbols))
	copy(out, symbols)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SubscribeQuotes registers a callback for the symbol set on a broker.
//
// Multiplexing invariant: N logical subscribers to the same symbol set on
// the same broker never produce more than one wire-level adapter
// subscription. The first subscriber creates the adapter subscription; later
// ones only join its callback set. The returned handle is used with
// RemoveCallback (polite, per-subscriber) or its Key with UnsubscribeQuotes
// (hard stop for everyone).
func (m *Manager) SubscribeQuotes(id broker.BrokerID, symbols []broker.Symbol, cb broker.QuoteCallback) (SubscriptionHandle, error) {
	if len(symbols) == 0 {
		return SubscriptionHandle{}, fmt.Errorf("empty symbol list")
	}
	sorted := sortedSymbols(symbols)
	key := subscriptionKey(id, sorted)

	m.mu.Lock()
	a, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return SubscriptionHandle{}, &UnknownBrokerError{ID: id}
	}
	m.nextToken++
	token := m.nextToken

	if sub, exists := m.subs[key]; exists {
		sub.add(token, cb)
		m.mu.Unlock()
		return SubscriptionHandle{Key: key, token: token}, nil
	}

	sub := newSubscription(id, sorted)
	sub.add(token, cb)
	m.subs[key] = sub
	m.mu.Unlock()

	sub.setActive(true)
	if err := a.SubscribeQuotes(sorted, m.quoteFanout(sub)); err != nil {
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		return SubscriptionHandle{}, fmt.Errorf("subscribing quotes on %s: %w", id, err)
	}

	m.log.Debug("quote subscription created", "broker", id, "key", key)
	return SubscriptionHandle{Key: key, token: token}, nil
}

// quoteFanout builds the adapter-level callback for a subscription: it
// broadcasts a quote_update envelope and then fans out to every callback
// currently in the set. Deactivated subscriptions (post-disconnect) mute
// late deliveries from a half-closed adapter.
func (m *Manager) quoteFanout(sub *subscription) broker.QuoteCallback {
	return func(q broker.Quote) {
		if !sub.isActive() {
			return
		}
		m.broadcast(broker.EventQuoteUpdate, sub.brokerID, q)
		for _, cb := range sub.snapshot() {
			m.safeQuote(cb, q)
		}
	}
}

func (m *Manager) safeQuote(cb broker.QuoteCallback, q broker.Quote) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("quote callback panicked", "symbol", q.Symbol, "panic", r)
		}
	}()
	cb(q)
}

// UnsubscribeQuotes unconditionally tears down the wire-level subscription
// for the key and drops the bookkeeping entry, regardless of how many
// callbacks are still registered.
func (m *Manager) UnsubscribeQuotes(key string) error {
	m.mu.Lock()
	sub, exists := m.subs[key]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("unknown subscription %q", key)
	}
	delete(m.subs, key)
	a := m.adapters[sub.brokerID]
	m.mu.Unlock()

	wasActive := sub.isActive()
	sub.setActive(false)
	if a != nil && wasActive {
		if err := a.UnsubscribeQuotes(sub.symbols); err != nil {
			return fmt.Errorf("unsubscribing quotes on %s: %w", sub.brokerID, err)
		}
	}
	return nil
}

// RemoveCallback removes one subscriber from a multiplexed subscription.
// When the last callback leaves, the wire-level subscription is torn down
// too. This is the right call for component-level cleanup: siblings sharing
// the symbol set are undisturbed.
func (m *Manager) RemoveCallback(h SubscriptionHandle) {
	m.mu.Lock()
	sub, exists := m.subs[h.Key]
	m.mu.Unlock()
	if !exists {
		return
	}
	if sub.remove(h.token) {
		if err := m.UnsubscribeQuotes(h.Key); err != nil {
			m.log.Warn("teardown after last callback failed", "key", h.Key, "err", err)
		}
	}
}

// SubscribeMarketDepth issues a depth subscription for one instrument. Each
// call creates its own wire-level subscription; depth feeds are not
// multiplexed. The returned key releases the bookkeeping entry via
// ReleaseMarketDepth.
func (m *Manager) SubscribeMarketDepth(id broker.BrokerID, symbol, exchange string, cb broker.DepthCallback) (string, error) {
	m.mu.Lock()
	a, ok := m.adapters[id]
	if !ok {
		m.mu.Unlock()
		return "", &UnknownBrokerError{ID: id}
	}
	m.nextToken++
	sym := broker.Symbol{Symbol: symbol, Exchange: exchange}
	key := fmt.Sprintf("%s|depth|%s|%d", id, sym, m.nextToken)
	ds := &depthSubscription{brokerID: id, symbol: sym, active: true}
	m.depthSubs[key] = ds
	m.mu.Unlock()

	err := a.SubscribeMarketDepth(sym, func(d broker.Depth) {
		if !ds.isActive() {
			return
		}
		m.broadcast(broker.EventDepthUpdate, id, d)
		m.safeDepth(cb, d)
	})
	if err != nil {
		m.mu.Lock()
		delete(m.depthSubs, key)
		m.mu.Unlock()
		return "", fmt.Errorf("subscribing depth on %s: %w", id, err)
	}
	return key, nil
}

func (m *Manager) safeDepth(cb broker.DepthCallback, d broker.Depth) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("depth callback panicked", "symbol", d.Symbol, "panic", r)
		}
	}()
	cb(d)
}

// ReleaseMarketDepth mutes and drops a depth subscription's bookkeeping.
// The adapter contract has no per-instrument depth unsubscribe; the feed
// stops at the next disconnect.
func (m *Manager) ReleaseMarketDepth(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ds, exists := m.depthSubs[key]; exists {
		ds.setActive(false)
		delete(m.depthSubs, key)
	}
}
