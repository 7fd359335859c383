package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/bjoelf/multibroker/broker"
)

// ReconnectPolicy bounds the recovery loop: capped exponential backoff with
// a fixed attempt budget.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultReconnectPolicy returns the standard policy: 5 attempts, 1s base
// delay doubling up to a 30s cap.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before the given zero-based attempt:
// min(BaseDelay << attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Reconnect is the recovery path, invoked by the owner when a broker's
// connection is observed to be lost. It never returns an error: progress and
// outcome are communicated exclusively through connection_status events.
//
// Each round broadcasts retry progress, sleeps the backoff delay, then
// disconnects (guaranteeing a clean adapter state), reconnects, and replays
// every quote subscription stored for the broker. Subscriber callbacks are
// preserved across the reconnect, so callers never re-subscribe themselves.
//
// A round counts against the budget whether it fails at the dial or at the
// replay that follows it.
//
// The loop stops on: success, context cancellation, a Cleanup call for the
// broker, or attempt-budget exhaustion. Exhaustion broadcasts a terminal
// disconnected connection_status and leaves the broker in a permanent
// failure state requiring explicit caller action.
func (m *Manager) Reconnect(ctx context.Context, id broker.BrokerID) {
	m.mu.Lock()
	_, st, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		m.log.Warn("reconnect for unknown broker", "broker", id)
		return
	}
	// The loop owns the budget. Connect zeroes the stored counter on a
	// successful dial, so a round that dials fine but fails replay must
	// not start over with a fresh budget.
	attempt := st.attempts
	m.mu.Unlock()

	for {
		m.mu.Lock()
		cancel := st.cancelReconnect
		m.mu.Unlock()

		if attempt >= m.policy.MaxAttempts {
			m.log.Error("giving up on reconnection", "broker", id, "attempts", attempt)
			m.broadcast(broker.EventConnectionStatus, id, broker.ConnectionStatus{
				Connected: false,
				Err:       fmt.Sprintf("Max reconnection attempts (%d) reached", m.policy.MaxAttempts),
			})
			return
		}

		delay := m.policy.Delay(attempt)
		m.log.Info("scheduling reconnect", "broker", id, "attempt", attempt+1, "maxAttempts", m.policy.MaxAttempts, "delay", delay)
		m.broadcast(broker.EventConnectionStatus, id, broker.ConnectionStatus{
			Connected:    false,
			Reconnecting: true,
			Attempt:      attempt + 1,
			MaxAttempts:  m.policy.MaxAttempts,
		})

		select {
		case <-ctx.Done():
			m.log.Info("reconnect cancelled", "broker", id, "err", ctx.Err())
			return
		case <-cancel:
			m.log.Info("reconnect aborted by cleanup", "broker", id)
			return
		case <-time.After(delay):
		}

		attempt++
		m.mu.Lock()
		st.attempts = attempt
		m.mu.Unlock()

		// Tear down whatever half-open state the adapter is left with
		// before dialing again.
		_ = m.Disconnect(id)

		if err := m.Connect(ctx, id); err != nil {
			m.log.Warn("reconnect attempt failed", "broker", id, "attempt", attempt, "err", err)
			continue
		}

		if err := m.replaySubscriptions(id); err != nil {
			m.log.Warn("subscription replay failed, retrying", "broker", id, "err", err)
			_ = m.Disconnect(id)
			// The dial zeroed the stored counter; put the spent
			// attempts back so the broker stays budgeted.
			m.mu.Lock()
			st.attempts = attempt
			m.mu.Unlock()
			continue
		}

		m.log.Info("reconnected with subscription replay", "broker", id)
		return
	}
}

// replaySubscriptions re-issues the wire-level quote subscription for every
// stored subscription belonging to the broker, with a freshly created
// adapter callback. It must complete before Reconnect reports success.
func (m *Manager) replaySubscriptions(id broker.BrokerID) error {
	m.mu.Lock()
	a := m.adapters[id]
	var toReplay []*subscription
	for _, sub := range m.subs {
		if sub.brokerID == id {
			toReplay = append(toReplay, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range toReplay {
		sub.setActive(true)
		if err := a.SubscribeQuotes(sub.symbols, m.quoteFanout(sub)); err != nil {
			sub.setActive(false)
			return fmt.Errorf("replaying %v: %w", sub.symbols, err)
		}
	}
	if len(toReplay) > 0 {
		m.log.Info("replayed subscriptions", "broker", id, "count", len(toReplay))
	}
	return nil
}
