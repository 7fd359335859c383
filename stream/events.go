package stream

import (
	"time"

	"github.com/bjoelf/multibroker/broker"
)

// On registers a global listener for one event kind. The returned function
// removes the listener; calling it more than once is harmless.
func (m *Manager) On(kind broker.EventKind, cb func(broker.Message)) func() {
	m.mu.Lock()
	m.nextToken++
	token := m.nextToken
	if m.listeners[kind] == nil {
		m.listeners[kind] = make(map[uint64]func(broker.Message))
	}
	m.listeners[kind][token] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners[kind], token)
		m.mu.Unlock()
	}
}

// broadcast wraps a payload in the envelope and delivers it to every
// listener registered for the event kind. One listener's panic never
// prevents delivery to the rest.
func (m *Manager) broadcast(kind broker.EventKind, id broker.BrokerID, data any) {
	msg := broker.Message{
		Event:     kind,
		BrokerID:  id,
		Data:      data,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	cbs := make([]func(broker.Message), 0, len(m.listeners[kind]))
	for _, cb := range m.listeners[kind] {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		m.safeDeliver(cb, msg)
	}
}

func (m *Manager) safeDeliver(cb func(broker.Message), msg broker.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("event listener panicked", "event", msg.Event, "broker", msg.BrokerID, "panic", r)
		}
	}()
	cb(msg)
}
