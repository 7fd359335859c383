package broker

import (
	"fmt"
	"log/slog"
	"sync"
)

// Settings carries the per-broker configuration an adapter constructor
// needs. Options holds adapter-specific keys (endpoints, feed names) so the
// registry stays ignorant of individual brokers.
type Settings struct {
	ID       BrokerID
	Endpoint string
	Options  map[string]string
}

// Option returns an Options field, or "" when absent.
func (s Settings) Option(key string) string {
	if s.Options == nil {
		return ""
	}
	return s.Options[key]
}

// Constructor builds an adapter from its settings.
type Constructor func(s Settings, log *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a named adapter constructor. Adapters call it from init().
// Registering the same name twice is a programming error.
func Register(name string, ctor Constructor) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return fmt.Errorf("adapter constructor already registered for %q", name)
	}
	registry[name] = ctor
	return nil
}

// New constructs an adapter of the named type with the given settings.
func New(name string, s Settings, log *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	ctor, exists := registry[name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown adapter type %q", name)
	}
	return ctor(s, log)
}

// Types returns the registered adapter type names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
