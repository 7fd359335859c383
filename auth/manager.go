// Package auth owns the authentication lifecycle for every registered
// broker: loading stored credentials, driving the adapter handshake,
// tracking per-broker auth status, and starting or stopping background token
// refresh. It is a lifecycle orchestrator: its entry points produce statuses
// rather than failing the caller.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bjoelf/multibroker/broker"
	"github.com/bjoelf/multibroker/credstore"
)

// NotConfiguredMessage is the status message for a broker with no stored
// credential. It marks a normal idle state, not a failure.
const NotConfiguredMessage = "Not configured"

type listenerEntry struct {
	id uint64
	cb func(broker.AuthStatus)
}

// Manager drives authenticate/refresh/disconnect for every broker,
// independent of any UI. Construct one per application at the composition
// root and pass it down; there is no package-level instance.
type Manager struct {
	mu           sync.Mutex
	adapters     map[broker.BrokerID]broker.Adapter
	statuses     map[broker.BrokerID]broker.AuthStatus
	listeners    []listenerEntry
	nextListener uint64

	store   credstore.Store
	refresh TokenRefreshService
	log     *slog.Logger
}

// NewManager creates an auth manager over the given credential store and
// refresh service.
func NewManager(store credstore.Store, refresh TokenRefreshService, log *slog.Logger) *Manager {
	return &Manager{
		adapters: make(map[broker.BrokerID]broker.Adapter),
		statuses: make(map[broker.BrokerID]broker.AuthStatus),
		store:    store,
		refresh:  refresh,
		log:      log,
	}
}

// RegisterAdapter records the adapter for a broker. Idempotent; the last
// registration for a broker wins. No side effects beyond bookkeeping.
func (m *Manager) RegisterAdapter(id broker.BrokerID, a broker.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[id] = a
}

// ---------------------------------------------------------------------------
// Credential pass-through
// ---------------------------------------------------------------------------

// SaveCredentials persists a credential bundle in the fixed record shape.
func (m *Manager) SaveCredentials(ctx context.Context, cred *broker.Credential) error {
	if cred == nil || cred.BrokerID == "" {
		return fmt.Errorf("credential needs a broker id")
	}
	rec, err := credentialToRecord(cred)
	if err != nil {
		return err
	}
	return m.store.Save(ctx, rec)
}

// LoadCredentials returns the stored bundle for a broker, or (nil, nil) when
// nothing usable is stored. A missing record and an incomplete one (no
// key/secret) are both the normal "not configured" outcome, not errors.
func (m *Manager) LoadCredentials(ctx context.Context, id broker.BrokerID) (*broker.Credential, error) {
	rec, err := m.store.GetByService(ctx, string(id))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	cred, err := recordToCredential(rec, id)
	if err != nil {
		return nil, err
	}
	if !cred.Complete() {
		m.log.Warn("stored credential is incomplete, treating as unconfigured", "broker", id)
		return nil, nil
	}
	return cred, nil
}

// DeleteCredentials removes the stored bundle for a broker.
func (m *Manager) DeleteCredentials(ctx context.Context, id broker.BrokerID) error {
	return m.store.DeleteByService(ctx, string(id))
}

func credentialToRecord(cred *broker.Credential) (*credstore.Record, error) {
	additional := map[string]string{}
	for k, v := range cred.Additional {
		additional[k] = v
	}
	if cred.AccessToken != "" {
		additional["access_token"] = cred.AccessToken
	}
	rec := &credstore.Record{
		ServiceName: string(cred.BrokerID),
		Username:    additional["username"],
		APIKey:      cred.APIKey,
		APISecret:   cred.APISecret,
		Password:    additional["password"],
	}
	delete(additional, "username")
	delete(additional, "password")
	if len(additional) > 0 {
		data, err := json.Marshal(additional)
		if err != nil {
			return nil, fmt.Errorf("encoding additional credential data: %w", err)
		}
		rec.AdditionalData = string(data)
	}
	return rec, nil
}

func recordToCredential(rec *credstore.Record, id broker.BrokerID) (*broker.Credential, error) {
	additional := map[string]string{}
	if rec.AdditionalData != "" {
		if err := json.Unmarshal([]byte(rec.AdditionalData), &additional); err != nil {
			return nil, fmt.Errorf("decoding additional credential data for %s: %w", id, err)
		}
	}
	if rec.Username != "" {
		additional["username"] = rec.Username
	}
	if rec.Password != "" {
		additional["password"] = rec.Password
	}
	cred := &broker.Credential{
		BrokerID:    id,
		APIKey:      rec.APIKey,
		APISecret:   rec.APISecret,
		AccessToken: additional["access_token"],
		Additional:  additional,
	}
	return cred, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// InitializeBroker is the single entry point for bringing a broker online:
// load credentials, initialize and authenticate the adapter, and on success
// register with the refresh service. It never returns an error; every
// adapter or store failure is converted into an Error-state status. The
// resulting status is cached as canonical and all listeners are notified.
func (m *Manager) InitializeBroker(ctx context.Context, id broker.BrokerID) (st broker.AuthStatus) {
	defer func() {
		if r := recover(); r != nil {
			st = broker.ErrorStatus(id, fmt.Sprintf("initialization panicked: %v", r))
			m.setStatus(st)
		}
	}()

	m.mu.Lock()
	a := m.adapters[id]
	m.mu.Unlock()
	if a == nil {
		st = broker.ErrorStatus(id, "no adapter registered")
		m.setStatus(st)
		return st
	}

	m.setStatus(broker.AuthStatus{BrokerID: id, State: broker.StateConnecting})

	cred, err := m.LoadCredentials(ctx, id)
	if err != nil {
		m.log.Error("credential load failed", "broker", id, "err", err)
		st = broker.ErrorStatus(id, err.Error())
		m.setStatus(st)
		return st
	}
	if cred == nil {
		// Expected idle state for brokers the user never set up.
		m.log.Info("broker not configured", "broker", id)
		st = broker.ErrorStatus(id, NotConfiguredMessage)
		m.setStatus(st)
		return st
	}

	if err := cred.ValidateFor(a.CredentialKind()); err != nil {
		m.log.Error("credential rejected", "broker", id, "err", err)
		st = broker.ErrorStatus(id, err.Error())
		m.setStatus(st)
		return st
	}

	if err := a.Initialize(ctx, cred); err != nil {
		m.log.Error("adapter initialization failed", "broker", id, "err", err)
		st = broker.ErrorStatus(id, err.Error())
		m.setStatus(st)
		return st
	}

	st, err = a.Authenticate(ctx)
	if err != nil {
		m.log.Error("authentication failed", "broker", id, "err", err)
		st = broker.ErrorStatus(id, err.Error())
	}
	st.BrokerID = id
	m.setStatus(st)

	if st.Authenticated {
		m.refresh.RegisterBroker(id, a)
		m.refresh.StartAutoRefresh(id)
		m.log.Info("broker authenticated", "broker", id)
	}
	return st
}

// InitializeAllBrokers initializes every registered broker sequentially and
// returns the per-broker results. Sequential on purpose: it avoids
// credential-store contention and keeps log ordering diagnosable. One
// broker's failure never aborts the loop.
func (m *Manager) InitializeAllBrokers(ctx context.Context) map[broker.BrokerID]broker.AuthStatus {
	results := make(map[broker.BrokerID]broker.AuthStatus)
	for _, id := range m.brokerIDs() {
		results[id] = m.InitializeBroker(ctx, id)
	}
	return results
}

// GetAuthStatus returns the manager's cached status for a broker, falling
// back to the adapter's own view when the manager has not observed one yet
// (adapters know their status before the manager does, e.g. right after
// construction).
func (m *Manager) GetAuthStatus(id broker.BrokerID) broker.AuthStatus {
	m.mu.Lock()
	st, cached := m.statuses[id]
	a := m.adapters[id]
	m.mu.Unlock()
	if cached {
		return st
	}
	if a != nil {
		return a.AuthStatus()
	}
	return broker.AuthStatus{BrokerID: id, State: broker.StateDisconnected}
}

// IsAuthenticated reports the adapter's live session flag, not the cached
// status. The two can diverge between refresh cycles; this one reflects the
// connection as it is right now.
func (m *Manager) IsAuthenticated(id broker.BrokerID) bool {
	m.mu.Lock()
	a := m.adapters[id]
	m.mu.Unlock()
	return a != nil && a.IsAuthenticated()
}

// DisconnectBroker stops auto-refresh, disconnects the adapter, and records
// a Disconnected status. Safe on a broker with no adapter (warn, no-op).
// A disconnect failure is logged before it is returned: disconnect runs
// during teardown, where one broker's failure must not silence the rest of
// a shutdown sequence.
func (m *Manager) DisconnectBroker(id broker.BrokerID) error {
	m.mu.Lock()
	a := m.adapters[id]
	m.mu.Unlock()
	if a == nil {
		m.log.Warn("disconnect for broker with no adapter", "broker", id)
		return nil
	}

	m.refresh.StopAutoRefresh(id)
	err := safeDisconnect(a)
	m.setStatus(broker.AuthStatus{BrokerID: id, State: broker.StateDisconnected})
	if err != nil {
		m.log.Error("broker disconnect failed", "broker", id, "err", err)
		return err
	}
	m.log.Info("broker disconnected", "broker", id)
	return nil
}

func safeDisconnect(a broker.Adapter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disconnect panicked: %v", r)
		}
	}()
	return a.Disconnect()
}

// DisconnectAll disconnects every broker concurrently and waits for all of
// them to settle. Individual failures are logged by DisconnectBroker and
// never prevent the others from disconnecting.
func (m *Manager) DisconnectAll() {
	var wg sync.WaitGroup
	for _, id := range m.brokerIDs() {
		wg.Add(1)
		go func(id broker.BrokerID) {
			defer wg.Done()
			_ = m.DisconnectBroker(id)
		}(id)
	}
	wg.Wait()
}

// OnAuthStatusChange registers a listener for status changes from both the
// manager's own lifecycle operations and the refresh service's asynchronous
// stream, merged into one callback. Every observed status is cached. The
// returned function removes both legs of the subscription.
func (m *Manager) OnAuthStatusChange(cb func(broker.AuthStatus)) func() {
	m.mu.Lock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listenerEntry{id: id, cb: cb})
	m.mu.Unlock()

	refreshUnsub := m.refresh.OnAuthStatusChange(func(st broker.AuthStatus) {
		m.mu.Lock()
		m.statuses[st.BrokerID] = st
		m.mu.Unlock()
		cb(st)
	})

	return func() {
		m.mu.Lock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		refreshUnsub()
	}
}

// setStatus caches a status as canonical and notifies listeners
// synchronously, in registration order, each isolated so one listener's
// panic cannot prevent delivery to the rest.
func (m *Manager) setStatus(st broker.AuthStatus) {
	m.mu.Lock()
	m.statuses[st.BrokerID] = st
	snapshot := make([]listenerEntry, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	for _, e := range snapshot {
		m.safeNotify(e.cb, st)
	}
}

func (m *Manager) safeNotify(cb func(broker.AuthStatus), st broker.AuthStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("auth status listener panicked", "broker", st.BrokerID, "panic", r)
		}
	}()
	cb(st)
}

// brokerIDs returns registered ids in stable order so sequential operations
// log diagnosably.
func (m *Manager) brokerIDs() []broker.BrokerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]broker.BrokerID, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
