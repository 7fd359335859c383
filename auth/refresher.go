package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bjoelf/multibroker/broker"
)

// TokenRefreshService keeps broker sessions alive in the background and
// fans out the statuses produced by refresh attempts.
type TokenRefreshService interface {
	// RegisterBroker makes a broker eligible for auto-refresh. Idempotent.
	RegisterBroker(id broker.BrokerID, a broker.Adapter)
	// StartAutoRefresh starts a refresh loop for a registered broker.
	// Starting an already-running loop or an unregistered broker is a no-op.
	StartAutoRefresh(id broker.BrokerID)
	// StopAutoRefresh stops a running loop. Idempotent.
	StopAutoRefresh(id broker.BrokerID)
	// OnAuthStatusChange registers a listener for refresh outcomes and
	// returns its removal function.
	OnAuthStatusChange(cb func(broker.AuthStatus)) func()
}

const (
	defaultRefreshInterval = 15 * time.Minute
	defaultRefreshTimeout  = 30 * time.Second
	// earlyRefreshMargin is how far ahead of token expiry a refresh fires,
	// leaving room for a retry before the session actually lapses.
	earlyRefreshMargin = 2 * time.Minute
	minRefreshDelay    = time.Second
)

// RefresherConfig tunes the background refresh loops. Zero values fall back
// to the defaults above.
type RefresherConfig struct {
	// Interval between refreshes for adapters that do not expose a token
	// expiry.
	Interval time.Duration
	// Early is how long before expiry to refresh, for adapters that do.
	Early time.Duration
	// Timeout bounds each individual refresh attempt.
	Timeout time.Duration
}

type refreshEntry struct {
	adapter broker.Adapter
	stop    chan struct{}
	running bool
}

// Refresher is the production TokenRefreshService: one goroutine per
// started broker, scheduled from the adapter's token expiry when it exposes
// one, otherwise on a fixed interval.
type Refresher struct {
	mu        sync.Mutex
	entries   map[broker.BrokerID]*refreshEntry
	listeners map[uint64]func(broker.AuthStatus)
	nextID    uint64

	interval time.Duration
	early    time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

var _ TokenRefreshService = (*Refresher)(nil)

// NewRefresher creates a refresher with the given tuning.
func NewRefresher(cfg RefresherConfig, log *slog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultRefreshInterval
	}
	if cfg.Early <= 0 {
		cfg.Early = earlyRefreshMargin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRefreshTimeout
	}
	return &Refresher{
		entries:   make(map[broker.BrokerID]*refreshEntry),
		listeners: make(map[uint64]func(broker.AuthStatus)),
		interval:  cfg.Interval,
		early:     cfg.Early,
		timeout:   cfg.Timeout,
		log:       log,
	}
}

func (r *Refresher) RegisterBroker(id broker.BrokerID, a broker.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.adapter = a
		return
	}
	r.entries[id] = &refreshEntry{adapter: a}
}

func (r *Refresher) StartAutoRefresh(id broker.BrokerID) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("auto-refresh requested for unregistered broker", "broker", id)
		return
	}
	if e.running {
		r.mu.Unlock()
		return
	}
	e.running = true
	e.stop = make(chan struct{})
	stop, a := e.stop, e.adapter
	r.mu.Unlock()

	r.log.Info("auto-refresh started", "broker", id)
	go r.run(id, a, stop)
}

func (r *Refresher) StopAutoRefresh(id broker.BrokerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !e.running {
		return
	}
	close(e.stop)
	e.running = false
	r.log.Info("auto-refresh stopped", "broker", id)
}

func (r *Refresher) run(id broker.BrokerID, a broker.Adapter, stop chan struct{}) {
	timer := time.NewTimer(r.nextDelay(a))
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			st := r.refreshOnce(id, a)
			if !st.Authenticated {
				r.log.Warn("token refresh left broker unauthenticated",
					"broker", id, "err", st.Err)
			}
			r.notify(st)
			timer.Reset(r.nextDelay(a))
		}
	}
}

// nextDelay schedules the next refresh ahead of the adapter's token expiry
// when it reports one, otherwise falls back to the fixed interval.
func (r *Refresher) nextDelay(a broker.Adapter) time.Duration {
	if te, ok := a.(broker.TokenExpirer); ok {
		if exp := te.TokenExpiry(); !exp.IsZero() {
			d := time.Until(exp) - r.early
			if d < minRefreshDelay {
				d = minRefreshDelay
			}
			return d
		}
	}
	return r.interval
}

// refreshOnce renews one broker's session: through RefreshToken when the
// adapter supports it, otherwise by re-authenticating from scratch.
func (r *Refresher) refreshOnce(id broker.BrokerID, a broker.Adapter) broker.AuthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if tr, ok := a.(broker.TokenRefresher); ok {
		if err := tr.RefreshToken(ctx); err != nil {
			return broker.ErrorStatus(id, "token refresh failed: "+err.Error())
		}
		st := a.AuthStatus()
		st.BrokerID = id
		return st
	}

	st, err := a.Authenticate(ctx)
	if err != nil {
		return broker.ErrorStatus(id, "re-authentication failed: "+err.Error())
	}
	st.BrokerID = id
	return st
}

func (r *Refresher) OnAuthStatusChange(cb func(broker.AuthStatus)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Refresher) notify(st broker.AuthStatus) {
	r.mu.Lock()
	snapshot := make([]func(broker.AuthStatus), 0, len(r.listeners))
	for _, cb := range r.listeners {
		snapshot = append(snapshot, cb)
	}
	r.mu.Unlock()
	for _, cb := range snapshot {
		r.safeNotify(cb, st)
	}
}

func (r *Refresher) safeNotify(cb func(broker.AuthStatus), st broker.AuthStatus) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("refresh status listener panicked",
				"broker", st.BrokerID, "panic", rec)
		}
	}()
	cb(st)
}
