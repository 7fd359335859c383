// Package gateway implements the Adapter contract against a generic
// JSON-over-WebSocket trading gateway. Two handshake modes are supported:
// a bare API key sent as a dial header, or an OAuth2 client-credentials
// exchange whose bearer token authenticates the socket. The adapter never
// reconnects on its own; connection recovery belongs to the stream manager.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bjoelf/multibroker/broker"
)

// TypeName is the registry key for this adapter.
const TypeName = "gateway"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

func init() {
	if err := broker.Register(TypeName, New); err != nil {
		panic(err)
	}
}

// ---------------------------------------------------------------------------
// Wire protocol
// ---------------------------------------------------------------------------

// frame is the gateway's outer message shape in both directions.
type frame struct {
	Type string          `json:"type,omitempty"`
	Op   string          `json:"op,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// request is a client-to-gateway control frame.
type request struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

func quoteChannel(s broker.Symbol) string { return "quotes:" + s.String() }
func depthChannel(s broker.Symbol) string { return "depth:" + s.String() }

// ---------------------------------------------------------------------------
// Adapter
// ---------------------------------------------------------------------------

type quoteSub struct {
	channels []string
	symbols  map[string]struct{} // "SYM:EXCH" membership for routing
	cb       broker.QuoteCallback
}

// Adapter talks to one gateway endpoint for one broker id.
type Adapter struct {
	id       broker.BrokerID
	endpoint string
	kind     broker.CredentialKind
	log      *slog.Logger

	mu            sync.Mutex
	cred          *broker.Credential
	authenticated bool
	status        broker.AuthStatus
	oauthCfg      *clientcredentials.Config
	token         *oauth2.Token

	connMu sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}

	cbMu      sync.RWMutex
	quoteSubs map[string]*quoteSub // key = joined channel list
	depthCbs  map[string]broker.DepthCallback
	orderCb   broker.OrderCallback
	posCb     broker.PositionCallback
}

var (
	_ broker.Adapter        = (*Adapter)(nil)
	_ broker.TokenRefresher = (*Adapter)(nil)
	_ broker.TokenExpirer   = (*Adapter)(nil)
)

// New builds a gateway adapter from registry settings. Options:
//
//	auth_kind: "api_key" (default) or "oauth_pair"
//	token_url: OAuth token endpoint, required for oauth_pair
func New(s broker.Settings, log *slog.Logger) (broker.Adapter, error) {
	if s.Endpoint == "" {
		return nil, fmt.Errorf("gateway adapter needs an endpoint")
	}
	kind := broker.KindAPIKeyOnly
	switch s.Option("auth_kind") {
	case "", string(broker.KindAPIKeyOnly):
	case string(broker.KindOAuthPair):
		kind = broker.KindOAuthPair
	default:
		return nil, fmt.Errorf("gateway adapter: unsupported auth_kind %q", s.Option("auth_kind"))
	}
	a := &Adapter{
		id:        s.ID,
		endpoint:  s.Endpoint,
		kind:      kind,
		log:       log.With("adapter", TypeName, "broker", s.ID),
		status:    broker.AuthStatus{BrokerID: s.ID, State: broker.StateDisconnected},
		quoteSubs: make(map[string]*quoteSub),
		depthCbs:  make(map[string]broker.DepthCallback),
	}
	if url := s.Option("token_url"); url != "" {
		a.oauthCfg = &clientcredentials.Config{TokenURL: url}
	}
	return a, nil
}

func (a *Adapter) ID() broker.BrokerID                   { return a.id }
func (a *Adapter) CredentialKind() broker.CredentialKind { return a.kind }

// Initialize stores the credential bundle and completes the OAuth config
// when running in oauth_pair mode. No network traffic yet.
func (a *Adapter) Initialize(ctx context.Context, cred *broker.Credential) error {
	if err := cred.ValidateFor(a.kind); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cred = cred
	if a.kind == broker.KindOAuthPair {
		tokenURL := cred.Get(broker.AdditionalTokenURL)
		if a.oauthCfg != nil && a.oauthCfg.TokenURL != "" {
			tokenURL = a.oauthCfg.TokenURL
		}
		if tokenURL == "" {
			return fmt.Errorf("oauth gateway needs a token_url setting or credential field")
		}
		a.oauthCfg = &clientcredentials.Config{
			ClientID:     cred.APIKey,
			ClientSecret: cred.APISecret,
			TokenURL:     tokenURL,
		}
	}
	return nil
}

// Authenticate validates the session. API-key mode has no auth endpoint, so
// a validated key is accepted as-is; oauth mode performs the token exchange.
func (a *Adapter) Authenticate(ctx context.Context) (broker.AuthStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cred == nil {
		st := broker.ErrorStatus(a.id, "adapter not initialized")
		a.status = st
		return st, fmt.Errorf("gateway adapter %s: not initialized", a.id)
	}

	if a.kind == broker.KindOAuthPair {
		tok, err := a.oauthCfg.Token(ctx)
		if err != nil {
			st := broker.ErrorStatus(a.id, "token exchange failed: "+err.Error())
			a.status = st
			a.authenticated = false
			return st, fmt.Errorf("gateway token exchange for %s: %w", a.id, err)
		}
		a.token = tok
		a.log.Info("oauth token obtained", "expires", tok.Expiry)
	}

	a.authenticated = true
	a.status = broker.AuthStatus{
		BrokerID:      a.id,
		State:         broker.StateAuthenticated,
		Authenticated: true,
	}
	return a.status, nil
}

// RefreshToken re-runs the client-credentials exchange. In api_key mode the
// key never expires and refresh is a no-op.
func (a *Adapter) RefreshToken(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.oauthCfg
	a.mu.Unlock()
	if a.kind != broker.KindOAuthPair || cfg == nil {
		return nil
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		a.mu.Lock()
		a.authenticated = false
		a.status = broker.ErrorStatus(a.id, "token refresh failed: "+err.Error())
		a.mu.Unlock()
		return fmt.Errorf("gateway token refresh for %s: %w", a.id, err)
	}
	a.mu.Lock()
	a.token = tok
	a.authenticated = true
	a.status = broker.AuthStatus{BrokerID: a.id, State: broker.StateAuthenticated, Authenticated: true}
	a.mu.Unlock()
	a.log.Info("oauth token refreshed", "expires", tok.Expiry)
	return nil
}

// TokenExpiry reports the current bearer token's expiry; zero in api_key
// mode, which makes the refresher fall back to its fixed interval.
func (a *Adapter) TokenExpiry() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return time.Time{}
	}
	return a.token.Expiry
}

// Disconnect tears down the socket and forgets the session.
func (a *Adapter) Disconnect() error {
	err := a.DisconnectWebSocket()
	a.mu.Lock()
	a.authenticated = false
	a.token = nil
	a.status = broker.AuthStatus{BrokerID: a.id, State: broker.StateDisconnected}
	a.mu.Unlock()
	return err
}

func (a *Adapter) AuthStatus() broker.AuthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// ---------------------------------------------------------------------------
// WebSocket lifecycle
// ---------------------------------------------------------------------------

// ConnectWebSocket dials the gateway with the session's auth header and
// starts the read loop. Any subscriptions registered before the dial are
// flushed onto the fresh socket.
func (a *Adapter) ConnectWebSocket(ctx context.Context) error {
	a.mu.Lock()
	if !a.authenticated {
		a.mu.Unlock()
		return fmt.Errorf("gateway %s: authenticate before connecting", a.id)
	}
	headers := http.Header{}
	switch a.kind {
	case broker.KindOAuthPair:
		headers.Set("Authorization", "Bearer "+a.token.AccessToken)
	default:
		headers.Set("X-API-Key", a.cred.APIKey)
	}
	a.mu.Unlock()

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		return fmt.Errorf("gateway %s: websocket already connected", a.id)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	url := strings.Replace(a.endpoint, "http", "ws", 1)
	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			a.log.Error("websocket handshake rejected", "status", resp.StatusCode)
		}
		return fmt.Errorf("gateway %s dial: %w", a.id, err)
	}

	a.conn = conn
	a.done = make(chan struct{})
	go a.readLoop(conn, a.done)
	a.log.Info("websocket connected", "url", url)

	return a.flushSubscriptionsLocked(conn)
}

// flushSubscriptionsLocked re-issues subscribe frames for everything the
// caller registered, so subscriptions survive a fresh dial. connMu held.
func (a *Adapter) flushSubscriptionsLocked(conn *websocket.Conn) error {
	a.cbMu.RLock()
	var channels []string
	for _, sub := range a.quoteSubs {
		channels = append(channels, sub.channels...)
	}
	for ch := range a.depthCbs {
		channels = append(channels, ch)
	}
	if a.orderCb != nil {
		channels = append(channels, "orders")
	}
	if a.posCb != nil {
		channels = append(channels, "positions")
	}
	a.cbMu.RUnlock()
	if len(channels) == 0 {
		return nil
	}
	sort.Strings(channels)
	return a.write(conn, request{Op: "subscribe", Channels: channels})
}

// DisconnectWebSocket closes the socket politely. Safe when not connected.
func (a *Adapter) DisconnectWebSocket() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return nil
	}
	close(a.done)
	_ = a.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	err := a.conn.Close()
	a.conn = nil
	a.log.Info("websocket disconnected")
	return err
}

func (a *Adapter) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Deliberate disconnect.
			default:
				a.log.Warn("websocket read failed", "err", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.log.Warn("unparseable gateway frame", "err", err)
			continue
		}
		a.route(f)
	}
}

// route dispatches one inbound frame to the matching callbacks.
func (a *Adapter) route(f frame) {
	switch f.Type {
	case "quote":
		var q broker.Quote
		if err := json.Unmarshal(f.Data, &q); err != nil {
			a.log.Warn("bad quote frame", "err", err)
			return
		}
		key := broker.Symbol{Symbol: q.Symbol, Exchange: q.Exchange}.String()
		a.cbMu.RLock()
		for _, sub := range a.quoteSubs {
			if _, ok := sub.symbols[key]; ok {
				sub.cb(q)
			}
		}
		a.cbMu.RUnlock()
	case "depth":
		var d broker.Depth
		if err := json.Unmarshal(f.Data, &d); err != nil {
			a.log.Warn("bad depth frame", "err", err)
			return
		}
		ch := depthChannel(broker.Symbol{Symbol: d.Symbol, Exchange: d.Exchange})
		a.cbMu.RLock()
		cb := a.depthCbs[ch]
		a.cbMu.RUnlock()
		if cb != nil {
			cb(d)
		}
	case "order":
		var o broker.OrderUpdate
		if err := json.Unmarshal(f.Data, &o); err != nil {
			a.log.Warn("bad order frame", "err", err)
			return
		}
		a.cbMu.RLock()
		cb := a.orderCb
		a.cbMu.RUnlock()
		if cb != nil {
			cb(o)
		}
	case "position":
		var p broker.PositionUpdate
		if err := json.Unmarshal(f.Data, &p); err != nil {
			a.log.Warn("bad position frame", "err", err)
			return
		}
		a.cbMu.RLock()
		cb := a.posCb
		a.cbMu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case "heartbeat":
		// Keepalive, nothing to deliver.
	default:
		a.log.Debug("ignoring gateway frame", "type", f.Type)
	}
}

func (a *Adapter) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// writeIfConnected sends a control frame when a socket is up; with no
// socket the registration alone is enough, the next dial flushes it.
func (a *Adapter) writeIfConnected(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return nil
	}
	return a.write(a.conn, v)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// SubscribeQuotes registers one callback for the given symbols and issues a
// single subscribe frame covering all of them.
func (a *Adapter) SubscribeQuotes(symbols []broker.Symbol, cb broker.QuoteCallback) error {
	if len(symbols) == 0 {
		return fmt.Errorf("gateway %s: empty symbol list", a.id)
	}
	channels := make([]string, 0, len(symbols))
	members := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		channels = append(channels, quoteChannel(s))
		members[s.String()] = struct{}{}
	}
	sort.Strings(channels)
	key := strings.Join(channels, ",")

	a.cbMu.Lock()
	a.quoteSubs[key] = &quoteSub{channels: channels, symbols: members, cb: cb}
	a.cbMu.Unlock()

	if err := a.writeIfConnected(request{Op: "subscribe", Channels: channels}); err != nil {
		a.cbMu.Lock()
		delete(a.quoteSubs, key)
		a.cbMu.Unlock()
		return fmt.Errorf("gateway %s subscribe: %w", a.id, err)
	}
	return nil
}

// UnsubscribeQuotes drops the registration for exactly the given symbol set
// and tells the gateway to stop the stream.
func (a *Adapter) UnsubscribeQuotes(symbols []broker.Symbol) error {
	channels := make([]string, 0, len(symbols))
	for _, s := range symbols {
		channels = append(channels, quoteChannel(s))
	}
	sort.Strings(channels)
	key := strings.Join(channels, ",")

	a.cbMu.Lock()
	delete(a.quoteSubs, key)
	a.cbMu.Unlock()

	if err := a.writeIfConnected(request{Op: "unsubscribe", Channels: channels}); err != nil {
		return fmt.Errorf("gateway %s unsubscribe: %w", a.id, err)
	}
	return nil
}

// SubscribeMarketDepth streams order-book snapshots for one symbol.
func (a *Adapter) SubscribeMarketDepth(s broker.Symbol, cb broker.DepthCallback) error {
	ch := depthChannel(s)
	a.cbMu.Lock()
	a.depthCbs[ch] = cb
	a.cbMu.Unlock()
	if err := a.writeIfConnected(request{Op: "subscribe", Channels: []string{ch}}); err != nil {
		a.cbMu.Lock()
		delete(a.depthCbs, ch)
		a.cbMu.Unlock()
		return fmt.Errorf("gateway %s depth subscribe: %w", a.id, err)
	}
	return nil
}

// SubscribeOrders streams the account's order updates. One callback per
// adapter; a second call replaces the first.
func (a *Adapter) SubscribeOrders(cb broker.OrderCallback) error {
	a.cbMu.Lock()
	a.orderCb = cb
	a.cbMu.Unlock()
	if err := a.writeIfConnected(request{Op: "subscribe", Channels: []string{"orders"}}); err != nil {
		return fmt.Errorf("gateway %s order subscribe: %w", a.id, err)
	}
	return nil
}

// SubscribePositions streams the account's position changes.
func (a *Adapter) SubscribePositions(cb broker.PositionCallback) error {
	a.cbMu.Lock()
	a.posCb = cb
	a.cbMu.Unlock()
	if err := a.writeIfConnected(request{Op: "subscribe", Channels: []string{"positions"}}); err != nil {
		return fmt.Errorf("gateway %s position subscribe: %w", a.id, err)
	}
	return nil
}
