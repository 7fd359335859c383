// Package alpaca implements the Adapter contract for Alpaca accounts. The
// REST handshake goes through the official SDK; live quotes come from the
// v2 market-data WebSocket and order updates from the account event stream,
// both plain JSON over gorilla sockets. Alpaca publishes neither order-book
// depth nor a position stream, so those subscriptions report unsupported.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/gorilla/websocket"

	"github.com/bjoelf/multibroker/broker"
)

// TypeName is the registry key for this adapter.
const TypeName = "alpaca"

const (
	defaultStreamURL  = "wss://stream.data.alpaca.markets/v2/iex"
	defaultAccountURL = "wss://paper-api.alpaca.markets/stream"
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 5 * time.Second
)

func init() {
	if err := broker.Register(TypeName, New); err != nil {
		panic(err)
	}
}

// Adapter is one authenticated Alpaca account.
type Adapter struct {
	id         broker.BrokerID
	baseURL    string
	streamURL  string
	accountURL string
	log        *slog.Logger

	mu            sync.Mutex
	cred          *broker.Credential
	trading       *alpaca.Client
	authenticated bool
	status        broker.AuthStatus

	connMu      sync.Mutex
	dataConn    *websocket.Conn
	accountConn *websocket.Conn
	done        chan struct{}

	cbMu      sync.RWMutex
	quoteSubs map[string]*quoteSub // key = joined sorted symbol list
	orderCb   broker.OrderCallback
}

type quoteSub struct {
	symbols []string
	members map[string]struct{}
	cb      broker.QuoteCallback
}

var _ broker.Adapter = (*Adapter)(nil)

// New builds an Alpaca adapter from registry settings. Settings.Endpoint is
// the trading API base URL (paper or live). Options:
//
//	stream_url:  market-data WebSocket, defaults to the IEX v2 feed
//	account_url: account event WebSocket, defaults to the paper stream
func New(s broker.Settings, log *slog.Logger) (broker.Adapter, error) {
	a := &Adapter{
		id:         s.ID,
		baseURL:    s.Endpoint,
		streamURL:  defaultStreamURL,
		accountURL: defaultAccountURL,
		log:        log.With("adapter", TypeName, "broker", s.ID),
		status:     broker.AuthStatus{BrokerID: s.ID, State: broker.StateDisconnected},
		quoteSubs:  make(map[string]*quoteSub),
	}
	if u := s.Option("stream_url"); u != "" {
		a.streamURL = u
	}
	if u := s.Option("account_url"); u != "" {
		a.accountURL = u
	}
	return a, nil
}

func (a *Adapter) ID() broker.BrokerID                   { return a.id }
func (a *Adapter) CredentialKind() broker.CredentialKind { return broker.KindAPIKeyOnly }

// Initialize stores the credential and builds the REST client.
func (a *Adapter) Initialize(ctx context.Context, cred *broker.Credential) error {
	if err := cred.ValidateFor(broker.KindAPIKeyOnly); err != nil {
		return err
	}
	if cred.APISecret == "" {
		return fmt.Errorf("alpaca credential is missing api secret")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cred = cred
	a.trading = alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cred.APIKey,
		APISecret: cred.APISecret,
		BaseURL:   a.baseURL,
	})
	return nil
}

// Authenticate proves the key pair against the account endpoint. Alpaca has
// no session token; a successful account fetch is the whole handshake.
func (a *Adapter) Authenticate(ctx context.Context) (broker.AuthStatus, error) {
	a.mu.Lock()
	client := a.trading
	a.mu.Unlock()
	if client == nil {
		st := broker.ErrorStatus(a.id, "adapter not initialized")
		a.setStatus(st, false)
		return st, fmt.Errorf("alpaca adapter %s: not initialized", a.id)
	}

	acct, err := client.GetAccount()
	if err != nil {
		st := broker.ErrorStatus(a.id, "account fetch failed: "+err.Error())
		a.setStatus(st, false)
		return st, fmt.Errorf("alpaca account fetch for %s: %w", a.id, err)
	}

	a.log.Info("alpaca account verified", "account", acct.AccountNumber, "status", acct.Status)
	st := broker.AuthStatus{BrokerID: a.id, State: broker.StateAuthenticated, Authenticated: true}
	a.setStatus(st, true)
	return st, nil
}

func (a *Adapter) setStatus(st broker.AuthStatus, ok bool) {
	a.mu.Lock()
	a.status = st
	a.authenticated = ok
	a.mu.Unlock()
}

func (a *Adapter) Disconnect() error {
	err := a.DisconnectWebSocket()
	a.setStatus(broker.AuthStatus{BrokerID: a.id, State: broker.StateDisconnected}, false)
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

// ConnectWebSocket dials the market-data stream, authenticates it, and
// restores any quote subscriptions registered before the dial. The account
// stream is dialed lazily, on the first order subscription.
func (a *Adapter) ConnectWebSocket(ctx context.Context) error {
	a.mu.Lock()
	if !a.authenticated {
		a.mu.Unlock()
		return fmt.Errorf("alpaca %s: authenticate before connecting", a.id)
	}
	key, secret := a.cred.APIKey, a.cred.APISecret
	a.mu.Unlock()

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.dataConn != nil {
		return fmt.Errorf("alpaca %s: websocket already connected", a.id)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.streamURL, nil)
	if err != nil {
		return fmt.Errorf("alpaca %s data stream dial: %w", a.id, err)
	}

	if err := a.authDataStream(conn, key, secret); err != nil {
		conn.Close()
		return err
	}

	a.dataConn = conn
	a.done = make(chan struct{})
	go a.readDataStream(conn, a.done)
	a.log.Info("market data stream connected", "url", a.streamURL)

	// Restore subscriptions registered before this dial.
	a.cbMu.RLock()
	var symbols []string
	for _, sub := range a.quoteSubs {
		symbols = append(symbols, sub.symbols...)
	}
	hasOrders := a.orderCb != nil
	cb := a.orderCb
	a.cbMu.RUnlock()
	if len(symbols) > 0 {
		if err := a.write(conn, dataRequest{Action: "subscribe", Quotes: symbols}); err != nil {
			return fmt.Errorf("alpaca %s resubscribe: %w", a.id, err)
		}
	}
	if hasOrders && a.accountConn == nil {
		if err := a.connectAccountStreamLocked(ctx, key, secret, cb); err != nil {
			return err
		}
	}
	return nil
}

// authDataStream runs the v2 data-stream handshake: the server greets, we
// answer with the key pair, and wait for the authenticated control message.
func (a *Adapter) authDataStream(conn *websocket.Conn, key, secret string) error {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	if _, _, err := conn.ReadMessage(); err != nil { // "connected" greeting
		return fmt.Errorf("alpaca %s stream greeting: %w", a.id, err)
	}
	if err := a.write(conn, authRequest{Action: "auth", Key: key, Secret: secret}); err != nil {
		return fmt.Errorf("alpaca %s stream auth: %w", a.id, err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("alpaca %s stream auth reply: %w", a.id, err)
	}
	var msgs []controlMessage
	if err := json.Unmarshal(data, &msgs); err != nil || len(msgs) == 0 {
		return fmt.Errorf("alpaca %s: unexpected auth reply %q", a.id, data)
	}
	if msgs[0].Type == "error" {
		return fmt.Errorf("alpaca %s stream auth rejected: %s", a.id, msgs[0].Msg)
	}
	return nil
}

func (a *Adapter) DisconnectWebSocket() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.dataConn == nil && a.accountConn == nil {
		return nil
	}
	if a.done != nil {
		close(a.done)
		a.done = nil
	}
	var err error
	if a.dataConn != nil {
		_ = a.dataConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = a.dataConn.Close()
		a.dataConn = nil
	}
	if a.accountConn != nil {
		if cerr := a.accountConn.Close(); err == nil {
			err = cerr
		}
		a.accountConn = nil
	}
	a.log.Info("streams disconnected")
	return err
}

func (a *Adapter) write(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// ---------------------------------------------------------------------------
// Market data stream
// ---------------------------------------------------------------------------

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type dataRequest struct {
	Action string   `json:"action"`
	Quotes []string `json:"quotes,omitempty"`
}

type controlMessage struct {
	Type string `json:"T"`
	Msg  string `json:"msg"`
}

// dataMessage is one element of the arrays the v2 stream sends.
type dataMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	BidPrice  float64   `json:"bp"`
	BidSize   int64     `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   int64     `json:"as"`
	Exchange  string    `json:"ax"`
	Timestamp time.Time `json:"t"`
	Msg       string    `json:"msg"`
}

func (a *Adapter) readDataStream(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				a.log.Warn("data stream read failed", "err", err)
			}
			return
		}
		var msgs []dataMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			a.log.Warn("unparseable data stream message", "err", err)
			continue
		}
		for _, m := range msgs {
			switch m.Type {
			case "q":
				a.routeQuote(m)
			case "error":
				a.log.Warn("data stream error", "msg", m.Msg)
			}
		}
	}
}

func (a *Adapter) routeQuote(m dataMessage) {
	q := broker.Quote{
		Symbol:    m.Symbol,
		Exchange:  m.Exchange,
		Bid:       m.BidPrice,
		Ask:       m.AskPrice,
		Volume:    m.BidSize + m.AskSize,
		Timestamp: m.Timestamp,
	}
	a.cbMu.RLock()
	defer a.cbMu.RUnlock()
	for _, sub := range a.quoteSubs {
		if _, ok := sub.members[m.Symbol]; ok {
			sub.cb(q)
		}
	}
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// SubscribeQuotes registers one callback for the symbol set and subscribes
// the live stream when it is up. Exchange qualifiers are ignored: Alpaca
// keys instruments by ticker alone.
func (a *Adapter) SubscribeQuotes(symbols []broker.Symbol, cb broker.QuoteCallback) error {
	if len(symbols) == 0 {
		return fmt.Errorf("alpaca %s: empty symbol list", a.id)
	}
	tickers := make([]string, 0, len(symbols))
	members := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		tickers = append(tickers, s.Symbol)
		members[s.Symbol] = struct{}{}
	}
	key := subKey(symbols)

	a.cbMu.Lock()
	a.quoteSubs[key] = &quoteSub{symbols: tickers, members: members, cb: cb}
	a.cbMu.Unlock()

	a.connMu.Lock()
	conn := a.dataConn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	if err := a.write(conn, dataRequest{Action: "subscribe", Quotes: tickers}); err != nil {
		a.cbMu.Lock()
		delete(a.quoteSubs, key)
		a.cbMu.Unlock()
		return fmt.Errorf("alpaca %s quote subscribe: %w", a.id, err)
	}
	return nil
}

// UnsubscribeQuotes drops the registration for exactly this symbol set.
func (a *Adapter) UnsubscribeQuotes(symbols []broker.Symbol) error {
	key := subKey(symbols)
	tickers := make([]string, 0, len(symbols))
	for _, s := range symbols {
		tickers = append(tickers, s.Symbol)
	}

	a.cbMu.Lock()
	delete(a.quoteSubs, key)
	a.cbMu.Unlock()

	a.connMu.Lock()
	conn := a.dataConn
	a.connMu.Unlock()
	if conn == nil {
		return nil
	}
	if err := a.write(conn, dataRequest{Action: "unsubscribe", Quotes: tickers}); err != nil {
		return fmt.Errorf("alpaca %s quote unsubscribe: %w", a.id, err)
	}
	return nil
}

func subKey(symbols []broker.Symbol) string {
	key := ""
	for _, s := range symbols {
		if key != "" {
			key += ","
		}
		key += s.Symbol
	}
	return key
}

// SubscribeMarketDepth is unsupported: Alpaca publishes top-of-book only.
func (a *Adapter) SubscribeMarketDepth(s broker.Symbol, cb broker.DepthCallback) error {
	return fmt.Errorf("alpaca %s: market depth is not available", a.id)
}

// SubscribePositions is unsupported: Alpaca has no position stream, only
// order events from which holdings can be derived upstream.
func (a *Adapter) SubscribePositions(cb broker.PositionCallback) error {
	return fmt.Errorf("alpaca %s: no position stream", a.id)
}

// ---------------------------------------------------------------------------
// Account event stream (order updates)
// ---------------------------------------------------------------------------

type listenRequest struct {
	Action string     `json:"action"`
	Data   listenData `json:"data"`
}

type listenData struct {
	KeyID     string   `json:"key_id,omitempty"`
	SecretKey string   `json:"secret_key,omitempty"`
	Streams   []string `json:"streams,omitempty"`
}

type accountEvent struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdate struct {
	Event string    `json:"event"`
	Order wireOrder `json:"order"`
}

// wireOrder mirrors the order object on the account stream, whose numeric
// fields arrive as strings.
type wireOrder struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Status         string    `json:"status"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice string    `json:"filled_avg_price"`
	LimitPrice     string    `json:"limit_price"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SubscribeOrders streams the account's order lifecycle events. When the
// data stream is already up the account stream is dialed immediately;
// otherwise it joins the next ConnectWebSocket.
func (a *Adapter) SubscribeOrders(cb broker.OrderCallback) error {
	a.cbMu.Lock()
	a.orderCb = cb
	a.cbMu.Unlock()

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.dataConn == nil || a.accountConn != nil {
		return nil
	}
	a.mu.Lock()
	key, secret := a.cred.APIKey, a.cred.APISecret
	a.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	return a.connectAccountStreamLocked(ctx, key, secret, cb)
}

// connectAccountStreamLocked dials and authenticates the account event
// socket and starts its read loop. connMu held.
func (a *Adapter) connectAccountStreamLocked(ctx context.Context, key, secret string, cb broker.OrderCallback) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.accountURL, nil)
	if err != nil {
		return fmt.Errorf("alpaca %s account stream dial: %w", a.id, err)
	}
	auth := listenRequest{Action: "authenticate", Data: listenData{KeyID: key, SecretKey: secret}}
	if err := a.write(conn, auth); err != nil {
		conn.Close()
		return fmt.Errorf("alpaca %s account stream auth: %w", a.id, err)
	}
	listen := listenRequest{Action: "listen", Data: listenData{Streams: []string{"trade_updates"}}}
	if err := a.write(conn, listen); err != nil {
		conn.Close()
		return fmt.Errorf("alpaca %s account stream listen: %w", a.id, err)
	}

	a.accountConn = conn
	go a.readAccountStream(conn, a.done, cb)
	a.log.Info("account event stream connected", "url", a.accountURL)
	return nil
}

func (a *Adapter) readAccountStream(conn *websocket.Conn, done chan struct{}, cb broker.OrderCallback) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				a.log.Warn("account stream read failed", "err", err)
			}
			return
		}
		var evt accountEvent
		if err := json.Unmarshal(data, &evt); err != nil || evt.Stream != "trade_updates" {
			continue
		}
		var tu tradeUpdate
		if err := json.Unmarshal(evt.Data, &tu); err != nil {
			a.log.Warn("bad trade update", "err", err)
			continue
		}
		cb(normalizeOrder(tu))
	}
}

func normalizeOrder(tu tradeUpdate) broker.OrderUpdate {
	o := tu.Order
	upd := broker.OrderUpdate{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Status:    o.Status,
		Quantity:  parseInt(o.Qty),
		FilledQty: parseInt(o.FilledQty),
		Price:     parseFloat(o.FilledAvgPrice),
		Timestamp: o.UpdatedAt,
	}
	if upd.Price == 0 {
		upd.Price = parseFloat(o.LimitPrice)
	}
	if upd.Status == "" {
		upd.Status = tu.Event
	}
	return upd
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	// Fractional quantities round down to whole units.
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
