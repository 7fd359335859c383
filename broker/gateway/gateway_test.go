package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bjoelf/multibroker/broker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockGateway is a WebSocket server speaking the gateway's JSON protocol.
type mockGateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	headers http.Header
	frames  []request
	conn    *websocket.Conn
}

func newMockGateway(t *testing.T) *mockGateway {
	t.Helper()
	g := &mockGateway{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.headers = r.Header.Clone()
		g.conn = conn
		g.mu.Unlock()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			g.mu.Lock()
			g.frames = append(g.frames, req)
			g.mu.Unlock()
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *mockGateway) header(key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.headers == nil {
		return ""
	}
	return g.headers.Get(key)
}

func (g *mockGateway) receivedFrames() []request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]request, len(g.frames))
	copy(out, g.frames)
	return out
}

// push sends a typed data frame to the connected client.
func (g *mockGateway) push(t *testing.T, kind string, payload any) {
	t.Helper()
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		t.Fatal("no client connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	if err := conn.WriteJSON(frame{Type: kind, Data: data}); err != nil {
		t.Fatalf("pushing frame: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newAPIKeyAdapter(t *testing.T, g *mockGateway) *Adapter {
	t.Helper()
	a, err := New(broker.Settings{ID: "gw1", Endpoint: g.srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("constructing adapter: %v", err)
	}
	ad := a.(*Adapter)
	ctx := context.Background()
	if err := ad.Initialize(ctx, &broker.Credential{BrokerID: "gw1", APIKey: "k1", APISecret: "s1"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := ad.Authenticate(ctx); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	return ad
}

func TestGatewayConnectSendsAPIKeyHeader(t *testing.T) {
	g := newMockGateway(t)
	a := newAPIKeyAdapter(t, g)

	if err := a.ConnectWebSocket(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.DisconnectWebSocket()

	waitFor(t, func() bool { return g.header("X-Api-Key") != "" })
	if got := g.header("X-Api-Key"); got != "k1" {
		t.Errorf("X-API-Key header = %q", got)
	}
}

func TestGatewayConnectRequiresAuthentication(t *testing.T) {
	g := newMockGateway(t)
	a, err := New(broker.Settings{ID: "gw1", Endpoint: g.srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("constructing adapter: %v", err)
	}
	if err := a.ConnectWebSocket(context.Background()); err == nil {
		t.Error("connect succeeded without authentication")
	}
}

func TestGatewayQuoteSubscriptionAndRouting(t *testing.T) {
	g := newMockGateway(t)
	a := newAPIKeyAdapter(t, g)

	if err := a.ConnectWebSocket(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.DisconnectWebSocket()

	var mu sync.Mutex
	var quotes []broker.Quote
	symbols := []broker.Symbol{{Symbol: "RELIANCE", Exchange: "NSE"}}
	if err := a.SubscribeQuotes(symbols, func(q broker.Quote) {
		mu.Lock()
		quotes = append(quotes, q)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, func() bool { return len(g.receivedFrames()) >= 1 })
	sub := g.receivedFrames()[0]
	if sub.Op != "subscribe" || len(sub.Channels) != 1 || sub.Channels[0] != "quotes:RELIANCE:NSE" {
		t.Errorf("subscribe frame = %+v", sub)
	}

	g.push(t, "quote", broker.Quote{Symbol: "RELIANCE", Exchange: "NSE", Bid: 2500, Ask: 2501})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(quotes) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if quotes[0].Bid != 2500 {
		t.Errorf("routed quote = %+v", quotes[0])
	}

	// A quote for a symbol nobody subscribed to goes nowhere.
	g.push(t, "quote", broker.Quote{Symbol: "TCS", Exchange: "NSE"})
	time.Sleep(20 * time.Millisecond)
	if len(quotes) != 1 {
		t.Errorf("unsubscribed symbol delivered (%d quotes)", len(quotes))
	}
}

func TestGatewaySubscriptionsFlushOnDial(t *testing.T) {
	g := newMockGateway(t)
	a := newAPIKeyAdapter(t, g)

	// Registered before the socket exists; the dial must issue it.
	if err := a.SubscribeQuotes([]broker.Symbol{{Symbol: "TCS", Exchange: "NSE"}}, func(broker.Quote) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.SubscribeOrders(func(broker.OrderUpdate) {}); err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}

	if err := a.ConnectWebSocket(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.DisconnectWebSocket()

	waitFor(t, func() bool { return len(g.receivedFrames()) >= 1 })
	flush := g.receivedFrames()[0]
	if flush.Op != "subscribe" {
		t.Fatalf("flush frame = %+v", flush)
	}
	want := map[string]bool{"quotes:TCS:NSE": false, "orders": false}
	for _, ch := range flush.Channels {
		want[ch] = true
	}
	for ch, seen := range want {
		if !seen {
			t.Errorf("channel %q missing from dial flush %v", ch, flush.Channels)
		}
	}
}

func TestGatewayRoutesAccountStreams(t *testing.T) {
	g := newMockGateway(t)
	a := newAPIKeyAdapter(t, g)

	var mu sync.Mutex
	var orders []broker.OrderUpdate
	var positions []broker.PositionUpdate
	if err := a.SubscribeOrders(func(u broker.OrderUpdate) {
		mu.Lock()
		orders = append(orders, u)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe orders: %v", err)
	}
	if err := a.SubscribePositions(func(u broker.PositionUpdate) {
		mu.Lock()
		positions = append(positions, u)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe positions: %v", err)
	}
	if err := a.ConnectWebSocket(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.DisconnectWebSocket()

	g.push(t, "order", broker.OrderUpdate{OrderID: "1", Status: "complete", FilledQty: 10})
	g.push(t, "position", broker.PositionUpdate{Symbol: "RELIANCE", Quantity: 10})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(orders) == 1 && len(positions) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if orders[0].OrderID != "1" || positions[0].Quantity != 10 {
		t.Errorf("routed order %+v, position %+v", orders[0], positions[0])
	}
}

func TestGatewayOAuthTokenExchangeAndRefresh(t *testing.T) {
	var mu sync.Mutex
	tokenRequests := 0
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tokenRequests++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok123","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	g := newMockGateway(t)
	a, err := New(broker.Settings{
		ID:       "gw2",
		Endpoint: g.srv.URL,
		Options:  map[string]string{"auth_kind": "oauth_pair", "token_url": tokenSrv.URL},
	}, testLogger())
	if err != nil {
		t.Fatalf("constructing adapter: %v", err)
	}
	ad := a.(*Adapter)
	ctx := context.Background()

	if err := ad.Initialize(ctx, &broker.Credential{BrokerID: "gw2", APIKey: "client", APISecret: "secret"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	st, err := ad.Authenticate(ctx)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !st.Authenticated {
		t.Fatalf("status = %+v", st)
	}
	if exp := ad.TokenExpiry(); time.Until(exp) < 30*time.Minute {
		t.Errorf("token expiry = %v, want ~1h ahead", exp)
	}

	if err := ad.ConnectWebSocket(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ad.DisconnectWebSocket()
	waitFor(t, func() bool { return g.header("Authorization") != "" })
	if got := g.header("Authorization"); got != "Bearer tok123" {
		t.Errorf("Authorization header = %q", got)
	}

	if err := ad.RefreshToken(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if tokenRequests < 2 {
		t.Errorf("token endpoint hit %d times, want initial exchange plus refresh", tokenRequests)
	}
}

func TestGatewayRejectsUnknownAuthKind(t *testing.T) {
	if _, err := New(broker.Settings{
		ID:       "gw3",
		Endpoint: "wss://example.com",
		Options:  map[string]string{"auth_kind": "kerberos"},
	}, testLogger()); err == nil {
		t.Error("construction with unknown auth_kind succeeded")
	}
}
