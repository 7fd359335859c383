// Package broker defines the uniform types and the Adapter contract that the
// connectivity core uses to talk to every brokerage backend. The core never
// sees a broker-specific payload shape: adapters decode their own wire
// formats into the types below, and everything broadcast to callers is
// wrapped in the Message envelope.
package broker

import (
	"fmt"
	"time"
)

// BrokerID is an opaque broker key, stable for the lifetime of the process.
// It is the map key everywhere in the core.
type BrokerID string

// Symbol identifies an instrument on a specific exchange.
type Symbol struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

func (s Symbol) String() string {
	return s.Symbol + ":" + s.Exchange
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// AuthState is the per-broker authentication state machine position.
//
//	Disconnected -> Connecting -> {Authenticated | Error}
//	Authenticated -> Disconnected (explicit disconnect)
//	Authenticated -> Error        (async refresh failure)
//	Error -> Connecting           (fresh InitializeBroker only)
type AuthState string

const (
	StateDisconnected  AuthState = "disconnected"
	StateConnecting    AuthState = "connecting"
	StateAuthenticated AuthState = "authenticated"
	StateError         AuthState = "error"
)

// AuthStatus is the canonical snapshot of whether a broker is authenticated,
// and why not if not. One live value per broker; last write wins.
type AuthStatus struct {
	BrokerID      BrokerID  `json:"brokerId"`
	State         AuthState `json:"status"`
	Authenticated bool      `json:"authenticated"`
	Err           string    `json:"error,omitempty"`
}

// ErrorStatus builds an Error-state AuthStatus carrying the given message.
func ErrorStatus(id BrokerID, msg string) AuthStatus {
	return AuthStatus{BrokerID: id, State: StateError, Authenticated: false, Err: msg}
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// CredentialKind tags the shape of secret bundle a broker's handshake needs.
// Validation happens once, at the adapter boundary, instead of threading
// loosely-typed optional fields through the call chain.
type CredentialKind string

const (
	// KindAPIKeyOnly needs just an API key (demo/sandbox gateways).
	KindAPIKeyOnly CredentialKind = "api_key"
	// KindOAuthPair needs a client id/secret pair for an OAuth token exchange.
	KindOAuthPair CredentialKind = "oauth_pair"
	// KindTotpBundle needs key, secret, and a TOTP seed.
	KindTotpBundle CredentialKind = "totp_bundle"
	// KindPinBundle needs key, secret, and a trading PIN.
	KindPinBundle CredentialKind = "pin_bundle"
)

// Well-known Additional keys.
const (
	AdditionalTOTPSecret   = "totp_secret"
	AdditionalPIN          = "pin"
	AdditionalRefreshToken = "refresh_token"
	AdditionalTokenURL     = "token_url"
)

// Credential is a per-broker secret bundle. The core holds it transiently,
// only for the duration of an authentication attempt.
type Credential struct {
	BrokerID    BrokerID
	APIKey      string
	APISecret   string
	AccessToken string
	Additional  map[string]string
}

// Get returns an Additional field, or "" when the map is nil or the key is
// absent.
func (c *Credential) Get(key string) string {
	if c == nil || c.Additional == nil {
		return ""
	}
	return c.Additional[key]
}

// Complete reports whether the bundle carries the minimum key/secret a
// stored credential must have to be considered configured at all.
func (c *Credential) Complete() bool {
	return c != nil && c.APIKey != "" && c.APISecret != ""
}

// ValidateFor checks the bundle against the shape a broker's auth kind
// requires. It is the single validation point for broker-specific fields.
func (c *Credential) ValidateFor(kind CredentialKind) error {
	if c == nil {
		return fmt.Errorf("nil credential")
	}
	if c.APIKey == "" {
		return fmt.Errorf("credential is missing api key")
	}
	switch kind {
	case KindAPIKeyOnly:
		return nil
	case KindOAuthPair:
		if c.APISecret == "" {
			return fmt.Errorf("oauth credential is missing client secret")
		}
	case KindTotpBundle:
		if c.APISecret == "" {
			return fmt.Errorf("totp credential is missing api secret")
		}
		if c.Get(AdditionalTOTPSecret) == "" {
			return fmt.Errorf("totp credential is missing %s", AdditionalTOTPSecret)
		}
	case KindPinBundle:
		if c.APISecret == "" {
			return fmt.Errorf("pin credential is missing api secret")
		}
		if c.Get(AdditionalPIN) == "" {
			return fmt.Errorf("pin credential is missing %s", AdditionalPIN)
		}
	default:
		return fmt.Errorf("unknown credential kind %q", kind)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Event envelope
// ---------------------------------------------------------------------------

// EventKind discriminates the envelope stream.
type EventKind string

const (
	EventOrderUpdate      EventKind = "order_update"
	EventTradeUpdate      EventKind = "trade_update"
	EventPositionUpdate   EventKind = "position_update"
	EventQuoteUpdate      EventKind = "quote_update"
	EventDepthUpdate      EventKind = "depth_update"
	EventConnectionStatus EventKind = "connection_status"
)

// EventKinds lists every envelope event kind.
var EventKinds = []EventKind{
	EventOrderUpdate,
	EventTradeUpdate,
	EventPositionUpdate,
	EventQuoteUpdate,
	EventDepthUpdate,
	EventConnectionStatus,
}

// Message is the only shape ever broadcast to callers. Adapter-specific
// payloads are wrapped before fan-out.
type Message struct {
	Event     EventKind `json:"event"`
	BrokerID  BrokerID  `json:"brokerId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Event payloads
// ---------------------------------------------------------------------------

// Quote is a normalized top-of-book/last-trade update.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// DepthLevel is one price level of an order book side.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int64   `json:"quantity"`
}

// Depth is a normalized market-depth snapshot.
type Depth struct {
	Symbol    string       `json:"symbol"`
	Exchange  string       `json:"exchange"`
	Bids      []DepthLevel `json:"bids"`
	Asks      []DepthLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// OrderUpdate is a normalized order status change.
type OrderUpdate struct {
	OrderID   string    `json:"orderId"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Side      string    `json:"side"`
	Status    string    `json:"status"`
	Quantity  int64     `json:"quantity"`
	FilledQty int64     `json:"filledQty"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PositionUpdate is a normalized holdings change.
type PositionUpdate struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	Quantity  int64   `json:"quantity"`
	AvgPrice  float64 `json:"avgPrice"`
	UnrealPnL float64 `json:"unrealizedPnl"`
}

// ConnectionStatus is the payload of connection_status events.
type ConnectionStatus struct {
	Connected    bool   `json:"connected"`
	Reconnecting bool   `json:"reconnecting,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	MaxAttempts  int    `json:"maxAttempts,omitempty"`
	Err          string `json:"error,omitempty"`
}

// Callback types for adapter-level subscriptions.
type (
	QuoteCallback    func(Quote)
	DepthCallback    func(Depth)
	OrderCallback    func(OrderUpdate)
	PositionCallback func(PositionUpdate)
)
