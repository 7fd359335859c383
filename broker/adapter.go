package broker

import (
	"context"
	"time"
)

// Adapter is the uniform capability set every brokerage backend exposes to
// the core. The core treats all adapters identically regardless of broker;
// symbol lookup, order placement, and wire decoding stay inside the adapter.
//
// Adapters do not reconnect themselves. Connection recovery is owned by the
// stream manager, which calls DisconnectWebSocket/ConnectWebSocket and then
// re-issues subscriptions.
type Adapter interface {
	// ID returns the broker key this adapter serves.
	ID() BrokerID

	// CredentialKind returns the secret-bundle shape this broker's
	// handshake requires.
	CredentialKind() CredentialKind

	// Initialize hands the adapter its credential bundle and prepares it
	// for an authentication attempt. It must not open the streaming
	// connection.
	Initialize(ctx context.Context, cred *Credential) error

	// Authenticate performs the broker handshake and returns the resulting
	// status. A failed handshake is reported through the status (and an
	// error for the log), never through a panic.
	Authenticate(ctx context.Context) (AuthStatus, error)

	// Disconnect tears down the authenticated session.
	Disconnect() error

	// ConnectWebSocket opens the streaming connection. Requires a prior
	// successful Authenticate.
	ConnectWebSocket(ctx context.Context) error

	// DisconnectWebSocket closes the streaming connection. Safe to call
	// when no connection is open.
	DisconnectWebSocket() error

	// SubscribeQuotes issues one wire-level subscription for the symbol
	// set. The callback fires once per decoded quote.
	SubscribeQuotes(symbols []Symbol, cb QuoteCallback) error

	// UnsubscribeQuotes tears down the wire-level subscription for the
	// symbol set.
	UnsubscribeQuotes(symbols []Symbol) error

	// SubscribeMarketDepth issues a depth subscription for one instrument.
	SubscribeMarketDepth(symbol Symbol, cb DepthCallback) error

	// SubscribeOrders registers the order-update stream callback.
	SubscribeOrders(cb OrderCallback) error

	// SubscribePositions registers the position-update stream callback.
	SubscribePositions(cb PositionCallback) error

	// AuthStatus returns the adapter's own view of its auth state.
	AuthStatus() AuthStatus

	// IsAuthenticated reports the adapter's live session state. This can
	// run ahead of the manager's cached AuthStatus between refresh cycles.
	IsAuthenticated() bool
}

// TokenRefresher is implemented by adapters whose session tokens can be
// renewed without a full re-handshake. The refresh service prefers it over
// re-running Authenticate.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) error
}

// TokenExpirer is implemented by adapters that know when their current
// session token expires, letting the refresh service schedule precisely
// instead of polling on a fixed interval.
type TokenExpirer interface {
	TokenExpiry() time.Time
}
