// Package credstore persists per-broker secret bundles. Records are keyed by
// service name (the broker id); a missing record is a normal "not
// configured" outcome, reported as (nil, nil) rather than an error.
package credstore

import "context"

// Record is the stored shape of one broker's credentials. AdditionalData is
// an opaque JSON object for broker-specific fields (TOTP seed, PIN, refresh
// token) so the table schema never changes per broker.
type Record struct {
	ServiceName    string
	Username       string
	APIKey         string
	APISecret      string
	Password       string
	AdditionalData string
}

// Store is the keyed save/get/delete contract the auth manager consumes.
type Store interface {
	// Save inserts or replaces the record for its service name.
	Save(ctx context.Context, rec *Record) error

	// GetByService returns the record for a service, or (nil, nil) when
	// none is stored.
	GetByService(ctx context.Context, service string) (*Record, error)

	// DeleteByService removes the record for a service. Deleting a missing
	// record is a no-op.
	DeleteByService(ctx context.Context, service string) error

	// Close releases the underlying storage.
	Close() error
}
