package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	service_name    TEXT PRIMARY KEY,
	username        TEXT NOT NULL DEFAULT '',
	api_key         TEXT NOT NULL DEFAULT '',
	api_secret      TEXT NOT NULL DEFAULT '',
	password        TEXT NOT NULL DEFAULT '',
	additional_data TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);`

// SQLiteStore implements Store backed by a SQLite database file. The file
// should live in a directory with owner-only permissions; the store itself
// does not encrypt fields.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the credential database at dbPath and
// ensures the schema exists.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening credential store %s: %w", dbPath, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating credentials table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save inserts or replaces the record for rec.ServiceName.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.ServiceName == "" {
		return fmt.Errorf("credential record needs a service name")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (service_name, username, api_key, api_secret, password, additional_data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(service_name) DO UPDATE SET
			username = excluded.username,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			password = excluded.password,
			additional_data = excluded.additional_data,
			updated_at = excluded.updated_at`,
		rec.ServiceName, rec.Username, rec.APIKey, rec.APISecret, rec.Password, rec.AdditionalData)
	if err != nil {
		return fmt.Errorf("saving credentials for %s: %w", rec.ServiceName, err)
	}
	return nil
}

// GetByService returns the stored record, or (nil, nil) when none exists.
func (s *SQLiteStore) GetByService(ctx context.Context, service string) (*Record, error) {
	rec := &Record{}
	err := s.db.QueryRowContext(ctx, `
		SELECT service_name, username, api_key, api_secret, password, additional_data
		FROM credentials WHERE service_name = ?`, service).
		Scan(&rec.ServiceName, &rec.Username, &rec.APIKey, &rec.APISecret, &rec.Password, &rec.AdditionalData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading credentials for %s: %w", service, err)
	}
	return rec, nil
}

// DeleteByService removes the record for a service.
func (s *SQLiteStore) DeleteByService(ctx context.Context, service string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE service_name = ?`, service); err != nil {
		return fmt.Errorf("deleting credentials for %s: %w", service, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
