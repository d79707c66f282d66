// Package kvstore is the persistent per-module configuration store behind
// the kv capability. Values are opaque JSON owned by the module that wrote
// them; modules cannot read each other's keys.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store persists module key-value config in the host database.
type Store struct {
	db *sql.DB
}

// New creates the store and ensures its schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS module_kv (
        module TEXT NOT NULL,
        key    TEXT NOT NULL,
        value  BLOB NOT NULL,
        updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (module, key)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("kvstore: migrate: %w", err)
	}
	return nil
}

// Get returns the stored value and whether it exists.
func (s *Store) Get(ctx context.Context, module, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM module_kv WHERE module = ? AND key = ?`, module, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s/%s: %w", module, key, err)
	}
	return value, true, nil
}

// Set upserts one key.
func (s *Store) Set(ctx context.Context, module, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO module_kv (module, key, value, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT (module, key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		module, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: set %s/%s: %w", module, key, err)
	}
	return nil
}

// Delete removes one key; deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, module, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM module_kv WHERE module = ? AND key = ?`, module, key)
	if err != nil {
		return fmt.Errorf("kvstore: delete %s/%s: %w", module, key, err)
	}
	return nil
}

// Keys lists a module's keys, sorted.
func (s *Store) Keys(ctx context.Context, module string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM module_kv WHERE module = ? ORDER BY key`, module)
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys %s: %w", module, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kvstore: keys %s: %w", module, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kvstore: keys %s: %w", module, err)
	}
	return keys, nil
}
