package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sakif/queue-companion/internal/apperror"
	"github.com/sakif/queue-companion/internal/repository"
)

// compile-time check that *DB implements repository.CredentialStore
var _ repository.CredentialStore = (*DB)(nil)

// Get returns the value stored under key.
// Returns apperror.ErrNotFound if the key has never been set or was deleted.
func (db *DB) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE key = ?`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", apperror.NotFound("credential", key)
		}
		return "", fmt.Errorf("sqlite: reading credential %s: %w", key, err)
	}
	return value, nil
}

// Set inserts or replaces the value stored under key.
func (db *DB) Set(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: writing credential %s: %w", key, err)
	}
	return nil
}

// Delete removes every listed key. Missing keys are ignored.
func (db *DB) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM credentials WHERE key IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting credentials %v: %w", keys, err)
	}
	return nil
}
