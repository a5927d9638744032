package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetSyncState upserts a key in sync_state.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return storageErr("set sync state", err)
}

// GetSyncState returns the value stored under key, or ErrNotFound.
func (db *DB) GetSyncState(ctx context.Context, key string) (string, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM sync_state WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync state %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", storageErr("get sync state", err)
	}
	return value, nil
}

// DeleteSyncState removes key. Deleting a missing key is not an error.
func (db *DB) DeleteSyncState(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key)
	return storageErr("delete sync state", err)
}

// ListSyncState returns all entries whose key starts with prefix, ordered by key.
func (db *DB) ListSyncState(ctx context.Context, prefix string) ([]StateEntry, error) {
	var entries []StateEntry
	err := db.SelectContext(ctx, &entries, `
		SELECT key, value, updated_at FROM sync_state
		WHERE key LIKE ? ESCAPE '\' ORDER BY key ASC`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, storageErr("list sync state", err)
	}
	return entries, nil
}
