package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Well-known sync_meta keys.
const (
	// MetaLastSyncAt records the high-water mark of the last successful
	// reconciliation pull (RFC 3339).
	MetaLastSyncAt = "last_sync_at"

	// MetaNeedsReauth is set to "1" when an auth error paused the drain.
	MetaNeedsReauth = "needs_reauth"

	// MetaDeviceID identifies this client to the server.
	MetaDeviceID = "device_id"
)

// GetMeta reads a sync metadata value. Returns "" when the key is absent.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta writes a sync metadata value, replacing any previous one.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a sync metadata key. Idempotent.
func (db *DB) DeleteMeta(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM sync_meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}

// GetMetaTime reads a metadata value as an RFC 3339 timestamp.
// Returns the zero time when the key is absent.
func (db *DB) GetMetaTime(ctx context.Context, key string) (time.Time, error) {
	value, err := db.GetMeta(ctx, key)
	if err != nil || value == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse meta %s: %w", key, err)
	}
	return t, nil
}

// SetMetaTime writes a metadata value as an RFC 3339 timestamp.
func (db *DB) SetMetaTime(ctx context.Context, key string, t time.Time) error {
	return db.SetMeta(ctx, key, t.UTC().Format(time.RFC3339Nano))
}
