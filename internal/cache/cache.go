// Package cache implements the durable local entity store.
//
// The cache is the client's view of the world while offline: optimistic
// writes land here immediately, and canonical server state replaces them
// as the sync engine commits mutations and pulls reconciliation changes.
// The cache never touches the network.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/store"
)

// ErrNotFound is returned by Get when no entity with the given kind and
// id exists in the cache.
var ErrNotFound = errors.New("entity not found")

// Cache is a durable keyed store of entities backed by the shared
// SQLite database. All writes are committed before the call returns.
type Cache struct {
	db *store.DB
}

// New creates a cache on top of an opened database.
// The schema must already be initialized.
func New(db *store.DB) *Cache {
	return &Cache{db: db}
}

// Get returns the cached entity, or ErrNotFound.
func (c *Cache) Get(ctx context.Context, kind schema.EntityKind, id string) (*schema.Entity, error) {
	row := c.db.RawDB().QueryRowContext(ctx, `
		SELECT kind, id, payload, version, sync_state, updated_at
		FROM entities WHERE kind = ? AND id = ?
	`, string(kind), id)

	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", kind, id, err)
	}
	return entity, nil
}

// Put inserts or replaces an entity. Idempotent upsert.
func (c *Cache) Put(ctx context.Context, entity *schema.Entity) error {
	if err := entity.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid entity: %w", err)
	}

	updatedAt := entity.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := c.db.RawDB().ExecContext(ctx, `
		INSERT INTO entities (kind, id, payload, version, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			payload = excluded.payload,
			version = excluded.version,
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at
	`,
		string(entity.Kind),
		entity.ID,
		string(entity.Payload),
		entity.Version,
		string(entity.SyncState),
		updatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put entity %s/%s: %w", entity.Kind, entity.ID, err)
	}
	return nil
}

// Delete removes an entity from the cache.
// Returns nil if the entity doesn't exist (idempotent).
func (c *Cache) Delete(ctx context.Context, kind schema.EntityKind, id string) error {
	_, err := c.db.RawDB().ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s/%s: %w", kind, id, err)
	}
	return nil
}

// Rekey moves an entity to a server-assigned id, replacing any entity
// already cached under the new id. Used when a create is acknowledged
// with an id different from the client-generated one.
func (c *Cache) Rekey(ctx context.Context, kind schema.EntityKind, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	tx, err := c.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE kind = ? AND id = ?`, string(kind), newID); err != nil {
		return fmt.Errorf("failed to clear target id %s/%s: %w", kind, newID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET id = ? WHERE kind = ? AND id = ?`, newID, string(kind), oldID); err != nil {
		return fmt.Errorf("failed to rekey entity %s/%s: %w", kind, oldID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rekey: %w", err)
	}
	return nil
}

// List returns a snapshot of all cached entities of the given kind,
// ordered by id for reproducible output.
func (c *Cache) List(ctx context.Context, kind schema.EntityKind) ([]*schema.Entity, error) {
	rows, err := c.db.RawDB().QueryContext(ctx, `
		SELECT kind, id, payload, version, sync_state, updated_at
		FROM entities WHERE kind = ?
		ORDER BY id ASC
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*schema.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// CountByState returns the number of cached entities per sync state.
func (c *Cache) CountByState(ctx context.Context) (map[schema.SyncState]int, error) {
	rows, err := c.db.RawDB().QueryContext(ctx,
		`SELECT sync_state, COUNT(*) FROM entities GROUP BY sync_state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.SyncState(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// scanner is the subset of sql.Row / sql.Rows the helpers need.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*schema.Entity, error) {
	var entity schema.Entity
	var kind, payload, state, updatedAt string

	if err := row.Scan(&kind, &entity.ID, &payload, &entity.Version, &state, &updatedAt); err != nil {
		return nil, err
	}

	entity.Kind = schema.EntityKind(kind)
	entity.Payload = []byte(payload)
	entity.SyncState = schema.SyncState(state)

	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		entity.UpdatedAt = t
	}

	return &entity, nil
}
