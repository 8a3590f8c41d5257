// Package queue implements the durable mutation queue.
//
// Every local write becomes a queue item that survives restarts until the
// server explicitly acknowledges it. Items carry a stable client-generated
// id that doubles as the idempotency key presented to the remote API, so
// duplicate delivery after a dropped response never double-applies.
//
// The queue maintains one invariant the rest of the engine leans on: at
// most one outstanding item exists per (entity kind, entity id). A new
// mutation for an entity that already has a queued item coalesces into it
// instead of appending. Because of this, any pending item has no queued
// causal predecessors, and FIFO order by enqueue time is causal order.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/store"
)

// State is the lifecycle state of a queue item.
type State string

const (
	// StatePending means the item is waiting to be submitted.
	StatePending State = "pending"
	// StateInFlight means a submission for the item is outstanding.
	StateInFlight State = "in_flight"
	// StateFailed means the item hit a terminal error. It stays visible
	// for inspection but is excluded from NextReady until manually retried.
	StateFailed State = "failed"
)

var (
	// ErrNotFound is returned when no item with the given id exists.
	ErrNotFound = errors.New("queue item not found")

	// ErrNotPending is returned by MarkInFlight when the item is not in
	// the pending state.
	ErrNotPending = errors.New("queue item is not pending")

	// ErrSessionImmutable is returned when an update is enqueued against
	// a committed attendance session. Sessions are append-only once the
	// server has seen them.
	ErrSessionImmutable = errors.New("committed attendance sessions cannot be updated")

	// ErrEntityDeleted is returned when an update is enqueued for an
	// entity that already has a pending delete.
	ErrEntityDeleted = errors.New("entity has a pending delete")
)

// Op describes a mutation to enqueue.
type Op struct {
	OpKind     schema.OpKind
	EntityKind schema.EntityKind
	EntityID   string
	Payload    json.RawMessage // nil for deletes
}

// Item is a queued mutation. Mutated only by the sync engine during a
// drain; destroyed on confirmed server commit.
type Item struct {
	// ID is the client-generated identifier, stable across retries and
	// coalesced rewrites. Presented to the server as the idempotency key.
	ID string

	OpKind     schema.OpKind
	EntityKind schema.EntityKind
	EntityID   string
	Payload    json.RawMessage

	State      State
	EnqueuedAt time.Time

	// Attempts counts submissions that ended in a retryable error.
	Attempts int
	// NextAttemptAt gates NextReady while the item is backing off.
	NextAttemptAt *time.Time
	// LastError records the most recent submission failure, if any.
	LastError string
}

// Queue is the durable mutation queue backed by the shared SQLite
// database.
type Queue struct {
	db *store.DB
}

// New creates a queue on top of an opened database.
// The schema must already be initialized.
func New(db *store.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue records a mutation, applying the coalescing rule.
//
// If no item exists for the entity, a new pending item is created with a
// fresh id. If one exists, the payload replaces the queued one and the
// op kind escalates: Create followed by Update stays a Create, anything
// followed by Delete becomes a Delete. The original id is preserved so
// the idempotency key stays stable. An item that had failed terminally
// is reset to pending with its attempt counter cleared - the caller has
// produced a corrected payload.
//
// Returns the (possibly pre-existing, merged) item.
func (q *Queue) Enqueue(ctx context.Context, op Op) (*Item, error) {
	if !op.EntityKind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", op.EntityKind)
	}
	if op.EntityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if op.OpKind != schema.OpDelete && len(op.Payload) == 0 {
		return nil, fmt.Errorf("payload is required for %s", op.OpKind)
	}

	existing, err := q.byEntity(ctx, op.EntityKind, op.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		// Updating a session with no pending create means the session
		// was already committed, and committed sessions are immutable.
		if op.OpKind == schema.OpUpdate && op.EntityKind == schema.KindSession {
			return nil, ErrSessionImmutable
		}
		return q.insert(ctx, op)
	}

	return q.coalesce(ctx, existing, op)
}

func (q *Queue) insert(ctx context.Context, op Op) (*Item, error) {
	item := &Item{
		ID:         uuid.NewString(),
		OpKind:     op.OpKind,
		EntityKind: op.EntityKind,
		EntityID:   op.EntityID,
		Payload:    op.Payload,
		State:      StatePending,
		EnqueuedAt: time.Now().UTC(),
	}

	_, err := q.db.RawDB().ExecContext(ctx, `
		INSERT INTO mutations (id, op_kind, entity_kind, entity_id, payload, state, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		item.ID,
		string(item.OpKind),
		string(item.EntityKind),
		item.EntityID,
		payloadString(item.Payload),
		string(item.State),
		formatTime(item.EnqueuedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation for %s/%s: %w", op.EntityKind, op.EntityID, err)
	}
	return item, nil
}

func (q *Queue) coalesce(ctx context.Context, existing *Item, op Op) (*Item, error) {
	if existing.OpKind == schema.OpDelete && op.OpKind != schema.OpDelete {
		return nil, ErrEntityDeleted
	}

	// Op kind escalation: Create absorbs Update, Delete absorbs anything.
	opKind := existing.OpKind
	payload := op.Payload
	if op.OpKind == schema.OpDelete {
		opKind = schema.OpDelete
		payload = nil
	}

	_, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET
			op_kind = ?,
			payload = ?,
			state = ?,
			attempts = CASE WHEN state = 'failed' THEN 0 ELSE attempts END,
			next_attempt_at = NULL,
			last_error = CASE WHEN state = 'failed' THEN NULL ELSE last_error END
		WHERE id = ?
	`, string(opKind), payloadString(payload), string(StatePending), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to coalesce mutation %s: %w", existing.ID, err)
	}

	return q.Get(ctx, existing.ID)
}

// NextReady returns the oldest pending item whose backoff delay has
// elapsed, or nil if no item is ready.
//
// Coalescing guarantees at most one item per entity, so the returned
// item never has a queued predecessor for the same entity: FIFO order
// here is the causal order the server must observe.
func (q *Queue) NextReady(ctx context.Context) (*Item, error) {
	row := q.db.RawDB().QueryRowContext(ctx, `
		SELECT id, op_kind, entity_kind, entity_id, payload, state,
		       enqueued_at, attempts, next_attempt_at, last_error
		FROM mutations
		WHERE state = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY enqueued_at ASC, rowid ASC
		LIMIT 1
	`, formatTime(time.Now()))

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query next ready mutation: %w", err)
	}
	return item, nil
}

// MarkInFlight transitions a pending item to in-flight.
// Returns ErrNotPending if the item is in any other state.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx,
		`UPDATE mutations SET state = 'in_flight' WHERE id = ? AND state = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s in flight: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

// MarkCommitted removes an acknowledged item from the queue.
//
// Only an item still in flight is removed. If a user action coalesced a
// newer payload into the item while its submission was outstanding, the
// item has returned to pending and survives to be submitted again.
func (q *Queue) MarkCommitted(ctx context.Context, id string) error {
	_, err := q.db.RawDB().ExecContext(ctx,
		`DELETE FROM mutations WHERE id = ? AND state = 'in_flight'`, id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s committed: %w", id, err)
	}
	return nil
}

// MarkRetry records a retryable failure: the attempt counter increments,
// the error is stored, and the item returns to pending once the given
// backoff delay elapses.
func (q *Queue) MarkRetry(ctx context.Context, id string, cause error, delay time.Duration) error {
	next := time.Now().Add(delay)
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET
			state = 'pending',
			attempts = attempts + 1,
			next_attempt_at = ?,
			last_error = ?
		WHERE id = ? AND state = 'in_flight'
	`, formatTime(next), errString(cause), id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s for retry: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions an in-flight item to the terminal failed
// state. The item stays visible for inspection but is excluded from
// NextReady until Retry is called on it. Returns ErrNotFound when the
// item no longer exists or was coalesced back to pending while the
// submission was outstanding; the failure then belongs to stale bytes
// and the corrected item keeps its turn.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET state = 'failed', last_error = ?
		WHERE id = ? AND state = 'in_flight'
	`, errString(cause), id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release returns an in-flight item to pending without counting an
// attempt. Used when the drain pauses for reasons unrelated to the item
// itself, such as an expired credential.
func (q *Queue) Release(ctx context.Context, id string, cause error) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET state = 'pending', next_attempt_at = NULL, last_error = ?
		WHERE id = ? AND state = 'in_flight'
	`, errString(cause), id)
	if err != nil {
		return fmt.Errorf("failed to release mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Retry manually resets a failed item to pending with a cleared attempt
// counter, making it eligible for the next drain.
func (q *Queue) Retry(ctx context.Context, id string) error {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET
			state = 'pending',
			attempts = 0,
			next_attempt_at = NULL,
			last_error = NULL
		WHERE id = ? AND state = 'failed'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to retry mutation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverInFlight reverts all in-flight items to pending. Called once at
// startup: a crash mid-drain must not leave items stranded, and no
// submission is assumed acknowledged unless it was explicitly committed.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := q.db.RawDB().ExecContext(ctx, `
		UPDATE mutations SET state = 'pending', next_attempt_at = NULL
		WHERE state = 'in_flight'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get returns the item with the given id, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.RawDB().QueryRowContext(ctx, `
		SELECT id, op_kind, entity_kind, entity_id, payload, state,
		       enqueued_at, attempts, next_attempt_at, last_error
		FROM mutations WHERE id = ?
	`, id)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mutation %s: %w", id, err)
	}
	return item, nil
}

// List returns all queue items in enqueue order.
func (q *Queue) List(ctx context.Context) ([]*Item, error) {
	rows, err := q.db.RawDB().QueryContext(ctx, `
		SELECT id, op_kind, entity_kind, entity_id, payload, state,
		       enqueued_at, attempts, next_attempt_at, last_error
		FROM mutations
		ORDER BY enqueued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mutations: %w", err)
	}
	return items, nil
}

// Depth returns the number of items per state.
func (q *Queue) Depth(ctx context.Context) (map[State]int, error) {
	rows, err := q.db.RawDB().QueryContext(ctx,
		`SELECT state, COUNT(*) FROM mutations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	defer rows.Close()

	depth := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		depth[State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return depth, nil
}

// OutstandingFor returns the queued item for an entity, or ErrNotFound.
// The conflict resolver uses this to learn whether a local entity still
// has an unacknowledged mutation.
func (q *Queue) OutstandingFor(ctx context.Context, kind schema.EntityKind, entityID string) (*Item, error) {
	return q.byEntity(ctx, kind, entityID)
}

// byEntity returns the outstanding item for an entity, or ErrNotFound.
func (q *Queue) byEntity(ctx context.Context, kind schema.EntityKind, entityID string) (*Item, error) {
	row := q.db.RawDB().QueryRowContext(ctx, `
		SELECT id, op_kind, entity_kind, entity_id, payload, state,
		       enqueued_at, attempts, next_attempt_at, last_error
		FROM mutations WHERE entity_kind = ? AND entity_id = ?
	`, string(kind), entityID)

	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mutation for %s/%s: %w", kind, entityID, err)
	}
	return item, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	var opKind, entityKind, state, enqueuedAt string
	var payload, nextAttemptAt, lastError sql.NullString

	err := row.Scan(
		&item.ID,
		&opKind,
		&entityKind,
		&item.EntityID,
		&payload,
		&state,
		&enqueuedAt,
		&item.Attempts,
		&nextAttemptAt,
		&lastError,
	)
	if err != nil {
		return nil, err
	}

	item.OpKind = schema.OpKind(opKind)
	item.EntityKind = schema.EntityKind(entityKind)
	item.State = State(state)
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
		item.EnqueuedAt = t
	}
	if nextAttemptAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt.String); err == nil {
			item.NextAttemptAt = &t
		}
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}

	return &item, nil
}

// timeLayout is RFC 3339 with a fixed-width fraction. RFC3339Nano trims
// trailing zeros, so its strings do not sort chronologically; the queue
// compares and orders these columns as text, which needs fixed width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func payloadString(payload json.RawMessage) sql.NullString {
	if len(payload) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(payload), Valid: true}
}

func errString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
