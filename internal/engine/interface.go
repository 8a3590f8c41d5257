// Package engine implements the offline-first synchronization engine: it
// drains the durable mutation queue against the remote API when
// connectivity allows, applies canonical server state to the local cache
// through the conflict resolver, and reports terminal failures outward.
package engine

import (
	"context"
	"time"

	"github.com/classdesk/rollcall/internal/apiclient"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/schema"
)

// Engine orchestrates the offline-first sync protocol.
//
// User actions go through the Record methods, which update the cache
// optimistically and enqueue a durable mutation. Drain pushes queued
// mutations to the server; Reconcile pulls server-side changes down.
// Both always complete their sweep - per-item errors are classified and
// recorded, never thrown out of the loop.
type Engine interface {
	// RecordCreate optimistically creates an entity and queues its
	// submission. The id is client-generated (callers use uuid) and may
	// be replaced by a server-assigned id once the create is
	// acknowledged.
	RecordCreate(ctx context.Context, kind schema.EntityKind, id string, payload []byte) error

	// RecordUpdate optimistically updates an entity and queues its
	// submission. Updating a committed attendance session returns
	// queue.ErrSessionImmutable and leaves the cache untouched.
	RecordUpdate(ctx context.Context, kind schema.EntityKind, id string, payload []byte) error

	// RecordDelete optimistically removes an entity and queues its
	// deletion.
	RecordDelete(ctx context.Context, kind schema.EntityKind, id string) error

	// Drain submits every ready queued mutation to the remote API.
	//
	// At most one drain runs at a time; a drain triggered while another
	// is running is coalesced into a no-op. The drain stops between
	// items when connectivity drops or the context is cancelled, leaving
	// the remaining items pending. It never cancels a submission already
	// in flight.
	//
	// The returned summary counts items committed, scheduled for retry,
	// and terminally failed during this pass. Drain itself only errors
	// when the drain is paused waiting for re-authentication.
	Drain(ctx context.Context) (Summary, error)

	// Reconcile pulls canonical entities changed since the last
	// reconciliation and merges each through the conflict resolver.
	// Returns the number of entities applied.
	Reconcile(ctx context.Context) (int, error)

	// RetryItem manually resets a terminally failed queue item so the
	// next drain picks it up again.
	RetryItem(ctx context.Context, id string) error

	// ClearReauth lifts the re-authentication pause after the credential
	// collaborator has renewed the bearer token.
	ClearReauth(ctx context.Context) error

	// Status reports the engine's shared state snapshot.
	Status(ctx context.Context) (Status, error)
}

// RemoteAPI is the abstract contract of the authoritative server, as
// consumed by the engine. *apiclient.Client satisfies it; tests provide
// fakes.
type RemoteAPI interface {
	// SubmitMutation submits one mutation, carrying the item's id as the
	// idempotency key. Failures must be *apiclient.Error values so the
	// engine can classify them.
	SubmitMutation(ctx context.Context, item *queue.Item) (*apiclient.CanonicalEntity, error)

	// FetchChangesSince returns canonical entities changed since the
	// given timestamp, for reconciliation pulls.
	FetchChangesSince(ctx context.Context, since time.Time) ([]apiclient.CanonicalEntity, error)
}

// Connectivity is the slice of the connectivity monitor the engine needs:
// the resampled current state.
type Connectivity interface {
	Online() bool
}

// Summary is the outcome of one drain pass.
type Summary struct {
	Committed int
	Retried   int
	Failed    int
}

// Status is the engine's process-wide shared state. Only the engine
// writes Draining and LastSyncAt; only the connectivity monitor writes
// the underlying online state.
type Status struct {
	Online      bool
	Draining    bool
	NeedsReauth bool
	LastSyncAt  time.Time
	QueueDepth  map[queue.State]int
}

// Events receives notifications as the engine works. All methods are
// called synchronously from the drain or reconcile loop; implementations
// must not block. A nil Events is valid.
type Events interface {
	DrainStarted()
	DrainFinished(summary Summary)
	ItemCommitted(item *queue.Item, entity *schema.Entity)
	ItemRetried(item *queue.Item, cause error, delay time.Duration)
	ItemFailed(item *queue.Item, cause error)
	ConflictResolved(kind schema.EntityKind, id string)
	ReauthRequired()
	Reconciled(applied int)
}

// noopEvents is the default Events implementation.
type noopEvents struct{}

func (noopEvents) DrainStarted()                                       {}
func (noopEvents) DrainFinished(Summary)                               {}
func (noopEvents) ItemCommitted(*queue.Item, *schema.Entity)           {}
func (noopEvents) ItemRetried(*queue.Item, error, time.Duration)       {}
func (noopEvents) ItemFailed(*queue.Item, error)                       {}
func (noopEvents) ConflictResolved(schema.EntityKind, string)          {}
func (noopEvents) ReauthRequired()                                     {}
func (noopEvents) Reconciled(int)                                      {}
