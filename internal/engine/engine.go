package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/classdesk/rollcall/internal/apiclient"
	"github.com/classdesk/rollcall/internal/cache"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/store"
)

// ErrReauthRequired is returned by Drain while the engine is paused
// waiting for the credential collaborator to renew the bearer token.
var ErrReauthRequired = errors.New("re-authentication required")

// Config holds the engine's retry policy. The original design left these
// unspecified; they are configuration here, not constants.
type Config struct {
	// MaxAttempts is how many retryable failures an item absorbs before
	// it transitions to the terminal failed state.
	MaxAttempts int

	// BackoffBase is the delay after the first retryable failure. Each
	// further failure doubles it.
	BackoffBase time.Duration

	// BackoffCap bounds the doubled delay.
	BackoffCap time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
		Logger:      log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// engine implements the Engine interface.
type engine struct {
	db     *store.DB
	cache  *cache.Cache
	queue  *queue.Queue
	api    RemoteAPI
	conn   Connectivity
	events Events
	config *Config
	logger *log.Logger

	// draining is the mutual exclusion between concurrent drain
	// triggers; re-entrant drains coalesce instead of stacking.
	draining atomic.Bool
}

// New creates an Engine.
//
// The database must be opened with its schema initialized, and the cache
// and queue must be built on the same database. In-flight queue items
// left over from a crash are reverted to pending here.
//
// If events is nil, notifications are discarded. If config is nil,
// DefaultConfig is used.
func New(db *store.DB, c *cache.Cache, q *queue.Queue, api RemoteAPI, conn Connectivity, events Events, config *Config) (Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if events == nil {
		events = noopEvents{}
	}

	recovered, err := q.RecoverInFlight(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to recover queue: %w", err)
	}
	if recovered > 0 {
		config.Logger.Printf("Recovered %d in-flight mutations to pending", recovered)
	}

	return &engine{
		db:     db,
		cache:  c,
		queue:  q,
		api:    api,
		conn:   conn,
		events: events,
		config: config,
		logger: config.Logger,
	}, nil
}

// RecordCreate implements Engine.RecordCreate.
func (e *engine) RecordCreate(ctx context.Context, kind schema.EntityKind, id string, payload []byte) error {
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := e.queue.Enqueue(ctx, queue.Op{
		OpKind:     schema.OpCreate,
		EntityKind: kind,
		EntityID:   id,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("failed to enqueue create: %w", err)
	}

	entity := &schema.Entity{
		ID:        id,
		Kind:      kind,
		Payload:   payload,
		SyncState: schema.StatePending,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.cache.Put(ctx, entity); err != nil {
		return fmt.Errorf("failed to cache optimistic create: %w", err)
	}

	e.logger.Printf("Recorded create %s/%s", kind, id)
	return nil
}

// RecordUpdate implements Engine.RecordUpdate.
func (e *engine) RecordUpdate(ctx context.Context, kind schema.EntityKind, id string, payload []byte) error {
	local, err := e.cache.Get(ctx, kind, id)
	if err != nil {
		return fmt.Errorf("cannot update %s/%s: %w", kind, id, err)
	}

	if _, err := e.queue.Enqueue(ctx, queue.Op{
		OpKind:     schema.OpUpdate,
		EntityKind: kind,
		EntityID:   id,
		Payload:    payload,
	}); err != nil {
		return fmt.Errorf("failed to enqueue update: %w", err)
	}

	local.Payload = payload
	local.SyncState = schema.StatePending
	local.UpdatedAt = time.Now().UTC()
	if err := e.cache.Put(ctx, local); err != nil {
		return fmt.Errorf("failed to cache optimistic update: %w", err)
	}

	e.logger.Printf("Recorded update %s/%s", kind, id)
	return nil
}

// RecordDelete implements Engine.RecordDelete.
func (e *engine) RecordDelete(ctx context.Context, kind schema.EntityKind, id string) error {
	if _, err := e.queue.Enqueue(ctx, queue.Op{
		OpKind:     schema.OpDelete,
		EntityKind: kind,
		EntityID:   id,
	}); err != nil {
		return fmt.Errorf("failed to enqueue delete: %w", err)
	}

	if err := e.cache.Delete(ctx, kind, id); err != nil {
		return fmt.Errorf("failed to remove %s/%s from cache: %w", kind, id, err)
	}

	e.logger.Printf("Recorded delete %s/%s", kind, id)
	return nil
}

// Drain implements Engine.Drain.
func (e *engine) Drain(ctx context.Context) (Summary, error) {
	var summary Summary

	if paused, err := e.needsReauth(ctx); err != nil {
		return summary, err
	} else if paused {
		return summary, ErrReauthRequired
	}

	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Printf("Drain already in progress, trigger coalesced")
		return summary, nil
	}
	defer e.draining.Store(false)

	e.events.DrainStarted()
	e.logger.Printf("Drain started")

	for {
		// Connectivity is resampled before every item; a drop mid-drain
		// stops between items, never cancelling a call in flight.
		if ctx.Err() != nil || !e.conn.Online() {
			e.logger.Printf("Drain stopped early (offline or cancelled), remaining items stay pending")
			break
		}

		item, err := e.queue.NextReady(ctx)
		if err != nil {
			e.logger.Printf("WARNING: failed to read queue: %v", err)
			break
		}
		if item == nil {
			break
		}

		if err := e.queue.MarkInFlight(ctx, item.ID); err != nil {
			e.logger.Printf("WARNING: failed to mark %s in flight: %v", item.ID, err)
			break
		}

		canonical, err := e.api.SubmitMutation(ctx, item)
		if err == nil {
			if err := e.commit(ctx, item, canonical); err != nil {
				e.logger.Printf("WARNING: failed to commit %s locally: %v", item.ID, err)
				// The server applied the mutation; keep the item for a
				// re-submission, which the idempotency key makes safe.
				if relErr := e.queue.Release(ctx, item.ID, err); relErr != nil {
					e.logger.Printf("WARNING: failed to release %s: %v", item.ID, relErr)
				}
				break
			}
			summary.Committed++
			continue
		}

		pause := e.dispose(ctx, item, err, &summary)
		if pause {
			break
		}
	}

	e.logger.Printf("Drain finished: committed=%d retried=%d failed=%d",
		summary.Committed, summary.Retried, summary.Failed)
	e.events.DrainFinished(summary)
	return summary, nil
}

// dispose classifies a submission failure and advances the item's state
// machine. It returns true when the whole drain must pause.
func (e *engine) dispose(ctx context.Context, item *queue.Item, cause error, summary *Summary) bool {
	var apiErr *apiclient.Error
	if !errors.As(cause, &apiErr) {
		// A local, deterministic failure (e.g. marshalling); retrying
		// the same bytes cannot succeed.
		e.fail(ctx, item, cause, summary)
		return false
	}

	switch {
	case apiErr.Kind == apiclient.KindAuth:
		// Non-retryable at the item level: the item returns to pending
		// without an attempt charged, and the whole drain pauses until
		// the credential is renewed.
		if err := e.queue.Release(ctx, item.ID, apiErr); err != nil {
			e.logger.Printf("WARNING: failed to release %s: %v", item.ID, err)
		}
		if err := e.db.SetMeta(ctx, store.MetaNeedsReauth, "1"); err != nil {
			e.logger.Printf("WARNING: failed to record reauth state: %v", err)
		}
		e.logger.Printf("Credential rejected, drain paused until re-authentication")
		e.events.ReauthRequired()
		return true

	case apiErr.Retryable():
		if item.Attempts+1 >= e.config.MaxAttempts {
			e.fail(ctx, item, fmt.Errorf("gave up after %d attempts: %w", item.Attempts+1, apiErr), summary)
			return false
		}
		delay := e.backoff(item.Attempts)
		if err := e.queue.MarkRetry(ctx, item.ID, apiErr, delay); err != nil {
			e.logger.Printf("WARNING: failed to mark %s for retry: %v", item.ID, err)
			return false
		}
		summary.Retried++
		e.logger.Printf("Mutation %s (%s %s/%s) will retry in %v: %v",
			item.ID, item.OpKind, item.EntityKind, item.EntityID, delay.Round(time.Millisecond), apiErr)
		e.events.ItemRetried(item, apiErr, delay)
		return false

	default:
		// Validation: terminal, surfaced for correction. One bad item
		// must not block the rest of the queue.
		e.fail(ctx, item, apiErr, summary)
		return false
	}
}

func (e *engine) fail(ctx context.Context, item *queue.Item, cause error, summary *Summary) {
	if err := e.queue.MarkFailed(ctx, item.ID, cause); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// A coalesce superseded the submission while it was in
			// flight; the corrected item stays pending and keeps its turn.
			e.logger.Printf("Mutation %s superseded while in flight, leaving it pending", item.ID)
			return
		}
		e.logger.Printf("WARNING: failed to mark %s failed: %v", item.ID, err)
		return
	}
	summary.Failed++
	e.logger.Printf("Mutation %s (%s %s/%s) failed terminally: %v",
		item.ID, item.OpKind, item.EntityKind, item.EntityID, cause)
	e.events.ItemFailed(item, cause)
}

// commit applies a successful submission response: the canonical entity
// replaces local state through the conflict resolver and the queue item
// is retired.
func (e *engine) commit(ctx context.Context, item *queue.Item, canonical *apiclient.CanonicalEntity) error {
	if err := e.queue.MarkCommitted(ctx, item.ID); err != nil {
		return err
	}

	if item.OpKind == schema.OpDelete || canonical == nil || canonical.Deleted {
		e.logger.Printf("Committed %s %s/%s", item.OpKind, item.EntityKind, item.EntityID)
		e.events.ItemCommitted(item, nil)
		return nil
	}

	applied, err := e.apply(ctx, item.EntityID, canonical)
	if err != nil {
		return err
	}

	e.logger.Printf("Committed %s %s/%s (server id %s, version %d)",
		item.OpKind, item.EntityKind, item.EntityID, canonical.ID, canonical.Version)
	e.events.ItemCommitted(item, applied)
	return nil
}

// apply merges one canonical entity into the cache through the conflict
// resolver. localID is where the local copy is cached, which differs
// from the canonical id when the server assigned a new one.
func (e *engine) apply(ctx context.Context, localID string, canonical *apiclient.CanonicalEntity) (*schema.Entity, error) {
	local, err := e.cache.Get(ctx, canonical.Kind, localID)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	// The pending op for the resolver is whatever is still queued for
	// the entity after this commit - normally nothing, but a mutation
	// coalesced while this one was in flight keeps the local copy
	// pending.
	var pendingOp schema.OpKind
	if outstanding, err := e.queue.OutstandingFor(ctx, canonical.Kind, localID); err == nil && outstanding.State != queue.StateFailed {
		pendingOp = outstanding.OpKind
	}

	remote := &schema.Entity{
		ID:        canonical.ID,
		Kind:      canonical.Kind,
		Payload:   canonical.Payload,
		Version:   canonical.Version,
		SyncState: schema.StateClean,
		UpdatedAt: canonical.UpdatedAt,
	}

	resolved := Resolve(local, pendingOp, remote)

	// A resolution only counts as a conflict when an unacknowledged
	// local mutation competed with the remote version.
	if local != nil && local.SyncState == schema.StatePending && pendingOp != "" {
		e.events.ConflictResolved(canonical.Kind, canonical.ID)
	}

	if localID != resolved.ID {
		if err := e.cache.Rekey(ctx, canonical.Kind, localID, resolved.ID); err != nil {
			return nil, err
		}
	}
	if err := e.cache.Put(ctx, resolved); err != nil {
		return nil, err
	}
	return resolved, nil
}

// Reconcile implements Engine.Reconcile.
func (e *engine) Reconcile(ctx context.Context) (int, error) {
	since, err := e.db.GetMetaTime(ctx, store.MetaLastSyncAt)
	if err != nil {
		return 0, err
	}

	entities, err := e.api.FetchChangesSince(ctx, since)
	if err != nil {
		var apiErr *apiclient.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apiclient.KindAuth {
			// Same escalation as a rejected submission: the whole engine
			// pauses until the credential is renewed.
			if metaErr := e.db.SetMeta(ctx, store.MetaNeedsReauth, "1"); metaErr != nil {
				e.logger.Printf("WARNING: failed to record reauth state: %v", metaErr)
			}
			e.logger.Printf("Credential rejected during reconcile, engine paused until re-authentication")
			e.events.ReauthRequired()
			return 0, fmt.Errorf("failed to fetch changes: %w", ErrReauthRequired)
		}
		return 0, fmt.Errorf("failed to fetch changes: %w", err)
	}

	applied := 0
	highWater := since
	for i := range entities {
		canonical := &entities[i]
		if canonical.UpdatedAt.After(highWater) {
			highWater = canonical.UpdatedAt
		}

		if canonical.Deleted {
			if e.evict(ctx, canonical) {
				applied++
			}
			continue
		}

		if _, err := e.apply(ctx, canonical.ID, canonical); err != nil {
			e.logger.Printf("WARNING: failed to apply %s/%s: %v", canonical.Kind, canonical.ID, err)
			continue
		}
		applied++
	}

	if err := e.db.SetMetaTime(ctx, store.MetaLastSyncAt, highWater); err != nil {
		return applied, err
	}

	if applied > 0 {
		e.logger.Printf("Reconciled %d entities since %v", applied, since)
	}
	e.events.Reconciled(applied)
	return applied, nil
}

// evict handles a server-side tombstone. A local entity with a pending
// create survives - the user's unacknowledged input outranks a stale
// tombstone - everything else is removed.
func (e *engine) evict(ctx context.Context, canonical *apiclient.CanonicalEntity) bool {
	if outstanding, err := e.queue.OutstandingFor(ctx, canonical.Kind, canonical.ID); err == nil &&
		outstanding.OpKind == schema.OpCreate && outstanding.State != queue.StateFailed {
		return false
	}

	if err := e.cache.Delete(ctx, canonical.Kind, canonical.ID); err != nil {
		e.logger.Printf("WARNING: failed to evict %s/%s: %v", canonical.Kind, canonical.ID, err)
		return false
	}
	return true
}

// RetryItem implements Engine.RetryItem.
func (e *engine) RetryItem(ctx context.Context, id string) error {
	if err := e.queue.Retry(ctx, id); err != nil {
		return fmt.Errorf("failed to retry mutation %s: %w", id, err)
	}
	e.logger.Printf("Mutation %s reset for retry", id)
	return nil
}

// ClearReauth implements Engine.ClearReauth.
func (e *engine) ClearReauth(ctx context.Context) error {
	if err := e.db.DeleteMeta(ctx, store.MetaNeedsReauth); err != nil {
		return err
	}
	e.logger.Printf("Re-authentication cleared, drain unblocked")
	return nil
}

// Status implements Engine.Status.
func (e *engine) Status(ctx context.Context) (Status, error) {
	depth, err := e.queue.Depth(ctx)
	if err != nil {
		return Status{}, err
	}
	lastSync, err := e.db.GetMetaTime(ctx, store.MetaLastSyncAt)
	if err != nil {
		return Status{}, err
	}
	paused, err := e.needsReauth(ctx)
	if err != nil {
		return Status{}, err
	}

	return Status{
		Online:      e.conn.Online(),
		Draining:    e.draining.Load(),
		NeedsReauth: paused,
		LastSyncAt:  lastSync,
		QueueDepth:  depth,
	}, nil
}

func (e *engine) needsReauth(ctx context.Context) (bool, error) {
	value, err := e.db.GetMeta(ctx, store.MetaNeedsReauth)
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

// backoff computes the delay before the next attempt: the base delay
// doubled per prior attempt, capped, with up to 20% random jitter so a
// fleet of clients recovering together doesn't stampede the server.
func (e *engine) backoff(attempts int) time.Duration {
	delay := e.config.BackoffBase << uint(attempts)
	if delay > e.config.BackoffCap || delay <= 0 {
		delay = e.config.BackoffCap
	}
	jitter := time.Duration(rand.Float64() * 0.2 * float64(delay))
	return delay + jitter
}
