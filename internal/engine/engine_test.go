package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/classdesk/rollcall/internal/apiclient"
	"github.com/classdesk/rollcall/internal/cache"
	"github.com/classdesk/rollcall/internal/queue"
	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/store"
)

// testWriter routes engine logs through t.Logf so failures carry them.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	return len(p), nil
}

func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(testWriter{t}, "", 0)
}

// fakeAPI is a scripted RemoteAPI that records every submission.
type fakeAPI struct {
	mu      sync.Mutex
	submits []*queue.Item

	respond  func(item *queue.Item) (*apiclient.CanonicalEntity, error)
	changes  []apiclient.CanonicalEntity
	fetchErr error
}

func (f *fakeAPI) SubmitMutation(ctx context.Context, item *queue.Item) (*apiclient.CanonicalEntity, error) {
	f.mu.Lock()
	copied := *item
	f.submits = append(f.submits, &copied)
	f.mu.Unlock()

	if f.respond == nil {
		return ackSame(item), nil
	}
	return f.respond(item)
}

func (f *fakeAPI) FetchChangesSince(ctx context.Context, since time.Time) ([]apiclient.CanonicalEntity, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.changes, nil
}

func (f *fakeAPI) submitted() []*queue.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*queue.Item(nil), f.submits...)
}

// ackSame acknowledges a mutation without changing its id.
func ackSame(item *queue.Item) *apiclient.CanonicalEntity {
	return &apiclient.CanonicalEntity{
		ID:        item.EntityID,
		Kind:      item.EntityKind,
		Payload:   item.Payload,
		Version:   1,
		UpdatedAt: time.Now().UTC(),
	}
}

// fakeConn is a switchable Connectivity.
type fakeConn struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeConn) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConn) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

// recordingEvents captures engine notifications for assertions.
type recordingEvents struct {
	mu        sync.Mutex
	committed []string
	retried   []string
	failed    []string
	conflicts []string
	reauths   int
}

func (r *recordingEvents) DrainStarted()          {}
func (r *recordingEvents) DrainFinished(Summary)  {}
func (r *recordingEvents) Reconciled(int)         {}
func (r *recordingEvents) ReauthRequired()        { r.mu.Lock(); r.reauths++; r.mu.Unlock() }
func (r *recordingEvents) ItemCommitted(item *queue.Item, _ *schema.Entity) {
	r.mu.Lock()
	r.committed = append(r.committed, item.ID)
	r.mu.Unlock()
}
func (r *recordingEvents) ItemRetried(item *queue.Item, _ error, _ time.Duration) {
	r.mu.Lock()
	r.retried = append(r.retried, item.ID)
	r.mu.Unlock()
}
func (r *recordingEvents) ItemFailed(item *queue.Item, _ error) {
	r.mu.Lock()
	r.failed = append(r.failed, item.ID)
	r.mu.Unlock()
}
func (r *recordingEvents) ConflictResolved(_ schema.EntityKind, id string) {
	r.mu.Lock()
	r.conflicts = append(r.conflicts, id)
	r.mu.Unlock()
}

type fixture struct {
	db     *store.DB
	cache  *cache.Cache
	queue  *queue.Queue
	api    *fakeAPI
	conn   *fakeConn
	events *recordingEvents
	engine Engine
}

func setupEngine(t *testing.T, config *Config) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	if config == nil {
		config = DefaultConfig()
		config.BackoffBase = time.Millisecond
		config.BackoffCap = 2 * time.Millisecond
	}
	config.Logger = testLogger(t)

	f := &fixture{
		db:     db,
		cache:  cache.New(db),
		queue:  queue.New(db),
		api:    &fakeAPI{},
		conn:   &fakeConn{online: true},
		events: &recordingEvents{},
	}

	eng, err := New(db, f.cache, f.queue, f.api, f.conn, f.events, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.engine = eng
	return f
}

func personPayload(id, name string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"full_name":%q,"enrolled_at":"2026-01-05T08:00:00Z","updated_at":"2026-01-05T08:00:00Z"}`, id, name))
}

func sessionPayload(id, personID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"person_id":%q,"status":"present","recorded_at":"2026-01-05T09:00:00Z"}`, id, personID))
}

func TestRecordCreateOptimistic(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	entity, err := f.cache.Get(ctx, schema.KindPerson, "ana")
	if err != nil {
		t.Fatalf("entity not cached: %v", err)
	}
	if entity.SyncState != schema.StatePending {
		t.Errorf("sync state = %s, want pending", entity.SyncState)
	}

	item, err := f.queue.OutstandingFor(ctx, schema.KindPerson, "ana")
	if err != nil {
		t.Fatalf("mutation not queued: %v", err)
	}
	if item.OpKind != schema.OpCreate {
		t.Errorf("queued op = %s, want create", item.OpKind)
	}
}

func TestRecordUpdateRequiresCachedEntity(t *testing.T) {
	f := setupEngine(t, nil)

	err := f.engine.RecordUpdate(context.Background(), schema.KindPerson, "ghost", personPayload("ghost", "Ghost"))
	if err == nil {
		t.Error("RecordUpdate of an unknown entity succeeded")
	}
}

func TestRecordDeleteEvictsCache(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}
	if err := f.engine.RecordDelete(ctx, schema.KindPerson, "ana"); err != nil {
		t.Fatalf("RecordDelete failed: %v", err)
	}

	if _, err := f.cache.Get(ctx, schema.KindPerson, "ana"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("entity still cached after delete, err = %v", err)
	}

	item, err := f.queue.OutstandingFor(ctx, schema.KindPerson, "ana")
	if err != nil {
		t.Fatalf("OutstandingFor failed: %v", err)
	}
	if item.OpKind != schema.OpDelete {
		t.Errorf("queued op = %s, want delete (create coalesced into it)", item.OpKind)
	}
}

func TestDrainCommitsInEnqueueOrder(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := f.engine.RecordCreate(ctx, schema.KindSession, "s1", sessionPayload("s1", "ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Committed != 2 || summary.Retried != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 committed", summary)
	}

	submits := f.api.submitted()
	if len(submits) != 2 {
		t.Fatalf("got %d submissions, want 2", len(submits))
	}
	// The enrollment was recorded before the session, so the server must
	// observe it first.
	if submits[0].EntityID != "ana" || submits[1].EntityID != "s1" {
		t.Errorf("submission order = %s, %s; want ana then s1", submits[0].EntityID, submits[1].EntityID)
	}

	depth, err := f.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if len(depth) != 0 {
		t.Errorf("queue not empty after drain: %v", depth)
	}

	entity, err := f.cache.Get(ctx, schema.KindPerson, "ana")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entity.SyncState != schema.StateClean || entity.Version != 1 {
		t.Errorf("committed entity = state=%s version=%d, want clean/1", entity.SyncState, entity.Version)
	}
}

func TestDrainStopsBetweenItemsWhenOffline(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		if err := f.engine.RecordCreate(ctx, schema.KindPerson, id, personPayload(id, "Person")); err != nil {
			t.Fatalf("RecordCreate failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	// The link drops while the second submission is outstanding; the
	// in-flight call completes, and the drain stops before the third.
	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		if len(f.api.submitted()) == 2 {
			f.conn.set(false)
		}
		return ackSame(item), nil
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Committed != 2 {
		t.Errorf("committed = %d, want 2", summary.Committed)
	}

	depth, err := f.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth[queue.StatePending] != 3 {
		t.Errorf("pending = %d, want the 3 unsubmitted items", depth[queue.StatePending])
	}
	if depth[queue.StateInFlight] != 0 {
		t.Errorf("in-flight = %d, want 0", depth[queue.StateInFlight])
	}
}

func TestDrainRetryThenTerminalFailure(t *testing.T) {
	config := DefaultConfig()
	config.MaxAttempts = 2
	config.BackoffBase = time.Millisecond
	config.BackoffCap = 2 * time.Millisecond
	f := setupEngine(t, config)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		return nil, &apiclient.Error{Kind: apiclient.KindNetwork, Err: errors.New("connection refused")}
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Retried != 1 {
		t.Errorf("first drain retried = %d, want 1", summary.Retried)
	}

	// Wait out the backoff, then drain again; the second failure exhausts
	// the attempt budget.
	time.Sleep(10 * time.Millisecond)
	summary, err = f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("second drain failed = %d, want 1", summary.Failed)
	}

	depth, _ := f.queue.Depth(ctx)
	if depth[queue.StateFailed] != 1 {
		t.Errorf("queue depth = %v, want 1 failed", depth)
	}
	if len(f.events.failed) != 1 {
		t.Errorf("ItemFailed events = %d, want 1", len(f.events.failed))
	}
}

func TestDrainIdempotencyKeyStableAcrossRetries(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	calls := 0
	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		calls++
		if calls == 1 {
			return nil, &apiclient.Error{Kind: apiclient.KindServerUnavailable, Status: 503}
		}
		return ackSame(item), nil
	}

	if _, err := f.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := f.engine.Drain(ctx); err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}

	submits := f.api.submitted()
	if len(submits) != 2 {
		t.Fatalf("got %d submissions, want 2", len(submits))
	}
	if submits[0].ID != submits[1].ID {
		t.Errorf("idempotency key changed across retries: %s vs %s", submits[0].ID, submits[1].ID)
	}
}

func TestDrainValidationFailureDoesNotBlockQueue(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "bad", personPayload("bad", "Bad")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "good", personPayload("good", "Good")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		if item.EntityID == "bad" {
			return nil, &apiclient.Error{Kind: apiclient.KindValidation, Status: 422, Message: "name rejected"}
		}
		return ackSame(item), nil
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Failed != 1 || summary.Committed != 1 {
		t.Errorf("summary = %+v, want 1 failed and 1 committed", summary)
	}

	item, err := f.queue.OutstandingFor(ctx, schema.KindPerson, "bad")
	if err != nil {
		t.Fatalf("failed item gone: %v", err)
	}
	if item.State != queue.StateFailed {
		t.Errorf("state = %s, want failed", item.State)
	}
	if item.LastError == "" {
		t.Error("terminal failure recorded no error detail")
	}
}

func TestDrainRejectionSparesCoalescedCorrection(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "p1", personPayload("p1", "Typo")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	calls := 0
	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		calls++
		if calls == 1 {
			// A correction lands while the submission is outstanding, then
			// the server rejects the stale bytes.
			if _, err := f.queue.Enqueue(ctx, queue.Op{
				OpKind:     schema.OpUpdate,
				EntityKind: schema.KindPerson,
				EntityID:   "p1",
				Payload:    personPayload("p1", "Fixed"),
			}); err != nil {
				t.Errorf("coalescing Enqueue failed: %v", err)
			}
			return nil, &apiclient.Error{Kind: apiclient.KindValidation, Status: 422, Message: "name rejected"}
		}
		return ackSame(item), nil
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	// The rejection belonged to the superseded payload; the corrected
	// item kept its turn and committed in the same drain.
	if summary.Failed != 0 || summary.Committed != 1 {
		t.Errorf("summary = %+v, want 0 failed and 1 committed", summary)
	}
	if len(f.events.failed) != 0 {
		t.Errorf("ItemFailed events = %d, want 0", len(f.events.failed))
	}

	submits := f.api.submitted()
	if len(submits) != 2 {
		t.Fatalf("got %d submissions, want 2", len(submits))
	}
	if submits[0].ID != submits[1].ID {
		t.Errorf("idempotency key changed: %s vs %s", submits[0].ID, submits[1].ID)
	}
	if string(submits[1].Payload) == string(submits[0].Payload) {
		t.Error("second submission did not carry the corrected payload")
	}
}

func TestDrainAuthPausesEverything(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		if err := f.engine.RecordCreate(ctx, schema.KindPerson, id, personPayload(id, "Person")); err != nil {
			t.Fatalf("RecordCreate failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		return nil, &apiclient.Error{Kind: apiclient.KindAuth, Status: 401}
	}

	summary, err := f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Committed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want nothing committed or failed", summary)
	}
	if f.events.reauths != 1 {
		t.Errorf("ReauthRequired events = %d, want 1", f.events.reauths)
	}

	// The item that hit the auth wall goes back to pending with no
	// attempt charged.
	item, err := f.queue.OutstandingFor(ctx, schema.KindPerson, "p1")
	if err != nil {
		t.Fatalf("OutstandingFor failed: %v", err)
	}
	if item.State != queue.StatePending || item.Attempts != 0 {
		t.Errorf("item after auth failure: state=%s attempts=%d, want pending/0", item.State, item.Attempts)
	}

	// Until credentials are renewed every drain refuses to start.
	if _, err := f.engine.Drain(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Drain while paused error = %v, want ErrReauthRequired", err)
	}

	f.api.respond = nil
	if err := f.engine.ClearReauth(ctx); err != nil {
		t.Fatalf("ClearReauth failed: %v", err)
	}
	summary, err = f.engine.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain after ClearReauth failed: %v", err)
	}
	if summary.Committed != 2 {
		t.Errorf("committed after reauth = %d, want 2", summary.Committed)
	}
}

func TestDrainRekeysServerAssignedID(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "temp-1", personPayload("temp-1", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	f.api.respond = func(item *queue.Item) (*apiclient.CanonicalEntity, error) {
		return &apiclient.CanonicalEntity{
			ID:        "srv-9",
			Kind:      item.EntityKind,
			Payload:   personPayload("srv-9", "Ana"),
			Version:   1,
			UpdatedAt: time.Now().UTC(),
		}, nil
	}

	if _, err := f.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if _, err := f.cache.Get(ctx, schema.KindPerson, "temp-1"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("temporary id still cached, err = %v", err)
	}
	entity, err := f.cache.Get(ctx, schema.KindPerson, "srv-9")
	if err != nil {
		t.Fatalf("server id not cached: %v", err)
	}
	if entity.SyncState != schema.StateClean {
		t.Errorf("rekeyed entity state = %s, want clean", entity.SyncState)
	}
}

func TestReconcileAppliesChanges(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	updatedAt := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	f.api.changes = []apiclient.CanonicalEntity{
		{
			ID:        "ana",
			Kind:      schema.KindPerson,
			Payload:   personPayload("ana", "Ana"),
			Version:   4,
			UpdatedAt: updatedAt,
		},
	}

	applied, err := f.engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}

	entity, err := f.cache.Get(ctx, schema.KindPerson, "ana")
	if err != nil {
		t.Fatalf("pulled entity not cached: %v", err)
	}
	if entity.Version != 4 || entity.SyncState != schema.StateClean {
		t.Errorf("entity = version=%d state=%s, want 4/clean", entity.Version, entity.SyncState)
	}

	// The high-water mark advances to the newest change.
	lastSync, err := f.db.GetMetaTime(ctx, store.MetaLastSyncAt)
	if err != nil {
		t.Fatalf("GetMetaTime failed: %v", err)
	}
	if !lastSync.Equal(updatedAt) {
		t.Errorf("last sync = %v, want %v", lastSync, updatedAt)
	}
}

func TestReconcileTombstoneEvicts(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	clean := &schema.Entity{
		ID:        "old",
		Kind:      schema.KindPerson,
		Payload:   personPayload("old", "Old"),
		Version:   1,
		SyncState: schema.StateClean,
	}
	if err := f.cache.Put(ctx, clean); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	f.api.changes = []apiclient.CanonicalEntity{
		{ID: "old", Kind: schema.KindPerson, Deleted: true, UpdatedAt: time.Now().UTC()},
	}

	if _, err := f.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := f.cache.Get(ctx, schema.KindPerson, "old"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("tombstoned entity still cached, err = %v", err)
	}
}

func TestReconcileTombstoneSparesPendingCreate(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	f.api.changes = []apiclient.CanonicalEntity{
		{ID: "ana", Kind: schema.KindPerson, Deleted: true, UpdatedAt: time.Now().UTC()},
	}

	if _, err := f.engine.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// The unacknowledged local create outranks a stale tombstone.
	if _, err := f.cache.Get(ctx, schema.KindPerson, "ana"); err != nil {
		t.Errorf("pending create evicted by tombstone: %v", err)
	}
}

func TestReconcileAuthPausesEverything(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	f.api.fetchErr = &apiclient.Error{Kind: apiclient.KindAuth, Status: 401}

	// A credential rejected during the pull escalates the same way as
	// one rejected during a submission.
	if _, err := f.engine.Reconcile(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Reconcile error = %v, want ErrReauthRequired", err)
	}
	if f.events.reauths != 1 {
		t.Errorf("ReauthRequired events = %d, want 1", f.events.reauths)
	}

	if _, err := f.engine.Drain(ctx); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Drain while paused error = %v, want ErrReauthRequired", err)
	}

	status, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.NeedsReauth {
		t.Error("NeedsReauth = false after rejected reconcile, want true")
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	if err := f.engine.RecordCreate(ctx, schema.KindPerson, "ana", personPayload("ana", "Ana")); err != nil {
		t.Fatalf("RecordCreate failed: %v", err)
	}

	status, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Online {
		t.Error("Online = false, want true")
	}
	if status.NeedsReauth {
		t.Error("NeedsReauth = true, want false")
	}
	if status.QueueDepth[queue.StatePending] != 1 {
		t.Errorf("queue depth = %v, want 1 pending", status.QueueDepth)
	}
	if !status.LastSyncAt.IsZero() {
		t.Errorf("LastSyncAt = %v, want zero before any reconcile", status.LastSyncAt)
	}
}

func TestNewRecoversInFlight(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	q := queue.New(db)
	ctx := context.Background()
	item, err := q.Enqueue(ctx, queue.Op{
		OpKind:     schema.OpCreate,
		EntityKind: schema.KindPerson,
		EntityID:   "ana",
		Payload:    personPayload("ana", "Ana"),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkInFlight(ctx, item.ID); err != nil {
		t.Fatalf("MarkInFlight failed: %v", err)
	}

	// A crash strands the item in flight; constructing the engine rolls
	// it back to pending.
	config := DefaultConfig()
	config.Logger = testLogger(t)
	if _, err := New(db, cache.New(db), q, &fakeAPI{}, &fakeConn{}, nil, config); err != nil {
		t.Fatalf("New failed: %v", err)
	}

	got, err := q.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != queue.StatePending {
		t.Errorf("state after recovery = %s, want pending", got.State)
	}
}
