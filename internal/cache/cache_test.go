package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/classdesk/rollcall/internal/schema"
	"github.com/classdesk/rollcall/internal/store"
)

func setupCache(t *testing.T) *Cache {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return New(db)
}

func testEntity(id string) *schema.Entity {
	return &schema.Entity{
		ID:        id,
		Kind:      schema.KindPerson,
		Payload:   []byte(`{"id":"` + id + `","full_name":"Test Person"}`),
		SyncState: schema.StatePending,
	}
}

func TestGetMissing(t *testing.T) {
	c := setupCache(t)

	_, err := c.Get(context.Background(), schema.KindPerson, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	entity := testEntity("p1")
	entity.Version = 3
	if err := c.Put(ctx, entity); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := c.Get(ctx, schema.KindPerson, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "p1" || got.Version != 3 || got.SyncState != schema.StatePending {
		t.Errorf("Get = %+v, want id=p1 version=3 state=pending", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Get returned zero UpdatedAt, want a stamped write time")
	}
}

func TestPutUpsert(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testEntity("p1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	updated := testEntity("p1")
	updated.Version = 7
	updated.SyncState = schema.StateClean
	if err := c.Put(ctx, updated); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	got, err := c.Get(ctx, schema.KindPerson, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Version != 7 || got.SyncState != schema.StateClean {
		t.Errorf("Get after upsert = version=%d state=%s, want version=7 state=clean", got.Version, got.SyncState)
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	c := setupCache(t)

	entity := testEntity("p1")
	entity.Kind = "banana"
	if err := c.Put(context.Background(), entity); err == nil {
		t.Error("Put accepted an unknown entity kind")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testEntity("p1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Delete(ctx, schema.KindPerson, "p1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := c.Delete(ctx, schema.KindPerson, "p1"); err != nil {
		t.Fatalf("repeat Delete failed: %v", err)
	}

	if _, err := c.Get(ctx, schema.KindPerson, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
}

func TestRekey(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testEntity("local-1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := c.Rekey(ctx, schema.KindPerson, "local-1", "server-1"); err != nil {
		t.Fatalf("Rekey failed: %v", err)
	}

	if _, err := c.Get(ctx, schema.KindPerson, "local-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old id still present after rekey, err = %v", err)
	}
	got, err := c.Get(ctx, schema.KindPerson, "server-1")
	if err != nil {
		t.Fatalf("Get(new id) failed: %v", err)
	}
	if got.ID != "server-1" {
		t.Errorf("rekeyed entity id = %q, want server-1", got.ID)
	}
}

func TestRekeyReplacesTarget(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testEntity("local-1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Put(ctx, testEntity("server-1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The server already synced an entity under the target id; the
	// rekeyed copy replaces it instead of failing the unique constraint.
	if err := c.Rekey(ctx, schema.KindPerson, "local-1", "server-1"); err != nil {
		t.Fatalf("Rekey onto occupied id failed: %v", err)
	}

	entities, err := c.List(ctx, schema.KindPerson)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entities) != 1 {
		t.Errorf("got %d entities after rekey, want 1", len(entities))
	}
}

func TestRekeySameID(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	if err := c.Put(ctx, testEntity("p1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Rekey(ctx, schema.KindPerson, "p1", "p1"); err != nil {
		t.Fatalf("Rekey with identical ids failed: %v", err)
	}
	if _, err := c.Get(ctx, schema.KindPerson, "p1"); err != nil {
		t.Errorf("entity lost after no-op rekey: %v", err)
	}
}

func TestListOrderedAndScoped(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if err := c.Put(ctx, testEntity(id)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	session := &schema.Entity{
		ID:        "s1",
		Kind:      schema.KindSession,
		Payload:   []byte(`{}`),
		SyncState: schema.StateClean,
	}
	if err := c.Put(ctx, session); err != nil {
		t.Fatalf("Put session failed: %v", err)
	}

	people, err := c.List(ctx, schema.KindPerson)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(people) != 3 {
		t.Fatalf("got %d people, want 3", len(people))
	}
	for i, want := range []string{"a", "b", "c"} {
		if people[i].ID != want {
			t.Errorf("people[%d].ID = %q, want %q", i, people[i].ID, want)
		}
	}
}

func TestCountByState(t *testing.T) {
	c := setupCache(t)
	ctx := context.Background()

	pending := testEntity("p1")
	clean := testEntity("p2")
	clean.SyncState = schema.StateClean
	for _, e := range []*schema.Entity{pending, clean} {
		if err := c.Put(ctx, e); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	counts, err := c.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts[schema.StatePending] != 1 || counts[schema.StateClean] != 1 {
		t.Errorf("CountByState = %v, want pending=1 clean=1", counts)
	}
}
