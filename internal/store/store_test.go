package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return db
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "test.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema failed: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	value, err := db.GetMeta(ctx, "missing")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if value != "" {
		t.Errorf("GetMeta(missing) = %q, want empty", value)
	}

	if err := db.SetMeta(ctx, MetaDeviceID, "device-1"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := db.SetMeta(ctx, MetaDeviceID, "device-2"); err != nil {
		t.Fatalf("SetMeta overwrite failed: %v", err)
	}

	value, err = db.GetMeta(ctx, MetaDeviceID)
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if value != "device-2" {
		t.Errorf("GetMeta = %q, want device-2", value)
	}

	if err := db.DeleteMeta(ctx, MetaDeviceID); err != nil {
		t.Fatalf("DeleteMeta failed: %v", err)
	}
	value, _ = db.GetMeta(ctx, MetaDeviceID)
	if value != "" {
		t.Errorf("GetMeta after delete = %q, want empty", value)
	}
}

func TestMetaTimeRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	zero, err := db.GetMetaTime(ctx, MetaLastSyncAt)
	if err != nil {
		t.Fatalf("GetMetaTime failed: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("GetMetaTime(absent) = %v, want zero time", zero)
	}

	want := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	if err := db.SetMetaTime(ctx, MetaLastSyncAt, want); err != nil {
		t.Fatalf("SetMetaTime failed: %v", err)
	}

	got, err := db.GetMetaTime(ctx, MetaLastSyncAt)
	if err != nil {
		t.Fatalf("GetMetaTime failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("GetMetaTime = %v, want %v", got, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
