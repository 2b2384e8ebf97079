package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sakif/queue-companion/internal/apperror"
)

// newTestDB returns a fresh in-memory database closed at test end.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGet_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Get(context.Background(), "access_token")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestSetThenGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.Set(ctx, "access_token", "tok-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := db.Get(ctx, "access_token")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "tok-1" {
		t.Errorf("Get() = %q, want %q", got, "tok-1")
	}
}

func TestSet_Overwrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_ = db.Set(ctx, "access_token", "old")
	if err := db.Set(ctx, "access_token", "new"); err != nil {
		t.Fatalf("second Set() error = %v", err)
	}

	got, _ := db.Get(ctx, "access_token")
	if got != "new" {
		t.Errorf("Get() = %q, want %q", got, "new")
	}
}

func TestDelete_MultipleKeys(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_ = db.Set(ctx, "access_token", "tok")
	_ = db.Set(ctx, "user", `{"id":"u1"}`)
	_ = db.Set(ctx, "keep", "me")

	if err := db.Delete(ctx, "access_token", "user", "never-set"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, key := range []string{"access_token", "user"} {
		if _, err := db.Get(ctx, key); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Get(%q) after Delete error = %v, want ErrNotFound", key, err)
		}
	}
	if got, _ := db.Get(ctx, "keep"); got != "me" {
		t.Errorf("unrelated key was touched: Get(keep) = %q", got)
	}
}

func TestDelete_NoKeys(t *testing.T) {
	db := newTestDB(t)
	if err := db.Delete(context.Background()); err != nil {
		t.Errorf("Delete() with no keys error = %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.db")
	ctx := context.Background()

	db, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := db.Set(ctx, "user", `{"id":"u1"}`); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	db.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "user")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got != `{"id":"u1"}` {
		t.Errorf("Get() after reopen = %q", got)
	}
}
