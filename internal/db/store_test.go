package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/onedispatch/onedispatch/internal/db/migrations"
	"github.com/onedispatch/onedispatch/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logging.Disable()
	t.Cleanup(logging.Enable)
	migrations.QuietMode = true

	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetUserMissing(t *testing.T) {
	store := newTestStore(t)
	u, err := store.GetUser(context.Background(), 404)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u != nil {
		t.Fatalf("got %+v, want nil", u)
	}
}

func TestGetOrCreateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u, err := store.GetOrCreateUser(ctx, 1001, "alice")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if u.QQID != 1001 || u.Nickname != "alice" || u.IsPrivileged {
		t.Fatalf("got %+v", u)
	}
	if u.SelectedStyles == nil || len(u.SelectedStyles) != 0 {
		t.Fatalf("styles = %v, want empty map", u.SelectedStyles)
	}

	// Second call returns the same row and keeps the original nickname.
	again, err := store.GetOrCreateUser(ctx, 1001, "other")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if again.Nickname != "alice" {
		t.Fatalf("nickname %q, want alice", again.Nickname)
	}
}

func TestSelectStyleRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Selecting for an unseen user creates the row.
	if err := store.SelectStyle(ctx, 1001, "chat", "modern"); err != nil {
		t.Fatalf("SelectStyle: %v", err)
	}
	if err := store.SelectStyle(ctx, 1001, "tools", "util"); err != nil {
		t.Fatalf("SelectStyle: %v", err)
	}
	if err := store.SelectStyle(ctx, 1001, "chat", "classic"); err != nil {
		t.Fatalf("SelectStyle: %v", err)
	}

	u, err := store.GetUser(ctx, 1001)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.SelectedStyles["chat"] != "classic" || u.SelectedStyles["tools"] != "util" {
		t.Fatalf("styles = %v", u.SelectedStyles)
	}
}

func TestSetPrivileged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetPrivileged(ctx, 1001, true); err != nil {
		t.Fatalf("SetPrivileged: %v", err)
	}
	u, _ := store.GetUser(ctx, 1001)
	if u == nil || !u.IsPrivileged {
		t.Fatalf("got %+v, want privileged", u)
	}

	if err := store.SetPrivileged(ctx, 1001, false); err != nil {
		t.Fatalf("SetPrivileged: %v", err)
	}
	u, _ = store.GetUser(ctx, 1001)
	if u.IsPrivileged {
		t.Fatal("still privileged")
	}
}

func TestSetNickname(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreateUser(ctx, 1001, "old"); err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if err := store.SetNickname(ctx, 1001, "new"); err != nil {
		t.Fatalf("SetNickname: %v", err)
	}
	u, _ := store.GetUser(ctx, 1001)
	if u.Nickname != "new" {
		t.Fatalf("nickname %q", u.Nickname)
	}
}

func TestListUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []int64{3, 1, 2} {
		if _, err := store.GetOrCreateUser(ctx, id, ""); err != nil {
			t.Fatalf("GetOrCreateUser(%d): %v", id, err)
		}
	}
	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("len = %d", len(users))
	}
	for i, want := range []int64{1, 2, 3} {
		if users[i].QQID != want {
			t.Fatalf("users[%d] = %d, want %d", i, users[i].QQID, want)
		}
	}
}
