package grants

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/autopilot/internal/store"
)

func newTestStore(t *testing.T) (*Store, *store.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "g.db"), nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	gs := New(db, nil)
	t.Cleanup(gs.Shutdown)
	return gs, db
}

func TestAdd_WritesDurableRowAndServesLookup(t *testing.T) {
	gs, db := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	g, err := gs.Add(ctx, "chan", dir, ReadOnly, time.Hour)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if g.Mode != ReadOnly {
		t.Fatalf("mode = %q", g.Mode)
	}

	rows, err := db.ListGrants(ctx, "chan")
	if err != nil || len(rows) != 1 {
		t.Fatalf("durable rows: %+v %v", rows, err)
	}

	active := gs.Active("chan")
	if !Covers(active, filepath.Join(dir, "sub", "file.txt"), ReadOnly) {
		t.Fatalf("grant must cover children of %s", dir)
	}
	if Covers(active, dir+"-sibling", ReadOnly) {
		t.Fatalf("sibling prefix must not be covered")
	}
}

func TestAdd_RejectsRelativePathAndBadInputs(t *testing.T) {
	gs, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := gs.Add(ctx, "c", "relative/path", ReadOnly, time.Hour); err == nil {
		t.Fatalf("relative path must be rejected")
	}
	if _, err := gs.Add(ctx, "c", "/data", Mode("rwx"), time.Hour); err == nil {
		t.Fatalf("bad mode must be rejected")
	}
	if _, err := gs.Add(ctx, "c", "/data", ReadOnly, 0); err == nil {
		t.Fatalf("zero ttl must be rejected")
	}
}

func TestAdd_ReplacesExistingKey(t *testing.T) {
	gs, db := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := gs.Add(ctx, "c", dir, ReadOnly, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := gs.Add(ctx, "c", dir, ReadWrite, 2*time.Hour); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	rows, _ := db.ListGrants(ctx, "c")
	if len(rows) != 1 || rows[0].Mode != "rw" {
		t.Fatalf("expected single replaced row, got %+v", rows)
	}
	if len(gs.Active("c")) != 1 {
		t.Fatalf("expected single in-memory grant")
	}
}

func TestExpiredGrantDoesNotAuthorize(t *testing.T) {
	gs, _ := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := gs.Add(ctx, "c", dir, ReadOnly, 10*time.Millisecond); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	// Even before any sweep, an expired grant must not authorize.
	if Covers(gs.Active("c"), dir, ReadOnly) {
		t.Fatalf("expired grant still authorizes")
	}
}

func TestAutoExpiryTimerRemovesDurableRow(t *testing.T) {
	gs, db := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := gs.Add(ctx, "c", dir, ReadOnly, 20*time.Millisecond); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := db.ListGrants(ctx, "c")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(rows) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expiry timer never removed the durable row")
}

func TestRevoke_IdempotentAndCancelsTimer(t *testing.T) {
	gs, db := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	if _, err := gs.Add(ctx, "c", dir, ReadWrite, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := gs.Revoke(ctx, "c", dir); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// Second revoke of an absent grant is a no-op.
	if err := gs.Revoke(ctx, "c", dir); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}
	rows, _ := db.ListGrants(ctx, "c")
	if len(rows) != 0 {
		t.Fatalf("row survived revoke: %+v", rows)
	}
}

func TestRevokeAll(t *testing.T) {
	gs, db := newTestStore(t)
	ctx := context.Background()

	d1, d2 := t.TempDir(), t.TempDir()
	if _, err := gs.Add(ctx, "c", d1, ReadOnly, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := gs.Add(ctx, "c", d2, ReadWrite, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := gs.Add(ctx, "other", d1, ReadOnly, time.Hour); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := gs.RevokeAll(ctx, "c"); err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if len(gs.Active("c")) != 0 {
		t.Fatalf("channel grants survived")
	}
	if len(gs.Active("other")) != 1 {
		t.Fatalf("other channel grants lost")
	}
	rows, _ := db.ListGrants(ctx, "c")
	if len(rows) != 0 {
		t.Fatalf("durable rows survived: %+v", rows)
	}
}

func TestRestore_DropsExpiredKeepsLive(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "g.db")
	db, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	live := t.TempDir()
	if err := db.PutGrant(ctx, store.GrantRow{ChannelID: "c", Path: live, Mode: "ro", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := db.PutGrant(ctx, store.GrantRow{ChannelID: "c", Path: "/gone", Mode: "ro", ExpiresAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	db.Close()

	db2, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	gs := New(db2, nil)
	defer gs.Shutdown()
	if err := gs.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	active := gs.Active("c")
	if len(active) != 1 {
		t.Fatalf("active after restore: %+v", active)
	}
	rows, _ := db2.ListGrants(ctx, "c")
	if len(rows) != 1 {
		t.Fatalf("expired durable row survived restore: %+v", rows)
	}
}

func TestCovers_ModeStrength(t *testing.T) {
	dir := t.TempDir()
	active := map[string]Grant{
		dir: {Path: Canonicalize(dir), Mode: ReadOnly, ExpiresAt: time.Now().Add(time.Hour)},
	}
	if !Covers(active, dir, ReadOnly) {
		t.Fatalf("ro grant must satisfy ro need")
	}
	if Covers(active, dir, ReadWrite) {
		t.Fatalf("ro grant must not satisfy rw need")
	}

	active[dir] = Grant{Path: Canonicalize(dir), Mode: ReadWrite, ExpiresAt: time.Now().Add(time.Hour)}
	if !Covers(active, dir, ReadOnly) {
		t.Fatalf("rw grant must satisfy ro need")
	}
}

func TestCanonicalize_SymlinkEscape(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	link := filepath.Join(base, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	// Existing path: resolved through the link.
	if got := Canonicalize(link); got != Canonicalize(real) {
		t.Fatalf("existing symlink not resolved: %q vs %q", got, Canonicalize(real))
	}
	// Non-existent tail under a symlinked ancestor still resolves the ancestor.
	got := Canonicalize(filepath.Join(link, "not", "yet", "there"))
	want := filepath.Join(Canonicalize(real), "not", "yet", "there")
	if got != want {
		t.Fatalf("dangling path: got %q want %q", got, want)
	}
}
