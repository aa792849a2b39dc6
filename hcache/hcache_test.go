package hcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

var ctxbg = context.Background()

func TestOpenBadDir(t *testing.T) {
	log := nlog.New("hcache", nil)
	path := filepath.Join(t.TempDir(), "file")
	err := os.WriteFile(path, []byte("x"), 0660)
	tcheck(t, err, "writing file")
	if _, err := Open(ctxbg, log, path, "misc.test"); err == nil {
		t.Fatalf("open with a file as cache dir did not fail")
	}
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestCache(t *testing.T) {
	log := nlog.New("hcache", nil)
	dir := t.TempDir()

	c, err := Open(ctxbg, log, dir, "misc.test")
	tcheck(t, err, "open")
	defer c.Close()

	// Fresh cache has no window.
	_, _, ok, err := c.Window(ctxbg)
	tcheck(t, err, "window")
	if ok {
		t.Fatalf("fresh cache has a window")
	}

	if _, err := c.Get(ctxbg, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	e := Envelope{Num: 5, Subject: "Hi", From: "x@y", Date: "Mon, 1 Jan 2024 00:00:00 +0000", MessageID: "<abc@x>", Bytes: 123, Lines: 7}
	err = c.Put(ctxbg, e)
	tcheck(t, err, "put")

	got, err := c.Get(ctxbg, 5)
	tcheck(t, err, "get")
	if got.Subject != "Hi" || got.MessageID != "<abc@x>" || got.Bytes != 123 {
		t.Fatalf("got envelope %+v", got)
	}
	if got.Inserted.IsZero() {
		t.Fatalf("insert time not set")
	}

	// Put replaces an existing entry, e.g. to set the soft-delete mark.
	got.Deleted = true
	err = c.Put(ctxbg, got)
	tcheck(t, err, "put update")
	got, err = c.Get(ctxbg, 5)
	tcheck(t, err, "get after update")
	if !got.Deleted {
		t.Fatalf("soft-delete mark not stored")
	}

	err = c.SetWindow(ctxbg, 5, 14)
	tcheck(t, err, "setwindow")
	first, last, ok, err := c.Window(ctxbg)
	tcheck(t, err, "window")
	if !ok || first != 5 || last != 14 {
		t.Fatalf("window %d-%d, present %v", first, last, ok)
	}

	// Deleting an absent entry is not an error.
	err = c.Delete(ctxbg, 99)
	tcheck(t, err, "delete absent")
	err = c.Delete(ctxbg, 5)
	tcheck(t, err, "delete")
	if _, err := c.Get(ctxbg, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry still present after delete: %v", err)
	}
}

func TestReconcile(t *testing.T) {
	log := nlog.New("hcache", nil)
	dir := t.TempDir()

	c, err := Open(ctxbg, log, dir, "misc.test")
	tcheck(t, err, "open")
	defer c.Close()

	// No previous window: lastCached is 0, the window is stored.
	lastCached, err := c.Reconcile(ctxbg, 5, 14)
	tcheck(t, err, "reconcile")
	if lastCached != 0 {
		t.Fatalf("lastCached %d for fresh cache", lastCached)
	}

	for _, n := range []int64{5, 9, 14} {
		err := c.Put(ctxbg, Envelope{Num: n, Subject: "s"})
		tcheck(t, err, "put")
	}
	err = c.SetWindow(ctxbg, 5, 14)
	tcheck(t, err, "setwindow")

	// The server expired 5-8: the stale entry goes, the rest stays, and the
	// previous high water mark comes back for resuming overview fetches.
	lastCached, err = c.Reconcile(ctxbg, 9, 20)
	tcheck(t, err, "reconcile")
	if lastCached != 14 {
		t.Fatalf("lastCached %d, expected 14", lastCached)
	}
	if _, err := c.Get(ctxbg, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired entry still present: %v", err)
	}
	if _, err := c.Get(ctxbg, 9); err != nil {
		t.Fatalf("entry in window gone: %v", err)
	}
	first, last, ok, err := c.Window(ctxbg)
	tcheck(t, err, "window")
	if !ok || first != 9 || last != 20 {
		t.Fatalf("window %d-%d after reconcile", first, last)
	}
}

func TestFromOverview(t *testing.T) {
	ov := nntp.Overview{Num: 42, Subject: "Hi", From: "x@y", Date: "d", MessageID: "<abc@x>", References: "<r@x>", Bytes: 123, Lines: 7}
	e := FromOverview(ov)
	if e.Num != 42 || e.Subject != "Hi" || e.MessageID != "<abc@x>" || e.References != "<r@x>" || e.Bytes != 123 || e.Lines != 7 {
		t.Fatalf("envelope %+v", e)
	}
}

func TestRemove(t *testing.T) {
	log := nlog.New("hcache", nil)
	dir := t.TempDir()

	c, err := Open(ctxbg, log, dir, "misc.test")
	tcheck(t, err, "open")
	err = c.Close()
	tcheck(t, err, "close")

	if _, err := os.Stat(Path(dir, "misc.test")); err != nil {
		t.Fatalf("cache file missing: %v", err)
	}
	err = Remove(log, dir, "misc.test")
	tcheck(t, err, "remove")
	if _, err := os.Stat(Path(dir, "misc.test")); !os.IsNotExist(err) {
		t.Fatalf("cache file still present: %v", err)
	}
	// Removing an absent cache is not an error.
	err = Remove(log, dir, "misc.test")
	tcheck(t, err, "remove absent")
}
