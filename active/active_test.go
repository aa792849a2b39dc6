package active

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmeertens/sabel/nlog"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestCatalogue(t *testing.T) {
	log := nlog.New("active", nil)
	c := New(log)

	c.Add("misc.test", 14, 5, "y", "")
	c.Add("comp.mod", 3, 1, "m", "Moderated group")
	c.Add("talk.closed", 9, 9, "n", "")

	g, ok := c.Get("misc.test")
	if !ok || g.First != 5 || g.Last != 14 || !g.Allowed {
		t.Fatalf("misc.test %+v, present %v", g, ok)
	}
	if g, _ := c.Get("comp.mod"); !g.Allowed || g.Description != "Moderated group" {
		t.Fatalf("comp.mod %+v", g)
	}
	if g, _ := c.Get("talk.closed"); g.Allowed {
		t.Fatalf("talk.closed should not allow posting")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("missing group reported present")
	}

	// Updating keeps a previously stored description.
	c.Add("comp.mod", 4, 1, "m", "")
	if g, _ := c.Get("comp.mod"); g.Last != 4 || g.Description != "Moderated group" {
		t.Fatalf("comp.mod after update %+v", g)
	}

	c.MarkNew("misc.test")
	if g, _ := c.Get("misc.test"); !g.New {
		t.Fatalf("new mark not set")
	}
	c.ClearNew()
	if g, _ := c.Get("misc.test"); g.New {
		t.Fatalf("new mark not cleared")
	}

	// The full-fetch cycle: mark all deleted, re-add what the server still
	// carries, vanished groups no longer show up.
	c.MarkAllDeleted()
	c.Add("misc.test", 14, 5, "y", "")
	c.Add("comp.mod", 4, 1, "m", "")
	if c.Len() != 2 {
		t.Fatalf("len %d, expected 2", c.Len())
	}
	for _, g := range c.Groups() {
		if g.Name == "talk.closed" {
			t.Fatalf("deleted group in listing")
		}
	}
	// A deleted entry is still visible through Get, e.g. for open group views.
	if g, ok := c.Get("talk.closed"); !ok || !g.Deleted {
		t.Fatalf("talk.closed %+v, present %v", g, ok)
	}
}

func TestCache(t *testing.T) {
	log := nlog.New("active", nil)
	path := filepath.Join(t.TempDir(), ".active")

	c := New(log)
	c.Add("misc.test", 14, 5, "y", "A test group")
	c.Add("comp.gone", 3, 1, "y", "")
	c.Add("talk.closed", 9, 9, "n", "")
	c.MarkDeleted("comp.gone")
	epoch := time.Unix(1700000000, 0)
	c.SetNewgroupsTime(epoch)

	err := c.SaveCache(path)
	tcheck(t, err, "save cache")

	buf, err := os.ReadFile(path)
	tcheck(t, err, "reading cache")
	expect := "1700000000\nmisc.test 14 5 y A test group\ntalk.closed 9 9 n\n"
	if string(buf) != expect {
		t.Fatalf("cache contents %q, expected %q", buf, expect)
	}

	c2 := New(log)
	ok, err := c2.LoadCache(path)
	tcheck(t, err, "load cache")
	if !ok {
		t.Fatalf("cache not usable")
	}
	if !c2.NewgroupsTime().Equal(epoch) {
		t.Fatalf("newgroups time %v, expected %v", c2.NewgroupsTime(), epoch)
	}
	g, ok := c2.Get("misc.test")
	if !ok || g.First != 5 || g.Last != 14 || !g.Allowed || g.Description != "A test group" {
		t.Fatalf("misc.test from cache %+v, present %v", g, ok)
	}
	if g, _ := c2.Get("talk.closed"); g.Allowed {
		t.Fatalf("talk.closed from cache should not allow posting")
	}
	if _, ok := c2.Get("comp.gone"); ok {
		t.Fatalf("deleted group written to cache")
	}
}

func TestCacheUnusable(t *testing.T) {
	log := nlog.New("active", nil)
	dir := t.TempDir()

	// Missing file is not an error, just no cache.
	c := New(log)
	ok, err := c.LoadCache(filepath.Join(dir, "missing"))
	tcheck(t, err, "load missing cache")
	if ok {
		t.Fatalf("missing cache reported usable")
	}

	// A zero or malformed epoch forces a full fetch.
	for _, first := range []string{"0", "nonsense"} {
		path := filepath.Join(dir, "bad-"+first)
		err := os.WriteFile(path, []byte(first+"\nmisc.test 14 5 y\n"), 0660)
		tcheck(t, err, "writing cache")
		c := New(log)
		ok, err := c.LoadCache(path)
		tcheck(t, err, "load bad cache")
		if ok {
			t.Fatalf("cache with epoch %q reported usable", first)
		}
	}

	// Malformed group lines are skipped, the rest loads.
	path := filepath.Join(dir, "partial")
	err = os.WriteFile(path, []byte("1700000000\nshort line\nmisc.test x 5 y\nmisc.good 14 5 y\n"), 0660)
	tcheck(t, err, "writing cache")
	c = New(log)
	ok, err = c.LoadCache(path)
	tcheck(t, err, "load partial cache")
	if !ok || c.Len() != 1 {
		t.Fatalf("partial cache: usable %v, len %d", ok, c.Len())
	}
	if _, ok := c.Get("misc.good"); !ok {
		t.Fatalf("good line not loaded")
	}
}

func TestCacheDescriptionSpaces(t *testing.T) {
	// Descriptions may contain spaces, they are the fifth field onward.
	log := nlog.New("active", nil)
	path := filepath.Join(t.TempDir(), ".active")
	err := os.WriteFile(path, []byte("1700000000\nmisc.test 14 5 y spaces in the description\n"), 0660)
	tcheck(t, err, "writing cache")
	c := New(log)
	ok, err := c.LoadCache(path)
	tcheck(t, err, "load cache")
	if !ok {
		t.Fatalf("cache not usable")
	}
	g, _ := c.Get("misc.test")
	if g.Description != "spaces in the description" {
		t.Fatalf("description %q", g.Description)
	}
	if strings.Contains(g.Description, "\n") {
		t.Fatalf("description with newline")
	}
}
