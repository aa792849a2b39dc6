// Package active keeps the catalogue of newsgroups known on a server: the
// group list with article number ranges and posting status, as served by LIST
// ACTIVE, plus descriptions.
//
// The catalogue can be saved to and loaded from a ".active" cache file so a
// client start does not need to transfer the full group list. The first line
// of the cache is the epoch timestamp to use for the next NEWGROUPS check,
// each following line is "name last first flag [description]".
package active

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmeertens/sabel/nio"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

// Group is a catalogue entry for one newsgroup.
type Group struct {
	Name        string
	First       nntp.Anum // Lowest article number on the server.
	Last        nntp.Anum // Highest article number on the server.
	Allowed     bool      // Posting allowed, flag 'y' or moderated 'm'.
	Description string
	Deleted     bool // No longer in the server's list, dropped on next cache save.
	New         bool // Appeared in a NEWGROUPS response, cleared by the caller.
}

// Catalogue is the group list of a single server.
type Catalogue struct {
	log nlog.Log

	sync.Mutex
	groups map[string]*Group
	order  []string
	// Timestamp for the next NEWGROUPS command, the server clock at the last
	// full or incremental fetch.
	newgroupsTime time.Time
}

// New returns an empty catalogue.
func New(log nlog.Log) *Catalogue {
	return &Catalogue{log: log, groups: map[string]*Group{}}
}

// Add inserts or updates a group from an active-style line: flag "y"/"m"
// allows posting. An existing description is kept when desc is empty. The
// deleted mark is cleared.
func (c *Catalogue) Add(name string, last, first nntp.Anum, flag, desc string) {
	c.Lock()
	defer c.Unlock()
	g, ok := c.groups[name]
	if !ok {
		g = &Group{Name: name}
		c.groups[name] = g
		c.order = append(c.order, name)
	}
	g.First = first
	g.Last = last
	g.Allowed = flag == "y" || flag == "m"
	g.Deleted = false
	if desc != "" {
		g.Description = desc
	}
}

// MarkNew marks a group as newly appeared, adding it if needed.
func (c *Catalogue) MarkNew(name string) {
	c.Lock()
	defer c.Unlock()
	if g, ok := c.groups[name]; ok {
		g.New = true
	}
}

// ClearNew clears the new mark on all groups.
func (c *Catalogue) ClearNew() {
	c.Lock()
	defer c.Unlock()
	for _, g := range c.groups {
		g.New = false
	}
}

// SetDescription stores the description of a group if it is known.
func (c *Catalogue) SetDescription(name, desc string) {
	c.Lock()
	defer c.Unlock()
	if g, ok := c.groups[name]; ok {
		g.Description = desc
	}
}

// Get returns a copy of the entry for name and whether it exists.
func (c *Catalogue) Get(name string) (Group, bool) {
	c.Lock()
	defer c.Unlock()
	g, ok := c.groups[name]
	if !ok {
		return Group{Name: name}, false
	}
	return *g, true
}

// Groups returns copies of all non-deleted entries, in insertion order.
func (c *Catalogue) Groups() []Group {
	c.Lock()
	defer c.Unlock()
	l := make([]Group, 0, len(c.order))
	for _, name := range c.order {
		g := c.groups[name]
		if g.Deleted {
			continue
		}
		l = append(l, *g)
	}
	return l
}

// Len returns the number of non-deleted entries.
func (c *Catalogue) Len() int {
	c.Lock()
	defer c.Unlock()
	n := 0
	for _, g := range c.groups {
		if !g.Deleted {
			n++
		}
	}
	return n
}

// MarkAllDeleted marks every entry deleted. A full LIST fetch calls this
// first, then re-adds what the server still carries, so vanished groups fall
// out on the next cache save.
func (c *Catalogue) MarkAllDeleted() {
	c.Lock()
	defer c.Unlock()
	for _, g := range c.groups {
		g.Deleted = true
	}
}

// MarkDeleted marks a single group deleted, typically after a 411 response.
func (c *Catalogue) MarkDeleted(name string) {
	c.Lock()
	defer c.Unlock()
	if g, ok := c.groups[name]; ok {
		g.Deleted = true
	}
}

// NewgroupsTime returns the timestamp for the next NEWGROUPS command.
func (c *Catalogue) NewgroupsTime() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.newgroupsTime
}

// SetNewgroupsTime stores the server time of the last group list fetch.
func (c *Catalogue) SetNewgroupsTime(t time.Time) {
	c.Lock()
	defer c.Unlock()
	c.newgroupsTime = t
}

// LoadCache reads a ".active" cache file written by SaveCache. A missing
// file is not an error, the boolean return tells whether a usable cache was
// loaded.
func (c *Catalogue) LoadCache(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open active cache: %w", err)
	}
	defer func() {
		xerr := f.Close()
		c.log.Check(xerr, "closing active cache")
	}()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1024*1024)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	epoch, err := strconv.ParseInt(strings.TrimSpace(scanner.Text()), 10, 64)
	if err != nil || epoch == 0 {
		// Unusable cache, force a full fetch.
		return false, nil
	}

	n := 0
	for scanner.Scan() {
		name, last, first, flag, desc, err := parseCacheLine(scanner.Text())
		if err != nil {
			c.log.Debugx("skipping malformed active cache line", err)
			continue
		}
		c.Add(name, last, first, flag, desc)
		n++
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading active cache: %w", err)
	}
	c.SetNewgroupsTime(time.Unix(epoch, 0))
	c.log.Debug("loaded active cache", slog.Int("groups", n), slog.String("path", path))
	return true, nil
}

func parseCacheLine(line string) (name string, last, first nntp.Anum, flag, desc string, rerr error) {
	t := strings.SplitN(line, " ", 5)
	if len(t) < 4 {
		return "", 0, 0, "", "", fmt.Errorf("malformed line %q", line)
	}
	lastv, err := strconv.ParseUint(t[1], 10, 63)
	if err != nil {
		return "", 0, 0, "", "", fmt.Errorf("malformed high water mark in %q", line)
	}
	firstv, err := strconv.ParseUint(t[2], 10, 63)
	if err != nil {
		return "", 0, 0, "", "", fmt.Errorf("malformed low water mark in %q", line)
	}
	if len(t) == 5 {
		desc = t[4]
	}
	return t[0], nntp.Anum(lastv), nntp.Anum(firstv), t[3], desc, nil
}

// SaveCache writes the catalogue to a ".active" cache file, atomically via a
// temp file and rename. Deleted entries are skipped.
func (c *Catalogue) SaveCache(path string) (rerr error) {
	c.Lock()
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", c.newgroupsTime.Unix())
	for _, name := range c.order {
		g := c.groups[name]
		if g.Deleted {
			continue
		}
		flag := "n"
		if g.Allowed {
			flag = "y"
		}
		if g.Description != "" {
			fmt.Fprintf(&b, "%s %d %d %s %s\n", g.Name, g.Last, g.First, flag, g.Description)
		} else {
			fmt.Fprintf(&b, "%s %d %d %s\n", g.Name, g.Last, g.First, flag)
		}
	}
	c.Unlock()

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("creating temp active cache: %w", err)
	}
	defer func() {
		if f != nil {
			xerr := f.Close()
			c.log.Check(xerr, "closing temp active cache")
			xerr = os.Remove(tmp)
			c.log.Check(xerr, "removing temp active cache")
		}
	}()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing temp active cache: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp active cache: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		xerr := os.Remove(tmp)
		c.log.Check(xerr, "removing temp active cache")
		return fmt.Errorf("closing temp active cache: %w", err)
	}
	f = nil
	if err := os.Rename(tmp, path); err != nil {
		xerr := os.Remove(tmp)
		c.log.Check(xerr, "removing temp active cache")
		return fmt.Errorf("replacing active cache: %w", err)
	}
	if err := nio.SyncDir(filepath.Dir(path)); err != nil {
		c.log.Errorx("syncing active cache directory", err)
	}
	return nil
}
