// Package newsrc reads and writes the .newsrc file, the traditional database
// of newsgroup subscriptions and read article ranges shared between news
// readers.
//
// Each line holds a group name, a ':' for subscribed or '!' for unsubscribed,
// and a comma-separated list of read article ranges:
//
//	news.test: 1-3,7
//	comp.other! 5
//
// The file is kept open with an exclusive flock for the lifetime of the File,
// other readers honoring the lock cannot corrupt it. Rewrites go through a
// temp file and rename. The file size and mtime are remembered after each
// parse and write, so a Parse call can cheaply detect whether another program
// changed the file.
package newsrc

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"golang.org/x/sys/unix"

	"github.com/jmeertens/sabel/nio"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

// ErrLocked is returned when another program holds the lock on the newsrc
// file.
var ErrLocked = errors.New("newsrc locked by another program")

// lockFile takes an exclusive flock without blocking: a second instance should
// fail fast, not hang until the first one exits.
func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}

var metricRewrite = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "sabel_newsrc_rewrite_total",
		Help: "Number of newsrc file rewrites.",
	},
)

// Range is an inclusive range of read article numbers. A just-subscribed
// group with nothing read carries the single range 1-0, keeping the line
// present in the file.
type Range struct {
	First nntp.Anum
	Last  nntp.Anum
}

// Ranges is an ordered list of read ranges.
type Ranges []Range

// normalize sorts the ranges and merges overlapping and adjacent ones.
// Contains binary-searches and Unread subtracts per range, both need sorted,
// non-overlapping input.
func (rs Ranges) normalize() Ranges {
	if len(rs) <= 1 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].First < rs[j].First })
	out := rs[:1]
	for _, r := range rs[1:] {
		cur := &out[len(out)-1]
		if r.First <= cur.Last+1 {
			if r.Last > cur.Last {
				cur.Last = r.Last
			}
		} else {
			out = append(out, r)
		}
	}
	return out
}

// Contains returns whether article number n is marked read.
func (rs Ranges) Contains(n nntp.Anum) bool {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Last >= n })
	return i < len(rs) && rs[i].First <= n
}

// Unread counts the articles in the window first through last that are not
// covered by a read range. Ranges extending beyond the window are clipped.
func (rs Ranges) Unread(first, last nntp.Anum) int64 {
	if last < first {
		return 0
	}
	unread := int64(last - first + 1)
	for _, r := range rs {
		lo, hi := r.First, r.Last
		if lo < first {
			lo = first
		}
		if hi > last {
			hi = last
		}
		if hi >= lo {
			unread -= int64(hi - lo + 1)
		}
	}
	return unread
}

func (rs Ranges) String() string {
	var b strings.Builder
	for i, r := range rs {
		if i > 0 {
			b.WriteString(",")
		}
		if r.First == r.Last {
			fmt.Fprintf(&b, "%d", r.First)
		} else {
			fmt.Fprintf(&b, "%d-%d", r.First, r.Last)
		}
	}
	return b.String()
}

func parseRanges(s string) (Ranges, error) {
	var rs Ranges
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		lo, hi, dash := strings.Cut(f, "-")
		first, err := strconv.ParseUint(lo, 10, 63)
		if err != nil {
			return nil, fmt.Errorf("malformed range %q", f)
		}
		last := first
		if dash {
			last, err = strconv.ParseUint(hi, 10, 63)
			if err != nil {
				return nil, fmt.Errorf("malformed range %q", f)
			}
		}
		rs = append(rs, Range{nntp.Anum(first), nntp.Anum(last)})
	}
	return rs.normalize(), nil
}

// Group is the newsrc state of a single newsgroup.
type Group struct {
	Name       string
	Subscribed bool
	Ranges     Ranges
}

// File is an open, locked newsrc file.
type File struct {
	path string
	log  nlog.Log

	sync.Mutex
	f      *os.File // Held open to keep the flock.
	groups map[string]*Group
	order  []string // Line order of the file, new groups appended.
	size   int64
	mtime  time.Time
}

// Open opens (creating if necessary) and exclusively locks the newsrc file at
// path, and parses it. Close must eventually be called to release the lock.
func Open(log nlog.Log, path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, fmt.Errorf("open newsrc: %w", err)
	}
	if err := lockFile(f); err != nil {
		xerr := f.Close()
		log.Check(xerr, "closing newsrc after failed lock")
		return nil, fmt.Errorf("locking newsrc: %w", err)
	}
	nf := &File{path: path, log: log, f: f, groups: map[string]*Group{}}
	if _, err := nf.parse(); err != nil {
		xerr := nf.Close()
		log.Check(xerr, "closing newsrc after failed parse")
		return nil, err
	}
	return nf, nil
}

// Parse re-reads the file if it was changed by another program, detected by
// comparing size and mtime against the last parse or write. It returns
// whether the file was re-read.
func (nf *File) Parse() (changed bool, rerr error) {
	nf.Lock()
	defer nf.Unlock()
	return nf.parse()
}

func (nf *File) parse() (changed bool, rerr error) {
	// Stat the path, not the held fd: another program rewriting the file with
	// a rename leaves the old inode untouched.
	fi, err := os.Stat(nf.path)
	if err != nil {
		return false, fmt.Errorf("stat newsrc: %w", err)
	}
	if fi.Size() == nf.size && fi.ModTime().Equal(nf.mtime) {
		return false, nil
	}

	ffi, err := nf.f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat open newsrc: %w", err)
	}
	if !os.SameFile(fi, ffi) {
		f2, err := os.OpenFile(nf.path, os.O_RDWR|os.O_CREATE, 0660)
		if err != nil {
			return false, fmt.Errorf("reopening newsrc: %w", err)
		}
		if err := lockFile(f2); err != nil {
			xerr := f2.Close()
			nf.log.Check(xerr, "closing reopened newsrc")
			return false, fmt.Errorf("relocking newsrc: %w", err)
		}
		xerr := nf.f.Close()
		nf.log.Check(xerr, "closing replaced newsrc")
		nf.f = f2
	}

	if _, err := nf.f.Seek(0, 0); err != nil {
		return false, fmt.Errorf("seek newsrc: %w", err)
	}
	groups := map[string]*Group{}
	var order []string
	scanner := bufio.NewScanner(nf.f)
	scanner.Buffer(nil, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		i := strings.IndexAny(line, ":!")
		if i <= 0 {
			continue
		}
		g := &Group{
			Name:       strings.TrimSpace(line[:i]),
			Subscribed: line[i] == ':',
		}
		rs, err := parseRanges(line[i+1:])
		if err != nil {
			nf.log.Debugx("skipping malformed newsrc line", err, slog.String("line", line))
			continue
		}
		g.Ranges = rs
		if _, ok := groups[g.Name]; !ok {
			order = append(order, g.Name)
		}
		groups[g.Name] = g
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading newsrc: %w", err)
	}
	nf.groups = groups
	nf.order = order
	nf.size = fi.Size()
	nf.mtime = fi.ModTime()
	nf.log.Debug("parsed newsrc", slog.Int("groups", len(groups)), slog.String("path", nf.path))
	return true, nil
}

// Group returns a copy of the state for the named group, and whether the
// group is present in the file.
func (nf *File) Group(name string) (Group, bool) {
	nf.Lock()
	defer nf.Unlock()
	g, ok := nf.groups[name]
	if !ok {
		return Group{Name: name}, false
	}
	return Group{g.Name, g.Subscribed, append(Ranges{}, g.Ranges...)}, true
}

// Groups returns the state of all groups in file order.
func (nf *File) Groups() []Group {
	nf.Lock()
	defer nf.Unlock()
	l := make([]Group, 0, len(nf.order))
	for _, name := range nf.order {
		g := nf.groups[name]
		l = append(l, Group{g.Name, g.Subscribed, append(Ranges{}, g.Ranges...)})
	}
	return l
}

func (nf *File) ensure(name string) *Group {
	g, ok := nf.groups[name]
	if !ok {
		g = &Group{Name: name}
		nf.groups[name] = g
		nf.order = append(nf.order, name)
	}
	return g
}

// Subscribe marks a group subscribed. A group with nothing read gets the 1-0
// placeholder range so its line survives a rewrite.
func (nf *File) Subscribe(name string) {
	nf.Lock()
	defer nf.Unlock()
	g := nf.ensure(name)
	g.Subscribed = true
	if len(g.Ranges) == 0 {
		g.Ranges = Ranges{{1, 0}}
	}
}

// Unsubscribe marks a group unsubscribed, keeping its read ranges.
func (nf *File) Unsubscribe(name string) {
	nf.Lock()
	defer nf.Unlock()
	nf.ensure(name).Subscribed = false
}

// SetRanges replaces the read ranges of a group.
func (nf *File) SetRanges(name string, rs Ranges) {
	nf.Lock()
	defer nf.Unlock()
	nf.ensure(name).Ranges = append(Ranges{}, rs...)
}

// Remove drops a group's line entirely, used when a group was removed from
// the server and is not subscribed.
func (nf *File) Remove(name string) {
	nf.Lock()
	defer nf.Unlock()
	if _, ok := nf.groups[name]; !ok {
		return
	}
	delete(nf.groups, name)
	for i, n := range nf.order {
		if n == name {
			nf.order = append(nf.order[:i], nf.order[i+1:]...)
			break
		}
	}
}

// Update writes the file: the whole contents are regenerated from the
// in-memory state, written to a temp file, synced and renamed over the
// original. The resulting size and mtime are remembered so a later Parse does
// not needlessly re-read our own write. The flock stays on the old inode,
// which is fine: we are the only writer while open.
func (nf *File) Update() (rerr error) {
	nf.Lock()
	defer nf.Unlock()

	var b strings.Builder
	for _, name := range nf.order {
		g := nf.groups[name]
		if !g.Subscribed && len(g.Ranges) == 0 {
			continue
		}
		sep := "!"
		if g.Subscribed {
			sep = ":"
		}
		fmt.Fprintf(&b, "%s%s %s\n", g.Name, sep, g.Ranges.String())
	}

	tmp := nf.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return fmt.Errorf("creating temp newsrc: %w", err)
	}
	defer func() {
		if f != nil {
			xerr := f.Close()
			nf.log.Check(xerr, "closing temp newsrc")
			xerr = os.Remove(tmp)
			nf.log.Check(xerr, "removing temp newsrc")
		}
	}()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("writing temp newsrc: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp newsrc: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		xerr := os.Remove(tmp)
		nf.log.Check(xerr, "removing temp newsrc")
		return fmt.Errorf("closing temp newsrc: %w", err)
	}
	f = nil
	if err := os.Rename(tmp, nf.path); err != nil {
		xerr := os.Remove(tmp)
		nf.log.Check(xerr, "removing temp newsrc")
		return fmt.Errorf("replacing newsrc: %w", err)
	}
	if err := nio.SyncDir(filepath.Dir(nf.path)); err != nil {
		nf.log.Errorx("syncing newsrc directory", err)
	}

	// Reopen so the held lock and future stats refer to the new inode.
	nf2, err := os.OpenFile(nf.path, os.O_RDWR, 0660)
	if err != nil {
		return fmt.Errorf("reopening newsrc: %w", err)
	}
	if err := lockFile(nf2); err != nil {
		xerr := nf2.Close()
		nf.log.Check(xerr, "closing reopened newsrc")
		return fmt.Errorf("relocking newsrc: %w", err)
	}
	xerr := nf.f.Close()
	nf.log.Check(xerr, "closing replaced newsrc")
	nf.f = nf2

	fi, err := nf.f.Stat()
	if err != nil {
		return fmt.Errorf("stat newsrc after write: %w", err)
	}
	nf.size = fi.Size()
	nf.mtime = fi.ModTime()
	metricRewrite.Inc()
	nf.log.Debug("wrote newsrc", slog.Int64("size", nf.size), slog.String("path", nf.path))
	return nil
}

// Close releases the lock and closes the file. The in-memory state is not
// written, call Update first.
func (nf *File) Close() error {
	nf.Lock()
	defer nf.Unlock()
	if nf.f == nil {
		return nil
	}
	err := nf.f.Close()
	nf.f = nil
	return err
}
