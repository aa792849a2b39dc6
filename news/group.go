package news

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmeertens/sabel/bcache"
	"github.com/jmeertens/sabel/hcache"
	"github.com/jmeertens/sabel/newsrc"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
	"github.com/jmeertens/sabel/nntpclient"
)

// Number of temporary article files kept around for articles the body cache
// would not take, indexed by article number modulo this size.
const ringSize = 10

// PollResult is the outcome of a group poll.
type PollResult int

const (
	PollOK       PollResult = iota // No new articles.
	PollNewMail                    // New articles were loaded.
	PollReopened                   // Server renumbered the group, all prior message records are invalid.
)

// Message is one article as known to an open group view.
type Message struct {
	Num      nntp.Anum
	Envelope hcache.Envelope

	Read    bool
	Old     bool // Unread but already seen in an earlier session.
	Deleted bool // Soft delete, caches are updated on Sync.
	Changed bool // Flags changed since load, stored to the header cache on Sync.
	Parsed  bool // Envelope was re-parsed from a full article, not just overview fields.
}

type ringEntry struct {
	num  nntp.Anum
	path string
}

// View is an open newsgroup: the loaded article window with its header and
// body caches. Obtain one with Server.OpenGroup, close it when done.
type View struct {
	srv  *Server
	log  nlog.Log
	name string

	first, last nntp.Anum // Server's bounds from the last GROUP response.
	windowFirst nntp.Anum // first, clamped by the configured context.
	lastLoaded  nntp.Anum
	lastCached  nntp.Anum // Highest article number in the header cache at open.
	deleted     bool      // Group was removed from the server.

	msgs   map[nntp.Anum]*Message
	ranges newsrc.Ranges // Read ranges from the newsrc at last reconcile.

	hc   *hcache.Cache
	bc   *bcache.Cache
	ring [ringSize]ringEntry

	checkTime time.Time
}

// OpenGroup selects the group on the server and loads its article window:
// headers come from the header cache where possible, the rest is fetched
// with LISTGROUP/OVER/HEAD. Stale cache entries outside the window are
// removed.
func (s *Server) OpenGroup(ctx context.Context, name string) (*View, error) {
	if _, ok := s.catalogue.Get(name); !ok {
		return nil, fmt.Errorf("unknown group %q", name)
	}

	// Pick up external newsrc edits before deciding read state.
	if _, err := s.newsrc.Parse(); err != nil {
		return nil, fmt.Errorf("rereading newsrc: %w", err)
	}

	_, first, last, err := s.client.Group(ctx, name)
	if err != nil {
		if errors.Is(err, nntpclient.ErrNoGroup) {
			s.groupRemoved(name)
		}
		return nil, err
	}

	old, _ := s.catalogue.Get(name)
	renumbered := old.Last > 0 && old.Last >= old.First && (last < old.Last || first > old.Last)
	if renumbered {
		// Server renumbered the group, read ranges no longer apply.
		s.newsrc.SetRanges(name, newsrc.Ranges{{First: 1, Last: 0}})
	}
	flag := "n"
	if old.Allowed {
		flag = "y"
	}
	s.catalogue.Add(name, last, first, flag, "")

	v := &View{
		srv:   s,
		log:   s.log.With(slog.String("group", name)),
		name:  name,
		first: first,
		last:  last,
		msgs:  map[nntp.Anum]*Message{},
	}
	v.windowFirst = v.clampWindow(first, last)
	if v.windowFirst > 0 {
		v.lastLoaded = v.windowFirst - 1
	}
	v.reloadRanges()

	v.bc, err = bcache.New(s.log, filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	v.pruneBodyCache()

	v.hc, err = hcache.Open(ctx, s.log, s.dir, name)
	if err != nil {
		return nil, err
	}
	lastCached, err := v.hc.Reconcile(ctx, first, last)
	if err != nil {
		v.hc.Close()
		return nil, err
	}
	if !renumbered && lastCached >= first && lastCached <= last {
		v.lastCached = lastCached
	}

	if _, err := v.fetchHeaders(ctx, v.windowFirst, v.last, false); err != nil {
		v.Close()
		return nil, err
	}
	v.lastLoaded = v.last
	v.checkTime = time.Now()
	return v, nil
}

// groupRemoved handles a 411 for a known group: mark it deleted in the
// catalogue, and drop its newsrc line and caches unless it is subscribed or
// unsubscribed state is kept.
func (s *Server) groupRemoved(name string) {
	s.catalogue.MarkDeleted(name)
	if err := s.SaveActive(); err != nil {
		s.log.Infox("saving active cache", err)
	}
	ng, ok := s.newsrc.Group(name)
	if ok && !ng.Subscribed && !s.cfg.SaveUnsubscribed {
		s.newsrc.Remove(name)
		s.ClearCache(name)
		if err := s.newsrc.Update(); err != nil {
			s.log.Infox("updating newsrc", err)
		}
	}
}

// clampWindow applies the configured context to the group bounds.
func (v *View) clampWindow(first, last nntp.Anum) nntp.Anum {
	n := v.srv.cfg.Context
	if n > 0 && last >= nntp.Anum(n) && last-nntp.Anum(n)+1 > first {
		return last - nntp.Anum(n) + 1
	}
	return first
}

func (v *View) reloadRanges() {
	if ng, ok := v.srv.newsrc.Group(v.name); ok {
		v.ranges = ng.Ranges
	} else {
		v.ranges = nil
	}
}

func bkey(n nntp.Anum) string {
	return strconv.FormatInt(int64(n), 10)
}

// pruneBodyCache removes body cache entries outside the loaded window.
func (v *View) pruneBodyCache() {
	err := v.bc.List(func(key string) error {
		n, err := strconv.ParseUint(key, 10, 63)
		if err != nil || nntp.Anum(n) < v.windowFirst || nntp.Anum(n) > v.last {
			return v.bc.Del(key)
		}
		return nil
	})
	if err != nil {
		v.log.Infox("pruning body cache", err)
	}
}

func (v *View) addMessage(env hcache.Envelope) *Message {
	n := nntp.Anum(env.Num)
	m := &Message{Num: n, Envelope: env}
	m.Read = v.ranges.Contains(n)
	if v.srv.cfg.MarkOld && !m.Read && n <= v.lastCached {
		m.Old = true
	}
	v.msgs[n] = m
	return m
}

func (v *View) dropMessage(n nntp.Anum) {
	delete(v.msgs, n)
}

// fetchHeaders loads message records for article numbers first through last:
// presence check with LISTGROUP, then the header cache, then one OVER/XOVER
// for the remaining range, or HEAD per article on servers without overview
// support. With restore, soft-deleted cache entries are revived instead of
// skipped. Returns the number of records added.
func (v *View) fetchHeaders(ctx context.Context, first, last nntp.Anum, restore bool) (added int, rerr error) {
	if last == 0 || last < first {
		return 0, nil
	}
	client := v.srv.client

	// Which articles actually exist. Numbers in the window that the server no
	// longer has are dropped from both caches.
	var present map[nntp.Anum]bool
	if client.SupportsListgroup() && !v.deleted {
		present = map[nntp.Anum]bool{}
		err := client.ListGroup(ctx, v.name, first, last, func(n nntp.Anum) error {
			if n >= first && n <= last {
				present[n] = true
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		for n := first; n <= last; n++ {
			if present[n] {
				continue
			}
			if err := v.hc.Delete(ctx, n); err != nil && !errors.Is(err, hcache.ErrNotFound) {
				v.log.Debugx("deleting stale header cache entry", err, slog.Int64("num", int64(n)))
			}
			if err := v.bc.Del(bkey(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
				v.log.Debugx("deleting stale body cache entry", err, slog.Int64("num", int64(n)))
			}
			v.dropMessage(n)
		}
	}

	useOver := client.SupportsOver()
	var overFirst nntp.Anum
	for n := first; n <= last; n++ {
		if present != nil && !present[n] {
			continue
		}
		if _, ok := v.msgs[n]; ok {
			continue
		}

		env, err := v.hc.Get(ctx, n)
		if err == nil {
			if env.Deleted && !restore {
				if err := v.bc.Del(bkey(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
					v.log.Debugx("deleting body of deleted article", err, slog.Int64("num", int64(n)))
				}
				continue
			}
			m := v.addMessage(env)
			if env.Deleted {
				m.Deleted = false
				m.Changed = true
			}
			added++
			continue
		} else if !errors.Is(err, hcache.ErrNotFound) {
			// Corrupt entry, treat as miss. A later Put overwrites it.
			v.log.Debugx("header cache lookup", err, slog.Int64("num", int64(n)))
		}

		if useOver {
			overFirst = n
			break
		}

		// No overview support, fetch headers one article at a time.
		var buf bytes.Buffer
		if err := client.Head(ctx, n, "", &buf); err != nil {
			if errors.Is(err, nntpclient.ErrNoArticle) {
				if err := v.bc.Del(bkey(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
					v.log.Debugx("deleting body of missing article", err, slog.Int64("num", int64(n)))
				}
				continue
			}
			return added, err
		}
		env, _, err = parseEnvelope(&buf)
		if err != nil {
			return added, fmt.Errorf("parsing headers of article %d: %v", n, err)
		}
		env.Num = int64(n)
		if err := v.hc.Put(ctx, env); err != nil {
			return added, err
		}
		v.addMessage(env)
		added++
	}

	if useOver && overFirst > 0 {
		err := client.Over(ctx, overFirst, last, func(ov nntp.Overview) error {
			n := ov.Num
			if n < overFirst || n > last {
				return nil
			}
			if present != nil && !present[n] {
				return nil
			}
			if _, ok := v.msgs[n]; ok {
				return nil
			}

			// The range starts at the first cache miss, higher numbers may
			// still be cached. A cached record wins over the overview line,
			// and its soft-delete flag must be honoured.
			env, err := v.hc.Get(ctx, n)
			if err == nil {
				if env.Deleted && !restore {
					if err := v.bc.Del(bkey(n)); err != nil && !errors.Is(err, os.ErrNotExist) {
						v.log.Debugx("deleting body of deleted article", err, slog.Int64("num", int64(n)))
					}
					return nil
				}
				m := v.addMessage(env)
				if env.Deleted {
					m.Deleted = false
					m.Changed = true
				}
				added++
				return nil
			} else if !errors.Is(err, hcache.ErrNotFound) {
				v.log.Debugx("header cache lookup", err, slog.Int64("num", int64(n)))
			}

			env = hcache.FromOverview(ov)
			if err := v.hc.Put(ctx, env); err != nil {
				return err
			}
			v.addMessage(env)
			added++
			return nil
		})
		if err != nil {
			return added, err
		}
	}
	return added, nil
}

// MessageReader returns a reader for the full article. The body cache is
// consulted first, then the temporary ring, and only then the server. A
// fetched article refreshes the message's envelope, overview data is often
// incomplete. The caller must close the reader.
func (v *View) MessageReader(ctx context.Context, n nntp.Anum) (io.ReadCloser, error) {
	m := v.msgs[n]
	if m == nil {
		return nil, fmt.Errorf("article %d not loaded", n)
	}
	key := bkey(n)

	slot := &v.ring[int(n)%ringSize]
	if slot.path != "" {
		if slot.num == n {
			if f, err := os.Open(slot.path); err == nil {
				return f, nil
			}
		}
		os.Remove(slot.path)
		*slot = ringEntry{}
	}

	if f, err := v.bc.Get(key); err == nil {
		if m.Parsed {
			return f, nil
		}
		if err := v.refreshEnvelope(ctx, m, f); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}

	if v.deleted {
		return nil, fmt.Errorf("group %s was removed from the server", v.name)
	}

	// Fetch into the body cache, or a ring temp file when the cache will not
	// take writes.
	var w io.Writer
	bw, err := v.bc.Put(key)
	var tf *os.File
	if err != nil {
		v.log.Debugx("body cache refused write, using temp file", err)
		tf, err = os.CreateTemp("", "sabel-article")
		if err != nil {
			return nil, err
		}
		w = tf
	} else {
		w = bw
	}
	cleanup := func() {
		if bw != nil {
			bw.Cancel()
		}
		if tf != nil {
			name := tf.Name()
			tf.Close()
			os.Remove(name)
		}
	}

	msgid := ""
	if n == 0 {
		msgid = m.Envelope.MessageID
	}
	if err := v.srv.client.Article(ctx, n, msgid, w); err != nil {
		cleanup()
		return nil, err
	}

	var f *os.File
	if bw != nil {
		if err := bw.Commit(); err != nil {
			return nil, err
		}
		f, err = v.bc.Get(key)
		if err != nil {
			return nil, err
		}
	} else {
		slot.num = n
		slot.path = tf.Name()
		if _, err := tf.Seek(0, io.SeekStart); err != nil {
			cleanup()
			return nil, err
		}
		f = tf
	}

	if err := v.refreshEnvelope(ctx, m, f); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// refreshEnvelope re-parses the envelope from a full article and stores it,
// keeping overview-only fields that the article headers lack.
func (v *View) refreshEnvelope(ctx context.Context, m *Message, r io.Reader) error {
	env, xref, err := parseEnvelope(r)
	if err != nil {
		return err
	}
	env.Num = m.Envelope.Num
	env.Deleted = m.Deleted
	if env.Bytes == 0 {
		env.Bytes = m.Envelope.Bytes
	}
	if env.Lines == 0 {
		env.Lines = m.Envelope.Lines
	}
	m.Envelope = env
	m.Parsed = true
	v.applyXref(m, xref)
	return v.hc.Put(ctx, env)
}

// applyXref propagates read state from cross-posts: an article already read
// in another group under a different number is read here too.
func (v *View) applyXref(m *Message, xref string) {
	if xref == "" || m.Read {
		return
	}
	for group, num := range parseXref(xref) {
		if group == v.name {
			continue
		}
		if ng, ok := v.srv.newsrc.Group(group); ok && ng.Ranges.Contains(num) {
			m.Read = true
			m.Changed = true
			return
		}
	}
}

// Poll checks the group for changes, honouring the configured minimum poll
// interval. New articles are loaded. When the server renumbered the group all
// previously returned messages are discarded and PollReopened is returned.
func (v *View) Poll(ctx context.Context) (PollResult, error) {
	return v.poll(ctx, false)
}

func (v *View) poll(ctx context.Context, force bool) (PollResult, error) {
	if !force && time.Since(v.checkTime) < v.srv.cfg.pollInterval() {
		return PollOK, nil
	}
	v.checkTime = time.Now()

	newsrcChanged, err := v.srv.newsrc.Parse()
	if err != nil {
		return PollOK, err
	}

	_, first, last, err := v.srv.client.Group(ctx, v.name)
	if err != nil {
		if errors.Is(err, nntpclient.ErrNoGroup) {
			v.deleted = true
			v.srv.groupRemoved(v.name)
		}
		return PollOK, err
	}

	// A group that was empty (last below first) has no articles to invalidate.
	disjoint := v.last >= v.first && first > v.last
	if last < v.last || disjoint || last < v.lastLoaded {
		// Renumbered, or the article window jumped past everything we loaded.
		// Either way prior article numbers are meaningless, start over.
		v.msgs = map[nntp.Anum]*Message{}
		v.first, v.last = first, last
		v.windowFirst = v.clampWindow(first, last)
		if v.windowFirst > 0 {
			v.lastLoaded = v.windowFirst - 1
		} else {
			v.lastLoaded = 0
		}
		v.lastCached = 0
		v.srv.newsrc.SetRanges(v.name, newsrc.Ranges{{First: 1, Last: 0}})
		v.reloadRanges()
		v.srv.catalogue.Add(v.name, last, first, v.catalogueFlag(), "")
		if _, err := v.hc.Reconcile(ctx, first, last); err != nil {
			return PollReopened, err
		}
		v.pruneBodyCache()
		if _, err := v.fetchHeaders(ctx, v.windowFirst, v.last, false); err != nil {
			return PollReopened, err
		}
		v.lastLoaded = v.last
		return PollReopened, nil
	}

	if newsrcChanged {
		// Someone else rewrote the newsrc, take over their read marks.
		v.reloadRanges()
		for _, m := range v.msgs {
			read := v.ranges.Contains(m.Num)
			if read != m.Read {
				m.Read = read
				m.Changed = true
			}
		}
	}

	v.first, v.last = first, last
	v.srv.catalogue.Add(v.name, last, first, v.catalogueFlag(), "")
	result := PollOK
	if last > v.lastLoaded {
		added, err := v.fetchHeaders(ctx, v.lastLoaded+1, last, false)
		if err != nil {
			return result, err
		}
		v.lastLoaded = last
		if added > 0 {
			result = PollNewMail
		}
	}
	return result, nil
}

func (v *View) catalogueFlag() string {
	if g, ok := v.srv.catalogue.Get(v.name); ok && g.Allowed {
		return "y"
	}
	return "n"
}

// Sync polls for changes, writes changed and deleted message state to the
// caches, regenerates the group's newsrc ranges from per-message read bits
// and rewrites the newsrc file.
func (v *View) Sync(ctx context.Context) (PollResult, error) {
	res, err := v.poll(ctx, true)
	if err != nil {
		return res, err
	}

	for _, m := range v.Messages() {
		if m.Deleted {
			if err := v.bc.Del(bkey(m.Num)); err != nil && !errors.Is(err, os.ErrNotExist) {
				v.log.Debugx("deleting cached body", err, slog.Int64("num", int64(m.Num)))
			}
		}
		if m.Changed || m.Deleted {
			env := m.Envelope
			env.Num = int64(m.Num)
			env.Deleted = m.Deleted
			if err := v.hc.Put(ctx, env); err != nil {
				return res, err
			}
			m.Changed = false
		}
	}
	v.lastCached = v.lastLoaded
	if err := v.hc.SetWindow(ctx, v.first, v.last); err != nil {
		return res, err
	}

	rs := v.genRanges()
	v.srv.newsrc.SetRanges(v.name, rs)
	if err := v.srv.newsrc.Update(); err != nil {
		return res, err
	}
	v.ranges = rs
	return res, nil
}

// genRanges rebuilds the newsrc read ranges: ranges fully below the loaded
// window are kept as they were, the window itself is scanned left to right
// over the messages, opening a range at each read or deleted message and
// closing it at the first unread one. An open final range extends to the last
// loaded article.
func (v *View) genRanges() newsrc.Ranges {
	var rs newsrc.Ranges
	for _, r := range v.ranges {
		if r.First >= v.windowFirst {
			break
		}
		if r.Last >= v.windowFirst {
			r.Last = v.windowFirst - 1
		}
		rs = append(rs, r)
	}

	nums := v.sortedNums()
	var cur newsrc.Range
	open := false
	for _, n := range nums {
		m := v.msgs[n]
		if m.Read || m.Deleted {
			if !open {
				cur = newsrc.Range{First: n, Last: n}
				open = true
			} else {
				cur.Last = n
			}
		} else if open {
			rs = append(rs, cur)
			open = false
		}
	}
	if open {
		cur.Last = v.lastLoaded
		rs = append(rs, cur)
	}
	if len(rs) == 0 {
		rs = newsrc.Ranges{{First: 1, Last: 0}}
	}
	return rs
}

// Children finds the article numbers whose References header mentions the
// message-id, using XPAT, and loads their headers. Articles soft-deleted in
// the header cache are revived.
func (v *View) Children(ctx context.Context, messageID string) ([]nntp.Anum, error) {
	if v.windowFirst > v.lastLoaded {
		return nil, nil
	}
	var nums []nntp.Anum
	err := v.srv.client.XPat(ctx, "References", v.windowFirst, v.lastLoaded, "*"+messageID+"*", func(n nntp.Anum, value string) error {
		if _, ok := v.msgs[n]; !ok {
			nums = append(nums, n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, n := range nums {
		if _, err := v.fetchHeaders(ctx, n, n, true); err != nil {
			return nums, err
		}
	}
	return nums, nil
}

// FetchByID loads one article by message-id into the view, resolving its
// article number from the Xref header or with STAT.
func (v *View) FetchByID(ctx context.Context, messageID string) (*Message, error) {
	var buf bytes.Buffer
	if err := v.srv.client.Head(ctx, 0, messageID, &buf); err != nil {
		return nil, err
	}
	env, xref, err := parseEnvelope(&buf)
	if err != nil {
		return nil, fmt.Errorf("parsing headers: %v", err)
	}

	var num nntp.Anum
	if xref != "" {
		num = parseXref(xref)[v.name]
	}
	if num == 0 {
		num, _, err = v.srv.client.Stat(ctx, 0, messageID)
		if err != nil {
			return nil, err
		}
	}
	if m, ok := v.msgs[num]; ok {
		return m, nil
	}
	env.Num = int64(num)
	if err := v.hc.Put(ctx, env); err != nil {
		return nil, err
	}
	m := v.addMessage(env)
	m.Changed = true
	v.applyXref(m, xref)
	return m, nil
}

// SetRead updates the read flag of a loaded article.
func (v *View) SetRead(n nntp.Anum, read bool) error {
	m := v.msgs[n]
	if m == nil {
		return fmt.Errorf("article %d not loaded", n)
	}
	if m.Read != read {
		m.Read = read
		m.Changed = true
	}
	return nil
}

// SetDeleted marks a loaded article (soft) deleted.
func (v *View) SetDeleted(n nntp.Anum, deleted bool) error {
	m := v.msgs[n]
	if m == nil {
		return fmt.Errorf("article %d not loaded", n)
	}
	if m.Deleted != deleted {
		m.Deleted = deleted
		m.Changed = true
	}
	return nil
}

// Catchup marks all loaded articles read.
func (v *View) Catchup() {
	for _, m := range v.msgs {
		if !m.Read {
			m.Read = true
			m.Changed = true
		}
	}
}

// Name returns the group name.
func (v *View) Name() string { return v.name }

// Window returns the server's first/last bounds and the first loaded article
// number after applying the configured context.
func (v *View) Window() (first, last, windowFirst nntp.Anum) {
	return v.first, v.last, v.windowFirst
}

// LastLoaded returns the highest article number for which headers were
// loaded.
func (v *View) LastLoaded() nntp.Anum { return v.lastLoaded }

// Message returns a loaded article by number.
func (v *View) Message(n nntp.Anum) (*Message, bool) {
	m, ok := v.msgs[n]
	return m, ok
}

// Messages returns the loaded articles in article-number order.
func (v *View) Messages() []*Message {
	l := make([]*Message, 0, len(v.msgs))
	for _, n := range v.sortedNums() {
		l = append(l, v.msgs[n])
	}
	return l
}

func (v *View) sortedNums() []nntp.Anum {
	nums := make([]nntp.Anum, 0, len(v.msgs))
	for n := range v.msgs {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// Unread counts loaded articles that are not read.
func (v *View) Unread() int {
	n := 0
	for _, m := range v.msgs {
		if !m.Read {
			n++
		}
	}
	return n
}

// Close removes the temporary article files and closes the header cache.
func (v *View) Close() error {
	for i := range v.ring {
		if v.ring[i].path != "" {
			os.Remove(v.ring[i].path)
			v.ring[i] = ringEntry{}
		}
	}
	return v.hc.Close()
}

// parseEnvelope reads an RFC 5322 header block (e.g. a HEAD response or the
// start of a full article) into an envelope record, also returning the Xref
// header.
func parseEnvelope(r io.Reader) (hcache.Envelope, string, error) {
	tr := textproto.NewReader(bufio.NewReader(r))
	hdr, err := tr.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return hcache.Envelope{}, "", err
	}
	env := hcache.Envelope{
		Subject:    hdr.Get("Subject"),
		From:       hdr.Get("From"),
		Date:       hdr.Get("Date"),
		MessageID:  hdr.Get("Message-Id"),
		References: hdr.Get("References"),
	}
	if s := hdr.Get("Lines"); s != "" {
		env.Lines, _ = strconv.ParseInt(s, 10, 64)
	}
	if s := hdr.Get("Content-Length"); s != "" {
		env.Bytes, _ = strconv.ParseInt(s, 10, 64)
	} else if s := hdr.Get("Bytes"); s != "" {
		env.Bytes, _ = strconv.ParseInt(s, 10, 64)
	}
	return env, hdr.Get("Xref"), nil
}

// parseXref parses "Xref: host group:num group2:num2" into a map of group to
// article number. Tokens without a colon (the host) are skipped.
func parseXref(s string) map[string]nntp.Anum {
	m := map[string]nntp.Anum{}
	for _, tok := range strings.Fields(s) {
		group, numstr, ok := strings.Cut(tok, ":")
		if !ok || group == "" {
			continue
		}
		num, err := strconv.ParseUint(numstr, 10, 63)
		if err != nil || num == 0 {
			continue
		}
		m[group] = nntp.Anum(num)
	}
	return m
}
