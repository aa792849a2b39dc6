package news

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/jmeertens/sabel/active"
	"github.com/jmeertens/sabel/bcache"
	"github.com/jmeertens/sabel/hcache"
	"github.com/jmeertens/sabel/newsrc"
	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntpclient"
)

// Server is an open session with one news server, with its catalogue, newsrc
// and caches. Not safe for concurrent use, commands are serialised by the
// caller.
type Server struct {
	cfg  Config
	log  nlog.Log
	elog *slog.Logger

	client    *nntpclient.Client
	catalogue *active.Catalogue
	newsrc    *newsrc.File
	dir       string // Per-server cache directory, holds .active and group caches.
}

// GroupInfo is a catalogue entry merged with its newsrc state.
type GroupInfo struct {
	active.Group
	Subscribed bool
	Unread     int64
}

// Open connects to the server from cfg, loads the catalogue (from the .active
// cache or with LIST) and opens and locks the newsrc file.
func Open(ctx context.Context, elog *slog.Logger, cfg Config) (*Server, error) {
	log := nlog.New("news", elog)

	tlsMode, err := cfg.tlsMode()
	if err != nil {
		return nil, err
	}
	host, addr, err := cfg.hostPort()
	if err != nil {
		return nil, err
	}

	dir := cfg.serverDir()
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating cache dir: %v", err)
	}

	nrc, err := newsrc.Open(log, cfg.NewsrcPath)
	if err != nil {
		return nil, fmt.Errorf("opening newsrc: %w", err)
	}

	dialer := func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 30 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	}
	conn, err := dialer(ctx)
	if err != nil {
		nrc.Close()
		return nil, fmt.Errorf("dial: %w", err)
	}
	opts := nntpclient.Opts{
		User:                  cfg.User,
		Password:              cfg.Password,
		AuthMethods:           cfg.AuthMethods,
		IgnoreTLSVerifyErrors: cfg.TLSSkipVerify,
		Dialer:                dialer,
	}
	client, err := nntpclient.New(ctx, elog, conn, tlsMode, true, host, opts)
	if err != nil {
		conn.Close()
		nrc.Close()
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		elog:      elog,
		client:    client,
		catalogue: active.New(log),
		newsrc:    nrc,
		dir:       dir,
	}

	ok, err := s.catalogue.LoadCache(s.activePath())
	if err != nil {
		log.Infox("loading active cache, fetching fresh list", err)
	}
	if !ok {
		if err := s.FetchActive(ctx, false); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) activePath() string {
	return filepath.Join(s.dir, ".active")
}

// Client returns the protocol client, for operations not covered by Server.
func (s *Server) Client() *nntpclient.Client {
	return s.client
}

// Newsrc returns the open newsrc file.
func (s *Server) Newsrc() *newsrc.File {
	return s.newsrc
}

// Catalogue returns the group catalogue.
func (s *Server) Catalogue() *active.Catalogue {
	return s.catalogue
}

// FetchActive replaces the catalogue with a full LIST from the server. Groups
// that disappeared are marked deleted and their caches reaped when they have
// no newsrc entry. With markNew, groups not previously known are flagged new.
func (s *Server) FetchActive(ctx context.Context, markNew bool) error {
	now, err := s.client.Date(ctx)
	if err != nil {
		return err
	}

	known := map[string]bool{}
	for _, g := range s.catalogue.Groups() {
		known[g.Name] = true
	}
	s.catalogue.MarkAllDeleted()
	err = s.client.ListActive(ctx, "", func(g nntpclient.ActiveGroup) error {
		s.catalogue.Add(g.Name, g.Last, g.First, g.Flag, "")
		if markNew && !known[g.Name] {
			s.catalogue.MarkNew(g.Name)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.catalogue.SetNewgroupsTime(now)

	// Reap caches of removed groups that the newsrc no longer references.
	for name := range known {
		if g, ok := s.catalogue.Get(name); ok && g.Deleted {
			if _, ok := s.newsrc.Group(name); !ok {
				s.ClearCache(name)
			}
		}
	}

	if s.cfg.LoadDescriptions {
		if err := s.FetchDescriptions(ctx, "*"); err != nil {
			s.log.Infox("fetching group descriptions", err)
		}
	}
	return s.SaveActive()
}

// FetchDescriptions fetches group descriptions matching the wildmat and
// stores them in the catalogue.
func (s *Server) FetchDescriptions(ctx context.Context, wildmat string) error {
	return s.client.ListNewsgroups(ctx, wildmat, func(name, desc string) error {
		s.catalogue.SetDescription(name, desc)
		return nil
	})
}

// CheckNewGroups asks the server for groups created since the last check and
// adds them to the catalogue marked new. With ShowNewNews configured, each
// subscribed group is also polled for new articles first. Returns the number
// of new groups.
func (s *Server) CheckNewGroups(ctx context.Context) (int, error) {
	since := s.catalogue.NewgroupsTime()
	if since.IsZero() {
		return 0, errors.New("no known catalogue time, fetch the active list first")
	}

	updated := false
	if s.cfg.ShowNewNews {
		for _, g := range s.newsrc.Groups() {
			if !g.Subscribed {
				continue
			}
			changed, err := s.pollGroup(ctx, g.Name)
			if err != nil {
				return 0, err
			}
			if changed {
				updated = true
			}
		}
	}

	now, err := s.client.Date(ctx)
	if err != nil {
		return 0, err
	}
	var added int
	err = s.client.NewGroups(ctx, since, func(g nntpclient.ActiveGroup) error {
		if _, ok := s.catalogue.Get(g.Name); !ok {
			added++
		}
		s.catalogue.Add(g.Name, g.Last, g.First, g.Flag, "")
		s.catalogue.MarkNew(g.Name)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.catalogue.SetNewgroupsTime(now)
		if s.cfg.LoadDescriptions {
			if err := s.FetchDescriptions(ctx, "*"); err != nil {
				s.log.Infox("fetching group descriptions", err)
			}
		}
		updated = true
	}
	if updated {
		if err := s.SaveActive(); err != nil {
			return added, err
		}
	}
	return added, nil
}

// pollGroup refreshes the first/last article numbers of one group with GROUP,
// detecting server-side renumbering. Returns whether the catalogue changed.
func (s *Server) pollGroup(ctx context.Context, name string) (bool, error) {
	old, known := s.catalogue.Get(name)
	_, first, last, err := s.client.Group(ctx, name)
	if err != nil {
		if errors.Is(err, nntpclient.ErrNoGroup) {
			return false, nil
		}
		return false, err
	}
	if known && last < old.Last {
		// Renumbered: all local knowledge about read articles is stale.
		s.newsrc.SetRanges(name, newsrc.Ranges{{First: 1, Last: 0}})
		if err := s.newsrc.Update(); err != nil {
			return false, err
		}
	}
	flag := "n"
	if known && old.Allowed {
		flag = "y"
	}
	s.catalogue.Add(name, last, first, flag, "")
	return !known || old.First != first || old.Last != last, nil
}

// Groups returns the catalogue merged with newsrc subscription state and
// unread counts.
func (s *Server) Groups() []GroupInfo {
	var l []GroupInfo
	for _, g := range s.catalogue.Groups() {
		if g.Deleted {
			continue
		}
		gi := GroupInfo{Group: g}
		if ng, ok := s.newsrc.Group(g.Name); ok {
			gi.Subscribed = ng.Subscribed
			gi.Unread = ng.Ranges.Unread(g.First, g.Last)
		} else if g.Last >= g.First {
			gi.Unread = int64(g.Last - g.First + 1)
		}
		l = append(l, gi)
	}
	return l
}

// Subscribe marks the group subscribed in the newsrc and persists it.
func (s *Server) Subscribe(name string) error {
	s.newsrc.Subscribe(name)
	return s.newsrc.Update()
}

// Unsubscribe marks the group unsubscribed in the newsrc and persists it.
// Unless SaveUnsubscribed is configured, the group's caches are removed.
func (s *Server) Unsubscribe(name string) error {
	s.newsrc.Unsubscribe(name)
	if err := s.newsrc.Update(); err != nil {
		return err
	}
	if !s.cfg.SaveUnsubscribed {
		s.ClearCache(name)
	}
	return nil
}

// Catchup marks all articles of the group as read, up to the last article
// number the catalogue knows.
func (s *Server) Catchup(name string) error {
	g, ok := s.catalogue.Get(name)
	if !ok {
		return fmt.Errorf("unknown group %q", name)
	}
	rs := newsrc.Ranges{{First: 1, Last: g.Last}}
	if g.Last == 0 {
		rs = newsrc.Ranges{{First: 1, Last: 0}}
	}
	s.newsrc.SetRanges(name, rs)
	return s.newsrc.Update()
}

// Uncatchup resets the group's read ranges to the empty sentinel.
func (s *Server) Uncatchup(name string) error {
	s.newsrc.SetRanges(name, newsrc.Ranges{{First: 1, Last: 0}})
	return s.newsrc.Update()
}

// ClearCache removes the header cache database and body cache directory of a
// group. Errors are logged, a cache can always be refetched.
func (s *Server) ClearCache(name string) {
	if err := hcache.Remove(s.log, s.dir, name); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Infox("removing header cache", err, slog.String("group", name))
	}
	bc, err := bcache.New(s.log, filepath.Join(s.dir, name))
	if err == nil {
		err = bc.Clear()
	}
	if err != nil {
		s.log.Infox("clearing body cache", err, slog.String("group", name))
	}
}

// Post submits an article to the server.
func (s *Server) Post(ctx context.Context, r io.Reader) error {
	return s.client.Post(ctx, r)
}

// SaveActive writes the catalogue to the .active cache file.
func (s *Server) SaveActive() error {
	return s.catalogue.SaveCache(s.activePath())
}

// Close saves the catalogue, closes the protocol client and releases the
// newsrc lock.
func (s *Server) Close() error {
	var rerr error
	if err := s.SaveActive(); err != nil {
		rerr = err
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}
	if err := s.newsrc.Close(); err != nil && rerr == nil {
		rerr = err
	}
	return rerr
}
