// Package hcache stores article header summaries for a newsgroup, so a later
// group open does not have to transfer overview data again.
//
// Each group has its own database file. Besides the envelopes, the cache
// holds a single index record with the article number window the cache was
// last synced to. On open, entries that fell out of the server's current
// window are removed.
package hcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/bstore"

	"github.com/jmeertens/sabel/nlog"
	"github.com/jmeertens/sabel/nntp"
)

var metricLookup = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sabel_hcache_lookup_total",
		Help: "Number of header cache lookups by result.",
	},
	[]string{"result"},
)

// ErrNotFound is returned by Get for articles not in the cache.
var ErrNotFound = errors.New("hcache: article not found")

// Envelope is the cached header summary of one article.
type Envelope struct {
	Num        int64 // Article number.
	Subject    string
	From       string
	Date       string
	MessageID  string `bstore:"index"`
	References string
	Bytes      int64
	Lines      int64
	Deleted    bool // Soft delete, set on sync, honoured on the next load.
	Inserted   time.Time `bstore:"default now"`
}

// indexRecord is the singleton window record: the article number range the
// cache was last synced against.
type indexRecord struct {
	ID    int64 // Always 1.
	First int64
	Last  int64
}

// DBTypes are the types stored in per-group databases.
var DBTypes = []any{Envelope{}, indexRecord{}}

// Cache is an open header cache for one group.
type Cache struct {
	db   *bstore.DB
	log  nlog.Log
	path string
}

// Path returns the database path for a group's header cache. Slashes in the
// group name do not occur, but be defensive about separators anyway.
func Path(dir, group string) string {
	group = strings.ReplaceAll(group, string(filepath.Separator), "_")
	return filepath.Join(dir, group+".hcache.db")
}

// Open opens (creating if necessary) the header cache for a group in dir.
func Open(ctx context.Context, log nlog.Log, dir, group string) (*Cache, error) {
	p := Path(dir, group)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return nil, fmt.Errorf("creating header cache dir: %w", err)
	}
	db, err := bstore.Open(ctx, p, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open header cache: %w", err)
	}
	return &Cache{db: db, log: log, path: p}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// Window returns the article number range the cache was last synced to, and
// whether a window was stored at all.
func (c *Cache) Window(ctx context.Context) (first, last nntp.Anum, ok bool, rerr error) {
	idx := indexRecord{ID: 1}
	err := c.db.Get(ctx, &idx)
	if err == bstore.ErrAbsent {
		return 0, 0, false, nil
	} else if err != nil {
		return 0, 0, false, fmt.Errorf("fetching cache window: %w", err)
	}
	return nntp.Anum(idx.First), nntp.Anum(idx.Last), true, nil
}

// SetWindow stores the article number range the cache is synced to.
func (c *Cache) SetWindow(ctx context.Context, first, last nntp.Anum) error {
	return c.db.Write(ctx, func(tx *bstore.Tx) error {
		idx := indexRecord{ID: 1, First: int64(first), Last: int64(last)}
		if err := tx.Get(&indexRecord{ID: 1}); err == bstore.ErrAbsent {
			return tx.Insert(&idx)
		} else if err != nil {
			return err
		}
		return tx.Update(&idx)
	})
}

// Reconcile drops cached entries that fell outside the server's current
// window first through last, stores the new window, and returns the highest
// article number the cache had seen before, for resuming overview fetches.
// With no previous window, lastCached is 0.
func (c *Cache) Reconcile(ctx context.Context, first, last nntp.Anum) (lastCached nntp.Anum, rerr error) {
	err := c.db.Write(ctx, func(tx *bstore.Tx) error {
		idx := indexRecord{ID: 1}
		err := tx.Get(&idx)
		if err == nil {
			lastCached = nntp.Anum(idx.Last)
			q := bstore.QueryTx[Envelope](tx)
			q.FilterFn(func(e Envelope) bool {
				return e.Num < int64(first) || e.Num > int64(last)
			})
			n, err := q.Delete()
			if err != nil {
				return fmt.Errorf("removing stale entries: %w", err)
			}
			if n > 0 {
				c.log.Debug("removed stale header cache entries", slog.Int("count", n), slog.String("path", c.path))
			}
			idx.First = int64(first)
			idx.Last = int64(last)
			return tx.Update(&idx)
		} else if err != bstore.ErrAbsent {
			return err
		}
		return tx.Insert(&indexRecord{ID: 1, First: int64(first), Last: int64(last)})
	})
	if err != nil {
		return 0, fmt.Errorf("reconciling header cache: %w", err)
	}
	return lastCached, nil
}

// Get fetches the cached envelope for an article number. Returns ErrNotFound
// when absent.
func (c *Cache) Get(ctx context.Context, num nntp.Anum) (Envelope, error) {
	e := Envelope{Num: int64(num)}
	err := c.db.Get(ctx, &e)
	if err == bstore.ErrAbsent {
		metricLookup.WithLabelValues("miss").Inc()
		return Envelope{}, ErrNotFound
	} else if err != nil {
		metricLookup.WithLabelValues("error").Inc()
		return Envelope{}, fmt.Errorf("fetching cached envelope: %w", err)
	}
	metricLookup.WithLabelValues("hit").Inc()
	return e, nil
}

// Put stores an envelope, replacing an existing entry for the same number.
func (c *Cache) Put(ctx context.Context, e Envelope) error {
	return c.db.Write(ctx, func(tx *bstore.Tx) error {
		if err := tx.Get(&Envelope{Num: e.Num}); err == bstore.ErrAbsent {
			return tx.Insert(&e)
		} else if err != nil {
			return err
		}
		return tx.Update(&e)
	})
}

// Delete removes the entry for an article number, if present.
func (c *Cache) Delete(ctx context.Context, num nntp.Anum) error {
	err := c.db.Delete(ctx, &Envelope{Num: int64(num)})
	if err == bstore.ErrAbsent {
		return nil
	}
	return err
}

// FromOverview converts a parsed overview line to an envelope.
func FromOverview(ov nntp.Overview) Envelope {
	return Envelope{
		Num:        int64(ov.Num),
		Subject:    ov.Subject,
		From:       ov.From,
		Date:       ov.Date,
		MessageID:  ov.MessageID,
		References: ov.References,
		Bytes:      ov.Bytes,
		Lines:      ov.Lines,
	}
}

// Remove deletes the cache file of a group, for invalidating stale caches.
func Remove(log nlog.Log, dir, group string) error {
	err := os.Remove(Path(dir, group))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Debug("removed header cache", slog.String("group", group))
	return nil
}
