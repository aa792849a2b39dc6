// Package bcache is a filesystem-backed body cache: complete articles stored
// under a key, typically the message-id, so rereading an article does not hit
// the server.
//
// Writes go to a ".tmp" file that only becomes visible under its key after
// Commit, a crashed write never leaves a truncated article behind.
package bcache

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmeertens/sabel/nio"
	"github.com/jmeertens/sabel/nlog"
)

// Cache is a body cache rooted at a single directory, one per newsgroup.
type Cache struct {
	dir string
	log nlog.Log
}

// New returns a cache at dir, creating the directory if needed.
func New(log nlog.Log, dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating body cache directory: %w", err)
	}
	return &Cache{dir: dir, log: log}, nil
}

// path encodes the key into a safe file name. Message-ids contain characters
// like '<', '>' and '/'.
func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, url.PathEscape(key))
}

// Get opens the cached data for key for reading. Returns an error satisfying
// os.IsNotExist when the key is not cached.
func (c *Cache) Get(key string) (*os.File, error) {
	return os.Open(c.path(key))
}

// Exists returns the size of the cached data for key, or an error satisfying
// os.IsNotExist.
func (c *Cache) Exists(key string) (int64, error) {
	fi, err := os.Stat(c.path(key))
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Writer is an in-progress cache write. Either Commit or Cancel must be
// called.
type Writer struct {
	f     *os.File
	cache *Cache
	key   string
}

// Put starts writing data for key. The data is not visible to Get until
// Commit.
func (c *Cache) Put(key string) (*Writer, error) {
	f, err := os.OpenFile(c.path(key)+".tmp", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return nil, fmt.Errorf("creating temp cache file: %w", err)
	}
	return &Writer{f: f, cache: c, key: key}, nil
}

func (w *Writer) Write(buf []byte) (int, error) {
	return w.f.Write(buf)
}

// Commit syncs and publishes the written data under its key.
func (w *Writer) Commit() error {
	tmp := w.f.Name()
	if err := w.f.Sync(); err != nil {
		w.Cancel()
		return fmt.Errorf("sync temp cache file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		w.f = nil
		xerr := os.Remove(tmp)
		w.cache.log.Check(xerr, "removing temp cache file")
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	w.f = nil
	if err := os.Rename(tmp, w.cache.path(w.key)); err != nil {
		xerr := os.Remove(tmp)
		w.cache.log.Check(xerr, "removing temp cache file")
		return fmt.Errorf("publishing cache file: %w", err)
	}
	if err := nio.SyncDir(w.cache.dir); err != nil {
		w.cache.log.Errorx("syncing cache directory", err)
	}
	return nil
}

// Cancel abandons the write and removes the temp file.
func (w *Writer) Cancel() {
	if w.f == nil {
		return
	}
	tmp := w.f.Name()
	xerr := w.f.Close()
	w.cache.log.Check(xerr, "closing temp cache file")
	xerr = os.Remove(tmp)
	w.cache.log.Check(xerr, "removing temp cache file")
	w.f = nil
}

// Del removes the cached data for key, if present.
func (c *Cache) Del(key string) error {
	err := os.Remove(c.path(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List calls fn for each cached key. Leftover temp files are skipped.
func (c *Cache) List(fn func(key string) error) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading body cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil {
			c.log.Debug("skipping undecodable cache file", slog.String("name", e.Name()))
			continue
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// Clear removes all cached data, keeping the directory.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading body cache directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("removing cached file: %w", err)
		}
	}
	return nil
}
