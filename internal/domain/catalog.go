package domain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	tempDirName  = ".tmp"
	lockFileName = ".lock"

	lockRetryDelay = 25 * time.Millisecond
)

// Catalog is the authoritative registry of locally available datasets.
// All writes to the manifest and to the cache tree go through it.
type Catalog struct {
	root   string
	repo   ManifestRepository
	lock   *flock.Flock
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[Key]Entry
}

// OpenCatalog creates the cache layout under root and loads the manifest.
func OpenCatalog(ctx context.Context, root string, repo ManifestRepository, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, tempDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	c := &Catalog{
		root:    root,
		repo:    repo,
		lock:    flock.New(filepath.Join(root, lockFileName)),
		logger:  logger,
		entries: make(map[Key]Entry),
	}
	if err := c.reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload(ctx context.Context) error {
	entries, err := c.repo.Load(ctx)
	if err != nil {
		return NewError(ErrCatalog, "load manifest", Key{}, err)
	}
	c.entries = make(map[Key]Entry, len(entries))
	for _, e := range entries {
		c.entries[e.Key] = e
	}
	return nil
}

// Root returns the cache root.
func (c *Catalog) Root() string {
	return c.root
}

// TempDir returns the staging area. Nothing under it is ever catalog-visible.
func (c *Catalog) TempDir() string {
	return filepath.Join(c.root, tempDirName)
}

// EntryDir returns the final directory of a key.
func (c *Catalog) EntryDir(key Key) string {
	return filepath.Join(c.root, key.ID())
}

// StagingPath returns a fresh, not yet created path in the staging area.
func (c *Catalog) StagingPath(prefix string) string {
	return filepath.Join(c.TempDir(), prefix+"-"+uuid.NewString())
}

// NewStagingDir creates a fresh directory in the staging area.
func (c *Catalog) NewStagingDir() (string, error) {
	dir := c.StagingPath("stage")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	return dir, nil
}

// RecoverStale removes staging artifacts older than maxAge left behind by a
// crashed or aborted process.
func (c *Catalog) RecoverStale(maxAge time.Duration) (int, error) {
	items, err := os.ReadDir(c.TempDir())
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, item := range items {
		info, err := item.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.TempDir(), item.Name())); err != nil {
			c.logger.Warn("remove stale staging artifact", "name", item.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// List returns all entries, most recently fetched first. Entries whose tree
// has disappeared from disk are pruned on the way.
func (c *Catalog) List(ctx context.Context) ([]Entry, error) {
	c.mu.RLock()
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	var live, gone []Entry
	for _, e := range entries {
		if !present(e) {
			gone = append(gone, e)
			continue
		}
		live = append(live, e)
	}
	if len(gone) > 0 {
		if err := c.prune(ctx, gone); err != nil {
			return nil, err
		}
	}

	sort.Slice(live, func(i, j int) bool {
		if !live[i].FetchedAt.Equal(live[j].FetchedAt) {
			return live[i].FetchedAt.After(live[j].FetchedAt)
		}
		return live[i].Key.String() < live[j].Key.String()
	})
	return live, nil
}

func (c *Catalog) prune(ctx context.Context, gone []Entry) error {
	return c.withLock(ctx, func() error {
		for _, e := range gone {
			cur, ok := c.entries[e.Key]
			if !ok || !cur.FetchedAt.Equal(e.FetchedAt) {
				continue
			}
			if present(cur) {
				continue
			}
			// Drop whatever is left of the tree so no orphan stays behind.
			if err := os.RemoveAll(c.EntryDir(e.Key)); err != nil {
				c.logger.Warn("remove remains of missing dataset", "key", e.Key.String(), "error", err)
			}
			if err := c.repo.Delete(ctx, e.Key); err != nil {
				return NewError(ErrCatalog, "prune", e.Key, err)
			}
			delete(c.entries, e.Key)
			c.logger.Info("pruned dataset missing on disk", "key", e.Key.String(), "path", e.LocalPath)
		}
		return nil
	})
}

// Get returns the entry for key. An entry whose data file has disappeared
// from disk is pruned and reported as not found.
func (c *Catalog) Get(ctx context.Context, key Key) (*Entry, error) {
	e, ok := c.lookup(key)
	if !ok {
		return nil, NotFound("get", key)
	}
	if present(e) {
		return &e, nil
	}
	if err := c.prune(ctx, []Entry{e}); err != nil {
		return nil, err
	}
	// A forced commit may have swapped the tree back in meanwhile.
	if e, ok = c.lookup(key); ok && present(e) {
		return &e, nil
	}
	return nil, NotFound("get", key)
}

func (c *Catalog) lookup(key Key) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// present reports whether the data file of e is on disk.
func present(e Entry) bool {
	_, err := os.Stat(e.DataPath())
	return !errors.Is(err, fs.ErrNotExist)
}

// ByID returns the entry whose Key.ID matches id.
func (c *Catalog) ByID(ctx context.Context, id string) (*Entry, error) {
	c.mu.RLock()
	var key Key
	found := false
	for k := range c.entries {
		if k.ID() == id {
			key, found = k, true
			break
		}
	}
	c.mu.RUnlock()
	if found {
		if e, err := c.Get(ctx, key); err == nil {
			return e, nil
		}
	}
	return nil, NewError(ErrCatalog, "get", Key{}, fmt.Errorf("%w: id %s", ErrNotFound, id))
}

// Register records an entry whose tree is already in place. Unless force is
// set an existing entry is returned unchanged.
func (c *Catalog) Register(ctx context.Context, entry Entry, force bool) (*Entry, error) {
	if entry.Format == FormatUnknown {
		return nil, NewError(ErrFormat, "register", entry.Key, errors.New("format not detected"))
	}
	if !c.owns(entry.Key, entry.LocalPath) {
		return nil, NewError(ErrCatalog, "register", entry.Key,
			fmt.Errorf("local path %s is outside %s", entry.LocalPath, c.EntryDir(entry.Key)))
	}
	if _, err := os.Stat(entry.LocalPath); err != nil {
		return nil, NewError(ErrCatalog, "register", entry.Key, err)
	}

	var out Entry
	err := c.withLock(ctx, func() error {
		if existing, ok := c.entries[entry.Key]; ok && !force {
			out = existing
			return nil
		}
		if err := c.repo.Put(ctx, entry); err != nil {
			return NewError(ErrCatalog, "register", entry.Key, err)
		}
		c.entries[entry.Key] = entry
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Commit moves a staged tree to the key's final directory and registers it.
// rel names the data file inside staged, or is empty when the tree itself is
// the dataset. A forced commit over an existing tree swaps the two so the old
// entry stays intact until the new one is in place.
func (c *Catalog) Commit(ctx context.Context, staged, rel string, entry Entry, force bool) (*Entry, error) {
	if entry.Format == FormatUnknown {
		return nil, NewError(ErrFormat, "commit", entry.Key, errors.New("format not detected"))
	}

	var out Entry
	err := c.withLock(ctx, func() error {
		if existing, ok := c.entries[entry.Key]; ok && !force {
			out = existing
			return nil
		}
		if err := ctx.Err(); err != nil {
			return NewError(ErrFetch, "commit", entry.Key, err)
		}

		final := c.EntryDir(entry.Key)
		var old string
		if _, err := os.Stat(final); err == nil {
			old = c.StagingPath("old")
			if err := os.Rename(final, old); err != nil {
				return NewError(ErrCatalog, "commit", entry.Key, fmt.Errorf("move previous tree aside: %w", err))
			}
		}
		if err := os.Rename(staged, final); err != nil {
			c.restore(old, final)
			return NewError(ErrCatalog, "commit", entry.Key, fmt.Errorf("finalize tree: %w", err))
		}

		entry.LocalPath = final
		if rel != "" {
			entry.LocalPath = filepath.Join(final, rel)
		}
		if err := c.repo.Put(ctx, entry); err != nil {
			_ = os.RemoveAll(final)
			c.restore(old, final)
			return NewError(ErrCatalog, "commit", entry.Key, err)
		}
		c.entries[entry.Key] = entry
		out = entry

		if old != "" {
			if err := os.RemoveAll(old); err != nil {
				c.logger.Warn("remove replaced tree", "key", entry.Key.String(), "path", old, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// owns reports whether path lies inside the directory of key, which is the
// only tree Delete removes.
func (c *Catalog) owns(key Key, path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	rel, err := filepath.Rel(c.EntryDir(key), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (c *Catalog) restore(old, final string) {
	if old == "" {
		return
	}
	if err := os.Rename(old, final); err != nil {
		c.logger.Error("restore previous tree", "path", final, "error", err)
	}
}

// Delete removes the tree of key from disk, then its manifest row. If the
// tree cannot be removed completely the row is kept.
func (c *Catalog) Delete(ctx context.Context, key Key) error {
	return c.withLock(ctx, func() error {
		if _, ok := c.entries[key]; !ok {
			return NotFound("delete", key)
		}
		if err := os.RemoveAll(c.EntryDir(key)); err != nil {
			return NewError(ErrCatalog, "delete", key, fmt.Errorf("remove tree: %w", err))
		}
		if err := c.repo.Delete(ctx, key); err != nil {
			return NewError(ErrCatalog, "delete", key, err)
		}
		delete(c.entries, key)
		c.logger.Info("deleted dataset", "key", key.String())
		return nil
	})
}

// Close releases the cross-process lock file.
func (c *Catalog) Close() error {
	return c.lock.Close()
}

// withLock serializes mutations within the process and across processes
// sharing the cache root, and refreshes the in-memory view first.
func (c *Catalog) withLock(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked, err := c.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return NewError(ErrCatalog, "lock", Key{}, err)
	}
	if !locked {
		return NewError(ErrCatalog, "lock", Key{}, errors.New("cache root is locked"))
	}
	defer func() { _ = c.lock.Unlock() }()

	if err := c.reload(ctx); err != nil {
		return err
	}
	return fn()
}
