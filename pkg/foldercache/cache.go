// Package foldercache computes and caches change-detecting hashes of
// directory trees.
//
// A tree that is not watched is rehashed on every Hash call. A watched tree
// is hashed once when the watch starts and again whenever the filesystem
// reports a change inside it, so Hash on a watched tree is a map lookup.
// Watches are reference counted per tree and per directory, so overlapping
// trees share one OS watch.
package foldercache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vango-dev/hive/internal/metrics"
)

// DefaultDebounce coalesces bursts of events into one recompute.
const DefaultDebounce = 50 * time.Millisecond

// ErrClosed is returned by Watch after Close.
var ErrClosed = errors.New("foldercache: closed")

// Options configures a Cache.
type Options struct {
	// Ignore patterns are excluded from hashing and do not trigger recomputes.
	// Nil selects DefaultIgnore.
	Ignore []string

	// Debounce is the quiet period after the last event before recomputing.
	Debounce time.Duration

	// Logger receives watcher errors. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records computations and watched trees. Optional.
	Metrics *metrics.Metrics
}

// Result is the outcome of Hash.
type Result struct {
	Hash string

	// Cached is true when the hash was served from a watched tree without rescanning.
	Cached bool
}

// Stats reports cache instrumentation.
type Stats struct {
	// Computations counts every tree scan since the cache was created.
	Computations int64

	// Watched is the number of trees with at least one watcher.
	Watched int

	// Directories is the number of directories under an OS watch.
	Directories int
}

type entry struct {
	hash     string
	valid    bool
	watchers int
	dirs     []string
	timer    *time.Timer
}

// Cache is a per-process folder hash cache.
type Cache struct {
	ignore   *Matcher
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// computeMu serializes scans so results are stored in scan order.
	computeMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
	dirRefs map[string]int
	fsw     *fsnotify.Watcher
	closed  bool
	done    chan struct{}

	computations atomic.Int64
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		ignore:   NewMatcher(opts.Ignore),
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "foldercache"),
		metrics:  opts.Metrics,
		entries:  make(map[string]*entry),
		dirRefs:  make(map[string]int),
		done:     make(chan struct{}),
	}
}

// Hash returns the content hash of the tree at path.
func (c *Cache) Hash(path string) (Result, error) {
	key := filepath.Clean(path)

	c.mu.Lock()
	if e := c.entries[key]; e != nil && e.watchers > 0 && e.valid {
		h := e.hash
		c.mu.Unlock()
		return Result{Hash: h, Cached: true}, nil
	}
	c.mu.Unlock()

	h, err := c.refresh(key)
	if err != nil {
		return Result{}, err
	}
	return Result{Hash: h}, nil
}

// Invalidate drops the stored hash for path, forcing a rescan on the next Hash.
func (c *Cache) Invalidate(path string) {
	key := filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[key]; e != nil {
		e.valid = false
		e.hash = ""
		if e.watchers == 0 {
			delete(c.entries, key)
		}
	}
}

// Watch starts (or joins) a recursive watch on path and primes its hash.
func (c *Cache) Watch(path string) error {
	key := filepath.Clean(path)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	e := c.entryLocked(key)
	e.watchers++
	if e.watchers > 1 {
		c.mu.Unlock()
		return nil
	}

	if err := c.startLocked(); err != nil {
		e.watchers--
		c.mu.Unlock()
		return err
	}
	dirs, err := c.listDirs(key)
	if err != nil {
		e.watchers--
		c.mu.Unlock()
		return err
	}
	for _, d := range dirs {
		c.addDirLocked(d)
	}
	e.dirs = dirs
	c.metrics.SetWatchedPaths(c.watchedLocked())
	c.mu.Unlock()

	if _, err := c.refresh(key); err != nil {
		c.Unwatch(key)
		return err
	}
	return nil
}

// Unwatch releases one watcher reference on path. The OS watches for the
// tree are removed when the last reference is released.
func (c *Cache) Unwatch(path string) {
	key := filepath.Clean(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[key]
	if e == nil || e.watchers == 0 {
		return
	}
	e.watchers--
	if e.watchers > 0 {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	for _, d := range e.dirs {
		c.removeDirLocked(d)
	}
	e.dirs = nil
	c.metrics.SetWatchedPaths(c.watchedLocked())
}

// Watching reports whether path has at least one watcher.
func (c *Cache) Watching(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[filepath.Clean(path)]
	return e != nil && e.watchers > 0
}

// Stats returns cache instrumentation.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Computations: c.computations.Load(),
		Watched:      c.watchedLocked(),
		Directories:  len(c.dirRefs),
	}
}

// Close stops every watch. The cache still answers Hash by scanning.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	for _, e := range c.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.watchers = 0
		e.dirs = nil
	}
	c.dirRefs = make(map[string]int)
	c.metrics.SetWatchedPaths(0)

	if c.fsw != nil {
		return c.fsw.Close()
	}
	return nil
}

// refresh scans key and stores the result.
func (c *Cache) refresh(key string) (string, error) {
	c.computeMu.Lock()
	defer c.computeMu.Unlock()

	start := time.Now()
	h, err := HashTree(key, c.ignore)
	c.computations.Add(1)
	c.metrics.HashComputed(time.Since(start))

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if e := c.entries[key]; e != nil {
			e.valid = false
		}
		return "", err
	}
	e := c.entryLocked(key)
	e.hash = h
	e.valid = true
	return h, nil
}

func (c *Cache) entryLocked(key string) *entry {
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

func (c *Cache) watchedLocked() int {
	n := 0
	for _, e := range c.entries {
		if e.watchers > 0 {
			n++
		}
	}
	return n
}

func (c *Cache) startLocked() error {
	if c.fsw != nil {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("foldercache: create watcher: %w", err)
	}
	c.fsw = fsw
	go c.loop(fsw)
	return nil
}

func (c *Cache) addDirLocked(dir string) {
	c.dirRefs[dir]++
	if c.dirRefs[dir] > 1 {
		return
	}
	if err := c.fsw.Add(dir); err != nil {
		c.logger.Warn("watch directory failed", "dir", dir, "error", err)
	}
}

func (c *Cache) removeDirLocked(dir string) {
	n, ok := c.dirRefs[dir]
	if !ok {
		return
	}
	if n > 1 {
		c.dirRefs[dir] = n - 1
		return
	}
	delete(c.dirRefs, dir)
	if c.fsw != nil {
		// The OS drops watches on deleted directories on its own.
		_ = c.fsw.Remove(dir)
	}
}

// listDirs returns root and every non-ignored directory below it.
func (c *Cache) listDirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if rel, _ := filepath.Rel(root, p); c.ignore.Match(rel) {
			return filepath.SkipDir
		}
		dirs = append(dirs, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("foldercache: watch %s: %w", root, err)
	}
	return dirs, nil
}

func (c *Cache) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			c.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			c.logger.Warn("watcher error", "error", err)
		}
	}
}

func (c *Cache) handle(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		if _, ok := c.dirRefs[name]; ok {
			delete(c.dirRefs, name)
			for _, e := range c.entries {
				e.dirs = removeString(e.dirs, name)
			}
		}
	}

	var newDirs []string
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			newDirs = []string{name}
		}
	}

	for key, e := range c.entries {
		if e.watchers == 0 || !within(key, name) {
			continue
		}
		rel, _ := filepath.Rel(key, name)
		if c.ignore.Match(rel) {
			continue
		}
		if newDirs != nil {
			if dirs, err := c.listDirs(name); err == nil {
				for _, d := range dirs {
					if rel, _ := filepath.Rel(key, d); c.ignore.Match(rel) {
						continue
					}
					c.addDirLocked(d)
					e.dirs = append(e.dirs, d)
				}
			}
		}
		c.scheduleLocked(key, e)
	}
}

func (c *Cache) scheduleLocked(key string, e *entry) {
	if e.timer != nil {
		e.timer.Reset(c.debounce)
		return
	}
	e.timer = time.AfterFunc(c.debounce, func() {
		c.recomputeWatched(key)
	})
}

func (c *Cache) recomputeWatched(key string) {
	c.mu.Lock()
	e := c.entries[key]
	watched := e != nil && e.watchers > 0 && !c.closed
	c.mu.Unlock()
	if !watched {
		return
	}

	if _, err := c.refresh(key); err != nil {
		c.logger.Warn("recompute hash failed", "path", key, "error", err)
	}
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
