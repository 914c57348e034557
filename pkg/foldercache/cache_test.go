package foldercache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestHashTree_Deterministic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "beta")

	h1, err := HashTree(dir, NewMatcher(nil))
	if err != nil {
		t.Fatalf("HashTree: %v", err)
	}
	h2, err := HashTree(dir, NewMatcher(nil))
	if err != nil {
		t.Fatalf("HashTree: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s != %s", h1, h2)
	}

	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "beta, longer")
	h3, _ := HashTree(dir, NewMatcher(nil))
	if h3 == h1 {
		t.Error("hash should change when a file changes size")
	}
}

func TestHashTree_Ignore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "main.yaml"), "routes: []")

	before, _ := HashTree(dir, NewMatcher(nil))
	writeFile(t, filepath.Join(dir, "node_modules", "pkg", "index.js"), "x")
	writeFile(t, filepath.Join(dir, "scratch.tmp"), "x")
	after, _ := HashTree(dir, NewMatcher(nil))

	if before != after {
		t.Error("ignored entries should not affect the hash")
	}
}

func TestHashTree_MetadataOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "aaaa")
	stamp := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	before, _ := HashTree(dir, NewMatcher(nil))

	// Same size and mtime: contents are not part of the hash.
	writeFile(t, path, "bbbb")
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatal(err)
	}
	if same, _ := HashTree(dir, NewMatcher(nil)); same != before {
		t.Error("hash changed although only contents changed")
	}

	if err := os.Chtimes(path, stamp.Add(time.Second), stamp.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if touched, _ := HashTree(dir, NewMatcher(nil)); touched == before {
		t.Error("hash did not change with mtime")
	}
}

func TestHashTree_Missing(t *testing.T) {
	if _, err := HashTree(filepath.Join(t.TempDir(), "nope"), nil); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{".git", "*.log", "build/out", "assets/*.map"})
	tests := []struct {
		rel  string
		want bool
	}{
		{".git", true},
		{".git/HEAD", true},
		{"server.log", true},
		{"deep/server.log", true},
		{"build/out/app.js", true},
		{"build/app.js", false},
		{"assets/app.js.map", true},
		{"assets/app.js", false},
		{"main.yaml", false},
		{".", false},
	}
	for _, tt := range tests {
		if got := m.Match(tt.rel); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestCache_UnwatchedRecomputes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	c := New(Options{})
	defer c.Close()

	for i := 0; i < 3; i++ {
		r, err := c.Hash(dir)
		if err != nil {
			t.Fatalf("Hash: %v", err)
		}
		if r.Cached {
			t.Error("unwatched path should not be served from cache")
		}
	}
	if got := c.Stats().Computations; got != 3 {
		t.Errorf("Computations = %d, want 3", got)
	}
}

func TestCache_WatchedServesCachedHash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	c := New(Options{Debounce: 20 * time.Millisecond})
	defer c.Close()

	if err := c.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	primed := c.Stats().Computations

	var first string
	for i := 0; i < 5; i++ {
		r, err := c.Hash(dir)
		if err != nil {
			t.Fatalf("Hash: %v", err)
		}
		if !r.Cached {
			t.Error("watched path should be served from cache")
		}
		first = r.Hash
	}
	if got := c.Stats().Computations; got != primed {
		t.Errorf("Computations = %d, want %d (no rescans while watched)", got, primed)
	}
	if first == "" {
		t.Error("expected a primed hash")
	}
}

func TestCache_OneRecomputePerChange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	c := New(Options{Debounce: 30 * time.Millisecond})
	defer c.Close()

	if err := c.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	before, _ := c.Hash(dir)
	computations := c.Stats().Computations

	writeFile(t, filepath.Join(dir, "a.txt"), "a changed")

	changed := waitFor(t, 2*time.Second, func() bool {
		r, _ := c.Hash(dir)
		return r.Hash != before.Hash
	})
	if !changed {
		t.Fatal("hash did not change after file write")
	}
	// Let any trailing debounce settle, then make sure requests do not rescan.
	time.Sleep(100 * time.Millisecond)
	after := c.Stats().Computations
	if after != computations+1 {
		t.Errorf("Computations = %d, want %d (exactly one recompute)", after, computations+1)
	}
	for i := 0; i < 10; i++ {
		c.Hash(dir)
	}
	if got := c.Stats().Computations; got != after {
		t.Errorf("Computations grew to %d after cached reads", got)
	}
}

func TestCache_NewSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	c := New(Options{Debounce: 20 * time.Millisecond})
	defer c.Close()

	if err := c.Watch(dir); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return c.Stats().Directories == 2 }) {
		t.Fatalf("Directories = %d, want 2", c.Stats().Directories)
	}
	time.Sleep(50 * time.Millisecond)
	before, _ := c.Hash(dir)

	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "b")
	if !waitFor(t, 2*time.Second, func() bool {
		r, _ := c.Hash(dir)
		return r.Hash != before.Hash
	}) {
		t.Error("change in new subdirectory was not picked up")
	}
}

func TestCache_RefCounting(t *testing.T) {
	root := t.TempDir()
	plugin := filepath.Join(root, "demo")
	writeFile(t, filepath.Join(plugin, "extension.yaml"), "routes: []")

	c := New(Options{})
	defer c.Close()

	// Two watchers on the same tree and one on an enclosing tree.
	if err := c.Watch(plugin); err != nil {
		t.Fatal(err)
	}
	if err := c.Watch(plugin); err != nil {
		t.Fatal(err)
	}
	if err := c.Watch(root); err != nil {
		t.Fatal(err)
	}

	st := c.Stats()
	if st.Watched != 2 {
		t.Errorf("Watched = %d, want 2", st.Watched)
	}
	if st.Directories != 2 {
		t.Errorf("Directories = %d, want 2 (shared OS watches)", st.Directories)
	}

	c.Unwatch(plugin)
	if !c.Watching(plugin) {
		t.Error("plugin should still be watched after one of two releases")
	}
	c.Unwatch(plugin)
	if c.Watching(plugin) {
		t.Error("plugin should not be watched after the last release")
	}
	if got := c.Stats().Directories; got != 2 {
		t.Errorf("Directories = %d, want 2 (root still watches both)", got)
	}

	c.Unwatch(root)
	if got := c.Stats(); got.Watched != 0 || got.Directories != 0 {
		t.Errorf("Stats after teardown = %+v", got)
	}

	// Extra releases are no-ops.
	c.Unwatch(root)
}

func TestCache_Invalidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	c := New(Options{})
	defer c.Close()

	if err := c.Watch(dir); err != nil {
		t.Fatal(err)
	}
	c.Invalidate(dir)

	r, err := c.Hash(dir)
	if err != nil {
		t.Fatal(err)
	}
	if r.Cached {
		t.Error("invalidated path should be rescanned")
	}
	r, _ = c.Hash(dir)
	if !r.Cached {
		t.Error("rescanned watched path should be cached again")
	}
}

func TestCache_WatchMissing(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	missing := filepath.Join(t.TempDir(), "missing")
	if err := c.Watch(missing); err == nil {
		t.Fatal("expected error watching a missing directory")
	}
	if c.Watching(missing) {
		t.Error("failed watch should not leave a reference")
	}
}

func TestCache_Close(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{})
	if err := c.Watch(dir); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Watch(dir); err != ErrClosed {
		t.Errorf("Watch after Close = %v, want ErrClosed", err)
	}
	if _, err := c.Hash(dir); err != nil {
		t.Errorf("Hash after Close should still scan: %v", err)
	}
}
