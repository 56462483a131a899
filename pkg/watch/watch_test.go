package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/tardis-ingest/pkg/manifest"
)

type collector struct {
	mu    sync.Mutex
	paths []string
	ch    chan string
}

func newCollector() *collector {
	return &collector{ch: make(chan string, 16)}
}

func (c *collector) handle(_ context.Context, path string) {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	c.ch <- path
}

func (c *collector) next(t *testing.T) string {
	t.Helper()
	select {
	case p := <-c.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no manifest handed over")
		return ""
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

func start(t *testing.T, cfg Config, c *collector) {
	t.Helper()
	w, err := New(cfg, c.handle)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	// give fsnotify time to register the tree
	time.Sleep(100 * time.Millisecond)
}

func TestNew(t *testing.T) {
	noop := func(context.Context, string) {}

	_, err := New(Config{}, noop)
	assert.Error(t, err)

	_, err = New(Config{Dir: "x"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Dir: "x", Pattern: "["}, noop)
	assert.ErrorIs(t, err, manifest.ErrBadPattern)

	w, err := New(Config{Dir: "x"}, noop)
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, w.cfg.Debounce)
}

func TestWatcher_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	start(t, Config{Dir: dir, Ignore: []string{manifest.DefaultIgnore}, Debounce: 200 * time.Millisecond}, c)

	path := filepath.Join(dir, "batch.yaml")
	for i := range 5 {
		require.NoError(t, os.WriteFile(path, []byte("projects: []\n#"+string(rune('a'+i))+"\n"), 0o600))
		time.Sleep(20 * time.Millisecond)
	}

	assert.Equal(t, path, c.next(t))
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, c.count(), "one hand-over per burst")
}

func TestWatcher_FiltersAndNewDirectories(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	start(t, Config{Dir: dir, Ignore: []string{manifest.DefaultIgnore}, Debounce: 50 * time.Millisecond}, c)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial.yaml"), []byte("x"), 0o600))

	sub := filepath.Join(dir, "run1")
	require.NoError(t, os.Mkdir(sub, 0o750))
	time.Sleep(100 * time.Millisecond)
	nested := filepath.Join(sub, "m.yaml")
	require.NoError(t, os.WriteFile(nested, []byte("projects: []\n"), 0o600))

	assert.Equal(t, nested, c.next(t))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestWatcher_RemovedBeforeSettling(t *testing.T) {
	dir := t.TempDir()
	c := newCollector()
	start(t, Config{Dir: dir, Debounce: 300 * time.Millisecond}, c)

	path := filepath.Join(dir, "gone.yaml")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, c.count())
}

func TestWatcher_InitialScan(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "old.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("projects: []\n"), 0o600))

	c := newCollector()
	start(t, Config{Dir: dir, Debounce: 20 * time.Millisecond, InitialScan: true}, c)
	assert.Equal(t, existing, c.next(t))
}
