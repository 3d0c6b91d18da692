package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeStageAndRelease(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	scope, err := mgr.NewScope("run-1")
	require.NoError(t, err)

	src, err := scope.Stage(context.Background(), "property-images/123-front.jpg", strings.NewReader("source"))
	require.NoError(t, err)
	wm, err := scope.Stage(context.Background(), "watermark.png", strings.NewReader("wm"))
	require.NoError(t, err)
	assert.NotEqual(t, src.Path, wm.Path)

	data, err := src.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "source", string(data))

	require.NoError(t, scope.Release())
	assert.NoDirExists(t, scope.Dir())
	assert.NoFileExists(t, src.Path)

	// second release is a no-op
	require.NoError(t, scope.Release())

	_, err = scope.Stage(context.Background(), "late", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrReleased)

	entries, err := os.ReadDir(mgr.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConcurrentScopesAreUnique(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	const n = 16
	dirs := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			scope, err := mgr.NewScope("same-event")
			if !assert.NoError(t, err) {
				return
			}
			dirs[i] = scope.Dir()
			_, err = scope.Stage(context.Background(), "source.jpg", strings.NewReader("x"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, d := range dirs {
		assert.False(t, seen[d], "duplicate scope dir %s", d)
		seen[d] = true
	}
}

func TestStageCancelledContext(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)
	scope, err := mgr.NewScope("run-2")
	require.NoError(t, err)
	defer scope.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = scope.Stage(ctx, "source.jpg", strings.NewReader("payload"))
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(scope.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSweepRemovesOnlyStaleScopes(t *testing.T) {
	root := t.TempDir()
	mgr, err := NewManager(root)
	require.NoError(t, err)

	stale, err := mgr.NewScope("crashed")
	require.NoError(t, err)
	fresh, err := mgr.NewScope("running")
	require.NoError(t, err)
	foreign := filepath.Join(root, "not-ours")
	require.NoError(t, os.Mkdir(foreign, 0o755))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Dir(), old, old))
	require.NoError(t, os.Chtimes(foreign, old, old))

	removed, err := mgr.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, stale.Dir())
	assert.DirExists(t, fresh.Dir())
	assert.DirExists(t, foreign)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "123-front.jpg", sanitize("property-images/123-front.jpg"))
	assert.Equal(t, "a_b", sanitize("a b"))
	assert.Equal(t, "asset", sanitize(".."))
	assert.Len(t, sanitize(strings.Repeat("x", 200)), 64)
}

func TestStartJanitorRejectsBadSchedule(t *testing.T) {
	mgr, err := NewManager(t.TempDir())
	require.NoError(t, err)

	_, err = StartJanitor("every now and then", mgr, time.Hour, nil, nil)
	assert.Error(t, err)

	c, err := StartJanitor("@every 1h", mgr, time.Hour, nil, nil)
	require.NoError(t, err)
	c.Stop()
}
