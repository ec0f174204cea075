package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newProject builds an in-memory project tree from a list of file paths.
func newProject(t *testing.T, files ...string) *filesystem.AferoFileSystem {
	t.Helper()
	afs := filesystem.NewMemFileSystem()
	for _, f := range files {
		require.NoError(t, afs.AddFile(f, []byte("<?php")))
	}
	return afs
}

func TestBuildAndFind(t *testing.T) {
	afs := newProject(t,
		"/proj/composer.json",
		"/proj/src/App/Foo.php",
		"/proj/tests/Unit/App/FooTest.php",
		"/proj/tests/Integration/App/FooTest.php",
	)
	ix := New(afs, discardLogger(), Options{})
	require.NoError(t, ix.Build(context.Background(), "/proj"))

	l, ok := ix.Listing("/proj")
	require.True(t, ok)
	assert.True(t, l.Complete)
	assert.Equal(t, []string{
		"/proj/composer.json",
		"/proj/src/App/Foo.php",
		"/proj/tests/Integration/App/FooTest.php",
		"/proj/tests/Unit/App/FooTest.php",
	}, l.Files, "Walk order is top-down with siblings in name order")

	t.Run("FirstSubstringMatchWins", func(t *testing.T) {
		p, found := ix.Find("/proj", "App/FooTest.php")
		require.True(t, found)
		assert.Equal(t, "/proj/tests/Integration/App/FooTest.php", p)
	})

	t.Run("NoMatch", func(t *testing.T) {
		_, found := ix.Find("/proj", "BarTest.php")
		assert.False(t, found)
	})

	t.Run("UnknownRoot", func(t *testing.T) {
		_, found := ix.Find("/elsewhere", "Foo.php")
		assert.False(t, found)
		assert.False(t, ix.Has("/elsewhere"))
	})
}

func TestBuildExclusions(t *testing.T) {
	afs := newProject(t,
		"/proj/src/Foo.php",
		"/proj/vendor/lib/Foo.php",
		"/proj/.git/objects/Foo.php",
		"/proj/build/cache/Foo.php",
		"/proj/app/node_modules/x/Foo.php",
	)

	testCases := []struct {
		name     string
		opts     Options
		expected []string
	}{
		{
			name: "Nothing Excluded",
			opts: Options{},
			expected: []string{
				"/proj/.git/objects/Foo.php",
				"/proj/app/node_modules/x/Foo.php",
				"/proj/build/cache/Foo.php",
				"/proj/src/Foo.php",
				"/proj/vendor/lib/Foo.php",
			},
		},
		{
			name: "Hidden And Named",
			opts: Options{SkipHidden: true, Exclusions: []string{"vendor"}},
			expected: []string{
				"/proj/app/node_modules/x/Foo.php",
				"/proj/build/cache/Foo.php",
				"/proj/src/Foo.php",
			},
		},
		{
			name: "Globs",
			opts: Options{Exclusions: []string{"build/**", "**/node_modules", ".*"}},
			expected: []string{
				"/proj/src/Foo.php",
				"/proj/vendor/lib/Foo.php",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ix := New(afs, discardLogger(), tc.opts)
			require.NoError(t, ix.Build(context.Background(), "/proj"))
			l, _ := ix.Listing("/proj")
			assert.Equal(t, tc.expected, l.Files)
		})
	}
}

func TestBuildCeilings(t *testing.T) {
	afs := newProject(t, "/proj/a.php", "/proj/b.php", "/proj/c.php", "/proj/sub/d.php")

	t.Run("FileLimit", func(t *testing.T) {
		ix := New(afs, discardLogger(), Options{MaxFiles: 2})
		err := ix.Build(context.Background(), "/proj")
		assert.ErrorIs(t, err, ErrFileLimit)

		l, ok := ix.Listing("/proj")
		require.True(t, ok, "Partial listing is kept")
		assert.False(t, l.Complete)
		assert.Equal(t, []string{"/proj/a.php", "/proj/b.php"}, l.Files)
	})

	t.Run("LimitEqualToFileCountIsComplete", func(t *testing.T) {
		ix := New(afs, discardLogger(), Options{MaxFiles: 4})
		require.NoError(t, ix.Build(context.Background(), "/proj"))
		l, _ := ix.Listing("/proj")
		assert.True(t, l.Complete)
	})

	t.Run("Timeout", func(t *testing.T) {
		ix := New(afs, discardLogger(), Options{Timeout: time.Minute})
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		err := ix.Build(ctx, "/proj")
		assert.ErrorIs(t, err, ErrSearchTimeout)
		l, ok := ix.Listing("/proj")
		require.True(t, ok)
		assert.False(t, l.Complete)
	})

	t.Run("CancelledStoresNothing", func(t *testing.T) {
		ix := New(afs, discardLogger(), Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := ix.Build(ctx, "/proj")
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, ix.Has("/proj"))
	})
}

func TestBuildRefusesBadRoots(t *testing.T) {
	afs := newProject(t, "/proj/a.php")
	ix := New(afs, discardLogger(), Options{})

	assert.ErrorIs(t, ix.Build(context.Background(), "/"), ErrUnsafeRoot)
	assert.True(t, filesystem.IsNotExist(ix.Build(context.Background(), "/missing")))
	assert.Error(t, ix.Build(context.Background(), "/proj/a.php"))
}

func TestBuildSkipsUnreadableDirectories(t *testing.T) {
	mfs := filesystem.NewMockFileSystem()
	mfs.AddFile("/proj/ok/a.php", nil)
	mfs.AddFile("/proj/locked/b.php", nil)
	mfs.SimulateReadError("/proj/locked", errors.New("permission denied"))

	ix := New(mfs, discardLogger(), Options{})
	require.NoError(t, ix.Build(context.Background(), "/proj"))
	l, _ := ix.Listing("/proj")
	assert.Equal(t, []string{"/proj/ok/a.php"}, l.Files)
	assert.True(t, l.Complete)
}

func TestIsStale(t *testing.T) {
	afs := newProject(t, "/proj/a.php")
	ix := New(afs, discardLogger(), Options{})
	base := time.Unix(5000, 0)
	ix.now = func() time.Time { return base }

	assert.True(t, ix.IsStale(time.Time{}), "Zero time is always stale")
	assert.False(t, ix.IsStale(base.Add(-time.Hour)), "Nothing built yet")

	require.NoError(t, ix.Build(context.Background(), "/proj"))
	assert.True(t, ix.IsStale(base.Add(-time.Second)))
	assert.False(t, ix.IsStale(base))
	assert.False(t, ix.IsStale(base.Add(time.Second)))

	ix.Clear()
	assert.False(t, ix.Has("/proj"))
	assert.True(t, ix.IsStale(base.Add(-time.Second)), "Clearing keeps the last build time")
}

func TestEnsureBuildsOnce(t *testing.T) {
	mfs := filesystem.NewMockFileSystem()
	mfs.AddFile("/proj/src/Foo.php", nil)
	ix := New(mfs, discardLogger(), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ix.Ensure(context.Background(), "/proj"))
		}()
	}
	wg.Wait()
	readDirs := len(mfs.Calls("ReadDir"))

	require.NoError(t, ix.Ensure(context.Background(), "/proj"))
	assert.Equal(t, readDirs, len(mfs.Calls("ReadDir")), "An existing listing is never rebuilt implicitly")
	assert.LessOrEqual(t, readDirs, 2*2, "Concurrent callers share walks")
}

func TestSuggest(t *testing.T) {
	afs := newProject(t,
		"/proj/src/UserRepository.php",
		"/proj/tests/UserRepositoryTest.php",
		"/proj/src/Order.php",
	)
	ix := New(afs, discardLogger(), Options{})
	require.NoError(t, ix.Build(context.Background(), "/proj"))

	got := ix.Suggest("/proj", "App/UsrRepoTest.php", 2)
	require.NotEmpty(t, got)
	assert.Equal(t, "/proj/tests/UserRepositoryTest.php", got[0])
	assert.Nil(t, ix.Suggest("/other", "x", 3))
	assert.Nil(t, ix.Suggest("/proj", "x", 0))
}

func TestBuildRecordsMetrics(t *testing.T) {
	m := metrics.New()
	afs := newProject(t, "/proj/a.php", "/proj/b.php")
	ix := New(afs, discardLogger(), Options{Metrics: m})
	require.NoError(t, ix.Build(context.Background(), "/proj"))

	count, err := testutil.GatherAndCount(m.Registry(), "phpunitkit_index_builds_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
