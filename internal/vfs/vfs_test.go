package vfs

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/deskfs/internal/storage/memory"
	"github.com/objectfs/deskfs/pkg/clock"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
)

const testDelay = 100 * time.Millisecond

type fixture struct {
	fs      *FileSystem
	backend *memory.Backend
	clock   *clock.FakeClock
}

func newFixture(t *testing.T, cfg Config, opts ...memory.Option) *fixture {
	t.Helper()
	backend := memory.New(opts...)
	fake := clock.Fake(time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC))
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = testDelay
	}
	fs := New(backend, cfg, WithClock(fake))
	require.NoError(t, fs.Init(context.Background()))
	return &fixture{fs: fs, backend: backend, clock: fake}
}

func defaultFixture(t *testing.T, opts ...memory.Option) *fixture {
	return newFixture(t, Config{FlushDelay: testDelay, ListPending: true, FlushOnClose: true}, opts...)
}

// reopen returns a second filesystem with an empty cache over the same backend.
func (fx *fixture) reopen(t *testing.T) *FileSystem {
	t.Helper()
	fs := New(fx.backend, fx.fs.Config(), WithClock(fx.clock))
	require.NoError(t, fs.Init(context.Background()))
	return fs
}

func entryNames(entries []types.DirectoryEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func TestWriteThenReadIsCoherent(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "note.txt", "hi"))
	assert.Equal(t, "hi", fx.fs.ReadText(ctx, "/Users/Guest/Desktop", "note.txt"))

	require.NoError(t, fx.fs.WriteBinary("/Users/Guest/Desktop", "img.bin", []byte{0, 1, 2}))
	assert.Equal(t, []byte{0, 1, 2}, fx.fs.ReadBinary(ctx, "/Users/Guest/Desktop", "img.bin"))

	// Nothing reached the backend yet.
	assert.Zero(t, fx.backend.TotalPersists())
	assert.Zero(t, fx.backend.OpCount(memory.OpRead))
}

func TestReadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteBinary("/", "a.bin", []byte("abc")))

	got := fx.fs.ReadBinary(ctx, "/", "a.bin")
	got[0] = 'X'
	assert.Equal(t, "abc", fx.fs.ReadText(ctx, "/", "a.bin"))
}

func TestFlushPersistsForFreshInstance(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.NoError(t, fx.fs.WriteText("/Users/Guest/Documents", "plan.md", "# plan"))
	fx.clock.Advance(testDelay)

	assert.Equal(t, 1, fx.backend.PersistCount("/Users/Guest/Documents/plan.md"))
	fresh := fx.reopen(t)
	assert.Equal(t, "# plan", fresh.ReadText(ctx, "/Users/Guest/Documents", "plan.md"))
}

func TestExplicitFlushPersists(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.NoError(t, fx.fs.WriteText("/tmp", "x", "1"))
	require.NoError(t, fx.fs.Flush(ctx))

	data, ok := fx.backend.LastPersisted("/tmp/x")
	require.True(t, ok)
	assert.Equal(t, "1", string(data))
	assert.Zero(t, fx.clock.Pending(), "an explicit sweep cancels the pending timer")
}

func TestDebounceCoalescesWrites(t *testing.T) {
	fx := defaultFixture(t)

	for i := 0; i < 100; i++ {
		require.NoError(t, fx.fs.WriteText("/", "counter.txt", fmt.Sprintf("%d", i)))
		fx.clock.Advance(testDelay / 200)
	}
	assert.Equal(t, 1, fx.clock.Pending(), "at most one timer is pending")
	assert.Zero(t, fx.backend.PersistCount("/counter.txt"))

	fx.clock.Advance(testDelay)

	assert.Equal(t, 1, fx.backend.PersistCount("/counter.txt"))
	last, _ := fx.backend.LastPersisted("/counter.txt")
	assert.Equal(t, "99", string(last))
	assert.Equal(t, int64(1), fx.fs.Stats().Sweeps)
}

func TestDebounceStarvation(t *testing.T) {
	fx := defaultFixture(t)

	for i := 0; i < 500; i++ {
		require.NoError(t, fx.fs.WriteText("/", "log.txt", fmt.Sprintf("line %d", i)))
		fx.clock.Advance(testDelay / 2)
	}

	assert.Zero(t, fx.backend.TotalPersists(), "continuous writes postpone the sweep")
	assert.Zero(t, fx.fs.Stats().Sweeps)

	fx.clock.Advance(testDelay / 2)
	assert.Equal(t, 1, fx.backend.TotalPersists())
}

func TestWriteDuringSweepSurvivesToNextSweep(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.NoError(t, fx.fs.WriteText("/", "a.txt", "v1"))

	var once sync.Once
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpWrite && path == "/a.txt" {
			once.Do(func() {
				// A caller writes while the sweep is persisting v1.
				require.NoError(t, fx.fs.WriteText("/", "a.txt", "v2"))
			})
		}
		return nil
	})

	require.NoError(t, fx.fs.Flush(ctx))
	last, _ := fx.backend.LastPersisted("/a.txt")
	assert.Equal(t, "v1", string(last))
	assert.Equal(t, 1, fx.fs.Stats().DirtyPaths, "the mid-sweep write stays dirty")
	assert.Equal(t, "v2", fx.fs.ReadText(ctx, "/", "a.txt"))

	fx.clock.Advance(testDelay)
	last, _ = fx.backend.LastPersisted("/a.txt")
	assert.Equal(t, "v2", string(last))
	assert.Equal(t, 2, fx.backend.PersistCount("/a.txt"))
}

func TestFlushFailureIsLoggedNotRetried(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpWrite && path == "/bad.txt" {
			return stderr.New("quota")
		}
		return nil
	})

	require.NoError(t, fx.fs.WriteText("/", "bad.txt", "lost"))
	require.NoError(t, fx.fs.WriteText("/", "good.txt", "kept"))

	err := fx.fs.Flush(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))

	stats := fx.fs.Stats()
	assert.Equal(t, int64(1), stats.Persisted)
	assert.Equal(t, int64(1), stats.PersistFailures)
	assert.Zero(t, stats.DirtyPaths, "failed paths leave the dirty set")

	assert.Equal(t, 1, fx.backend.PersistCount("/good.txt"))
	assert.Equal(t, "lost", fx.fs.ReadText(ctx, "/", "bad.txt"), "content stays cached")

	fx.backend.InjectFault(nil)
	fx.clock.Advance(10 * testDelay)
	assert.Zero(t, fx.backend.PersistCount("/bad.txt"))
}

func TestReadThroughFillsCache(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/docs", "a.txt", "from backend"))
	require.NoError(t, fx.fs.Flush(ctx))

	fresh := fx.reopen(t)
	reads := fx.backend.OpCount(memory.OpRead)

	assert.Equal(t, "from backend", fresh.ReadText(ctx, "/docs", "a.txt"))
	assert.Equal(t, "from backend", fresh.ReadText(ctx, "/docs", "a.txt"))
	assert.Equal(t, reads+1, fx.backend.OpCount(memory.OpRead))

	stats := fresh.Stats()
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Zero(t, stats.DirtyPaths, "read-through fills are clean")
}

func TestReadMissingDegrades(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	assert.Equal(t, "", fx.fs.ReadText(ctx, "/nowhere", "x.txt"))
	assert.Nil(t, fx.fs.ReadBinary(ctx, "/nowhere", "x.txt"))

	_, err := fx.fs.ReadFile(ctx, "/nowhere", "x.txt")
	assert.True(t, errors.IsNotFound(err))

	require.True(t, fx.fs.Mkdir(ctx, "/dir"))
	_, err = fx.fs.ReadFile(ctx, "/", "dir")
	assert.True(t, errors.HasCode(err, errors.ErrCodeTypeMismatch))
}

func TestReadBackendFailureIsNotNotFound(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))
	require.NoError(t, fx.fs.Flush(ctx))

	fresh := fx.reopen(t)
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpRead {
			return stderr.New("io")
		}
		return nil
	})

	_, err := fresh.ReadFile(ctx, "/", "a.txt")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))
	assert.Equal(t, "", fresh.ReadText(ctx, "/", "a.txt"))
}

func TestIdempotentMkdir(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	assert.True(t, fx.fs.Mkdir(ctx, "/Users/Guest/Desktop"))
	assert.True(t, fx.fs.Mkdir(ctx, "/Users/Guest/Desktop"))

	entries := fx.fs.List(ctx, "/Users/Guest")
	require.Len(t, entries, 1)
	assert.Equal(t, "Desktop", entries[0].Name)
	assert.Equal(t, types.KindDirectory, entries[0].Kind)
	assert.True(t, entries[0].IsEmpty)
}

func TestMkdirRejectsDotSegments(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	assert.False(t, fx.fs.Mkdir(ctx, "/a/../b"))
	err := fx.fs.MkdirAll(ctx, "/a/./b")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
	assert.Empty(t, fx.backend.Paths())
}

func TestMkdirThroughFile(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/", "file", "x"))
	require.NoError(t, fx.fs.Flush(ctx))

	err := fx.fs.MkdirAll(ctx, "/file/sub")
	assert.True(t, errors.HasCode(err, errors.ErrCodeTypeMismatch))
}

func TestConcreteScenario(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.True(t, fx.fs.Mkdir(ctx, "/Users/Guest/Desktop"))
	require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "note.txt", "hi"))

	entries := fx.fs.List(ctx, "/Users/Guest/Desktop")
	assert.Equal(t, []types.DirectoryEntry{{
		Name:     "note.txt",
		Kind:     types.KindFile,
		IsHidden: false,
		Path:     "/Users/Guest/Desktop/note.txt",
	}}, entries)

	require.NoError(t, fx.fs.Rename(ctx, "/Users/Guest/Desktop", "note.txt", "note2.txt"))

	entries = fx.fs.List(ctx, "/Users/Guest/Desktop")
	assert.Equal(t, []string{"note2.txt"}, entryNames(entries))
	assert.Equal(t, "hi", fx.fs.ReadText(ctx, "/Users/Guest/Desktop", "note2.txt"))
}

func TestConcreteScenarioWithoutAtomicMove(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t, memory.WithAtomicMove(false))

	require.True(t, fx.fs.Mkdir(ctx, "/Users/Guest/Desktop"))
	require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "note.txt", "hi"))
	require.NoError(t, fx.fs.Rename(ctx, "/Users/Guest/Desktop", "note.txt", "note2.txt"))

	assert.Equal(t, []string{"note2.txt"}, entryNames(fx.fs.List(ctx, "/Users/Guest/Desktop")))
	assert.Equal(t, "hi", fx.fs.ReadText(ctx, "/Users/Guest/Desktop", "note2.txt"))
	assert.False(t, fx.fs.Exists(ctx, "/Users/Guest/Desktop/note.txt"))

	// The copy goes through the write path and lands with the next sweep.
	assert.Equal(t, 1, fx.fs.Stats().DirtyPaths)
	fx.clock.Advance(testDelay)
	assert.Equal(t, []string{
		"/Users/",
		"/Users/Guest/",
		"/Users/Guest/Desktop/",
		"/Users/Guest/Desktop/note2.txt",
	}, fx.backend.Paths())
}

func seedTree(t *testing.T, fs *FileSystem) {
	t.Helper()
	require.NoError(t, fs.WriteText("/Projects/site", "index.html", "<html>"))
	require.NoError(t, fs.WriteText("/Projects/site/css", "main.css", "body{}"))
	require.NoError(t, fs.WriteText("/Projects/site/css/vendor", "reset.css", "*{}"))
	require.NoError(t, fs.WriteBinary("/Projects/site/img", "logo.png", []byte{0x89, 'P', 'N', 'G'}))
}

func TestRenameDirectoryFallback(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t, memory.WithAtomicMove(false))
	seedTree(t, fx.fs)

	require.NoError(t, fx.fs.Rename(ctx, "/Projects", "site", "blog"))
	require.NoError(t, fx.fs.Flush(ctx))

	assert.Zero(t, fx.backend.OpCount(memory.OpMove))
	assert.Equal(t, []string{
		"/Projects/",
		"/Projects/blog/",
		"/Projects/blog/css/",
		"/Projects/blog/css/main.css",
		"/Projects/blog/css/vendor/",
		"/Projects/blog/css/vendor/reset.css",
		"/Projects/blog/img/",
		"/Projects/blog/img/logo.png",
		"/Projects/blog/index.html",
	}, fx.backend.Paths())

	assert.Equal(t, []string{"blog"}, entryNames(fx.fs.List(ctx, "/Projects")))
	assert.Equal(t, []string{"css", "img", "index.html"}, entryNames(fx.fs.List(ctx, "/Projects/blog")))
	assert.Empty(t, fx.fs.List(ctx, "/Projects/site"))
	assert.False(t, fx.fs.Exists(ctx, "/Projects/site"))

	fresh := fx.reopen(t)
	assert.Equal(t, "*{}", fresh.ReadText(ctx, "/Projects/blog/css/vendor", "reset.css"))
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, fresh.ReadBinary(ctx, "/Projects/blog/img", "logo.png"))
	assert.Equal(t, "<html>", fx.fs.ReadText(ctx, "/Projects/blog", "index.html"))
}

func TestRenameDirectoryAtomic(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	seedTree(t, fx.fs)

	require.NoError(t, fx.fs.Rename(ctx, "/Projects", "site", "blog"))

	assert.Equal(t, 1, fx.backend.OpCount(memory.OpMove))
	assert.Zero(t, fx.fs.Stats().DirtyPaths, "atomic move writes nothing new")
	assert.Equal(t, "body{}", fx.fs.ReadText(ctx, "/Projects/blog/css", "main.css"))
	assert.Equal(t, "", fx.fs.ReadText(ctx, "/Projects/site/css", "main.css"))
	assert.True(t, fx.fs.Exists(ctx, "/Projects/blog/img/logo.png"))
	assert.False(t, fx.fs.Exists(ctx, "/Projects/site"))
}

func TestRenameForcesFlush(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/a", "x.txt", "1"))
	require.NoError(t, fx.fs.WriteText("/b", "unrelated.txt", "2"))

	require.NoError(t, fx.fs.Rename(ctx, "/a", "x.txt", "y.txt"))
	assert.Equal(t, 1, fx.backend.PersistCount("/b/unrelated.txt"))
}

func TestRenameErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	err := fx.fs.Rename(ctx, "/", "missing", "other")
	assert.True(t, errors.IsNotFound(err))

	err = fx.fs.Rename(ctx, "/", "a/b", "c")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))

	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpMove {
			return stderr.New("busy")
		}
		return nil
	})
	err = fx.fs.Rename(ctx, "/", "a.txt", "b.txt")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))
	assert.Equal(t, "x", fx.fs.ReadText(ctx, "/", "a.txt"))
}

func TestRenameToSameNameIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))
	require.NoError(t, fx.fs.Rename(ctx, "/", "a.txt", "a.txt"))
	assert.Equal(t, "x", fx.fs.ReadText(ctx, "/", "a.txt"))
}

func TestMoveToTrashCreatesDestination(t *testing.T) {
	ctx := context.Background()
	for _, atomic := range []bool{true, false} {
		t.Run(fmt.Sprintf("atomic=%v", atomic), func(t *testing.T) {
			fx := defaultFixture(t, memory.WithAtomicMove(atomic))
			require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "old.txt", "bye"))

			require.NoError(t, fx.fs.Move(ctx, "/Users/Guest/Desktop", "old.txt", "/Users/Guest/.Trash", "old.txt"))
			require.NoError(t, fx.fs.Flush(ctx))

			assert.False(t, fx.fs.Exists(ctx, "/Users/Guest/Desktop/old.txt"))
			assert.Equal(t, "bye", fx.fs.ReadText(ctx, "/Users/Guest/.Trash", "old.txt"))

			trash := fx.fs.List(ctx, "/Users/Guest")
			require.Len(t, trash, 2)
			assert.Equal(t, ".Trash", trash[0].Name)
			assert.True(t, trash[0].IsHidden)
			assert.False(t, trash[0].IsEmpty)
		})
	}
}

func TestMoveIntoOwnSubtree(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t, memory.WithAtomicMove(false))
	seedTree(t, fx.fs)

	err := fx.fs.Move(ctx, "/Projects", "site", "/Projects/site/css", "site")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
	assert.True(t, fx.fs.Exists(ctx, "/Projects/site/index.html"))
}

func TestMoveCopyLimit(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{ListPending: true, MaxCopyEntries: 3}, memory.WithAtomicMove(false))
	seedTree(t, fx.fs)

	err := fx.fs.Move(ctx, "/Projects", "site", "/Archive", "site")
	assert.True(t, errors.HasCode(err, errors.ErrCodeLimitExceeded))

	assert.True(t, fx.fs.Exists(ctx, "/Projects/site/css/vendor/reset.css"))
	assert.NotContains(t, fx.backend.Paths(), "/Archive/site/")

	small := newFixture(t, Config{ListPending: true, MaxCopyEntries: 3}, memory.WithAtomicMove(false))
	require.NoError(t, small.fs.WriteText("/src", "a", "1"))
	require.NoError(t, small.fs.WriteText("/src", "b", "2"))
	require.NoError(t, small.fs.Move(ctx, "/", "src", "/dst", "src"))
	assert.Equal(t, "2", small.fs.ReadText(ctx, "/dst/src", "b"))
}

func TestDeleteIsCacheCoherent(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	require.NoError(t, fx.fs.WriteText("/Users/Guest", "gone.txt", "x"))
	fx.fs.Delete(ctx, "/Users/Guest", "gone.txt")
	assert.False(t, fx.fs.Exists(ctx, "/Users/Guest/gone.txt"))

	fx.clock.Advance(testDelay)
	assert.Zero(t, fx.backend.PersistCount("/Users/Guest/gone.txt"), "deleted writes are not resurrected")
}

func TestDeleteDirectoryDropsCachedDescendants(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	seedTree(t, fx.fs)
	require.NoError(t, fx.fs.Flush(ctx))
	require.NoError(t, fx.fs.WriteText("/Projects/site", "draft.txt", "unsaved"))

	fx.fs.Delete(ctx, "/Projects", "site")

	assert.False(t, fx.fs.Exists(ctx, "/Projects/site"))
	assert.Empty(t, fx.fs.List(ctx, "/Projects"))
	fx.clock.Advance(testDelay)
	assert.Equal(t, []string{"/Projects/"}, fx.backend.Paths())
}

func TestDeleteSwallowsBackendFailure(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))
	require.NoError(t, fx.fs.Flush(ctx))

	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpRemove {
			return stderr.New("locked")
		}
		return nil
	})

	fx.fs.Delete(ctx, "/", "a.txt")
	err := fx.fs.Remove(ctx, "/", "a.txt")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))

	// Never-flushed entries are simply absent on the backend.
	fx.backend.InjectFault(nil)
	require.NoError(t, fx.fs.WriteText("/new", "b.txt", "y"))
	err = fx.fs.Remove(ctx, "/new", "b.txt")
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, fx.fs.Exists(ctx, "/new/b.txt"))
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	assert.True(t, fx.fs.Exists(ctx, "/"))
	assert.True(t, fx.fs.Exists(ctx, ""))

	require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "a.txt", "x"))
	assert.True(t, fx.fs.Exists(ctx, "/Users/Guest/Desktop/a.txt"))
	assert.True(t, fx.fs.Exists(ctx, "/Users/Guest"), "implied by a cached path beneath it")
	assert.True(t, fx.fs.Exists(ctx, "//Users//Guest/"))

	require.True(t, fx.fs.Mkdir(ctx, "/Applications"))
	assert.True(t, fx.fs.Exists(ctx, "/Applications"))

	assert.False(t, fx.fs.Exists(ctx, "/Applications/Missing.app"))
	assert.False(t, fx.fs.Exists(ctx, "/nope/deeper"))
	assert.False(t, fx.fs.Exists(ctx, "/Users/../Users"))
}

func TestListMergesPendingEntries(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.True(t, fx.fs.Mkdir(ctx, "/a/empty"))
	require.True(t, fx.fs.Mkdir(ctx, "/a/b"))
	require.NoError(t, fx.fs.WriteText("/a/b/c", "deep.txt", "x"))
	require.NoError(t, fx.fs.WriteText("/a", ".hidden", "x"))
	require.NoError(t, fx.fs.WriteText("/a", "z.txt", "x"))
	require.NoError(t, fx.fs.WriteText("/a/pending", "p.txt", "x"))

	entries, err := fx.fs.ListEntries(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "empty", "pending", ".hidden", "z.txt"}, entryNames(entries))

	byName := map[string]types.DirectoryEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.False(t, byName["b"].IsEmpty, "cached descendants make it non-empty")
	assert.True(t, byName["empty"].IsEmpty)
	assert.Equal(t, types.KindDirectory, byName["pending"].Kind)
	assert.True(t, byName[".hidden"].IsHidden)
	assert.Equal(t, "/a/z.txt", byName["z.txt"].Path)

	// A directory that exists only in the cache lists too.
	entries, err = fx.fs.ListEntries(ctx, "/a/pending")
	require.NoError(t, err)
	assert.Equal(t, []string{"p.txt"}, entryNames(entries))

	// After the sweep the listing is the same, now served by the backend.
	fx.clock.Advance(testDelay)
	after, err := fx.fs.ListEntries(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, entryNames(entries), entryNames(fx.fs.List(ctx, "/a/pending")))
	assert.Equal(t, []string{"b", "empty", "pending", ".hidden", "z.txt"}, entryNames(after))
}

func TestListWithoutPendingMerge(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{ListPending: false})

	require.True(t, fx.fs.Mkdir(ctx, "/Users/Guest/Desktop"))
	require.NoError(t, fx.fs.WriteText("/Users/Guest/Desktop", "note.txt", "hi"))

	assert.Empty(t, fx.fs.List(ctx, "/Users/Guest/Desktop"), "unflushed entries are not listed")
	fx.clock.Advance(testDelay)
	assert.Equal(t, []string{"note.txt"}, entryNames(fx.fs.List(ctx, "/Users/Guest/Desktop")))
}

func TestListErrors(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)

	_, err := fx.fs.ListEntries(ctx, "/missing")
	assert.True(t, errors.IsNotFound(err))
	assert.NotNil(t, fx.fs.List(ctx, "/missing"))
	assert.Empty(t, fx.fs.List(ctx, "/missing"))

	_, err = fx.fs.ListEntries(ctx, "/a/../b")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))

	require.True(t, fx.fs.Mkdir(ctx, "/d/sub"))
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpEntries && path == "/d/sub" {
			return stderr.New("enumeration failed")
		}
		return nil
	})
	_, err = fx.fs.ListEntries(ctx, "/d")
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))
}

func TestWriteValidatesName(t *testing.T) {
	fx := defaultFixture(t)
	for _, bad := range []string{"", ".", "..", "a/b"} {
		err := fx.fs.WriteText("/", bad, "x")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "name %q", bad)
	}
	assert.Zero(t, fx.fs.Stats().Writes)
}

func TestDirectoryArgumentIsValidated(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/Users", "keep.txt", "k"))
	writes := fx.fs.Stats().Writes

	for _, dir := range []string{"/Users/..", "/./Users", "/Users/../etc"} {
		err := fx.fs.WriteText(dir, "x.txt", "v")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "write in %q", dir)

		_, err = fx.fs.ReadFile(ctx, dir, "x.txt")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "read in %q", dir)
		assert.Empty(t, fx.fs.ReadText(ctx, dir, "x.txt"))

		err = fx.fs.Remove(ctx, dir, "keep.txt")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "remove in %q", dir)

		err = fx.fs.Move(ctx, "/Users", "keep.txt", dir, "moved.txt")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "move into %q", dir)
		err = fx.fs.Rename(ctx, dir, "keep.txt", "other.txt")
		assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid), "rename in %q", dir)
	}

	assert.Equal(t, writes, fx.fs.Stats().Writes)
	assert.Equal(t, 1, fx.fs.Stats().DirtyPaths)
	require.NoError(t, fx.fs.Flush(ctx))
	assert.Equal(t, []string{"Users"}, entryNames(fx.fs.List(ctx, "/")))
	assert.Equal(t, []string{"keep.txt"}, entryNames(fx.fs.List(ctx, "/Users")))
}

func TestMoveByCopyKeepsRacingWrite(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t, memory.WithAtomicMove(false))
	require.NoError(t, fx.fs.WriteText("/d", "note.txt", "old"))

	// A write to the old name lands after the content was copied but
	// before the source is removed.
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpRemove && path == "/d/note.txt" {
			assert.NoError(t, fx.fs.WriteText("/d", "note.txt", "late"))
		}
		return nil
	})
	require.NoError(t, fx.fs.Rename(ctx, "/d", "note.txt", "moved.txt"))
	fx.backend.InjectFault(nil)

	assert.Equal(t, "old", fx.fs.ReadText(ctx, "/d", "moved.txt"))
	assert.Equal(t, "late", fx.fs.ReadText(ctx, "/d", "note.txt"))

	require.NoError(t, fx.fs.Flush(ctx))
	data, ok := fx.backend.LastPersisted("/d/note.txt")
	require.True(t, ok)
	assert.Equal(t, "late", string(data))
	assert.ElementsMatch(t, []string{"moved.txt", "note.txt"}, entryNames(fx.fs.List(ctx, "/d")))
}

func TestMoveByCopyDropsSourceCache(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t, memory.WithAtomicMove(false))
	require.NoError(t, fx.fs.WriteText("/d", "note.txt", "same"))

	// Rewriting identical content during the copy does not keep the old name.
	fx.backend.InjectFault(func(op, path string) error {
		if op == memory.OpRemove && path == "/d/note.txt" {
			assert.NoError(t, fx.fs.WriteText("/d", "note.txt", "same"))
		}
		return nil
	})
	require.NoError(t, fx.fs.Rename(ctx, "/d", "note.txt", "moved.txt"))
	fx.backend.InjectFault(nil)

	assert.False(t, fx.fs.Exists(ctx, "/d/note.txt"))
	assert.Equal(t, []string{"moved.txt"}, entryNames(fx.fs.List(ctx, "/d")))
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	fs := New(memory.New(), Config{}, WithClock(clock.Fake(time.Now())))

	_, err := fs.ListEntries(ctx, "/")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))
	assert.True(t, errors.HasCode(fs.Flush(ctx), errors.ErrCodeNotInitialized))
	assert.Equal(t, "", fs.ReadText(ctx, "/", "a"))
	assert.Equal(t, DefaultFlushDelay, fs.Config().FlushDelay)
}

func TestCloseFlushes(t *testing.T) {
	ctx := context.Background()
	fx := defaultFixture(t)
	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))

	require.NoError(t, fx.fs.Close(ctx))
	assert.Equal(t, 1, fx.backend.PersistCount("/a.txt"))
	assert.Zero(t, fx.clock.Pending())

	err := fx.fs.WriteText("/", "b.txt", "y")
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotInitialized))
	require.NoError(t, fx.fs.Close(ctx))
}

func TestCloseWithoutFlush(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, Config{FlushOnClose: false})
	require.NoError(t, fx.fs.WriteText("/", "a.txt", "x"))

	require.NoError(t, fx.fs.Close(ctx))
	fx.clock.Advance(10 * testDelay)
	assert.Zero(t, fx.backend.TotalPersists())
}

func TestConcurrentWritersRealClock(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	fs := New(backend, Config{FlushDelay: 5 * time.Millisecond, ListPending: true, FlushOnClose: true})
	require.NoError(t, fs.Init(ctx))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				dir := fmt.Sprintf("/w%d", w)
				assert.NoError(t, fs.WriteText(dir, fmt.Sprintf("f%02d", i), fmt.Sprintf("%d-%d", w, i)))
				_ = fs.ReadText(ctx, dir, fmt.Sprintf("f%02d", i))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, fs.Close(ctx))

	for w := 0; w < 8; w++ {
		for i := 0; i < 25; i++ {
			data, ok := backend.LastPersisted(fmt.Sprintf("/w%d/f%02d", w, i))
			require.True(t, ok)
			assert.Equal(t, fmt.Sprintf("%d-%d", w, i), string(data))
		}
	}
	assert.Zero(t, fs.Stats().DirtyPaths)
}

type recordingMetrics struct {
	mu        sync.Mutex
	ops       map[string]int
	failures  map[string]int
	hits      int
	misses    int
	flushes   int
	lastDirty int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{ops: map[string]int{}, failures: map[string]int{}}
}

func (m *recordingMetrics) RecordOperation(op string, _ time.Duration, _ int64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
	if !success {
		m.failures[op]++
	}
}

func (m *recordingMetrics) RecordCacheHit(string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *recordingMetrics) RecordCacheMiss(string, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *recordingMetrics) RecordFlush(int, int, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
}

func (m *recordingMetrics) SetDirtyPaths(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDirty = n
}

func TestMetricsAreReported(t *testing.T) {
	ctx := context.Background()
	metrics := newRecordingMetrics()
	backend := memory.New()
	fake := clock.Fake(time.Now())
	fs := New(backend, Config{FlushDelay: testDelay, ListPending: true}, WithClock(fake), WithMetrics(metrics))
	require.NoError(t, fs.Init(ctx))

	require.NoError(t, fs.WriteText("/", "a.txt", "x"))
	assert.Equal(t, 1, metrics.lastDirty)
	_ = fs.ReadText(ctx, "/", "a.txt")
	_ = fs.ReadText(ctx, "/", "missing.txt")
	fake.Advance(testDelay)
	_ = fs.List(ctx, "/")

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 1, metrics.ops["write"])
	assert.Equal(t, 2, metrics.ops["read"])
	assert.Equal(t, 1, metrics.failures["read"])
	assert.Equal(t, 1, metrics.ops["list"])
	assert.Equal(t, 1, metrics.hits)
	assert.Zero(t, metrics.misses, "failed read-throughs are not cache misses with content")
	assert.Equal(t, 1, metrics.flushes)
	assert.Zero(t, metrics.lastDirty)
}
