package memory

import (
	"context"
	stderr "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
)

func writeFile(t *testing.T, dir types.DirectoryHandle, name, content string) {
	t.Helper()
	ctx := context.Background()
	fh, err := dir.GetFile(ctx, name, true)
	require.NoError(t, err)
	w, err := fh.CreateWritable(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, []byte(content)))
	require.NoError(t, w.Close(ctx))
}

func names(t *testing.T, dir types.DirectoryHandle) []string {
	t.Helper()
	var out []string
	for h, err := range dir.Entries(context.Background()) {
		require.NoError(t, err)
		out = append(out, h.Name())
	}
	return out
}

func TestBackend_DirectoriesAndFiles(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, err := b.Root(ctx)
	require.NoError(t, err)

	_, err = root.GetDirectory(ctx, "Users", false)
	assert.True(t, errors.IsNotFound(err))

	users, err := root.GetDirectory(ctx, "Users", true)
	require.NoError(t, err)
	assert.Equal(t, "Users", users.Name())
	assert.Equal(t, types.KindDirectory, users.Kind())

	again, err := root.GetDirectory(ctx, "Users", true)
	require.NoError(t, err)
	assert.Equal(t, "Users", again.Name())

	writeFile(t, users, "note.txt", "hi")

	_, err = users.GetDirectory(ctx, "note.txt", false)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTypeMismatch))
	_, err = root.GetFile(ctx, "Users", false)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTypeMismatch))

	fh, err := users.GetFile(ctx, "note.txt", false)
	require.NoError(t, err)
	data, err := fh.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	assert.Equal(t, []string{"/Users/", "/Users/note.txt"}, b.Paths())
}

func TestBackend_WritableCommitsOnClose(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)

	fh, err := root.GetFile(ctx, "a.txt", true)
	require.NoError(t, err)
	w, err := fh.CreateWritable(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, []byte("he")))
	require.NoError(t, w.Write(ctx, []byte("llo")))

	data, _ := fh.ReadAll(ctx)
	assert.Empty(t, data, "uncommitted content must not be visible")
	assert.Zero(t, b.PersistCount("/a.txt"))

	require.NoError(t, w.Close(ctx))
	data, _ = fh.ReadAll(ctx)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, 1, b.PersistCount("/a.txt"))

	last, ok := b.LastPersisted("a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(last))

	assert.Error(t, w.Write(ctx, []byte("late")))
	assert.Equal(t, 1, b.TotalPersists())
}

func TestBackend_EntriesSortedAndStoppable(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)
	writeFile(t, root, "b.txt", "")
	writeFile(t, root, "a.txt", "")
	_, err := root.GetDirectory(ctx, "c", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt", "b.txt", "c"}, names(t, root))

	count := 0
	for range root.Entries(ctx) {
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestBackend_RemoveEntry(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)
	dir, _ := root.GetDirectory(ctx, "dir", true)
	writeFile(t, dir, "f", "x")

	err := root.RemoveEntry(ctx, "dir", false)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotEmpty))

	require.NoError(t, root.RemoveEntry(ctx, "dir", true))
	assert.Empty(t, b.Paths())

	err = root.RemoveEntry(ctx, "dir", true)
	assert.True(t, errors.IsNotFound(err))

	// Handles into a removed subtree go stale.
	_, err = dir.GetFile(ctx, "f", false)
	assert.True(t, errors.IsNotFound(err))
}

func TestBackend_AtomicMoveToggle(t *testing.T) {
	ctx := context.Background()

	plain := New(WithAtomicMove(false))
	root, _ := plain.Root(ctx)
	dir, _ := root.GetDirectory(ctx, "d", true)
	_, ok := dir.(types.Mover)
	assert.False(t, ok)
	for h := range root.Entries(ctx) {
		_, ok := h.(types.Mover)
		assert.False(t, ok)
	}

	movable := New()
	root, _ = movable.Root(ctx)
	dir, _ = root.GetDirectory(ctx, "d", true)
	_, ok = dir.(types.Mover)
	assert.True(t, ok)
}

func TestBackend_Move(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)
	src, _ := root.GetDirectory(ctx, "src", true)
	writeFile(t, src, "note.txt", "hi")
	sub, _ := src.GetDirectory(ctx, "sub", true)
	writeFile(t, sub, "deep.txt", "deep")
	trash, _ := root.GetDirectory(ctx, ".Trash", true)

	require.NoError(t, src.(types.Mover).Move(ctx, trash, "old"))
	assert.Equal(t, []string{
		"/.Trash/",
		"/.Trash/old/",
		"/.Trash/old/note.txt",
		"/.Trash/old/sub/",
		"/.Trash/old/sub/deep.txt",
	}, b.Paths())
	assert.Equal(t, "old", src.Name())

	fh, err := sub.GetFile(ctx, "deep.txt", false)
	require.NoError(t, err, "handles follow the moved entry")
	data, _ := fh.ReadAll(ctx)
	assert.Equal(t, "deep", string(data))
}

func TestBackend_MoveIntoItself(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)
	a, _ := root.GetDirectory(ctx, "a", true)
	inner, _ := a.GetDirectory(ctx, "inner", true)

	err := a.(types.Mover).Move(ctx, inner, "a")
	assert.True(t, errors.HasCode(err, errors.ErrCodePathInvalid))
}

func TestBackend_MoveOverExisting(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)
	writeFile(t, root, "a.txt", "new")
	writeFile(t, root, "b.txt", "old")
	dir, _ := root.GetDirectory(ctx, "d", true)
	writeFile(t, dir, "x", "")

	fh, _ := root.GetFile(ctx, "a.txt", false)
	require.NoError(t, fh.(types.Mover).Move(ctx, root, "b.txt"))
	assert.Equal(t, []string{"/b.txt", "/d/", "/d/x"}, b.Paths())

	fh, _ = root.GetFile(ctx, "b.txt", false)
	err := fh.(types.Mover).Move(ctx, root, "d")
	assert.True(t, errors.HasCode(err, errors.ErrCodeTypeMismatch))
}

func TestBackend_FaultInjection(t *testing.T) {
	ctx := context.Background()
	b := New()
	root, _ := b.Root(ctx)

	boom := stderr.New("disk on fire")
	b.InjectFault(func(op, path string) error {
		if op == OpWrite && path == "/bad.txt" {
			return boom
		}
		return nil
	})

	writeFile(t, root, "good.txt", "ok")

	fh, err := root.GetFile(ctx, "bad.txt", true)
	require.NoError(t, err)
	w, _ := fh.CreateWritable(ctx)
	require.NoError(t, w.Write(ctx, []byte("x")))
	err = w.Close(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageIO))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, b.PersistCount("/bad.txt"))

	b.InjectFault(nil)
	writeFile(t, root, "bad.txt", "fine")
	assert.Equal(t, 1, b.PersistCount("/bad.txt"))
	assert.Equal(t, 3, b.OpCount(OpWrite))
}

func TestBackend_ContextCanceled(t *testing.T) {
	b := New()
	root, _ := b.Root(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := root.GetDirectory(ctx, "x", true)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
	_, err = b.Root(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}
