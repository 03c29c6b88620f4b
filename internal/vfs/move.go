package vfs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// Rename renames oldName to newName within path. Unlike Delete, every
// failure is returned.
func (f *FileSystem) Rename(ctx context.Context, path, oldName, newName string) (err error) {
	start := f.clock.Now()
	defer func() { f.observe("rename", start, 0, err) }()

	return f.relocate(ctx, path, oldName, path, newName, false)
}

// Move relocates srcName in srcPath to destName in destPath. Missing
// destination directories are created, so moving into a trash folder
// that does not exist yet works.
func (f *FileSystem) Move(ctx context.Context, srcPath, srcName, destPath, destName string) (err error) {
	start := f.clock.Now()
	defer func() { f.observe("move", start, 0, err) }()

	return f.relocate(ctx, srcPath, srcName, destPath, destName, true)
}

// relocate flushes, then moves the entry with the backend's atomic move
// when its handle offers one, or by copy and delete otherwise.
func (f *FileSystem) relocate(ctx context.Context, srcPath, srcName, destPath, destName string, createDest bool) error {
	if err := validateEntry(srcPath, srcName); err != nil {
		return err
	}
	if err := validateEntry(destPath, destName); err != nil {
		return err
	}
	from := utils.JoinPath(srcPath, srcName)
	to := utils.JoinPath(destPath, destName)
	if from == to {
		return nil
	}
	if utils.IsWithin(to, from) {
		return errors.InvalidPath(to, "cannot move an entry into itself").
			WithComponent(component).WithContext("source", from)
	}

	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	if _, failed := f.sweepLocked(ctx); failed > 0 {
		f.logger.Warn("Moving after an incomplete flush", zap.String("from", from), zap.Int("failed", failed))
	}

	srcDir, err := f.resolve(ctx, srcPath, false)
	if err != nil {
		return err
	}
	src, err := lookup(ctx, srcDir, from, srcName)
	if err != nil {
		return err
	}
	destDir, err := f.resolve(ctx, destPath, createDest)
	if err != nil {
		return err
	}

	logger := f.logger.With(zap.String("from", from), zap.String("to", to))

	if mover, ok := src.(types.Mover); ok {
		if err := mover.Move(ctx, destDir, destName); err != nil {
			return wrapBackend("move", from, err)
		}
		f.rekey(from, to)
		logger.Debug("Moved entry atomically")
		return nil
	}

	switch h := src.(type) {
	case types.FileHandle:
		if err := f.moveFileByCopy(ctx, h, srcDir, srcName, from, to); err != nil {
			return err
		}
	case types.DirectoryHandle:
		if err := f.copyTree(ctx, h, destDir, destName, from); err != nil {
			return err
		}
		if err := srcDir.RemoveEntry(ctx, srcName, true); err != nil {
			return wrapBackend("remove", from, err)
		}
		f.rekey(from, to)
	default:
		return errors.NewError(errors.ErrCodeInternalError, fmt.Sprintf("unexpected handle type %T", src)).
			WithComponent(component)
	}

	logger.Debug("Moved entry by copy and delete", zap.String("kind", src.Kind().String()))
	return nil
}

// moveFileByCopy re-writes the file at its new path through the normal
// write path, so the new copy is dirty until the next sweep, and removes
// the old backend entry.
func (f *FileSystem) moveFileByCopy(ctx context.Context, fh types.FileHandle, srcDir types.DirectoryHandle, srcName, from, to string) error {
	f.mu.Lock()
	content, cached := f.cache[from]
	f.mu.Unlock()

	if !cached {
		data, err := fh.ReadAll(ctx)
		if err != nil {
			return wrapBackend("read", from, err)
		}
		content = types.Binary(data)
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.NewError(errors.ErrCodeNotInitialized, "filesystem closed").WithComponent(component)
	}
	f.writeLocked(to, content)
	f.mu.Unlock()

	if err := srcDir.RemoveEntry(ctx, srcName, false); err != nil {
		return wrapBackend("remove", from, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// The sweep at the start of the move left from clean, so a dirty entry
	// is a write that raced the copy. It stays and persists at the old
	// name unless it is the content that was copied.
	if _, raced := f.dirty[from]; raced && !f.cache[from].Equal(content) {
		f.logger.Debug("Keeping write to moved file", zap.String("path", from))
		return nil
	}
	f.dropLocked(from)
	return nil
}

// rekey moves cache entries at and beneath from to the same relative
// place beneath to. Clean entries previously cached at the destination
// are dropped, as the backend now holds different content there.
func (f *FileSystem) rekey(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key := range f.cache {
		if key != to && !utils.IsWithin(key, to) {
			continue
		}
		if _, dirty := f.dirty[key]; !dirty {
			delete(f.cache, key)
		}
	}

	moved := make(map[string]types.Content)
	movedDirty := make(map[string]bool)
	for key, content := range f.cache {
		if key != from && !utils.IsWithin(key, from) {
			continue
		}
		newKey := to + strings.TrimPrefix(key, from)
		moved[newKey] = content
		if _, dirty := f.dirty[key]; dirty {
			movedDirty[newKey] = true
			delete(f.dirty, key)
		}
		delete(f.cache, key)
	}
	for key, content := range moved {
		f.cache[key] = content
		if movedDirty[key] {
			f.dirty[key] = struct{}{}
		}
	}
	if len(movedDirty) > 0 {
		f.scheduleLocked()
	}
	f.gen++
}

type copyJob struct {
	src        types.DirectoryHandle
	destParent types.DirectoryHandle
	name       string
}

// copyTree copies the directory src to name under destParent, breadth
// first with an explicit worklist. With MaxCopyEntries set, the subtree is
// counted first and an oversized tree fails before anything is copied.
func (f *FileSystem) copyTree(ctx context.Context, src, destParent types.DirectoryHandle, name, from string) error {
	if limit := f.cfg.MaxCopyEntries; limit > 0 {
		n, err := countTree(ctx, src, limit)
		if err != nil {
			return wrapBackend("list", from, err)
		}
		if n > limit {
			return errors.NewError(errors.ErrCodeLimitExceeded, "directory too large to copy").
				WithComponent(component).
				WithContext("path", from).
				WithDetail("limit", limit)
		}
	}

	queue := []copyJob{{src: src, destParent: destParent, name: name}}
	for len(queue) > 0 {
		job := queue[0]
		queue = queue[1:]

		dest, err := job.destParent.GetDirectory(ctx, job.name, true)
		if err != nil {
			return wrapBackend("mkdir", job.name, err)
		}

		for h, err := range job.src.Entries(ctx) {
			if err != nil {
				return wrapBackend("list", from, err)
			}
			switch child := h.(type) {
			case types.DirectoryHandle:
				queue = append(queue, copyJob{src: child, destParent: dest, name: child.Name()})
			case types.FileHandle:
				if err := copyFile(ctx, child, dest); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func copyFile(ctx context.Context, src types.FileHandle, dest types.DirectoryHandle) error {
	data, err := src.ReadAll(ctx)
	if err != nil {
		return wrapBackend("read", src.Name(), err)
	}
	fh, err := dest.GetFile(ctx, src.Name(), true)
	if err != nil {
		return wrapBackend("create", src.Name(), err)
	}
	return writeAll(ctx, fh, src.Name(), data)
}

// countTree counts the entries beneath dir, giving up once limit is
// passed.
func countTree(ctx context.Context, dir types.DirectoryHandle, limit int) (int, error) {
	count := 0
	queue := []types.DirectoryHandle{dir}
	for len(queue) > 0 && count <= limit {
		next := queue[0]
		queue = queue[1:]
		for h, err := range next.Entries(ctx) {
			if err != nil {
				return count, err
			}
			count++
			if dh, ok := h.(types.DirectoryHandle); ok {
				queue = append(queue, dh)
			}
		}
	}
	return count, nil
}
