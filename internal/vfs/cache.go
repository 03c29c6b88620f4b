package vfs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// ReadFile returns the content of name in the directory path. The memory
// cache answers first; on a miss the file is read from the backend and
// cached. A file absent from both is NOT_FOUND.
func (f *FileSystem) ReadFile(ctx context.Context, path, name string) (content types.Content, err error) {
	start := f.clock.Now()
	defer func() { f.observe("read", start, int64(content.Len()), err) }()

	if err := validateEntry(path, name); err != nil {
		return types.Content{}, err
	}
	full := utils.JoinPath(path, name)

	f.mu.Lock()
	if c, ok := f.cache[full]; ok {
		f.mu.Unlock()
		f.hits.Add(1)
		if f.metrics != nil {
			f.metrics.RecordCacheHit(full, int64(c.Len()))
		}
		return c, nil
	}
	f.mu.Unlock()

	f.misses.Add(1)
	v, err, _ := f.reads.Do(full, func() (interface{}, error) {
		return f.readThrough(ctx, path, name, full)
	})
	if err != nil {
		return types.Content{}, err
	}
	c := v.(types.Content)
	if f.metrics != nil {
		f.metrics.RecordCacheMiss(full, int64(c.Len()))
	}
	return c, nil
}

func (f *FileSystem) readThrough(ctx context.Context, path, name, full string) (types.Content, error) {
	f.mu.Lock()
	gen := f.gen
	f.mu.Unlock()

	dir, err := f.resolve(ctx, path, false)
	if err != nil {
		return types.Content{}, err
	}
	fh, err := dir.GetFile(ctx, name, false)
	if err != nil {
		return types.Content{}, wrapBackend("open", full, err)
	}
	data, err := fh.ReadAll(ctx)
	if err != nil {
		return types.Content{}, wrapBackend("read", full, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	// A write or invalidation that raced the backend read is newer than
	// what we fetched.
	if c, ok := f.cache[full]; ok {
		return c, nil
	}
	content := types.Binary(data)
	if gen == f.gen {
		f.cache[full] = content
	}
	return content, nil
}

// ReadText returns the text content of name in path, or "" when the file
// cannot be read for any reason.
func (f *FileSystem) ReadText(ctx context.Context, path, name string) string {
	c, err := f.ReadFile(ctx, path, name)
	if err != nil {
		f.logReadFailure(path, name, err)
		return ""
	}
	return c.String()
}

// ReadBinary returns a fresh copy of the content of name in path, or nil
// when the file cannot be read for any reason.
func (f *FileSystem) ReadBinary(ctx context.Context, path, name string) []byte {
	c, err := f.ReadFile(ctx, path, name)
	if err != nil {
		f.logReadFailure(path, name, err)
		return nil
	}
	return c.Bytes()
}

func (f *FileSystem) logReadFailure(path, name string, err error) {
	fields := []zap.Field{zap.String("path", utils.JoinPath(path, name)), zap.Error(err)}
	if errors.IsNotFound(err) {
		f.logger.Debug("Read of missing file", fields...)
		return
	}
	f.logger.Warn("Read failed", fields...)
}

// Write replaces the content of name in path. It only touches memory: the
// path is marked dirty and the flush timer is restarted, so the call
// never waits for the backend.
func (f *FileSystem) Write(path, name string, content types.Content) error {
	start := f.clock.Now()
	if err := validateEntry(path, name); err != nil {
		f.observe("write", start, 0, err)
		return err
	}
	full := utils.JoinPath(path, name)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		err := errors.NewError(errors.ErrCodeNotInitialized, "filesystem closed").
			WithComponent(component).WithContext("path", full)
		f.observe("write", start, 0, err)
		return err
	}
	f.writeLocked(full, content)
	f.mu.Unlock()

	f.observe("write", start, int64(content.Len()), nil)
	return nil
}

// WriteText writes text content.
func (f *FileSystem) WriteText(path, name, text string) error {
	return f.Write(path, name, types.Text(text))
}

// WriteBinary writes a copy of data.
func (f *FileSystem) WriteBinary(path, name string, data []byte) error {
	return f.Write(path, name, types.Binary(data))
}

// writeLocked stores content, marks the path dirty and restarts the flush
// timer. Callers hold f.mu.
func (f *FileSystem) writeLocked(full string, content types.Content) {
	f.cache[full] = content
	f.dirty[full] = struct{}{}
	f.writes.Add(1)
	f.scheduleLocked()
	if f.metrics != nil {
		f.metrics.SetDirtyPaths(len(f.dirty))
	}
}

// dropLocked removes full and every cached path beneath it from the cache
// and the dirty set, which is always a subset of the cache. Callers hold
// f.mu.
func (f *FileSystem) dropLocked(full string) int {
	dropped := 0
	for key := range f.cache {
		if key == full || utils.IsWithin(key, full) {
			delete(f.cache, key)
			delete(f.dirty, key)
			dropped++
		}
	}
	f.gen++
	return dropped
}

// elapsed is used by log fields.
func (f *FileSystem) elapsed(start time.Time) time.Duration {
	return f.clock.Now().Sub(start)
}
