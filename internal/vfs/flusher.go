package vfs

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// scheduleLocked cancels the pending sweep and schedules a new one
// FlushDelay from now. A steady stream of writes therefore postpones the
// sweep indefinitely. Callers hold f.mu.
func (f *FileSystem) scheduleLocked() {
	f.cancelTimerLocked()
	seq := f.timerSeq
	f.timer = f.clock.AfterFunc(f.cfg.FlushDelay, func() { f.onTimer(seq) })
}

// cancelTimerLocked stops the pending sweep. The sequence bump also
// disarms a callback that already fired but has not taken f.mu yet.
func (f *FileSystem) cancelTimerLocked() {
	f.timerSeq++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

func (f *FileSystem) onTimer(seq uint64) {
	f.mu.Lock()
	if seq != f.timerSeq || f.closed {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	f.mu.Unlock()

	f.flushLog.Debug("Flush timer fired")
	if err := f.Flush(context.Background()); err != nil {
		f.flushLog.Warn("Timed flush incomplete", zap.Error(err))
	}
}

// Flush persists every dirty path. Per-path failures do not stop the
// sweep and are not retried: the path leaves the dirty set and its
// content stays cached. The returned error summarizes the failures.
func (f *FileSystem) Flush(ctx context.Context) error {
	if _, err := f.rootHandle(); err != nil {
		return err
	}

	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	_, failed := f.sweepLocked(ctx)
	if failed > 0 {
		return errors.NewError(errors.ErrCodeStorageIO, fmt.Sprintf("%d path(s) failed to persist", failed)).
			WithComponent("flusher").WithOperation("flush").WithDetail("failed", failed)
	}
	return nil
}

type pendingWrite struct {
	path    string
	content types.Content
}

// sweepLocked runs one sweep. Callers hold f.flushMu.
func (f *FileSystem) sweepLocked(ctx context.Context) (persisted, failed int) {
	// Snapshot and clear in one critical section: a write that lands
	// after this point stays dirty for the next sweep.
	f.mu.Lock()
	batch := make([]pendingWrite, 0, len(f.dirty))
	for path := range f.dirty {
		batch = append(batch, pendingWrite{path: path, content: f.cache[path]})
	}
	f.dirty = make(map[string]struct{})
	if len(batch) > 0 {
		f.cancelTimerLocked()
	}
	f.mu.Unlock()

	if len(batch) == 0 {
		return 0, 0
	}
	if f.metrics != nil {
		f.metrics.SetDirtyPaths(0)
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].path < batch[j].path })

	start := f.clock.Now()
	logger := f.flushLog.With(zap.String("sweep", uuid.NewString()))
	logger.Debug("Flush sweep started", zap.Int("paths", len(batch)))

	for _, w := range batch {
		if err := f.persist(ctx, w.path, w.content); err != nil {
			failed++
			logger.Error("Failed to persist path", zap.String("path", w.path), zap.Error(err))
			continue
		}
		persisted++
	}

	f.sweeps.Add(1)
	f.persisted.Add(int64(persisted))
	f.persistFailures.Add(int64(failed))
	if f.metrics != nil {
		f.metrics.RecordFlush(len(batch), failed, f.elapsed(start))
	}
	logger.Debug("Flush sweep finished",
		zap.Int("persisted", persisted),
		zap.Int("failed", failed),
		zap.Duration("duration", f.elapsed(start)))
	return persisted, failed
}

// persist writes one path to the backend, creating missing parent
// directories first.
func (f *FileSystem) persist(ctx context.Context, full string, content types.Content) error {
	parent, name := utils.SplitParent(full)
	dir, err := f.resolve(ctx, parent, true)
	if err != nil {
		return err
	}
	fh, err := dir.GetFile(ctx, name, true)
	if err != nil {
		return wrapBackend("create", full, err)
	}
	return writeAll(ctx, fh, full, content.Bytes())
}

// writeAll replaces the content of fh with data.
func writeAll(ctx context.Context, fh types.FileHandle, full string, data []byte) error {
	w, err := fh.CreateWritable(ctx)
	if err != nil {
		return wrapBackend("open", full, err)
	}
	// On a failed write the stream is abandoned, never closed, so the
	// partial content is not committed.
	if err := w.Write(ctx, data); err != nil {
		return wrapBackend("write", full, err)
	}
	if err := w.Close(ctx); err != nil {
		return wrapBackend("close", full, err)
	}
	return nil
}
