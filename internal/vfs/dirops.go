package vfs

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// emptinessProbes bounds concurrent is_empty probes during a listing.
const emptinessProbes = 8

// Exists reports whether fullPath names a file or directory. The root
// always exists. A path that is cached, or that has cached paths beneath
// it, exists without asking the backend. Any backend failure means false.
func (f *FileSystem) Exists(ctx context.Context, fullPath string) bool {
	segments := utils.SplitPath(fullPath)
	if len(segments) == 0 {
		return true
	}
	if utils.ValidateSegments(fullPath, segments) != nil {
		return false
	}
	full := utils.CleanPath(fullPath)

	f.mu.Lock()
	if _, ok := f.cache[full]; ok {
		f.mu.Unlock()
		return true
	}
	for key := range f.cache {
		if utils.IsWithin(key, full) {
			f.mu.Unlock()
			return true
		}
	}
	f.mu.Unlock()

	parent, name := utils.SplitParent(full)
	dir, err := f.resolve(ctx, parent, false)
	if err != nil {
		return false
	}
	if _, err := dir.GetFile(ctx, name, false); err == nil {
		return true
	}
	_, err = dir.GetDirectory(ctx, name, false)
	return err == nil
}

// MkdirAll creates path and any missing parents. Existing directories are
// not an error.
func (f *FileSystem) MkdirAll(ctx context.Context, path string) (err error) {
	start := f.clock.Now()
	defer func() { f.observe("mkdir", start, 0, err) }()

	_, err = f.resolve(ctx, path, true)
	return err
}

// Mkdir creates path like MkdirAll and reports success as a bool.
func (f *FileSystem) Mkdir(ctx context.Context, path string) bool {
	if err := f.MkdirAll(ctx, path); err != nil {
		f.logger.Warn("Failed to create directory", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// ListEntries returns the immediate children of path, directories first,
// then by name. When ListPending is enabled, cached entries not yet
// flushed are merged in, including directories implied by deeper cached
// paths; backend entries win on name collisions.
func (f *FileSystem) ListEntries(ctx context.Context, path string) (entries []types.DirectoryEntry, err error) {
	start := f.clock.Now()
	defer func() { f.observe("list", start, int64(len(entries)), err) }()

	dirPath := utils.CleanPath(path)

	dir, err := f.resolve(ctx, path, false)
	if err != nil {
		// A directory that only exists in the cache so far still lists.
		if !f.cfg.ListPending || !errors.IsNotFound(err) || !f.hasCachedBeneath(dirPath) {
			return nil, err
		}
		dir = nil
	}

	seen := make(map[string]int)
	if dir != nil {
		var subdirs []types.DirectoryHandle
		var subdirIdx []int
		for h, iterErr := range dir.Entries(ctx) {
			if iterErr != nil {
				return nil, wrapBackend("list", dirPath, iterErr)
			}
			entry := types.NewDirectoryEntry(dirPath, h.Name(), h.Kind())
			seen[entry.Name] = len(entries)
			entries = append(entries, entry)
			if h.Kind() == types.KindDirectory {
				if dh, ok := h.(types.DirectoryHandle); ok {
					subdirs = append(subdirs, dh)
					subdirIdx = append(subdirIdx, len(entries)-1)
				}
			}
		}

		empties, err := probeEmpty(ctx, subdirs)
		if err != nil {
			return nil, wrapBackend("list", dirPath, err)
		}
		for i, idx := range subdirIdx {
			entries[idx].IsEmpty = empties[i]
		}
	}

	if f.cfg.ListPending {
		entries = f.mergePending(dirPath, entries, seen)
	}

	sortEntries(entries)
	return entries, nil
}

// List is ListEntries with failures degraded to an empty listing.
func (f *FileSystem) List(ctx context.Context, path string) []types.DirectoryEntry {
	entries, err := f.ListEntries(ctx, path)
	if err != nil {
		if errors.IsNotFound(err) {
			f.logger.Debug("List of missing directory", zap.String("path", path))
		} else {
			f.logger.Warn("List failed", zap.String("path", path), zap.Error(err))
		}
		return []types.DirectoryEntry{}
	}
	return entries
}

// probeEmpty checks in parallel whether each directory has no children.
func probeEmpty(ctx context.Context, dirs []types.DirectoryHandle) ([]bool, error) {
	empties := make([]bool, len(dirs))
	if len(dirs) == 0 {
		return empties, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(emptinessProbes)
	for i, dh := range dirs {
		g.Go(func() error {
			empty := true
			for _, err := range dh.Entries(gctx) {
				if err != nil {
					return err
				}
				empty = false
				break
			}
			empties[i] = empty
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return empties, nil
}

func (f *FileSystem) hasCachedBeneath(dirPath string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.cache {
		if utils.IsWithin(key, dirPath) {
			return true
		}
	}
	return false
}

// mergePending adds cached children of dirPath to entries. seen maps the
// names already listed to their index.
func (f *FileSystem) mergePending(dirPath string, entries []types.DirectoryEntry, seen map[string]int) []types.DirectoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key := range f.cache {
		name, deeper, ok := utils.ChildOf(key, dirPath)
		if !ok {
			continue
		}
		if idx, listed := seen[name]; listed {
			// Something cached lives beneath this directory.
			if deeper && entries[idx].Kind == types.KindDirectory {
				entries[idx].IsEmpty = false
			}
			continue
		}
		kind := types.KindFile
		if deeper {
			kind = types.KindDirectory
		}
		seen[name] = len(entries)
		entries = append(entries, types.NewDirectoryEntry(dirPath, name, kind))
	}
	return entries
}

func sortEntries(entries []types.DirectoryEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Kind != b.Kind {
			return a.Kind == types.KindDirectory
		}
		return a.Name < b.Name
	})
}

// Remove deletes name in path from the cache and then, recursively, from
// the backend. The cache side always succeeds; the backend error is
// returned.
func (f *FileSystem) Remove(ctx context.Context, path, name string) (err error) {
	start := f.clock.Now()
	defer func() { f.observe("delete", start, 0, err) }()

	if err := validateEntry(path, name); err != nil {
		return err
	}
	full := utils.JoinPath(path, name)

	// Holding flushMu keeps an in-flight sweep from writing the entry
	// back after it is removed.
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.mu.Lock()
	f.dropLocked(full)
	dirty := len(f.dirty)
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.SetDirtyPaths(dirty)
	}

	dir, err := f.resolve(ctx, path, false)
	if err != nil {
		return err
	}
	if err := dir.RemoveEntry(ctx, name, true); err != nil {
		return wrapBackend("remove", full, err)
	}
	return nil
}

// Delete is Remove with backend failures logged instead of returned.
func (f *FileSystem) Delete(ctx context.Context, path, name string) {
	err := f.Remove(ctx, path, name)
	switch {
	case err == nil:
	case errors.IsNotFound(err):
		f.logger.Debug("Deleted entry was not on the backend",
			zap.String("path", utils.JoinPath(path, name)))
	default:
		f.logger.Warn("Failed to delete entry from backend",
			zap.String("path", utils.JoinPath(path, name)), zap.Error(err))
	}
}
