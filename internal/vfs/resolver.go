package vfs

import (
	"context"

	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// resolve walks path one segment at a time from the root and returns the
// directory handle at its end. With create set, missing directories are
// created along the way; otherwise a missing segment is NOT_FOUND. Dot
// segments are rejected rather than interpreted.
func (f *FileSystem) resolve(ctx context.Context, path string, create bool) (types.DirectoryHandle, error) {
	segments := utils.SplitPath(path)
	if err := utils.ValidateSegments(path, segments); err != nil {
		return nil, err
	}

	dir, err := f.rootHandle()
	if err != nil {
		return nil, err
	}

	for _, segment := range segments {
		dir, err = dir.GetDirectory(ctx, segment, create)
		if err != nil {
			return nil, wrapBackend("resolve", path, err)
		}
	}
	return dir, nil
}

// validateEntry checks a (directory, name) pair before it reaches the
// cache. Keys the resolver would reject can never be flushed.
func validateEntry(path, name string) error {
	if err := utils.ValidateSegments(path, utils.SplitPath(path)); err != nil {
		return err
	}
	return utils.ValidateName(name)
}

// lookup returns the entry called name in dir, trying a directory first
// and then a file.
func lookup(ctx context.Context, dir types.DirectoryHandle, fullPath, name string) (types.Handle, error) {
	d, err := dir.GetDirectory(ctx, name, false)
	if err == nil {
		return d, nil
	}
	if !isAbsent(err) {
		return nil, wrapBackend("lookup", fullPath, err)
	}

	fh, err := dir.GetFile(ctx, name, false)
	if err != nil {
		return nil, wrapBackend("lookup", fullPath, err)
	}
	return fh, nil
}
