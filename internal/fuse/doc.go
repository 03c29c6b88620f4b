/*
Package fuse exposes a deskfs filesystem as a mountable FUSE filesystem.

The package sits between the kernel and the virtual filesystem in
internal/vfs:

	┌─────────────────────────────────────────────┐
	│         Shell, Finder-style tools           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Kernel VFS / FUSE driver             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   DirectoryNode / FileNode / FileHandle     │  ← This Package
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   vfs.FileSystem (cache, debounced flush)   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     memory / local / s3 / kv backend        │
	└─────────────────────────────────────────────┘

# Operation Mapping

	lookup, readdir    vfs ListEntries (merged with unflushed writes)
	getattr            vfs ReadFile for the size of a file
	open, read         whole file read into the handle
	write              handle buffer, written back on flush/release
	create             vfs Write of empty text
	mkdir              vfs MkdirAll
	unlink, rmdir      vfs Remove
	rename             vfs Move
	fsync              handle flush followed by vfs Flush

Files are buffered whole per open handle. A flush or release hands the
buffer to vfs Write, which means the content reaches the backend on the
next debounced sweep, or immediately on fsync.

Filesystem errors map to errno values: NOT_FOUND to ENOENT, TYPE_MISMATCH
to ENOTDIR, PATH_INVALID to EINVAL, NOT_EMPTY to ENOTEMPTY and
LIMIT_EXCEEDED to EFBIG. Anything else is reported as EIO and logged at
warn level. Read-only mounts answer every mutation with EROFS.

# Usage

	fsys := fuse.NewFileSystem(v, &fuse.Config{ReadOnly: cfg.Mount.ReadOnly}, logger)
	mgr := fuse.NewMountManager(fsys, fuse.MountConfigFrom(cfg.Mount))
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
	mgr.Wait()
*/
package fuse
