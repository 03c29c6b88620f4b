package fuse

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/vfs"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem exposes a vfs.FileSystem through go-fuse. Whole files are
// read into the open handle and written back with vfs Write when the
// handle is flushed, so persistence follows the filesystem's debounce.
type FileSystem struct {
	vfs    *vfs.FileSystem
	config *Config
	logger *zap.Logger
	stats  Stats
	start  time.Time
}

// Config represents FUSE filesystem configuration
type Config struct {
	ReadOnly bool `yaml:"read_only"`

	UID      uint32 `yaml:"uid"`
	GID      uint32 `yaml:"gid"`
	FileMode uint32 `yaml:"file_mode"`
	DirMode  uint32 `yaml:"dir_mode"`
}

// Stats tracks filesystem operation statistics
type Stats struct {
	Lookups      atomic.Int64
	Opens        atomic.Int64
	Reads        atomic.Int64
	Writes       atomic.Int64
	BytesRead    atomic.Int64
	BytesWritten atomic.Int64
	Errors       atomic.Int64
}

// FilesystemStats is a snapshot of Stats.
type FilesystemStats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(v *vfs.FileSystem, config *Config, logger *zap.Logger) *FileSystem {
	if config == nil {
		config = &Config{}
	}
	if config.UID == 0 && config.GID == 0 {
		config.UID = safeIntToUint32(os.Getuid())
		config.GID = safeIntToUint32(os.Getgid())
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}
	if config.DirMode == 0 {
		config.DirMode = 0o755
	}
	return &FileSystem{
		vfs:    v,
		config: config,
		logger: utils.Component(logger, "fuse"),
		start:  time.Now(),
	}
}

// Root returns the root inode
func (f *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{fsys: f}
}

// GetStats returns current filesystem statistics
func (f *FileSystem) GetStats() FilesystemStats {
	return FilesystemStats{
		Lookups:      f.stats.Lookups.Load(),
		Opens:        f.stats.Opens.Load(),
		Reads:        f.stats.Reads.Load(),
		Writes:       f.stats.Writes.Load(),
		BytesRead:    f.stats.BytesRead.Load(),
		BytesWritten: f.stats.BytesWritten.Load(),
		Errors:       f.stats.Errors.Load(),
	}
}

// errno maps filesystem errors onto POSIX error numbers.
func (f *FileSystem) errno(op, path string, err error) syscall.Errno {
	if err == nil {
		return 0
	}
	f.stats.Errors.Add(1)

	var e syscall.Errno
	switch errors.CodeOf(err) {
	case errors.ErrCodeNotFound:
		e = syscall.ENOENT
	case errors.ErrCodeTypeMismatch:
		e = syscall.ENOTDIR
	case errors.ErrCodePathInvalid:
		e = syscall.EINVAL
	case errors.ErrCodeNotEmpty:
		e = syscall.ENOTEMPTY
	case errors.ErrCodeLimitExceeded:
		e = syscall.EFBIG
	case errors.ErrCodeOperationCanceled:
		e = syscall.EINTR
	default:
		e = syscall.EIO
	}

	if e == syscall.EIO {
		f.logger.Warn("FUSE operation failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
	} else {
		f.logger.Debug("FUSE operation failed",
			zap.String("op", op),
			zap.String("path", path),
			zap.Error(err))
	}
	return e
}

func (f *FileSystem) fillDirAttr(out *fuse.Attr) {
	out.Mode = fuse.S_IFDIR | f.config.DirMode
	out.Nlink = 2
	f.fillCommon(out)
}

func (f *FileSystem) fillFileAttr(out *fuse.Attr, size int) {
	out.Mode = fuse.S_IFREG | f.config.FileMode
	out.Nlink = 1
	out.Size = uint64(max(size, 0))
	out.Blocks = (out.Size + 511) / 512
	f.fillCommon(out)
}

func (f *FileSystem) fillCommon(out *fuse.Attr) {
	out.Uid = f.config.UID
	out.Gid = f.config.GID
	t := uint64(f.start.Unix())
	out.Atime, out.Mtime, out.Ctime = t, t, t
}

// child returns the kind of name inside dir, consulting the merged
// listing so unflushed entries are visible.
func (f *FileSystem) child(ctx context.Context, dir, name string) (types.Kind, bool, error) {
	entries, err := f.vfs.ListEntries(ctx, dir)
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Kind, true, nil
		}
	}
	return 0, false, nil
}

// inodePath walks the parents of n up to the mount root. Paths are
// derived on every call because the kernel can rename or move an inode
// after it was created. It reports false when n or one of its ancestors
// has been unlinked.
func inodePath(n *fs.Inode) (string, bool) {
	var segments []string
	for !n.IsRoot() {
		name, parent := n.Parent()
		if parent == nil {
			return "", false
		}
		segments = append(segments, name)
		n = parent
	}
	slices.Reverse(segments)
	return "/" + strings.Join(segments, "/"), true
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeLookuper  = (*DirectoryNode)(nil)
	_ fs.NodeReaddirer = (*DirectoryNode)(nil)
	_ fs.NodeGetattrer = (*DirectoryNode)(nil)
	_ fs.NodeMkdirer   = (*DirectoryNode)(nil)
	_ fs.NodeCreater   = (*DirectoryNode)(nil)
	_ fs.NodeUnlinker  = (*DirectoryNode)(nil)
	_ fs.NodeRmdirer   = (*DirectoryNode)(nil)
	_ fs.NodeRenamer   = (*DirectoryNode)(nil)
)

// path returns the current location of the directory.
func (n *DirectoryNode) path() (string, bool) {
	return inodePath(&n.Inode)
}

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.fsys.stats.Lookups.Add(1)

	dir, ok := n.path()
	if !ok {
		return nil, syscall.ENOENT
	}
	kind, ok, err := n.fsys.child(ctx, dir, name)
	if err != nil {
		return nil, n.fsys.errno("lookup", utils.JoinPath(dir, name), err)
	}
	if !ok {
		return nil, syscall.ENOENT
	}

	if kind == types.KindDirectory {
		n.fsys.fillDirAttr(&out.Attr)
		return n.newDir(ctx), 0
	}

	content, err := n.fsys.vfs.ReadFile(ctx, dir, name)
	if err != nil {
		return nil, n.fsys.errno("lookup", utils.JoinPath(dir, name), err)
	}
	n.fsys.fillFileAttr(&out.Attr, content.Len())
	return n.newFile(ctx), 0
}

// Readdir reads directory contents
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir, ok := n.path()
	if !ok {
		return nil, syscall.ENOENT
	}
	listed, err := n.fsys.vfs.ListEntries(ctx, dir)
	if err != nil {
		return nil, n.fsys.errno("readdir", dir, err)
	}

	entries := make([]fuse.DirEntry, 0, len(listed))
	for _, e := range listed {
		mode := uint32(fuse.S_IFREG)
		if e.Kind == types.KindDirectory {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Getattr reports directory attributes.
func (n *DirectoryNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fsys.fillDirAttr(&out.Attr)
	return 0
}

// Mkdir creates a new directory
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, syscall.EROFS
	}
	dir, ok := n.path()
	if !ok {
		return nil, syscall.ENOENT
	}
	full := utils.JoinPath(dir, name)
	if err := utils.ValidateName(name); err != nil {
		return nil, n.fsys.errno("mkdir", full, err)
	}
	if _, ok, err := n.fsys.child(ctx, dir, name); err == nil && ok {
		return nil, syscall.EEXIST
	}
	if err := n.fsys.vfs.MkdirAll(ctx, full); err != nil {
		return nil, n.fsys.errno("mkdir", full, err)
	}
	n.fsys.fillDirAttr(&out.Attr)
	return n.newDir(ctx), 0
}

// Create creates a new file
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.fsys.config.ReadOnly {
		return nil, nil, 0, syscall.EROFS
	}
	dir, ok := n.path()
	if !ok {
		return nil, nil, 0, syscall.ENOENT
	}
	if err := n.fsys.vfs.Write(dir, name, types.Text("")); err != nil {
		return nil, nil, 0, n.fsys.errno("create", utils.JoinPath(dir, name), err)
	}

	n.fsys.stats.Opens.Add(1)
	n.fsys.fillFileAttr(&out.Attr, 0)
	file := &FileNode{fsys: n.fsys}
	inode := n.NewInode(ctx, file, fs.StableAttr{Mode: fuse.S_IFREG})
	return inode, &FileHandle{fsys: n.fsys, node: file}, 0, 0
}

// Unlink removes a file.
func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	dir, ok := n.path()
	if !ok {
		return syscall.ENOENT
	}
	_, ok, err := n.fsys.child(ctx, dir, name)
	if err != nil {
		return n.fsys.errno("unlink", utils.JoinPath(dir, name), err)
	}
	if !ok {
		return syscall.ENOENT
	}
	// A file still pending in the cache has no backend entry yet.
	if err := n.fsys.vfs.Remove(ctx, dir, name); err != nil && !errors.IsNotFound(err) {
		return n.fsys.errno("unlink", utils.JoinPath(dir, name), err)
	}
	return 0
}

// Rmdir removes an empty directory.
func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	dir, ok := n.path()
	if !ok {
		return syscall.ENOENT
	}
	full := utils.JoinPath(dir, name)
	entries, err := n.fsys.vfs.ListEntries(ctx, full)
	if err != nil {
		return n.fsys.errno("rmdir", full, err)
	}
	if len(entries) > 0 {
		return syscall.ENOTEMPTY
	}
	if err := n.fsys.vfs.Remove(ctx, dir, name); err != nil && !errors.IsNotFound(err) {
		return n.fsys.errno("rmdir", full, err)
	}
	return 0
}

// Rename moves an entry, possibly into another directory. go-fuse moves
// the inode itself once this returns, so children resolve to the new
// location on their next call.
func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if n.fsys.config.ReadOnly {
		return syscall.EROFS
	}
	dest, ok := newParent.(*DirectoryNode)
	if !ok {
		return syscall.EXDEV
	}
	from, ok := n.path()
	if !ok {
		return syscall.ENOENT
	}
	to, ok := dest.path()
	if !ok {
		return syscall.ENOENT
	}
	err := n.fsys.vfs.Move(ctx, from, name, to, newName)
	return n.fsys.errno("rename", utils.JoinPath(from, name), err)
}

func (n *DirectoryNode) newDir(ctx context.Context) *fs.Inode {
	return n.NewInode(ctx, &DirectoryNode{fsys: n.fsys}, fs.StableAttr{Mode: fuse.S_IFDIR})
}

func (n *DirectoryNode) newFile(ctx context.Context) *fs.Inode {
	return n.NewInode(ctx, &FileNode{fsys: n.fsys}, fs.StableAttr{Mode: fuse.S_IFREG})
}

// FileNode represents a file in the filesystem
type FileNode struct {
	fs.Inode
	fsys *FileSystem
}

var (
	_ fs.NodeOpener    = (*FileNode)(nil)
	_ fs.NodeGetattrer = (*FileNode)(nil)
	_ fs.NodeSetattrer = (*FileNode)(nil)
)

// location returns the directory and name the file currently lives at.
func (f *FileNode) location() (dir, name string, ok bool) {
	full, ok := inodePath(&f.Inode)
	if !ok {
		return "", "", false
	}
	dir, name = utils.SplitParent(full)
	return dir, name, name != ""
}

// Open loads the file into a handle.
func (f *FileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.fsys.stats.Opens.Add(1)

	writing := flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC|syscall.O_APPEND) != 0
	if f.fsys.config.ReadOnly && writing {
		return nil, 0, syscall.EROFS
	}

	h := &FileHandle{fsys: f.fsys, node: f}
	if flags&syscall.O_TRUNC != 0 {
		h.dirty = true
		return h, fuse.FOPEN_DIRECT_IO, 0
	}

	dir, name, ok := f.location()
	if !ok {
		return nil, 0, syscall.ENOENT
	}
	content, err := f.fsys.vfs.ReadFile(ctx, dir, name)
	if err != nil {
		return nil, 0, f.fsys.errno("open", utils.JoinPath(dir, name), err)
	}
	h.data = content.Bytes()
	return h, fuse.FOPEN_DIRECT_IO, 0
}

// Getattr reports the size of the cached or stored content.
func (f *FileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*FileHandle); ok {
		f.fsys.fillFileAttr(&out.Attr, h.size())
		return 0
	}
	dir, name, ok := f.location()
	if !ok {
		return syscall.ENOENT
	}
	content, err := f.fsys.vfs.ReadFile(ctx, dir, name)
	if err != nil {
		return f.fsys.errno("getattr", utils.JoinPath(dir, name), err)
	}
	f.fsys.fillFileAttr(&out.Attr, content.Len())
	return 0
}

// Setattr supports truncation. Other attributes are fixed.
func (f *FileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	size, ok := in.GetSize()
	if !ok {
		return f.Getattr(ctx, fh, out)
	}
	if f.fsys.config.ReadOnly {
		return syscall.EROFS
	}

	if h, isOpen := fh.(*FileHandle); isOpen {
		h.truncate(int(size))
		f.fsys.fillFileAttr(&out.Attr, int(size))
		return 0
	}

	dir, name, ok := f.location()
	if !ok {
		return syscall.ENOENT
	}
	content, err := f.fsys.vfs.ReadFile(ctx, dir, name)
	if err != nil {
		return f.fsys.errno("truncate", utils.JoinPath(dir, name), err)
	}
	data := content.Bytes()
	data = resize(data, int(size))
	if err := f.fsys.vfs.Write(dir, name, types.Binary(data)); err != nil {
		return f.fsys.errno("truncate", utils.JoinPath(dir, name), err)
	}
	f.fsys.fillFileAttr(&out.Attr, len(data))
	return 0
}

// FileHandle represents an open file handle. It writes back to wherever
// its node lives at flush time.
type FileHandle struct {
	fsys *FileSystem
	node *FileNode

	mu    sync.Mutex
	data  []byte
	dirty bool
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
)

func (h *FileHandle) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.data)
}

func (h *FileHandle) truncate(size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = resize(h.data, size)
	h.dirty = true
}

// Read reads data from the file
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.fsys.stats.Reads.Add(1)
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := min(off+int64(len(dest)), int64(len(h.data)))
	n := copy(dest, h.data[off:end])
	h.fsys.stats.BytesRead.Add(int64(n))
	return fuse.ReadResultData(dest[:n]), 0
}

// Write writes data to the file
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	if h.fsys.config.ReadOnly {
		return 0, syscall.EROFS
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	end := int(off) + len(data)
	if end > len(h.data) {
		h.data = resize(h.data, end)
	}
	copy(h.data[off:], data)
	h.dirty = true

	h.fsys.stats.Writes.Add(1)
	h.fsys.stats.BytesWritten.Add(int64(len(data)))
	return safeIntToUint32(len(data)), 0
}

// Flush hands the buffered content to the filesystem.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return 0
	}
	dir, name, ok := h.node.location()
	if !ok {
		// Unlinked while open; there is nowhere to write back to.
		h.dirty = false
		return 0
	}
	if err := h.fsys.vfs.Write(dir, name, types.Binary(h.data)); err != nil {
		return h.fsys.errno("flush", utils.JoinPath(dir, name), err)
	}
	h.dirty = false
	return 0
}

// Fsync writes the handle back and persists every pending path.
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if errno := h.Flush(ctx); errno != 0 {
		return errno
	}
	full, _ := inodePath(&h.node.Inode)
	return h.fsys.errno("fsync", full, h.fsys.vfs.Flush(ctx))
}

// Release releases the file handle
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	return h.Flush(ctx)
}

// resize returns data grown with zeros or cut to size.
func resize(data []byte, size int) []byte {
	if size <= len(data) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}
