// Package local stores the namespace as a directory tree on the host
// filesystem. Entries map one to one onto files and directories beneath a
// root, so the data stays inspectable with ordinary tools.
package local

import (
	"context"
	stderr "errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "storage.local"

// tempPrefix marks in-progress writes. Entries carrying it are hidden
// from listings.
const tempPrefix = ".deskfs-tmp-"

// Backend is a directory tree rooted at a host path.
type Backend struct {
	root   string
	logger *zap.Logger
}

// New returns a backend rooted at root, creating the directory if needed.
func New(root string, logger *zap.Logger) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid local root").
			WithComponent(component).WithCause(err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, translate("init", abs, err)
	}
	return &Backend{root: abs, logger: utils.Component(logger, component)}, nil
}

// Root implements types.Backend.
func (b *Backend) Root(ctx context.Context) (types.DirectoryHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("root", "/", err).WithComponent(component)
	}
	return &dirHandle{b: b, rel: ""}, nil
}

// Close implements types.Backend.
func (b *Backend) Close() error { return nil }

func (b *Backend) abs(rel string) string {
	return filepath.Join(b.root, filepath.FromSlash(rel))
}

// translate maps os errors onto the filesystem error codes.
func translate(op, path string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderr.Is(err, fs.ErrNotExist):
		return errors.NotFound(path).WithComponent(component).WithCause(err)
	default:
		return errors.BackendIO(op, path, err).WithComponent(component)
	}
}

type dirHandle struct {
	b   *Backend
	rel string // slash-separated, relative to the root
}

func (h *dirHandle) Name() string      { return filepath.Base("/" + h.rel) }
func (h *dirHandle) Kind() types.Kind { return types.KindDirectory }

func (h *dirHandle) path() string { return "/" + h.rel }

func (h *dirHandle) child(name string) string {
	if h.rel == "" {
		return name
	}
	return h.rel + "/" + name
}

func (h *dirHandle) GetDirectory(ctx context.Context, name string, create bool) (types.DirectoryHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("get_directory", h.path(), err).WithComponent(component)
	}
	rel := h.child(name)
	p := h.b.abs(rel)

	info, err := os.Stat(p)
	switch {
	case err == nil && !info.IsDir():
		return nil, errors.TypeMismatch("/"+rel, "directory").WithComponent(component)
	case err == nil:
		return &dirHandle{b: h.b, rel: rel}, nil
	case !stderr.Is(err, fs.ErrNotExist) || !create:
		return nil, translate("stat", "/"+rel, err)
	}

	if err := os.Mkdir(p, 0o755); err != nil && !stderr.Is(err, fs.ErrExist) {
		return nil, translate("mkdir", "/"+rel, err)
	}
	return &dirHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) GetFile(ctx context.Context, name string, create bool) (types.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("get_file", h.path(), err).WithComponent(component)
	}
	rel := h.child(name)
	p := h.b.abs(rel)

	info, err := os.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return nil, errors.TypeMismatch("/"+rel, "file").WithComponent(component)
	case err == nil:
		return &fileHandle{b: h.b, rel: rel}, nil
	case !stderr.Is(err, fs.ErrNotExist) || !create:
		return nil, translate("stat", "/"+rel, err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, translate("create", "/"+rel, err)
	}
	if err := f.Close(); err != nil {
		return nil, translate("create", "/"+rel, err)
	}
	return &fileHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) Entries(ctx context.Context) iter.Seq2[types.Handle, error] {
	return func(yield func(types.Handle, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, errors.BackendIO("entries", h.path(), err).WithComponent(component))
			return
		}
		dirents, err := os.ReadDir(h.b.abs(h.rel))
		if err != nil {
			yield(nil, translate("entries", h.path(), err))
			return
		}
		sort.Slice(dirents, func(i, j int) bool { return dirents[i].Name() < dirents[j].Name() })

		for _, d := range dirents {
			if strings.HasPrefix(d.Name(), tempPrefix) {
				continue
			}
			var handle types.Handle
			if d.IsDir() {
				handle = &dirHandle{b: h.b, rel: h.child(d.Name())}
			} else {
				handle = &fileHandle{b: h.b, rel: h.child(d.Name())}
			}
			if !yield(handle, nil) {
				return
			}
		}
	}
}

func (h *dirHandle) RemoveEntry(ctx context.Context, name string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return errors.BackendIO("remove", h.path(), err).WithComponent(component)
	}
	rel := h.child(name)
	p := h.b.abs(rel)

	info, err := os.Lstat(p)
	if err != nil {
		return translate("remove", "/"+rel, err)
	}
	if info.IsDir() && !recursive {
		if err := os.Remove(p); err != nil {
			if entries, rerr := os.ReadDir(p); rerr == nil && len(entries) > 0 {
				return errors.NotEmpty("/" + rel).WithComponent(component)
			}
			return translate("remove", "/"+rel, err)
		}
		return nil
	}
	if err := os.RemoveAll(p); err != nil {
		return translate("remove", "/"+rel, err)
	}
	h.b.logger.Debug("Removed entry", zap.String("path", "/"+rel), zap.Bool("recursive", recursive))
	return nil
}

// Move renames the directory with os.Rename.
func (h *dirHandle) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.rel, dest, newName)
}

type fileHandle struct {
	b   *Backend
	rel string
}

func (h *fileHandle) Name() string     { return filepath.Base("/" + h.rel) }
func (h *fileHandle) Kind() types.Kind { return types.KindFile }

func (h *fileHandle) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("read", "/"+h.rel, err).WithComponent(component)
	}
	data, err := os.ReadFile(h.b.abs(h.rel))
	if err != nil {
		return nil, translate("read", "/"+h.rel, err)
	}
	return data, nil
}

func (h *fileHandle) CreateWritable(ctx context.Context) (types.Writable, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("open", "/"+h.rel, err).WithComponent(component)
	}
	target := h.b.abs(h.rel)
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPrefix+"*")
	if err != nil {
		return nil, translate("open", "/"+h.rel, err)
	}
	return &writable{h: h, tmp: tmp, target: target}, nil
}

// Move renames the file with os.Rename.
func (h *fileHandle) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.rel, dest, newName)
}

// writable writes to a temp file beside the target and renames it over
// the target on Close.
type writable struct {
	h      *fileHandle
	tmp    *os.File
	target string
	failed bool
}

func (w *writable) Write(ctx context.Context, p []byte) error {
	if w.tmp == nil {
		return errors.NewError(errors.ErrCodeStorageIO, "write on closed stream").WithComponent(component)
	}
	if err := ctx.Err(); err != nil {
		w.abort()
		return errors.BackendIO("write", "/"+w.h.rel, err).WithComponent(component)
	}
	if _, err := w.tmp.Write(p); err != nil {
		w.abort()
		return translate("write", "/"+w.h.rel, err)
	}
	return nil
}

func (w *writable) Close(ctx context.Context) error {
	if w.tmp == nil {
		if w.failed {
			return errors.NewError(errors.ErrCodeStorageIO, "stream aborted").WithComponent(component)
		}
		return nil
	}
	name := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		w.tmp = nil
		_ = os.Remove(name)
		return translate("close", "/"+w.h.rel, err)
	}
	w.tmp = nil
	if err := ctx.Err(); err != nil {
		_ = os.Remove(name)
		return errors.BackendIO("close", "/"+w.h.rel, err).WithComponent(component)
	}
	if err := os.Rename(name, w.target); err != nil {
		_ = os.Remove(name)
		return translate("commit", "/"+w.h.rel, err)
	}
	return nil
}

// abort discards the temp file after a failed write.
func (w *writable) abort() {
	name := w.tmp.Name()
	_ = w.tmp.Close()
	_ = os.Remove(name)
	w.tmp = nil
	w.failed = true
}

func (b *Backend) move(ctx context.Context, rel string, dest types.DirectoryHandle, newName string) error {
	if err := ctx.Err(); err != nil {
		return errors.BackendIO("move", "/"+rel, err).WithComponent(component)
	}
	d, ok := dest.(*dirHandle)
	if !ok || d.b != b {
		return errors.NewError(errors.ErrCodeTypeMismatch, "destination is not a directory of this backend").
			WithComponent(component).WithOperation("move")
	}
	if rel == "" {
		return errors.InvalidPath("/", "cannot move the root").WithComponent(component)
	}
	destRel := d.child(newName)
	if strings.HasPrefix(destRel, rel+"/") {
		return errors.InvalidPath("/"+destRel, "cannot move a directory into itself").WithComponent(component)
	}
	from, to := b.abs(rel), b.abs(destRel)
	if err := os.Rename(from, to); err != nil {
		return translate("move", "/"+rel, err)
	}
	b.logger.Debug("Moved entry", zap.String("from", "/"+rel), zap.String("to", "/"+destRel))
	return nil
}
