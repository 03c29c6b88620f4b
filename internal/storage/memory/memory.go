// Package memory implements an in-process backend. It backs tests and the
// "memory" storage setting, and can be built with or without the atomic
// move capability so both rename strategies of the filesystem are
// reachable.
package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "storage.memory"

// Operation names passed to fault hooks and counted by OpCount.
const (
	OpGetDirectory = "get_directory"
	OpGetFile      = "get_file"
	OpRead         = "read"
	OpWrite        = "write"
	OpEntries      = "entries"
	OpRemove       = "remove"
	OpMove         = "move"
)

// FaultFunc decides whether op on path fails. Returning nil lets the call
// proceed.
type FaultFunc func(op, path string) error

type node struct {
	name     string
	kind     types.Kind
	parent   *node
	children map[string]*node
	data     []byte
}

func (n *node) path() string {
	if n.parent == nil {
		return "/"
	}
	var segments []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		segments = append(segments, cur.name)
	}
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
	return "/" + strings.Join(segments, "/")
}

// Backend is an in-memory tree of directories and files.
type Backend struct {
	mu sync.Mutex

	root       *node
	atomicMove bool
	fault      FaultFunc
	logger     *zap.Logger

	ops      map[string]int
	persists map[string]int
	last     map[string][]byte
}

// Option configures a Backend.
type Option func(*Backend)

// WithAtomicMove controls whether handles implement types.Mover.
func WithAtomicMove(enabled bool) Option {
	return func(b *Backend) { b.atomicMove = enabled }
}

// WithLogger sets the backend logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) { b.logger = utils.Component(logger, component) }
}

// New returns an empty backend. Atomic move is enabled by default.
func New(opts ...Option) *Backend {
	b := &Backend{
		root:       &node{kind: types.KindDirectory, children: map[string]*node{}},
		atomicMove: true,
		logger:     zap.NewNop(),
		ops:        map[string]int{},
		persists:   map[string]int{},
		last:       map[string][]byte{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Root implements types.Backend.
func (b *Backend) Root(ctx context.Context) (types.DirectoryHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("root", "/", err).WithComponent(component)
	}
	return b.dirHandle(b.root), nil
}

// Close implements types.Backend.
func (b *Backend) Close() error { return nil }

// InjectFault installs f as the fault hook. Pass nil to clear it.
func (b *Backend) InjectFault(f FaultFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

// PersistCount returns how many writables have been committed to fullPath.
func (b *Backend) PersistCount(fullPath string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persists[utils.CleanPath(fullPath)]
}

// LastPersisted returns the content of the last commit to fullPath.
func (b *Backend) LastPersisted(fullPath string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.last[utils.CleanPath(fullPath)]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

// TotalPersists returns the number of commits across all paths.
func (b *Backend) TotalPersists() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.persists {
		total += n
	}
	return total
}

// OpCount returns how many times op was invoked.
func (b *Backend) OpCount(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ops[op]
}

// Paths returns every entry below the root in sorted order. Directories
// carry a trailing slash.
func (b *Backend) Paths() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	var walk func(n *node)
	walk = func(n *node) {
		for _, child := range n.children {
			if child.kind == types.KindDirectory {
				out = append(out, child.path()+"/")
				walk(child)
			} else {
				out = append(out, child.path())
			}
		}
	}
	walk(b.root)
	sort.Strings(out)
	return out
}

// begin counts op and consults the fault hook. Callers hold b.mu.
func (b *Backend) begin(ctx context.Context, op, path string) error {
	b.ops[op]++
	if err := ctx.Err(); err != nil {
		return errors.BackendIO(op, path, err).WithComponent(component)
	}
	if b.fault != nil {
		if err := b.fault(op, path); err != nil {
			return errors.BackendIO(op, path, err).WithComponent(component)
		}
	}
	return nil
}

// attached reports whether n is still reachable from the root. Callers
// hold b.mu.
func (b *Backend) attached(n *node) bool {
	for cur := n; cur != nil; cur = cur.parent {
		if cur == b.root {
			return true
		}
	}
	return false
}

func (b *Backend) dirHandle(n *node) types.DirectoryHandle {
	h := &dirHandle{b: b, n: n}
	if b.atomicMove {
		return &movableDir{h}
	}
	return h
}

func (b *Backend) fileHandle(n *node) types.FileHandle {
	h := &fileHandle{b: b, n: n}
	if b.atomicMove {
		return &movableFile{h}
	}
	return h
}

func (b *Backend) nameOf(n *node) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return n.name
}

// nodeOf unwraps any handle produced by this backend.
func (b *Backend) nodeOf(h types.Handle) (*node, bool) {
	switch v := h.(type) {
	case *dirHandle:
		return v.n, v.b == b
	case *movableDir:
		return v.n, v.b == b
	case *fileHandle:
		return v.n, v.b == b
	case *movableFile:
		return v.n, v.b == b
	}
	return nil, false
}

type dirHandle struct {
	b *Backend
	n *node
}

func (h *dirHandle) Name() string      { return h.b.nameOf(h.n) }
func (h *dirHandle) Kind() types.Kind { return types.KindDirectory }

func (h *dirHandle) GetDirectory(ctx context.Context, name string, create bool) (types.DirectoryHandle, error) {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	target := utils.JoinPath(h.n.path(), name)
	if err := b.begin(ctx, OpGetDirectory, target); err != nil {
		return nil, err
	}
	if !b.attached(h.n) {
		return nil, errors.NotFound(h.n.path()).WithComponent(component)
	}

	child, ok := h.n.children[name]
	switch {
	case ok && child.kind != types.KindDirectory:
		return nil, errors.TypeMismatch(target, "directory").WithComponent(component)
	case ok:
		return b.dirHandle(child), nil
	case !create:
		return nil, errors.NotFound(target).WithComponent(component)
	}

	child = &node{name: name, kind: types.KindDirectory, parent: h.n, children: map[string]*node{}}
	h.n.children[name] = child
	return b.dirHandle(child), nil
}

func (h *dirHandle) GetFile(ctx context.Context, name string, create bool) (types.FileHandle, error) {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	target := utils.JoinPath(h.n.path(), name)
	if err := b.begin(ctx, OpGetFile, target); err != nil {
		return nil, err
	}
	if !b.attached(h.n) {
		return nil, errors.NotFound(h.n.path()).WithComponent(component)
	}

	child, ok := h.n.children[name]
	switch {
	case ok && child.kind != types.KindFile:
		return nil, errors.TypeMismatch(target, "file").WithComponent(component)
	case ok:
		return b.fileHandle(child), nil
	case !create:
		return nil, errors.NotFound(target).WithComponent(component)
	}

	child = &node{name: name, kind: types.KindFile, parent: h.n}
	h.n.children[name] = child
	return b.fileHandle(child), nil
}

func (h *dirHandle) Entries(ctx context.Context) iter.Seq2[types.Handle, error] {
	return func(yield func(types.Handle, error) bool) {
		b := h.b
		b.mu.Lock()
		if err := b.begin(ctx, OpEntries, h.n.path()); err != nil {
			b.mu.Unlock()
			yield(nil, err)
			return
		}
		if !b.attached(h.n) {
			b.mu.Unlock()
			yield(nil, errors.NotFound(h.n.path()).WithComponent(component))
			return
		}
		names := make([]string, 0, len(h.n.children))
		for name := range h.n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		handles := make([]types.Handle, 0, len(names))
		for _, name := range names {
			child := h.n.children[name]
			if child.kind == types.KindDirectory {
				handles = append(handles, b.dirHandle(child))
			} else {
				handles = append(handles, b.fileHandle(child))
			}
		}
		b.mu.Unlock()

		for _, handle := range handles {
			if !yield(handle, nil) {
				return
			}
		}
	}
}

func (h *dirHandle) RemoveEntry(ctx context.Context, name string, recursive bool) error {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	target := utils.JoinPath(h.n.path(), name)
	if err := b.begin(ctx, OpRemove, target); err != nil {
		return err
	}

	child, ok := h.n.children[name]
	if !ok || !b.attached(h.n) {
		return errors.NotFound(target).WithComponent(component)
	}
	if child.kind == types.KindDirectory && len(child.children) > 0 && !recursive {
		return errors.NotEmpty(target).WithComponent(component)
	}

	delete(h.n.children, name)
	child.parent = nil
	b.logger.Debug("Removed entry", zap.String("path", target), zap.Bool("recursive", recursive))
	return nil
}

type fileHandle struct {
	b *Backend
	n *node
}

func (h *fileHandle) Name() string     { return h.b.nameOf(h.n) }
func (h *fileHandle) Kind() types.Kind { return types.KindFile }

func (h *fileHandle) ReadAll(ctx context.Context) ([]byte, error) {
	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	path := h.n.path()
	if err := b.begin(ctx, OpRead, path); err != nil {
		return nil, err
	}
	if !b.attached(h.n) {
		return nil, errors.NotFound(path).WithComponent(component)
	}
	out := make([]byte, len(h.n.data))
	copy(out, h.n.data)
	return out, nil
}

func (h *fileHandle) CreateWritable(ctx context.Context) (types.Writable, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("open", h.Name(), err).WithComponent(component)
	}
	return &writable{h: h}, nil
}

// writable buffers until Close, when the buffer replaces the file content.
type writable struct {
	h      *fileHandle
	buf    []byte
	closed bool
}

func (w *writable) Write(ctx context.Context, p []byte) error {
	if w.closed {
		return errors.NewError(errors.ErrCodeStorageIO, "write on closed stream").WithComponent(component)
	}
	if err := ctx.Err(); err != nil {
		return errors.BackendIO(OpWrite, w.h.Name(), err).WithComponent(component)
	}
	w.buf = append(w.buf, p...)
	return nil
}

func (w *writable) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true

	b := w.h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	path := w.h.n.path()
	if err := b.begin(ctx, OpWrite, path); err != nil {
		return err
	}
	if !b.attached(w.h.n) {
		return errors.NotFound(path).WithComponent(component)
	}

	w.h.n.data = w.buf
	b.persists[path]++
	committed := make([]byte, len(w.buf))
	copy(committed, w.buf)
	b.last[path] = committed
	return nil
}

type movableDir struct{ *dirHandle }

func (h *movableDir) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.n, dest, newName)
}

type movableFile struct{ *fileHandle }

func (h *movableFile) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.n, dest, newName)
}

func (b *Backend) move(ctx context.Context, src *node, dest types.DirectoryHandle, newName string) error {
	destNode, ok := b.nodeOf(dest)
	if !ok || destNode.kind != types.KindDirectory {
		return errors.NewError(errors.ErrCodeTypeMismatch, "destination is not a directory of this backend").
			WithComponent(component).WithOperation(OpMove)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	from := src.path()
	to := utils.JoinPath(destNode.path(), newName)
	if err := b.begin(ctx, OpMove, from); err != nil {
		return err
	}
	if !b.attached(src) || !b.attached(destNode) || src.parent == nil {
		return errors.NotFound(from).WithComponent(component)
	}
	for cur := destNode; cur != nil; cur = cur.parent {
		if cur == src {
			return errors.InvalidPath(to, "cannot move a directory into itself").WithComponent(component)
		}
	}

	if existing, ok := destNode.children[newName]; ok && existing != src {
		if existing.kind != src.kind {
			return errors.TypeMismatch(to, src.kind.String()).WithComponent(component)
		}
		if existing.kind == types.KindDirectory && len(existing.children) > 0 {
			return errors.NotEmpty(to).WithComponent(component)
		}
		existing.parent = nil
	}

	delete(src.parent.children, src.name)
	src.name = newName
	src.parent = destNode
	destNode.children[newName] = src

	b.logger.Debug("Moved entry", zap.String("from", from), zap.String("to", to))
	return nil
}
