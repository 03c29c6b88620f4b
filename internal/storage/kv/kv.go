// Package kv stores the namespace in an embedded nutsdb database. Every
// entry is one key in a single B-tree bucket, so a whole subtree can be
// renamed or removed inside one transaction.
//
// Keys are the parent's relative path and the entry name joined by a NUL
// byte. Children of a directory therefore share a key prefix and are
// listed with a prefix scan; descendants deeper down share the prefix
// "<rel>/".
package kv

import (
	"bytes"
	"context"
	stderr "errors"
	"iter"
	"path"
	"sort"
	"strings"

	"github.com/nutsdb/nutsdb"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

const component = "storage.kv"

const sep = "\x00"

// rootKey holds the root directory record. It also keeps the bucket
// index non-empty.
var rootKey = []byte(sep)

// Config configures the database.
type Config struct {
	Dir         string
	Bucket      string
	Compression bool

	// SegmentSize is the nutsdb data file size. Zero uses 8MB.
	SegmentSize int64
}

// ConfigFrom converts the storage section of the process configuration.
func ConfigFrom(c config.KVConfig) Config {
	return Config{Dir: c.Dir, Bucket: c.Bucket, Compression: c.Compression}
}

// Backend is a types.Backend over nutsdb.
type Backend struct {
	db       *nutsdb.DB
	bucket   string
	compress bool
	logger   *zap.Logger
}

// Open opens or creates the database in cfg.Dir.
func Open(cfg Config, logger *zap.Logger) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "kv directory is required").
			WithComponent(component)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "deskfs"
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = 8 * 1024 * 1024
	}

	db, err := nutsdb.Open(
		nutsdb.DefaultOptions,
		nutsdb.WithDir(cfg.Dir),
		nutsdb.WithSegmentSize(cfg.SegmentSize),
	)
	if err != nil {
		return nil, errors.BackendIO("open", cfg.Dir, err).WithComponent(component)
	}

	err = db.Update(func(tx *nutsdb.Tx) error {
		if err := tx.NewBucket(nutsdb.DataStructureBTree, cfg.Bucket); err != nil && err != nutsdb.ErrBucketAlreadyExist {
			return err
		}
		return nil
	})
	if err == nil {
		err = db.Update(func(tx *nutsdb.Tx) error {
			if _, err := tx.Get(cfg.Bucket, rootKey); err == nil {
				return nil
			}
			return tx.Put(cfg.Bucket, rootKey, encodeDir(), 0)
		})
	}
	if err != nil {
		_ = db.Close()
		return nil, errors.BackendIO("init", cfg.Dir, err).WithComponent(component)
	}

	logger = utils.Component(logger, component)
	logger.Info("Opened key-value store",
		zap.String("dir", cfg.Dir),
		zap.String("bucket", cfg.Bucket),
		zap.Bool("compression", cfg.Compression))

	return &Backend{db: db, bucket: cfg.Bucket, compress: cfg.Compression, logger: logger}, nil
}

// Root implements types.Backend.
func (b *Backend) Root(ctx context.Context) (types.DirectoryHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("root", "/", err).WithComponent(component)
	}
	return &dirHandle{b: b}, nil
}

// Close implements types.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

func entryKey(parent, name string) []byte {
	return []byte(parent + sep + name)
}

func splitKey(key []byte) (parent, name string) {
	i := bytes.IndexByte(key, 0)
	return string(key[:i]), string(key[i+1:])
}

func join(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

func isMissing(err error) bool {
	return stderr.Is(err, nutsdb.ErrKeyNotFound) || stderr.Is(err, nutsdb.ErrBucketNotFound)
}

func ignoreEmptyScan(err error) error {
	if err == nil || err == nutsdb.ErrPrefixScan || err == nutsdb.ErrBucketNotFound {
		return nil
	}
	return err
}

// get loads the record for rel. The root always exists.
func (b *Backend) get(tx *nutsdb.Tx, rel string) (record, bool, error) {
	key := rootKey
	if rel != "" {
		key = entryKey(path.Dir("/" + rel)[1:], path.Base(rel))
	}
	value, err := tx.Get(b.bucket, key)
	if isMissing(err) {
		return record{}, false, nil
	}
	if err != nil {
		return record{}, false, err
	}
	r, err := decodeRecord(value)
	if err != nil {
		return record{}, false, errors.NewError(errors.ErrCodeStorageIO, "corrupt record").
			WithComponent(component).WithContext("path", "/"+rel).WithCause(err)
	}
	return r, true, nil
}

// requireDir fails unless rel is an existing directory.
func (b *Backend) requireDir(tx *nutsdb.Tx, rel string) error {
	r, ok, err := b.get(tx, rel)
	switch {
	case err != nil:
		return err
	case !ok:
		return errors.NotFound("/" + rel).WithComponent(component)
	case r.kind != kindDir:
		return errors.TypeMismatch("/"+rel, "directory").WithComponent(component)
	}
	return nil
}

// scan returns the keys and values beginning with prefix.
func (b *Backend) scan(tx *nutsdb.Tx, prefix string, values bool) ([][]byte, [][]byte, error) {
	keys, vals, err := tx.PrefixScanEntries(b.bucket, []byte(prefix), "", 0, -1, true, values)
	if err := ignoreEmptyScan(err); err != nil {
		return nil, nil, err
	}
	return keys, vals, nil
}

// subtreeKeys returns the keys of every descendant of the directory rel.
func (b *Backend) subtreeKeys(tx *nutsdb.Tx, rel string) ([][]byte, error) {
	children, _, err := b.scan(tx, rel+sep, false)
	if err != nil {
		return nil, err
	}
	deeper, _, err := b.scan(tx, rel+"/", false)
	if err != nil {
		return nil, err
	}
	return append(children, deeper...), nil
}

func (b *Backend) view(ctx context.Context, op, p string, fn func(tx *nutsdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.BackendIO(op, p, err).WithComponent(component)
	}
	return b.wrap(op, p, b.db.View(fn))
}

func (b *Backend) update(ctx context.Context, op, p string, fn func(tx *nutsdb.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errors.BackendIO(op, p, err).WithComponent(component)
	}
	return b.wrap(op, p, b.db.Update(fn))
}

func (b *Backend) wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var fsErr *errors.FSError
	if stderr.As(err, &fsErr) {
		return err
	}
	return errors.BackendIO(op, p, err).WithComponent(component)
}

type dirHandle struct {
	b   *Backend
	rel string
}

func (h *dirHandle) Name() string      { return path.Base("/" + h.rel) }
func (h *dirHandle) Kind() types.Kind { return types.KindDirectory }

func (h *dirHandle) GetDirectory(ctx context.Context, name string, create bool) (types.DirectoryHandle, error) {
	rel := join(h.rel, name)
	p := "/" + rel

	var created bool
	err := h.b.update(ctx, "get_directory", p, func(tx *nutsdb.Tx) error {
		if err := h.b.requireDir(tx, h.rel); err != nil {
			return err
		}
		r, ok, err := h.b.get(tx, rel)
		switch {
		case err != nil:
			return err
		case ok && r.kind != kindDir:
			return errors.TypeMismatch(p, "directory").WithComponent(component)
		case ok:
			return nil
		case !create:
			return errors.NotFound(p).WithComponent(component)
		}
		created = true
		return tx.Put(h.b.bucket, entryKey(h.rel, name), encodeDir(), 0)
	})
	if err != nil {
		return nil, err
	}
	if created {
		h.b.logger.Debug("Created directory", zap.String("path", p))
	}
	return &dirHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) GetFile(ctx context.Context, name string, create bool) (types.FileHandle, error) {
	rel := join(h.rel, name)
	p := "/" + rel

	err := h.b.update(ctx, "get_file", p, func(tx *nutsdb.Tx) error {
		if err := h.b.requireDir(tx, h.rel); err != nil {
			return err
		}
		r, ok, err := h.b.get(tx, rel)
		switch {
		case err != nil:
			return err
		case ok && r.kind != kindFile:
			return errors.TypeMismatch(p, "file").WithComponent(component)
		case ok:
			return nil
		case !create:
			return errors.NotFound(p).WithComponent(component)
		}
		return tx.Put(h.b.bucket, entryKey(h.rel, name), encodeFile(nil, false), 0)
	})
	if err != nil {
		return nil, err
	}
	return &fileHandle{b: h.b, rel: rel}, nil
}

func (h *dirHandle) Entries(ctx context.Context) iter.Seq2[types.Handle, error] {
	return func(yield func(types.Handle, error) bool) {
		var handles []types.Handle
		err := h.b.view(ctx, "entries", "/"+h.rel, func(tx *nutsdb.Tx) error {
			if err := h.b.requireDir(tx, h.rel); err != nil {
				return err
			}
			keys, values, err := h.b.scan(tx, h.rel+sep, true)
			if err != nil {
				return err
			}
			for i, key := range keys {
				_, name := splitKey(key)
				if name == "" || len(values[i]) == 0 {
					continue
				}
				rel := join(h.rel, name)
				if values[i][0] == kindDir {
					handles = append(handles, &dirHandle{b: h.b, rel: rel})
				} else {
					handles = append(handles, &fileHandle{b: h.b, rel: rel})
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
			return
		}

		sort.Slice(handles, func(i, j int) bool { return handles[i].Name() < handles[j].Name() })
		for _, handle := range handles {
			if !yield(handle, nil) {
				return
			}
		}
	}
}

func (h *dirHandle) RemoveEntry(ctx context.Context, name string, recursive bool) error {
	rel := join(h.rel, name)
	p := "/" + rel

	var removed int
	err := h.b.update(ctx, "remove", p, func(tx *nutsdb.Tx) error {
		r, ok, err := h.b.get(tx, rel)
		switch {
		case err != nil:
			return err
		case !ok:
			return errors.NotFound(p).WithComponent(component)
		}

		var keys [][]byte
		if r.kind == kindDir {
			if keys, err = h.b.subtreeKeys(tx, rel); err != nil {
				return err
			}
			if len(keys) > 0 && !recursive {
				return errors.NotEmpty(p).WithComponent(component)
			}
		}
		keys = append(keys, entryKey(h.rel, name))
		for _, key := range keys {
			if err := tx.Delete(h.b.bucket, key); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return err
	}
	h.b.logger.Debug("Removed entry", zap.String("path", p), zap.Int("keys", removed))
	return nil
}

func (h *dirHandle) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.rel, dest, newName)
}

type fileHandle struct {
	b   *Backend
	rel string
}

func (h *fileHandle) Name() string      { return path.Base(h.rel) }
func (h *fileHandle) Kind() types.Kind { return types.KindFile }

func (h *fileHandle) ReadAll(ctx context.Context) ([]byte, error) {
	p := "/" + h.rel
	var data []byte
	err := h.b.view(ctx, "read", p, func(tx *nutsdb.Tx) error {
		r, ok, err := h.b.get(tx, h.rel)
		switch {
		case err != nil:
			return err
		case !ok:
			return errors.NotFound(p).WithComponent(component)
		case r.kind != kindFile:
			return errors.TypeMismatch(p, "file").WithComponent(component)
		}
		data = r.data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (h *fileHandle) CreateWritable(ctx context.Context) (types.Writable, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.BackendIO("open", "/"+h.rel, err).WithComponent(component)
	}
	return &writable{h: h}, nil
}

func (h *fileHandle) Move(ctx context.Context, dest types.DirectoryHandle, newName string) error {
	return h.b.move(ctx, h.rel, dest, newName)
}

// writable buffers the stream and commits it in one transaction on Close.
type writable struct {
	h      *fileHandle
	buf    bytes.Buffer
	closed bool
}

func (w *writable) Write(ctx context.Context, p []byte) error {
	if w.closed {
		return errors.NewError(errors.ErrCodeStorageIO, "write on closed stream").
			WithComponent(component).WithContext("path", "/"+w.h.rel)
	}
	if err := ctx.Err(); err != nil {
		return errors.BackendIO("write", "/"+w.h.rel, err).WithComponent(component)
	}
	w.buf.Write(p)
	return nil
}

func (w *writable) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true

	b, rel := w.h.b, w.h.rel
	parent, name := path.Dir("/" + rel)[1:], path.Base(rel)
	value := encodeFile(w.buf.Bytes(), b.compress)
	return b.update(ctx, "write", "/"+rel, func(tx *nutsdb.Tx) error {
		if err := b.requireDir(tx, parent); err != nil {
			return err
		}
		r, ok, err := b.get(tx, rel)
		if err != nil {
			return err
		}
		if ok && r.kind != kindFile {
			return errors.TypeMismatch("/"+rel, "file").WithComponent(component)
		}
		return tx.Put(b.bucket, entryKey(parent, name), value, 0)
	})
}

// move relocates the entry at rel, and its subtree, under dest in one
// transaction. An existing destination of the same kind is replaced if it
// is a file or an empty directory.
func (b *Backend) move(ctx context.Context, rel string, dest types.DirectoryHandle, newName string) error {
	d, ok := dest.(*dirHandle)
	if !ok || d.b != b {
		return errors.NewError(errors.ErrCodeInternalError, "destination belongs to another backend").
			WithComponent(component)
	}
	to := join(d.rel, newName)
	from := rel
	p := "/" + from
	if from == "" {
		return errors.InvalidPath("/", "cannot move the root").WithComponent(component)
	}
	if from == to {
		return nil
	}
	if strings.HasPrefix(to+"/", from+"/") {
		return errors.InvalidPath("/"+to, "cannot move a directory into itself").WithComponent(component)
	}

	err := b.update(ctx, "move", p, func(tx *nutsdb.Tx) error {
		src, ok, err := b.get(tx, from)
		switch {
		case err != nil:
			return err
		case !ok:
			return errors.NotFound(p).WithComponent(component)
		}
		if err := b.requireDir(tx, d.rel); err != nil {
			return err
		}

		existing, exists, err := b.get(tx, to)
		if err != nil {
			return err
		}
		if exists {
			if existing.kind != src.kind {
				return errors.TypeMismatch("/"+to, kindName(src.kind)).WithComponent(component)
			}
			if existing.kind == kindDir {
				keys, err := b.subtreeKeys(tx, to)
				if err != nil {
					return err
				}
				if len(keys) > 0 {
					return errors.NotEmpty("/" + to).WithComponent(component)
				}
			}
		}

		// Reads happen before any write in the transaction.
		type rewrite struct {
			oldKey, newKey, value []byte
		}
		fromParent, fromName := path.Dir("/" + from)[1:], path.Base(from)
		oldKey := entryKey(fromParent, fromName)
		value, err := tx.Get(b.bucket, oldKey)
		if err != nil {
			return err
		}
		moves := []rewrite{{oldKey, entryKey(d.rel, newName), value}}

		if src.kind == kindDir {
			for _, prefix := range []string{from + sep, from + "/"} {
				keys, values, err := b.scan(tx, prefix, true)
				if err != nil {
					return err
				}
				for i, key := range keys {
					parent, name := splitKey(key)
					newParent := to + strings.TrimPrefix(parent, from)
					moves = append(moves, rewrite{key, entryKey(newParent, name), values[i]})
				}
			}
		}

		for _, m := range moves {
			if err := tx.Delete(b.bucket, m.oldKey); err != nil {
				return err
			}
		}
		for _, m := range moves {
			if err := tx.Put(b.bucket, m.newKey, m.value, 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.logger.Debug("Moved entry", zap.String("from", "/"+from), zap.String("to", "/"+to))
	return nil
}

func kindName(kind byte) string {
	if kind == kindDir {
		return "directory"
	}
	return "file"
}
