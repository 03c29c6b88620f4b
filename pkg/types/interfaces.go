package types

import (
	"context"
	"iter"
	"time"
)

// Backend is a durable, handle-based hierarchical store.
type Backend interface {
	// Root returns the handle of the top-level directory.
	Root(ctx context.Context) (DirectoryHandle, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Handle is an opaque reference to a backend entry.
type Handle interface {
	Name() string
	Kind() Kind
}

// DirectoryHandle references a directory in the backend.
type DirectoryHandle interface {
	Handle

	// GetDirectory returns the child directory called name, creating it
	// when create is set. A missing child without create is NOT_FOUND;
	// a child that is a file is TYPE_MISMATCH.
	GetDirectory(ctx context.Context, name string, create bool) (DirectoryHandle, error)

	// GetFile returns the child file called name, creating an empty file
	// when create is set.
	GetFile(ctx context.Context, name string, create bool) (FileHandle, error)

	// Entries yields the immediate children. Iteration stops at the first
	// error, which is yielded with a nil handle.
	Entries(ctx context.Context) iter.Seq2[Handle, error]

	// RemoveEntry removes the child called name. Removing a non-empty
	// directory requires recursive.
	RemoveEntry(ctx context.Context, name string, recursive bool) error
}

// FileHandle references a file in the backend.
type FileHandle interface {
	Handle

	// ReadAll returns the full file contents.
	ReadAll(ctx context.Context) ([]byte, error)

	// CreateWritable opens a stream that replaces the file contents when
	// closed.
	CreateWritable(ctx context.Context) (Writable, error)
}

// Writable is an open write stream on a file.
type Writable interface {
	Write(ctx context.Context, p []byte) error
	Close(ctx context.Context) error
}

// Mover is implemented by handles of backends that can relocate an entry
// in a single operation. Callers probe for it with a type assertion.
type Mover interface {
	Move(ctx context.Context, dest DirectoryHandle, newName string) error
}

// MetricsCollector receives filesystem events for export.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(path string, size int64)
	RecordCacheMiss(path string, size int64)
	RecordFlush(paths int, failures int, duration time.Duration)
	SetDirtyPaths(n int)
}
