package types

import "strings"

// Kind discriminates backend entries.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// String returns "file" or "directory".
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind for JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Content is the cached value of a file: either text or a binary buffer.
// The zero value is empty text.
type Content struct {
	text   string
	data   []byte
	binary bool
}

// Text returns text content.
func Text(s string) Content {
	return Content{text: s}
}

// Binary returns binary content holding a private copy of b.
func Binary(b []byte) Content {
	data := make([]byte, len(b))
	copy(data, b)
	return Content{data: data, binary: true}
}

// IsBinary reports whether the content was written as a binary buffer.
func (c Content) IsBinary() bool {
	return c.binary
}

// String returns the text view of the content.
func (c Content) String() string {
	if c.binary {
		return string(c.data)
	}
	return c.text
}

// Bytes returns a fresh copy of the binary view of the content.
func (c Content) Bytes() []byte {
	if c.binary {
		out := make([]byte, len(c.data))
		copy(out, c.data)
		return out
	}
	return []byte(c.text)
}

// Len returns the content size in bytes.
func (c Content) Len() int {
	if c.binary {
		return len(c.data)
	}
	return len(c.text)
}

// Equal reports whether two contents hold the same bytes.
func (c Content) Equal(other Content) bool {
	return c.String() == other.String()
}

// DirectoryEntry is one row of a directory listing.
type DirectoryEntry struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	IsHidden bool   `json:"is_hidden"`
	Path     string `json:"path"`
	// IsEmpty is only meaningful for directories.
	IsEmpty bool `json:"is_empty,omitempty"`
}

// NewDirectoryEntry builds a listing row for name under parent.
func NewDirectoryEntry(parent, name string, kind Kind) DirectoryEntry {
	prefix := strings.TrimSuffix(parent, "/")
	return DirectoryEntry{
		Name:     name,
		Kind:     kind,
		IsHidden: strings.HasPrefix(name, "."),
		Path:     prefix + "/" + name,
	}
}
