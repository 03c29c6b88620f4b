package utils

import (
	"strings"

	"github.com/objectfs/deskfs/pkg/errors"
)

// SplitPath splits a slash-delimited path into its segments. Empty
// segments are discarded, so leading, trailing and doubled slashes all
// collapse. "." and ".." are returned verbatim; they are not resolved.
func SplitPath(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// ValidateSegments rejects the dot segments, which the backend cannot
// address.
func ValidateSegments(path string, segments []string) error {
	for _, s := range segments {
		if s == "." || s == ".." {
			return errors.InvalidPath(path, "dot segments are not resolved")
		}
	}
	return nil
}

// ValidateName checks a single entry name as passed to read, write,
// delete, rename and move.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.InvalidPath(name, "entry name cannot be empty")
	case name == "." || name == "..":
		return errors.InvalidPath(name, "dot segments are not resolved")
	case strings.Contains(name, "/"):
		return errors.InvalidPath(name, "entry name cannot contain a slash")
	}
	return nil
}

// JoinPath builds the full path of name inside dir. The result always
// starts with a single slash and never ends with one.
func JoinPath(dir, name string) string {
	segments := SplitPath(dir)
	if name != "" {
		segments = append(segments, name)
	}
	return "/" + strings.Join(segments, "/")
}

// CleanPath canonicalizes the slashes of path without touching dot
// segments. The root is "/".
func CleanPath(path string) string {
	return JoinPath(path, "")
}

// SplitParent returns the parent directory and base name of a full path.
// The root has an empty base name.
func SplitParent(path string) (string, string) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return "/", ""
	}
	return "/" + strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1]
}

// IsRoot reports whether path names the root directory.
func IsRoot(path string) bool {
	return len(SplitPath(path)) == 0
}

// IsWithin reports whether path lies strictly beneath dir.
func IsWithin(path, dir string) bool {
	p, d := CleanPath(path), CleanPath(dir)
	if d == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, d+"/")
}

// ChildOf returns the first segment of path below dir, and whether path
// lies deeper than that segment. ok is false when path is not beneath dir.
func ChildOf(path, dir string) (name string, deeper bool, ok bool) {
	if !IsWithin(path, dir) {
		return "", false, false
	}
	rest := SplitPath(strings.TrimPrefix(CleanPath(path), CleanPath(dir)))
	return rest[0], len(rest) > 1, true
}
