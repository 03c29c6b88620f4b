/*
Package types provides the core interfaces and data structures shared by the
deskfs components.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        Callers (CLI, FUSE, installer)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Write-back filesystem              │
	│               (internal/vfs)                │
	│  path resolver · memory cache · dirty set   │
	│  debounced flusher · directory operations   │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────┬───────────┬───────────┬───────────┐
	│ memory  │  local    │    s3     │    kv     │
	└─────────┴───────────┴───────────┴───────────┘

# Backend Contract

Backend, DirectoryHandle and FileHandle describe a slow, handle-based store
organized as nested directories of named entries. Handles are obtained by
name from their parent; there is no path addressing below this package.
Mover is an optional capability: a backend whose handles implement it can
relocate an entry atomically, otherwise the filesystem emulates the move
with copy and delete.

# Data Structures

Content holds a cached file value as either text or a binary buffer and
never shares its buffer with callers. DirectoryEntry is a listing row; it
is built fresh on every listing and is not stored anywhere.
*/
package types
