/*
Package vfs implements the write-back filesystem that sits between callers
and a durable, handle-based backend.

	caller ──► FileSystem ──► memory cache + dirty set
	                │                 │
	                │          debounced flusher (one timer)
	                ▼                 ▼
	          path resolver ──► types.Backend

Writes only touch memory. Every write restarts a single flush timer, so
a sweep runs once writes have been quiet for Config.FlushDelay; an
unbroken stream of writes keeps postponing it. A sweep snapshots and
clears the dirty set under one lock, so writes that arrive while it runs
are picked up by the next sweep. Failed paths are logged and dropped from
the dirty set; their content stays readable from the cache.

Rename and Move force a sweep first. They use the backend's atomic move
when the entry's handle implements types.Mover and fall back to copy and
delete otherwise.

ReadText, ReadBinary, List and Delete keep the forgiving contract callers
rely on (empty results, logged failures). ReadFile, ListEntries and Remove
return the structured error instead.
*/
package vfs
