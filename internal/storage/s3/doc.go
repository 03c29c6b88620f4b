/*
Package s3 stores the namespace in an S3 bucket.

Every file is one object whose key is its path below the configured
prefix. Directories are empty marker objects whose keys end in "/";
a common prefix of existing keys is also treated as a directory, so
buckets written by other tools can be browsed.

	prefix/Users/                 directory marker
	prefix/Users/Guest/           directory marker
	prefix/Users/Guest/note.txt   file object

Writes are buffered by the writable stream and uploaded with a single
PutObject when it is closed. Removing a directory lists every key beneath
it and deletes them with DeleteObjects, markers last.

S3 has no rename, so the backend does not implement types.Mover. The
filesystem layer falls back to copy and delete.

Transient failures (throttling, 5xx responses, network errors) are
retried with exponential backoff through pkg/retry. Missing keys become
NOT_FOUND errors, everything else STORAGE_IO.

# Configuration

	storage:
	  backend: s3
	  s3:
	    bucket: my-desktop
	    prefix: guest
	    region: us-east-1
	    endpoint: http://localhost:9000   # MinIO and other compatible stores
	    force_path_style: true
	    max_retries: 4
	    retry_delay: 50ms
	    breaker_failures: 5
	    breaker_timeout: 30s

Transient failures are retried with backoff. After breaker_failures
consecutive operations fail that way, calls fail fast with NETWORK_ERROR
until breaker_timeout has passed.

Credentials come from the default AWS chain, or from a named profile.
*/
package s3
