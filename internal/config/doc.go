/*
Package config loads deskfs settings from compiled-in defaults, a YAML file and
DESKFS_* environment variables, in increasing order of precedence. Command line
flags are applied last by the caller.

	global:
	  log_level: INFO
	  log_file: ""
	  metrics_port: 9464
	cache:
	  flush_delay: 500ms       # quiet period before a write-back sweep
	  list_pending: true       # show unflushed entries in listings
	  max_copy_entries: 0      # bound for the copy+delete move fallback
	  flush_on_close: true
	storage:
	  backend: local           # memory, local, s3 or kv
	  local:
	    root: ~/.deskfs/root
	  s3:
	    bucket: my-desk
	    prefix: users/guest
	    region: us-east-1
	  kv:
	    dir: ~/.deskfs/kv
	    bucket: deskfs
	    compression: true
	mount:
	  mount_point: /mnt/desk
	  read_only: false
	install:
	  on_start: true

Validate checks cross-field constraints such as the per-backend required
settings; it does not touch the filesystem or the network.
*/
package config
