/*
Package metrics exports filesystem activity to Prometheus.

The Collector implements types.MetricsCollector, so it can be handed to
the filesystem with vfs.WithMetrics. It keeps Prometheus series in its
own registry and a small per-operation summary for debugging.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "deskfs",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	fs := vfs.New(backend, vfs.DefaultConfig(), vfs.WithMetrics(collector))

# Prometheus Metrics

Counters:
  - deskfs_operations_total{operation,status}
  - deskfs_cache_requests_total{type}
  - deskfs_flush_sweeps_total
  - deskfs_flush_paths_total{result}

Histograms:
  - deskfs_operation_duration_seconds{operation}
  - deskfs_operation_size_bytes{operation}
  - deskfs_flush_duration_seconds

Gauges:
  - deskfs_dirty_paths

Custom labels from the configuration are attached to every series.

# HTTP Endpoints

/metrics serves the Prometheus exposition format.

/health reports the result of the probe installed with SetHealthCheck:

	{"error":"","service":"deskfs","status":"healthy"}

/debug/operations prints a plain-text table of operation counts,
errors and average latency.
*/
package metrics
