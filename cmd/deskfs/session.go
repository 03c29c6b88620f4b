package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/internal/installer"
	"github.com/objectfs/deskfs/internal/metrics"
	"github.com/objectfs/deskfs/internal/storage"
	"github.com/objectfs/deskfs/internal/vfs"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

type globalOptions struct {
	configFile string
	backend    string
	root       string
	logLevel   string
	help       bool
}

func (g *globalOptions) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("deskfs", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	// Flags after the command name belong to the command.
	fs.SetInterspersed(false)
	fs.StringVarP(&g.configFile, "config", "c", "", "path to a YAML configuration file")
	fs.StringVar(&g.backend, "backend", "", "storage backend: memory, local, s3 or kv")
	fs.StringVar(&g.root, "root", "", "root directory of the local backend")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	fs.BoolVarP(&g.help, "help", "h", false, "show help")
	return fs
}

// load builds the effective configuration: defaults, then the file, then
// DESKFS_* variables, then flags.
func (g *globalOptions) load() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if g.configFile != "" {
		if err := cfg.LoadFromFile(g.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if g.backend != "" {
		cfg.Storage.Backend = g.backend
	}
	if g.root != "" {
		cfg.Storage.Local.Root = g.root
		if g.backend == "" {
			cfg.Storage.Backend = config.BackendLocal
		}
	}
	if g.logLevel != "" {
		cfg.Global.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// session is an opened backend with its filesystem, logger and optional
// metrics endpoint.
type session struct {
	logger    *zap.Logger
	closeLog  func() error
	collector *metrics.Collector
	backend   types.Backend
	fs        *vfs.FileSystem
}

func openSession(ctx context.Context, cfg *config.Configuration, install bool) (*session, error) {
	var maxSize int64
	if cfg.Monitoring.Logging.MaxSize != "" {
		size, err := utils.ParseBytes(cfg.Monitoring.Logging.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("invalid logging max_size: %w", err)
		}
		maxSize = size
	}
	logger, closeLog, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Monitoring.Logging.Format,
		File:       cfg.Global.LogFile,
		MaxSize:    maxSize,
		MaxBackups: cfg.Monitoring.Logging.MaxBackups,
		Compress:   cfg.Monitoring.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	s := &session{logger: logger, closeLog: closeLog}

	opts := []vfs.Option{vfs.WithLogger(logger)}
	if cfg.Monitoring.Metrics.Enabled {
		collector, err := metrics.NewCollector(metrics.ConfigFrom(cfg), logger)
		if err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		if err := collector.Start(ctx); err != nil {
			_ = s.close(ctx)
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.collector = collector
		opts = append(opts, vfs.WithMetrics(collector))
	}

	backend, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	s.backend = backend
	if s.collector != nil {
		s.collector.SetHealthCheck(func(ctx context.Context) error {
			_, err := backend.Root(ctx)
			return err
		})
	}

	s.fs = vfs.New(backend, vfs.ConfigFrom(cfg.Cache), opts...)
	if err := s.fs.Init(ctx); err != nil {
		_ = s.close(ctx)
		return nil, err
	}

	if install && cfg.Install.OnStart && !installer.Installed(ctx, s.fs) {
		if err := installer.Install(ctx, s.fs, installer.WithLogger(logger)); err != nil {
			_ = s.close(ctx)
			return nil, err
		}
	}
	return s, nil
}

// close flushes pending writes and releases everything the session
// opened. The first error is returned.
func (s *session) close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if s.fs != nil {
		keep(s.fs.Flush(ctx))
		keep(s.fs.Close(ctx))
	}
	if s.backend != nil {
		keep(s.backend.Close())
	}
	if s.collector != nil {
		keep(s.collector.Stop(ctx))
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	if s.closeLog != nil {
		keep(s.closeLog())
	}
	return first
}

func printHelp(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintf(w, "deskfs manages a desktop-style filesystem namespace.\n\n")
	fmt.Fprintf(w, "Usage:\n  deskfs [flags] <command> [args]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.usage, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nFlags:\n%s", global.FlagUsages())
}
