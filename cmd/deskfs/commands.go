package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/deskfs/internal/config"
	"github.com/objectfs/deskfs/internal/fuse"
	"github.com/objectfs/deskfs/internal/installer"
	"github.com/objectfs/deskfs/pkg/errors"
	"github.com/objectfs/deskfs/pkg/types"
	"github.com/objectfs/deskfs/pkg/utils"
)

// env is what a command runs with. session is nil for offline commands.
type env struct {
	cfg     *config.Configuration
	session *session
	stdin   io.Reader
	stdout  io.Writer
	flags   *pflag.FlagSet
}

type command struct {
	name    string
	usage   string
	summary string
	minArgs int
	maxArgs int // -1 for no limit

	// offline commands run without opening the backend.
	offline bool
	// skipInstall suppresses the install-on-start check.
	skipInstall bool

	flags func(*pflag.FlagSet)
	run   func(ctx context.Context, e *env, args []string) error
}

var commands []*command

func init() {
	commands = []*command{
		{
			name: "install", usage: "install [--force]", summary: "seed the default desktop layout",
			maxArgs: 0, skipInstall: true,
			flags: func(fs *pflag.FlagSet) {
				fs.Bool("force", false, "reinstall even when the layout is present")
			},
			run: runInstall,
		},
		{
			name: "ls", usage: "ls [-a] [-l] [path]", summary: "list a directory",
			maxArgs: 1,
			flags: func(fs *pflag.FlagSet) {
				fs.BoolP("all", "a", false, "include hidden entries")
				fs.BoolP("long", "l", false, "show entry kinds")
			},
			run: runList,
		},
		{
			name: "cat", usage: "cat <path>", summary: "print a file",
			minArgs: 1, maxArgs: 1, run: runCat,
		},
		{
			name: "write", usage: "write <path> <text...|->", summary: "replace a file's content (- reads stdin)",
			minArgs: 2, maxArgs: -1, run: runWrite,
		},
		{
			name: "mkdir", usage: "mkdir <path>", summary: "create a directory and its parents",
			minArgs: 1, maxArgs: 1, run: runMkdir,
		},
		{
			name: "rm", usage: "rm [-f] <path>", summary: "remove a file or directory tree",
			minArgs: 1, maxArgs: 1,
			flags: func(fs *pflag.FlagSet) {
				fs.BoolP("force", "f", false, "ignore missing entries")
			},
			run: runRemove,
		},
		{
			name: "mv", usage: "mv <src> <dst>", summary: "move or rename an entry",
			minArgs: 2, maxArgs: 2, run: runMove,
		},
		{
			name: "mount", usage: "mount [--read-only] <dir>", summary: "serve the filesystem over FUSE",
			maxArgs: 1,
			flags: func(fs *pflag.FlagSet) {
				fs.Bool("read-only", false, "reject every modification")
				fs.Bool("debug", false, "log FUSE requests")
				fs.Bool("allow-other", false, "allow access by other users")
			},
			run: runMount,
		},
		{
			name: "config", usage: "config [--save file]", summary: "print the effective configuration",
			maxArgs: 0, offline: true,
			flags: func(fs *pflag.FlagSet) {
				fs.String("save", "", "also write the configuration to this file")
			},
			run: runConfig,
		},
	}
}

func findCommand(name string) *command {
	for _, c := range commands {
		if c.name == name {
			return c
		}
	}
	return nil
}

// splitTarget splits a full path into parent and name, rejecting the
// root.
func splitTarget(path string) (string, string, error) {
	parent, name := utils.SplitParent(path)
	if name == "" {
		return "", "", usagef("%q does not name an entry", path)
	}
	return parent, name, nil
}

func runInstall(ctx context.Context, e *env, _ []string) error {
	force, _ := e.flags.GetBool("force")
	fs := e.session.fs
	if !force && installer.Installed(ctx, fs) {
		fmt.Fprintln(e.stdout, "already installed")
		return nil
	}
	if err := installer.Install(ctx, fs, installer.WithLogger(e.session.logger)); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "installed")
	return nil
}

func runList(ctx context.Context, e *env, args []string) error {
	all, _ := e.flags.GetBool("all")
	long, _ := e.flags.GetBool("long")
	path := "/"
	if len(args) == 1 {
		path = args[0]
	}

	entries, err := e.session.fs.ListEntries(ctx, path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsHidden && !all {
			continue
		}
		name := entry.Name
		if entry.Kind == types.KindDirectory {
			name += "/"
		}
		if long {
			fmt.Fprintf(e.stdout, "%-9s %s\n", entry.Kind, name)
		} else {
			fmt.Fprintln(e.stdout, name)
		}
	}
	return nil
}

func runCat(ctx context.Context, e *env, args []string) error {
	parent, name, err := splitTarget(args[0])
	if err != nil {
		return err
	}
	content, err := e.session.fs.ReadFile(ctx, parent, name)
	if err != nil {
		return err
	}
	_, err = e.stdout.Write(content.Bytes())
	return err
}

func runWrite(ctx context.Context, e *env, args []string) error {
	parent, name, err := splitTarget(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 && args[1] == "-" {
		data, err := io.ReadAll(e.stdin)
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		return e.session.fs.WriteBinary(parent, name, data)
	}
	return e.session.fs.WriteText(parent, name, strings.Join(args[1:], " "))
}

func runMkdir(ctx context.Context, e *env, args []string) error {
	return e.session.fs.MkdirAll(ctx, args[0])
}

func runRemove(ctx context.Context, e *env, args []string) error {
	force, _ := e.flags.GetBool("force")
	parent, name, err := splitTarget(args[0])
	if err != nil {
		return err
	}
	err = e.session.fs.Remove(ctx, parent, name)
	if err != nil && force && errors.IsNotFound(err) {
		return nil
	}
	return err
}

func runMove(ctx context.Context, e *env, args []string) error {
	srcParent, srcName, err := splitTarget(args[0])
	if err != nil {
		return err
	}
	destParent, destName, err := splitTarget(args[1])
	if err != nil {
		return err
	}
	return e.session.fs.Move(ctx, srcParent, srcName, destParent, destName)
}

func runMount(ctx context.Context, e *env, args []string) error {
	mountCfg := e.cfg.Mount
	if len(args) == 1 {
		mountCfg.MountPoint = args[0]
	}
	if mountCfg.MountPoint == "" {
		return usagef("mount point required (argument or mount.mount_point)")
	}
	if v, _ := e.flags.GetBool("read-only"); v {
		mountCfg.ReadOnly = true
	}
	if v, _ := e.flags.GetBool("debug"); v {
		mountCfg.Debug = true
	}
	if v, _ := e.flags.GetBool("allow-other"); v {
		mountCfg.AllowOther = true
	}

	logger := e.session.logger
	fsys := fuse.NewFileSystem(e.session.fs, &fuse.Config{ReadOnly: mountCfg.ReadOnly}, logger)
	mgr := fuse.NewMountManager(fsys, fuse.MountConfigFrom(mountCfg))
	if err := mgr.Mount(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down", zap.String("mount_point", mountCfg.MountPoint))
		if err := mgr.Unmount(); err != nil {
			return err
		}
		<-done
	case <-done:
		logger.Info("Filesystem unmounted externally", zap.String("mount_point", mountCfg.MountPoint))
	}

	stats := mgr.GetStats()
	logger.Info("Mount statistics",
		zap.Int64("lookups", stats.Lookups),
		zap.Int64("opens", stats.Opens),
		zap.Int64("bytes_read", stats.BytesRead),
		zap.Int64("bytes_written", stats.BytesWritten),
		zap.Int64("errors", stats.Errors))
	return nil
}

func runConfig(_ context.Context, e *env, _ []string) error {
	data, err := yaml.Marshal(e.cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if _, err := e.stdout.Write(data); err != nil {
		return err
	}
	if path, _ := e.flags.GetString("save"); path != "" {
		return e.cfg.SaveToFile(path)
	}
	return nil
}
