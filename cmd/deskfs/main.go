// deskfs manages a desktop-style filesystem namespace stored in a local
// directory, an S3 bucket, an embedded key/value store or memory.
//
// Every command opens the configured backend, runs against the cached
// filesystem and flushes pending writes before exiting:
//
//	deskfs --backend local --root ~/desk install
//	deskfs ls /Users/Guest
//	deskfs write /Users/Guest/Desktop/todo.txt "buy milk"
//	deskfs mount /mnt/desk
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "deskfs: %v\n", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageError marks errors caused by bad command-line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string {
	return e.msg + "\n\nRun 'deskfs --help' for usage."
}

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// run parses the global flags, opens a session and dispatches to the
// named command.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var g globalOptions
	flagSet := g.flagSet()
	if err := flagSet.Parse(args); err != nil {
		return usagef("%v", err)
	}
	if g.help {
		printHelp(stdout, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(stdout, flagSet)
		return usagef("command required")
	}

	cmd := findCommand(rest[0])
	if cmd == nil {
		return usagef("unknown command %q", rest[0])
	}

	cmdArgs := rest[1:]
	cmdFlags := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	cmdFlags.SetOutput(io.Discard)
	if cmd.flags != nil {
		cmd.flags(cmdFlags)
	}
	if err := cmdFlags.Parse(cmdArgs); err != nil {
		return usagef("%s: %v", cmd.name, err)
	}
	cmdArgs = cmdFlags.Args()
	if len(cmdArgs) < cmd.minArgs || (cmd.maxArgs >= 0 && len(cmdArgs) > cmd.maxArgs) {
		return usagef("usage: deskfs %s", cmd.usage)
	}

	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cmd.offline {
		return cmd.run(ctx, &env{cfg: cfg, stdin: stdin, stdout: stdout, flags: cmdFlags}, cmdArgs)
	}

	s, err := openSession(ctx, cfg, !cmd.skipInstall)
	if err != nil {
		return err
	}
	runErr := cmd.run(ctx, &env{cfg: cfg, session: s, stdin: stdin, stdout: stdout, flags: cmdFlags}, cmdArgs)
	closeErr := s.close(context.WithoutCancel(ctx))
	if runErr != nil {
		return runErr
	}
	return closeErr
}
