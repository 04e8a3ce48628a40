// Package main provides the cachewarden CLI entrypoint.
//
// serve runs the long-lived operation plane; run executes one operation
// to completion; everything else is read-only.
//
// Usage:
//
//	cachewarden <command> [subcommand] [options]
//
// Exit codes for `run`:
//   - 0: operation completed
//   - 1: operation failed
//   - 2: setup error (config, dependencies, invalid request)
//   - 130: operation cancelled
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/cmd"
	"github.com/cachewarden/cachewarden/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "cachewarden",
		Usage:          "LAN cache operations plane CLI",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.RunCommand(),
			cmd.OpsCommand(),
			cmd.DetectionsCommand(),
			cmd.StatsCommand(),
			cmd.BansCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		// This branch handles unexpected errors that weren't wrapped.
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit() so run command
// outcomes propagate to the shell.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N).Error() returns "exit status N"; skip those.
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
