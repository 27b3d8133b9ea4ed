// Package main provides the refinewatch CLI entrypoint.
//
// Usage:
//
//	refinewatch <command> [subcommand] [options]
//
// Exit codes for start and resume:
//   - 0: job completed (possibly assumed complete)
//   - 1: job error
//   - 2: transport failure (every delivery tier exhausted)
//   - 3: history policy failure
//   - 4: canceled
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/refinewatch/cli/cmd"
	"github.com/pithecene-io/refinewatch/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "refinewatch",
		Usage:          "Start and watch multi-pass refinement jobs",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.StartCommand(),
			cmd.ResumeCommand(),
			cmd.StatusCommand(),
			cmd.HistoryCommand(),
			cmd.DebugCommand(),
			cmd.ServeReplayCommand(),
			cmd.VersionCommand(commit),
		},
	}

	if err := app.Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

// exitErrHandler handles errors from the CLI, preserving exit codes from cli.Exit().
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus maps err to the process exit code and the message worth
// printing, "" when there is none.
func exitStatus(err error) (int, string) {
	// Check for ExitCoder (from cli.Exit), handles wrapped errors
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "" or "exit status N"; skip those
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}
