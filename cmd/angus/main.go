// Package main provides the angus CLI entrypoint.
//
// Usage:
//
//	angus serve [--config angus.yaml]
//	angus job submit --service checksum/1 --data '{"file":"https://..."}'
//	angus job get --service checksum/1 --uuid <id> [--tui]
//	angus version
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/angus/cli/cmd"
	"github.com/pithecene-io/angus/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func newApp() *cli.App {
	return &cli.App{
		Name:           "angus",
		Usage:          "Compute job and stream server",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.JobCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler prints err and exits with its code.
func exitErrHandler(_ *cli.Context, err error) {
	msg, code := exitStatus(err)
	if code < 0 {
		return
	}
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus returns the message to print and the process exit code for
// err. code is -1 for a nil error. cli.Exit("", N) prints nothing.
func exitStatus(err error) (msg string, code int) {
	if err == nil {
		return "", -1
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code = exitCoder.ExitCode()
		msg = exitCoder.Error()
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return msg, code
	}
	return fmt.Sprintf("Error: %v", err), 1
}
