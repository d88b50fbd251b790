// Package cmd provides CLI commands for the angus binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for commands that print results.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only `job get` supports it.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (job get only)",
	}
)

// Flags for commands that talk to a running server.
var (
	// ServerFlag is the base URL of the angus server.
	ServerFlag = &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Base URL of the angus server",
		Value:   "http://localhost:8080",
		EnvVars: []string{"ANGUS_SERVER"},
	}

	// UserFlag sets basic-auth credentials as user[:password]. Jobs are
	// owned by the user name.
	UserFlag = &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "Credentials as user[:password]",
		EnvVars: []string{"ANGUS_USER"},
	}

	// ServiceFlag names the compute service as key/version.
	ServiceFlag = &cli.StringFlag{
		Name:     "service",
		Usage:    "Service as key/version, e.g. checksum/1",
		Required: true,
	}
)

// OutputFlags returns the shared output flags.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func OutputFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// ClientFlags returns the flags shared by commands calling the server.
func ClientFlags() []cli.Flag {
	return []cli.Flag{
		ServerFlag,
		UserFlag,
		ServiceFlag,
	}
}
