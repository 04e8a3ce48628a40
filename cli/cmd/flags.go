// Package cmd provides the CLI commands for the cachewarden binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags.
var (
	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the cachewarden config file",
		EnvVars: []string{"CACHEWARDEN_CONFIG"},
	}

	// DataRootFlag overrides the data root for read-only commands, so
	// they work without a config file.
	DataRootFlag = &cli.StringFlag{
		Name:    "data-root",
		Usage:   "Data root directory (overrides the config file)",
		EnvVars: []string{"CACHEWARDEN_DATA_ROOT"},
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored table output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the interactive Bubble Tea view where supported
	// (ops inspect, stats).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (ops inspect, stats only)",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// --tui is included everywhere so unsupported commands can reject it
// with a clear message instead of a flag-parse error.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		DataRootFlag,
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}
