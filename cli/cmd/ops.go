package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/reader"
	"github.com/cachewarden/cachewarden/cli/render"
	"github.com/cachewarden/cachewarden/cli/tui"
)

// listWarningThreshold is the row count above which list output warns
// about using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	info, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// OpsCommand returns the ops command group: read-only views over the
// durable operation records.
func OpsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ops",
		Usage: "List, inspect, and watch operations",
		Subcommands: []*cli.Command{
			opsListCommand(),
			opsInspectCommand(),
			opsWatchCommand(),
		},
	}
}

func opsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List operations",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "type",
				Usage: "Filter by operation type",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: Pending, Running, Completed, Failed, Cancelled",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of operations to return (0 = no limit)",
			},
		),
		Action: opsListAction,
	}
}

func opsListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for ops list; use ops watch", 1)
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	opts := reader.ListOperationsOptions{
		Type:   c.String("type"),
		Status: c.String("status"),
		Limit:  c.Int("limit"),
	}
	items, err := rd.ListOperations(opts)
	if err != nil {
		return err
	}

	if len(items) > listWarningThreshold && opts.Limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(items))
	}

	return r.Render(items)
}

func opsInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect one operation by id",
		ArgsUsage: "<operation-id>",
		Flags:     ReadOnlyFlags(),
		Action:    opsInspectAction,
	}
}

func opsInspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("operation-id required", 1)
	}
	id := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	detail, err := rd.InspectOperation(id)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectOperation, detail)
	}
	return r.Render(detail)
}

func opsWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Watch operations live (interactive)",
		Flags: []cli.Flag{
			ConfigFlag,
			DataRootFlag,
			&cli.StringFlag{
				Name:  "type",
				Usage: "Filter by operation type",
			},
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status",
			},
		},
		Action: opsWatchAction,
	}
}

func opsWatchAction(c *cli.Context) error {
	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	source := &watchSource{
		reader: rd,
		opts: reader.ListOperationsOptions{
			Type:   c.String("type"),
			Status: c.String("status"),
		},
	}
	return tui.Run(tui.ViewOpsWatch, source)
}

// watchSource adapts the reader to the watch view's poll interface.
type watchSource struct {
	reader *reader.Reader
	opts   reader.ListOperationsOptions
}

func (s *watchSource) Operations() ([]reader.OperationItem, error) {
	return s.reader.ListOperations(s.opts)
}
