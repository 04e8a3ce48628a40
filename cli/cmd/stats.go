package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/render"
	"github.com/cachewarden/cachewarden/cli/tui"
)

// StatsCommand returns the stats command: one aggregated snapshot over
// operations, the detection caches, and prefill state.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:   "stats",
		Usage:  "Show aggregated statistics",
		Flags:  ReadOnlyFlags(),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	stats, err := rd.Stats(c.Context)
	if err != nil {
		return err
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStats, stats)
	}
	return r.Render(stats)
}
