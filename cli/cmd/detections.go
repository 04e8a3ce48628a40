package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/render"
)

// DetectionsCommand returns the detections command: read-only views
// over the cached detection results.
func DetectionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "detections",
		Usage: "Show detected games, services, and corruption",
		Flags: append(ReadOnlyFlags(),
			&cli.BoolFlag{
				Name:  "services",
				Usage: "Show detected services instead of games",
			},
			&cli.BoolFlag{
				Name:  "corruption",
				Usage: "Show corruption detections instead of games",
			},
		),
		Action: detectionsAction,
	}
}

func detectionsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for detections", 1)
	}
	if c.Bool("services") && c.Bool("corruption") {
		return cli.Exit("--services and --corruption are mutually exclusive", 1)
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	switch {
	case c.Bool("services"):
		items, err := rd.ServiceDetections(c.Context)
		if err != nil {
			return err
		}
		return r.Render(items)
	case c.Bool("corruption"):
		items, err := rd.CorruptionDetections(c.Context)
		if err != nil {
			return err
		}
		return r.Render(items)
	default:
		items, err := rd.GameDetections(c.Context)
		if err != nil {
			return err
		}
		return r.Render(items)
	}
}
