package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/cli/render"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/paths"
	"github.com/cachewarden/cachewarden/store"
)

// BansCommand returns the bans command group: the admin surface over
// the prefill ban table.
func BansCommand() *cli.Command {
	return &cli.Command{
		Name:  "bans",
		Usage: "Manage prefill user bans",
		Subcommands: []*cli.Command{
			bansListCommand(),
			bansAddCommand(),
			bansLiftCommand(),
		},
	}
}

func bansListCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List bans",
		Flags:  ReadOnlyFlags(),
		Action: bansListAction,
	}
}

func bansListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for bans", 1)
	}

	rd, err := openReader(c)
	if err != nil {
		return err
	}
	defer func() { _ = rd.Close() }()

	bans, err := rd.Bans(c.Context)
	if err != nil {
		return err
	}
	return r.Render(bans)
}

func bansAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Ban a user from prefill sessions",
		ArgsUsage: "<username>",
		Flags: []cli.Flag{
			ConfigFlag,
			DataRootFlag,
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Reason recorded with the ban",
			},
			&cli.DurationFlag{
				Name:  "expires",
				Usage: "Ban duration (default: permanent)",
			},
		},
		Action: bansAddAction,
	}
}

func bansAddAction(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("username required", 1)
	}

	db, err := openBanStore(c)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var reason *string
	if r := c.String("reason"); r != "" {
		reason = &r
	}
	var expiresAt *time.Time
	if d := c.Duration("expires"); d > 0 {
		t := time.Now().UTC().Add(d)
		expiresAt = &t
	}

	if err := db.BanSteamUser(c.Context, username, reason, expiresAt); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "banned %s\n", username)
	return nil
}

func bansLiftCommand() *cli.Command {
	return &cli.Command{
		Name:      "lift",
		Usage:     "Lift a user's ban",
		ArgsUsage: "<username>",
		Flags: []cli.Flag{
			ConfigFlag,
			DataRootFlag,
		},
		Action: bansLiftAction,
	}
}

func bansLiftAction(c *cli.Context) error {
	username := c.Args().First()
	if username == "" {
		return cli.Exit("username required", 1)
	}

	db, err := openBanStore(c)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := db.LiftBan(c.Context, username); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "lifted ban for %s\n", username)
	return nil
}

// openBanStore opens the SQLite store read-write at the resolved data
// root, without the rest of the plane.
func openBanStore(c *cli.Context) (*store.Store, error) {
	root, err := resolveDataRoot(c)
	if err != nil {
		return nil, err
	}
	resolver := paths.NewResolver(root, "")
	return store.New(store.Config{
		Path:   resolver.DatabasePath(),
		Logger: log.NewLogger("store"),
	})
}
