package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/cachewarden/cachewarden/bus"
	"github.com/cachewarden/cachewarden/clearing"
	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/detection"
	"github.com/cachewarden/cachewarden/types"
)

// Exit codes for run subcommands.
const (
	exitSuccess   = 0
	exitFailed    = 1
	exitSetup     = 2
	exitCancelled = 130
)

// RunCommand returns the run command group: one-shot operations driven
// through the same services serve runs, without the background loops.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run one operation to completion and exit",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "clear",
				Usage: "Clear cached content",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "datasource",
						Usage: "Clear a single datasource (default: all)",
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Delete mode: preserve, full, rsync (default: configured)",
					},
				},
				Action: func(c *cli.Context) error {
					return runOperation(c, func(p *plane) (string, error) {
						return p.clearing.Start(clearingRequest(c))
					})
				},
			},
			{
				Name:  "detect",
				Usage: "Scan the cache for downloaded games",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "incremental",
						Usage: "Skip games already in the detection cache",
					},
				},
				Action: func(c *cli.Context) error {
					return runOperation(c, func(p *plane) (string, error) {
						return p.detection.Start(detectionRequest(c))
					})
				},
			},
			{
				Name:  "corruption-scan",
				Usage: "Scan nginx logs for corrupted cached services",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "datasource",
						Usage: "Scan a single datasource (default: the first)",
					},
				},
				Action: func(c *cli.Context) error {
					return runOperation(c, func(p *plane) (string, error) {
						return p.corruption.StartDetection(c.String("datasource"))
					})
				},
			},
			{
				Name:  "remove-corruption",
				Usage: "Remove every corrupted service from the cache",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "datasource",
						Usage: "Remove from a single datasource (default: the first)",
					},
				},
				Action: func(c *cli.Context) error {
					return runOperation(c, func(p *plane) (string, error) {
						return p.corruption.StartRemoval(c.String("datasource"))
					})
				},
			},
			{
				Name:      "remove-game",
				Usage:     "Remove one game's cached content by Steam app id",
				ArgsUsage: "<appid>",
				Action: func(c *cli.Context) error {
					appID, err := parseAppID(c.Args().First())
					if err != nil {
						return cli.Exit(err.Error(), exitSetup)
					}
					return runOperation(c, func(p *plane) (string, error) {
						return p.removal.RemoveGame(appID)
					})
				},
			},
			{
				Name:      "remove-service",
				Usage:     "Remove one service's cached content by name",
				ArgsUsage: "<service>",
				Action: func(c *cli.Context) error {
					name := c.Args().First()
					if name == "" {
						return cli.Exit("remove-service requires a service name", exitSetup)
					}
					return runOperation(c, func(p *plane) (string, error) {
						return p.removal.RemoveService(name)
					})
				},
			},
			{
				Name:  "process-logs",
				Usage: "Process access logs for all datasources now",
				Action: func(c *cli.Context) error {
					return runOperation(c, func(p *plane) (string, error) {
						return p.monitor.ProcessNow()
					})
				},
			},
		},
	}
}

func clearingRequest(c *cli.Context) clearing.Request {
	return clearing.Request{
		Datasource: c.String("datasource"),
		DeleteMode: c.String("mode"),
	}
}

func detectionRequest(c *cli.Context) detection.Request {
	return detection.Request{Incremental: c.Bool("incremental")}
}

func parseAppID(arg string) (uint32, error) {
	if arg == "" {
		return 0, fmt.Errorf("remove-game requires a Steam app id")
	}
	id, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid app id %q", arg)
	}
	return uint32(id), nil
}

// runOperation builds the plane, starts one operation, and blocks until
// its terminal event. SIGINT requests cancellation; the process then
// waits for the cancelled terminal transition before exiting.
func runOperation(c *cli.Context, start func(p *plane) (string, error)) error {
	path := c.String("config")
	if path == "" {
		return cli.Exit("run requires --config", exitSetup)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), exitSetup)
	}

	p, err := buildPlane(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("build services: %v", err), exitSetup)
	}
	defer p.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe before starting so the terminal event cannot be missed,
	// and keep the pump draining so configured adapters still hear about
	// the completion.
	events, unsubscribe := p.bus.Subscribe("run-cli")
	defer unsubscribe()
	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	go p.pump.Run(pumpCtx)

	opID, err := start(p)
	if err != nil {
		return cli.Exit(err.Error(), exitSetup)
	}

	op := waitForTerminal(ctx, p, events, opID)
	if op == nil {
		return cli.Exit("event stream closed before the operation finished", exitFailed)
	}

	if !c.Bool("quiet") {
		printOperation(op)
	}

	switch {
	case op.Success:
		return cli.Exit("", exitSuccess)
	case op.Cancelled:
		return cli.Exit("", exitCancelled)
	default:
		return cli.Exit("", exitFailed)
	}
}

// waitForTerminal blocks until the operation's OperationComplete event
// arrives. The first signal turns into a cancel request; the terminal
// event still decides the exit code.
func waitForTerminal(ctx context.Context, p *plane, events <-chan bus.Event, opID string) *types.Operation {
	interrupt := ctx.Done()
	for {
		select {
		case <-interrupt:
			interrupt = nil
			if err := p.tracker.Cancel(opID); err != nil {
				p.logger.Warn("cancel request failed", map[string]any{
					"operation_id": opID,
					"error":        err.Error(),
				})
			}
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if evt.Name != types.EventOperationComplete {
				continue
			}
			if op, ok := evt.Payload.(*types.Operation); ok && op.ID == opID {
				return op
			}
		}
	}
}

func printOperation(op *types.Operation) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(op)
}
