package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cachewarden/cachewarden/config"
	"github.com/cachewarden/cachewarden/log"
	"github.com/cachewarden/cachewarden/prefill"
)

// shutdownTimeout bounds session teardown after the serve context ends.
const shutdownTimeout = 30 * time.Second

// ServeCommand returns the serve command: the long-running operation
// plane with the log monitor, depot backfill, prefill managers, and
// adapter pump.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the cachewarden operation plane",
		Flags: []cli.Flag{
			ConfigFlag,
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	path := c.String("config")
	if path == "" {
		return cli.Exit("serve requires --config", 2)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("load config: %v", err), 2)
	}

	p, err := buildPlane(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("build services: %v", err), 2)
	}
	defer p.close()

	p.markInterrupted(cfg.Operations.InterruptedCutoff.Duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	managers := buildPrefillManagers(p)
	for _, m := range managers {
		if n, err := m.ReconcileOrphans(ctx); err != nil {
			p.logger.Warn("orphan reconciliation failed", map[string]any{"error": err.Error()})
		} else if n > 0 {
			p.logger.Info("reconciled orphaned sessions", map[string]any{"count": n})
		}
	}

	p.logger.Info("cachewarden serving", map[string]any{
		"data_root":   cfg.DataRoot,
		"datasources": len(p.registry.Datasources()),
		"prefill":     len(managers) > 0,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { p.registry.Run(gctx); return nil })
	g.Go(func() error { p.monitor.Run(gctx); return nil })
	g.Go(func() error { p.depot.Run(gctx); return nil })
	g.Go(func() error { p.pump.Run(gctx); return nil })
	for _, m := range managers {
		m := m
		g.Go(func() error { m.Run(gctx); return nil })
	}

	_ = g.Wait()
	p.logger.Info("shutting down", nil)

	termCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, m := range managers {
		m.TerminateAll(termCtx, "service shutdown")
	}

	snap := p.metrics.Snapshot()
	p.logger.Info("final metrics", map[string]any{
		"workers_spawned":     snap.WorkersSpawned,
		"bytes_deleted":       snap.BytesDeleted,
		"log_lines":           snap.LogLinesDispatched,
		"sessions_created":    snap.SessionsCreated,
		"sessions_terminated": snap.SessionsTerminated,
		"depot_resolved":      snap.DepotMappingsResolved,
	})
	return nil
}

// buildPrefillManagers wires a Steam and an Epic manager over one Docker
// engine. If the engine is unreachable, prefill is disabled and serve
// keeps running the rest of the plane.
func buildPrefillManagers(p *plane) []*prefill.Manager {
	engine, err := prefill.NewDockerEngine(log.NewLogger("docker"))
	if err != nil {
		p.logger.Warn("docker engine unavailable, prefill disabled", map[string]any{"error": err.Error()})
		return nil
	}

	var managers []*prefill.Manager
	for _, profile := range []prefill.ServiceProfile{prefill.SteamProfile(), prefill.EpicProfile()} {
		m, err := prefill.NewManager(prefill.Config{
			Profile: profile,
			Engine:  engine,
			Store:   p.db,
			Bus:     p.bus,
			Paths:   p.resolver,
			Prefill: p.cfg.Prefill,
			Tracker: p.tracker,
			Logger:  log.NewLogger("prefill"),
			Metrics: p.metrics,
		})
		if err != nil {
			p.logger.Warn("prefill manager init failed", map[string]any{
				"service": profile.Name,
				"error":   err.Error(),
			})
			continue
		}
		managers = append(managers, m)
	}
	return managers
}
