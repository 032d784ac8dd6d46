package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nostrmarket/internal/cronrunner"
	"github.com/alanyoungcy/nostrmarket/internal/feed"
	"github.com/alanyoungcy/nostrmarket/internal/server"
	"github.com/alanyoungcy/nostrmarket/internal/server/handler"
	"github.com/alanyoungcy/nostrmarket/internal/server/ws"
	"github.com/alanyoungcy/nostrmarket/internal/service"
)

const shutdownTimeout = 5 * time.Second

// ServerMode serves the HTTP API and the websocket hub.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// WatchMode follows oracle attestations and runs the scheduled jobs.
func (a *App) WatchMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watch mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startWatcher(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// FullMode runs the API and the watcher in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startWatcher(ctx, g, deps); err != nil {
		return err
	}
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	return g.Wait()
}

// startHTTPServer adds the hub and the HTTP server to g. The server is shut
// down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Network:        a.cfg.Bitcoin.Network,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Events:  handler.NewEventHandler(deps.SignalBus, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server: api_key not set, mutating routes are open")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startWatcher adds the attestation feed and the cron runner to g. Jobs are
// scheduled before anything starts so a bad cron spec leaves nothing running.
func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	runner := cronrunner.New(ctx, a.logger)

	sweeper := service.NewSettlementSweeper(deps.MarketStore, deps.SignalBus, deps.Notifier, a.logger)
	if _, err := runner.Add("sweep_awaiting_settlement", a.cfg.Sweep.Cron, func(ctx context.Context) error {
		_, err := sweeper.SweepAwaitingSettlement(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("app: schedule sweep %q: %w", a.cfg.Sweep.Cron, err)
	}

	if deps.Archiver != nil {
		job := service.NewArchiveJob(deps.Archiver, a.cfg.Archive.Retention.Duration, a.logger)
		if _, err := runner.Add("archive_settled", a.cfg.Archive.Cron, func(ctx context.Context) error {
			_, err := job.ArchiveSettled(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("app: schedule archive %q: %w", a.cfg.Archive.Cron, err)
		}
	} else {
		a.logger.InfoContext(ctx, "archive disabled, settled markets stay in postgres")
	}

	watcher := service.NewSettlementWatcher(deps.Markets, a.logger)
	attestations := feed.NewAttestationFeed(feed.Config{
		Relays:       a.cfg.Oracle.Relays,
		OraclePubKey: a.cfg.Oracle.PubKey,
		Kind:         a.cfg.Oracle.Kind,
		Lookback:     a.cfg.Oracle.SinceLookback.Duration,
	}, watcher.HandleEvent, a.logger)
	g.Go(func() error {
		return attestations.Run(ctx)
	})

	runner.Start()
	g.Go(func() error {
		<-ctx.Done()
		runner.Stop()
		return nil
	})

	a.logger.InfoContext(ctx, "watching oracle",
		slog.String("pubkey", a.cfg.Oracle.PubKey),
		slog.Int("relays", len(a.cfg.Oracle.Relays)),
	)
	return nil
}
