package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/lmsrmarket/internal/domain"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/lmsrd"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/oracle"
	"github.com/alanyoungcy/lmsrmarket/internal/server"
	"github.com/alanyoungcy/lmsrmarket/internal/server/handler"
	"github.com/alanyoungcy/lmsrmarket/internal/server/middleware"
	"github.com/alanyoungcy/lmsrmarket/internal/server/ws"
	"github.com/alanyoungcy/lmsrmarket/internal/service"
)

// APIMode serves the HTTP API and the websocket feed. It also relays bus
// events to the notifier.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	return g.Wait()
}

// KeeperMode runs only the settlement keeper. It owns no engine and
// settles through the API process at keeper.api_url, which stays the
// single writer of the ledger.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Keeper.APIURL == "" {
		return fmt.Errorf("app: keeper mode requires keeper.api_url")
	}
	a.logger.InfoContext(ctx, "app: keeper mode", slog.String("api_url", a.cfg.Keeper.APIURL))

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startKeeper(ctx, g, lmsrd.NewClient(a.cfg.Keeper.APIURL, 0), deps)
	return g.Wait()
}

// ArchiverMode exports closed journal windows to S3. It never touches the
// engine.
func (a *App) ArchiverMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: archiver mode")

	if deps.Archiver == nil {
		return fmt.Errorf("app: archiver mode requires s3 to be enabled")
	}
	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// AllMode runs the API, the keeper and, when S3 is enabled, the archiver
// in one process.
func (a *App) AllMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: all mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	if err := a.startHTTPServer(ctx, g, deps); err != nil {
		return err
	}
	a.startKeeper(ctx, g, service.InProcess(deps.Engine), deps)
	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "app: archiver disabled, s3 not enabled")
	}
	return g.Wait()
}

func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Notifier == nil {
		return
	}
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, settler service.Settler, deps *Dependencies) {
	keeper := service.NewSettlementKeeper(
		settler, deps.Locks, deps.Notifier,
		service.KeeperConfig{
			Interval:    a.cfg.Keeper.Interval.Duration,
			VerifyEvery: a.cfg.Keeper.VerifyEvery,
		},
		a.logger,
	)
	g.Go(func() error {
		return keeper.Run(ctx)
	})
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sched := service.NewArchiveScheduler(deps.Archiver, service.ArchiveConfig{
		Interval: a.cfg.Archive.Interval.Duration,
		Window:   a.cfg.Archive.Window.Duration,
		Lookback: a.cfg.Archive.Lookback,
	}, a.logger)
	g.Go(func() error {
		return sched.Run(ctx)
	})
}

// startHTTPServer builds the handlers, the websocket hub and the event relay
// and registers them with g. The server shuts down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	auth, err := middleware.NewAuthenticator(a.cfg.Server.JWTSecret, a.cfg.Server.JWTIssuer)
	if err != nil {
		return fmt.Errorf("app: build authenticator: %w", err)
	}

	eng := deps.Engine
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Health, a.logger),
		Markets:    handler.NewMarketHandler(eng, service.NewMarketService(eng, deps.Cache, a.logger), a.logger),
		Trading:    handler.NewTradingHandler(eng, a.logger),
		Resolution: handler.NewResolutionHandler(eng, a.logger),
		Admin:      handler.NewAdminHandler(eng, a.logger),
		Journal:    handler.NewJournalHandler(service.NewTradeService(deps.Trades, deps.Audit), eng, a.logger),
	}
	// Disputes are only driven over HTTP for the in-process oracle; a
	// remote oracle has its own dispute surface.
	if oo, ok := deps.Oracle.(*oracle.Optimistic); ok {
		handlers.Oracle = handler.NewOracleHandler(oo, eng, a.logger)
	}

	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	if deps.Notifier != nil {
		relay := service.NewEventRelay(deps.Bus,
			[]string{domain.ChannelResolutions, domain.ChannelAdmin},
			a.logger, deps.Notifier)
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		ReadLimit:   a.cfg.Server.ReadLimit,
		WriteLimit:  a.cfg.Server.WriteLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, auth, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "app: http server listening", slog.String("addr", a.cfg.Server.Addr))
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "app: http server shutting down")
		return srv.Shutdown(shutCtx)
	})
	return nil
}
