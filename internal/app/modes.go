package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/events"
	"github.com/alanyoungcy/gridclear/internal/market"
	"github.com/alanyoungcy/gridclear/internal/outbox"
	"github.com/alanyoungcy/gridclear/internal/scheduler"
	"github.com/alanyoungcy/gridclear/internal/server"
	"github.com/alanyoungcy/gridclear/internal/server/handler"
	"github.com/alanyoungcy/gridclear/internal/settlement"
)

const eventQueueSize = 4096

// FullMode runs the scheduler, the settlement workers, the outbox relay and
// the HTTP API in one process. Dev mode runs the same set on in-memory
// dependencies.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	dispatcher := a.newDispatcher(deps)
	g.Go(func() error { return dispatcher.Run(ctx) })

	orch := a.newOrchestrator(deps, dispatcher)
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	sched, mkt, err := a.newClearing(ctx, deps, dispatcher, orch)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g.Go(func() error { return sched.Loop(ctx) })
	g.Go(func() error { return orch.Run(ctx) })
	a.startRelay(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, mkt)
	}

	return g.Wait()
}

// ClearingMode runs the scheduler and the order intake API. Settlements are
// created at handoff and left pending for a settlement-mode process, whose
// sweep picks them up.
func (a *App) ClearingMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting clearing mode")

	g, ctx := errgroup.WithContext(ctx)

	dispatcher := a.newDispatcher(deps)
	g.Go(func() error { return dispatcher.Run(ctx) })

	orch := a.newOrchestrator(deps, dispatcher)
	sched, mkt, err := a.newClearing(ctx, deps, dispatcher, orch)
	if err != nil {
		return fmt.Errorf("clearing mode: %w", err)
	}

	g.Go(func() error { return sched.Loop(ctx) })
	a.startRelay(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, mkt)
	}

	return g.Wait()
}

// SettlementMode runs the settlement workers and retry sweep only.
func (a *App) SettlementMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settlement mode")

	g, ctx := errgroup.WithContext(ctx)

	dispatcher := a.newDispatcher(deps)
	g.Go(func() error { return dispatcher.Run(ctx) })

	orch := a.newOrchestrator(deps, dispatcher)
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("settlement mode: %w", err)
	}
	g.Go(func() error { return orch.Run(ctx) })
	a.startRelay(ctx, g, deps)

	return g.Wait()
}

func (a *App) newDispatcher(deps *Dependencies) *events.Dispatcher {
	return events.NewDispatcher(a.logger, eventQueueSize, deps.Sinks(),
		events.WithDropHook(deps.Metrics.EventDropped),
	)
}

func (a *App) newOrchestrator(deps *Dependencies, sink domain.EventSink) *settlement.Orchestrator {
	s := a.cfg.Settlement
	return settlement.New(settlement.Config{
		FeeBps:          s.FeeBps,
		AmountPrecision: s.AmountPrecision,
		MaxRetries:      s.MaxRetries,
		RetryInterval:   s.RetryInterval.Duration,
		ConfirmTimeout:  s.ConfirmTimeout.Duration,
		Workers:         s.Workers,
		QueueSize:       s.QueueSize,
		SweepBatch:      s.SweepBatch,
	}, deps.Stores.Settlements, deps.Ledger, sink, a.logger,
		settlement.WithMetrics(deps.Metrics),
	)
}

// newClearing builds the book, the scheduler and the market facade, and
// recovers persisted epoch state before any order can reach the book.
func (a *App) newClearing(ctx context.Context, deps *Dependencies, sink domain.EventSink, orch *settlement.Orchestrator) (*scheduler.Scheduler, *market.Market, error) {
	var bookOpts []book.Option
	if a.cfg.Market.MaxOrdersPerEpoch > 0 {
		bookOpts = append(bookOpts, book.WithMaxOrders(a.cfg.Market.MaxOrdersPerEpoch))
	}
	b := book.New("", bookOpts...)

	schedOpts := []scheduler.Option{
		scheduler.WithEvents(sink),
		scheduler.WithMetrics(deps.Metrics),
	}
	if deps.LockManager != nil {
		schedOpts = append(schedOpts, scheduler.WithLockManager(deps.LockManager))
	}
	sched := scheduler.New(scheduler.Config{
		EpochDuration: a.cfg.Market.EpochDuration.Duration,
		PollInterval:  a.cfg.Market.PollInterval.Duration,
		CarryOver:     a.cfg.Market.CarryOver,
		LockTTL:       a.cfg.LockTTL.Duration,
	}, deps.Stores, b, orch, a.logger, schedOpts...)

	if err := sched.Recover(ctx, time.Now().UTC()); err != nil {
		return nil, nil, err
	}

	mktOpts := []market.Option{
		market.WithEvents(sink),
		market.WithMetrics(deps.Metrics),
	}
	if deps.RateLimiter != nil {
		mktOpts = append(mktOpts, market.WithRateLimiter(deps.RateLimiter))
	}
	if deps.BookCache != nil {
		mktOpts = append(mktOpts, market.WithBookCache(deps.BookCache))
	}
	mkt, err := market.New(ctx, market.Config{
		RateLimit:  a.cfg.Market.RateLimit,
		RateWindow: a.cfg.Market.RateWindow.Duration,
	}, deps.Stores, b, sched, orch, a.logger, mktOpts...)
	if err != nil {
		return nil, nil, err
	}
	return sched, mkt, nil
}

// startRelay adds the outbox relay when the outbox is wired.
func (a *App) startRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Outbox == nil {
		return
	}
	relay := outbox.NewRelay(deps.Outbox, deps.Publisher, outbox.RelayConfig{
		Interval:   a.cfg.Outbox.Interval.Duration,
		BatchSize:  a.cfg.Outbox.BatchSize,
		MaxRetries: uint32(a.cfg.Outbox.MaxRetries),
		Retention:  a.cfg.Outbox.Retention.Duration,
	}, deps.Metrics, a.logger)
	g.Go(func() error { return relay.Run(ctx) })
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. The
// server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, mkt *market.Market) {
	var reports domain.EpochArchiver
	if deps.Archiver != nil {
		reports = deps.Archiver
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(a.cfg.Mode, deps.Checks),
		Orders:      handler.NewOrderHandler(mkt, a.logger),
		Epochs:      handler.NewEpochHandler(mkt, reports, a.logger),
		Settlements: handler.NewSettlementHandler(mkt, a.logger),
	}, deps.Metrics, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
