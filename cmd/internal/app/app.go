// Package app wires a chatroom worker: config, logging, storage, the
// broadcast bus, HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"chatroom/cmd/internal/bus"
	"chatroom/cmd/internal/chatlog"
	"chatroom/cmd/internal/metrics"
	"chatroom/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// App is one worker's runtime. It owns every resource it opened.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	store chatlog.Log
	bus   bus.Bus

	registry *prometheus.Registry
	svc      *realtime.Service
	ws       *realtime.WSGateway

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App. On error everything opened so far is
// closed again.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.Log.Level, cfg.Log.Format)
	}
	a = &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close(context.Background())
			a = nil
		}
	}()

	a.shutdownTracing, err = SetupTracing(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if cfg.Store.AutoMigrate {
		if err := migrateStore(ctx, a.store, log); err != nil {
			return nil, err
		}
	}
	if cfg.Tracing.Enabled {
		a.store = chatlog.WithTracing(a.store)
	}

	if err := a.openBus(ctx); err != nil {
		return nil, err
	}

	variant, _ := realtime.ParseVariant(cfg.Chat.Variant)
	encoding, _ := chatlog.ParseEncoding(cfg.Store.Encoding)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)
	m.SetRecoveryWindow(cfg.WS.RecoveryWindow.Seconds())

	conns := realtime.NewRegistry(log,
		realtime.WithRecoveryWindow(cfg.WS.RecoveryWindow),
		realtime.WithRecoveryBuffer(cfg.WS.RecoveryBuffer),
	)
	metrics.RegisterConnections(a.registry, conns.Count)

	a.svc, err = realtime.NewService(log, a.store, a.bus, conns, nil, m, realtime.ServiceConfig{
		WorkerID: cfg.Worker.ID,
		Variant:  variant,
		Encoding: encoding,
	})
	if err != nil {
		return nil, err
	}
	a.ws = realtime.NewWSGateway(log, a.svc, cfg.GatewayConfig())

	return a, nil
}

// Handler is the full HTTP surface of the worker.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.store, a.ws, a.registry)
	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run serves HTTP and the bus subscription until ctx is cancelled or either
// fails. It closes the App before returning.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.HTTP
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start",
		"addr", cfg.Addr,
		"store_driver", a.cfg.Store.Driver,
		"bus_driver", a.cfg.Bus.Driver,
		"variant", a.cfg.Chat.Variant,
	)

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before accepting connections so no client misses an event.
	serveBus, err := a.StartBus(gctx)
	if err != nil {
		a.Close(context.WithoutCancel(ctx))
		return err
	}

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := serveBus(); err != nil {
			a.log.Error("bus.subscription.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(closeCtx)

	a.log.Info("server.stopped")
	return err
}

// StartBus subscribes the worker to the bus. The returned function blocks
// until the subscription ends (ctx cancelled or backend failure).
func (a *App) StartBus(ctx context.Context) (func() error, error) {
	sub, err := a.svc.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return func() error { return a.svc.Serve(sub) }, nil
}

// Close releases the bus, the store and the pool. It is safe on a partially
// constructed App.
func (a *App) Close(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("bus.close.fail", "err", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("tracing.shutdown.fail", "err", err)
		}
	}
}

func (a *App) openStore(ctx context.Context) error {
	s, pool, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.store, a.pool = s, pool
	return nil
}

func (a *App) openBus(ctx context.Context) error {
	cfg := a.cfg.Bus
	switch cfg.Driver {
	case BusPostgres:
		if a.pool != nil && (cfg.URL == "" || cfg.URL == a.cfg.Store.DSN) {
			b, err := bus.NewPostgresBus(a.log, a.pool, cfg.Channel)
			if err != nil {
				return err
			}
			a.bus = b
			return nil
		}
		// A LISTEN connection is held for the worker's lifetime, plus one for
		// publishing.
		p, err := NewDBPool(ctx, cfg.URL, 2, 0)
		if err != nil {
			return fmt.Errorf("bus pool: %w", err)
		}
		b, err := bus.NewPostgresBus(a.log, p, cfg.Channel)
		if err != nil {
			p.Close()
			return err
		}
		a.bus = &pooledBus{Bus: b, pool: p}
	case BusRedis:
		b, err := bus.NewRedisBus(a.log, cfg.URL, cfg.Channel)
		if err != nil {
			return err
		}
		a.bus = b
	case BusAMQP:
		b, err := bus.NewAMQPBus(a.log, cfg.URL, cfg.Channel)
		if err != nil {
			return err
		}
		a.bus = b
	default:
		a.log.Info("bus.local", "note", "single worker only")
		a.bus = bus.NewLocalBus()
	}
	return nil
}

// pooledBus closes a pool dedicated to a PostgresBus.
type pooledBus struct {
	bus.Bus
	pool *pgxpool.Pool
}

func (b *pooledBus) Close() error {
	err := b.Bus.Close()
	b.pool.Close()
	return err
}
