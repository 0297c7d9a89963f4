// Package main is the entry point for the runplane controller: the HTTP
// API, the lease scheduler and the expiry sweeper in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"runplane/internal/config"
	"runplane/internal/controller"
	"runplane/internal/controller/handlers"
	"runplane/internal/events"
	"runplane/internal/logger"
	"runplane/internal/observability"
	"runplane/internal/scheduler"
	"runplane/internal/store"
	"runplane/internal/store/memstore"
	"runplane/internal/store/postgres"
	"runplane/internal/sweeper"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// controllerStore is the store surface main wires together: everything
// the handlers need, plus teardown.
type controllerStore interface {
	handlers.StoreFactory
	Close() error
}

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: in-memory for local development, postgres everywhere else.
	var st controllerStore
	if cfg.MemoryStore() {
		st = memstore.New()
		log.Info("using in-memory store, state is lost on restart")
	} else {
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if *migrateFlag {
			log.Info("running database migrations")
			if err := postgres.Migrate(pg.DB()); err != nil {
				log.Error("migration failed", "error", err)
				os.Exit(1)
			}
			log.Info("migrations completed")
		}
		st = pg
	}
	defer st.Close()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "runplane-controller", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics()
	if err != nil {
		log.Error("failed to create instruments", "error", err)
		os.Exit(1)
	}
	registerGauges(st, log)

	// Event bus, with the audit trail attached when configured.
	bus := events.NewBus(256)
	defer bus.Close()
	if cfg.AuditLogPath != "" {
		audit, err := events.NewAuditLog(cfg.AuditLogPath)
		if err != nil {
			log.Error("failed to open audit log", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
		defer audit.Attach(bus)()
		log.Info("audit log enabled", "path", audit.Path())
	}

	sched := scheduler.New(st, cfg, metrics, bus, log)
	swp := sweeper.New(st, cfg, metrics, bus, log)
	srv := controller.New(cfg, st, sched, metrics, bus, metricsHandler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("controller listening", "port", cfg.HTTPPort)
		return srv.Run(gctx)
	})
	g.Go(func() error {
		log.Info("sweeper started", "interval", cfg.SweepInterval)
		swp.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error("controller stopped", "error", err)
		os.Exit(1)
	}
	log.Info("controller exited")
}

// registerGauges publishes queue and fleet depth as observable gauges,
// computed from the store only when scraped. A store error skips the
// observation rather than failing the scrape.
func registerGauges(st handlers.StoreFactory, log *slog.Logger) {
	meter := otel.Meter("runplane-controller")

	var gaugeErr error
	gauge := func(name, desc string) metric.Int64ObservableGauge {
		g, err := meter.Int64ObservableGauge(name, metric.WithDescription(desc))
		if err != nil && gaugeErr == nil {
			gaugeErr = err
		}
		return g
	}

	runsPending := gauge("runplane.runs.pending", "Runs waiting for a lease")
	runsRunning := gauge("runplane.runs.running", "Runs currently executing on a node")
	nodesActive := gauge("runplane.nodes.active", "Nodes in active state")
	slotsFree := gauge("runplane.slots.free", "Fleet-wide free execution slots")
	if gaugeErr != nil {
		log.Warn("failed to register gauges", "error", gaugeErr)
		return
	}

	_, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if statuses, err := st.CountRunsByStatus(ctx); err == nil {
			o.ObserveInt64(runsPending, statuses[store.RunStatusPending])
			o.ObserveInt64(runsRunning, statuses[store.RunStatusRunning])
		}
		if states, err := st.CountNodesByState(ctx); err == nil {
			o.ObserveInt64(nodesActive, states[store.NodeStateActive])
		}
		if free, err := st.TotalFreeSlots(ctx); err == nil {
			o.ObserveInt64(slotsFree, free)
		}
		return nil
	}, runsPending, runsRunning, nodesActive, slotsFree)
	if err != nil {
		log.Warn("failed to register gauge callback", "error", err)
	}
}
