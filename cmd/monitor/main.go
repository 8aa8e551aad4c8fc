package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-ladder-bot-go/internal/api"
	"order-ladder-bot-go/internal/bracket"
	"order-ladder-bot-go/internal/bridge"
	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/health"
	"order-ladder-bot-go/internal/history"
	"order-ladder-bot-go/internal/ledger"
	"order-ladder-bot-go/internal/logger"
	"order-ladder-bot-go/internal/metrics"
	"order-ladder-bot-go/internal/reconcile"
	"order-ladder-bot-go/internal/scheduler"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	configDir := flag.String("config", "./configs", "directory holding config.yml")
	flag.Parse()

	// Load application configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		fmt.Fprintf(os.Stderr, "could not load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Strings("profiles", cfg.Monitor.Profiles))

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	table, err := bracket.FromConfig(cfg.Brackets)
	if err != nil {
		log.Fatal("Invalid bracket table", zap.Error(err))
	}

	client := bridge.NewClient(&cfg.Bridge, log)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.Ping(pingCtx); err != nil {
		// Runs fail and are recorded until the bridge comes up.
		log.Warn("Browser bridge is not reachable yet", zap.Error(err))
	}
	cancelPing()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store := ledger.NewStore(db)
	engine := reconcile.NewEngine(store, table, cfg.Reconcile, log)
	task := reconcile.NewTask(client, engine, cfg.Monitor.CatchUpLookback(), log)
	executions := history.NewCachedStore(history.NewGormStore(db), cfg.Monitor.HistoryCacheSize)

	registry := scheduler.NewRegistry(task, executions, m, cfg.Monitor, log)
	err = registry.Retain(time.Hour, cfg.Monitor.Retention(),
		scheduler.Pruner{Name: "task_executions", Prune: executions.Prune},
		scheduler.Pruner{Name: "applied_observations", Prune: store.PruneApplied},
	)
	if err != nil {
		log.Fatal("Failed to schedule retention", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, profile := range cfg.Monitor.Profiles {
		if err := registry.Start(ctx, profile); err != nil {
			log.Error("Failed to start monitoring", zap.String("profile", profile), zap.Error(err))
		}
	}

	defaultAmount := decimal.NewFromFloat(cfg.Reconcile.DefaultAmount)
	reporter := health.NewReporter(registry, executions, cfg.Monitor.HealthWindow(), log)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(log.Named("http"), m.Handler(),
		&api.HealthHandler{DB: db},
		&api.ProfileHandler{
			Scheduler:     registry,
			Health:        reporter,
			History:       executions,
			Orders:        store,
			Ladders:       scheduler.GuardedPlacer{Registry: registry, Placer: task},
			DefaultAmount: defaultAmount,
			Logger:        log.Named("api"),
		},
		&api.BracketHandler{Table: table, DefaultAmount: defaultAmount},
	)
	server := api.NewAPIServer(cfg.Server.Port, router, log)
	server.Start()

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	registry.Close()

	log.Info("Monitor has been shut down.")
}
