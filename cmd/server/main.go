/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the KPI engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env files and parse the environment (package config)
  2. Initialize SQLite store
  3. Choose the advisory locker: Redis when REDIS_URL is set, else local
  4. Build the KPI engine, fund reconciler and outbox relay
  5. Configure HTTP router, optionally start the scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     comma separated .env files (default: .env,.env.local)
  Every other setting is an environment variable; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and the outbox relay
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/kpi-engine/api"
	"github.com/warp/kpi-engine/config"
	"github.com/warp/kpi-engine/factory"
	"github.com/warp/kpi-engine/fund"
	"github.com/warp/kpi-engine/generic"
	"github.com/warp/kpi-engine/kpi"
	"github.com/warp/kpi-engine/lock"
	"github.com/warp/kpi-engine/outbox"
	"github.com/warp/kpi-engine/store/sqlite"
)

func main() {
	envFiles := flag.String("env", ".env,.env.local", "comma separated .env files")
	flag.Parse()

	cfg, err := config.Load(strings.Split(*envFiles, ",")...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	log := logrus.NewEntry(logger)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	cal, err := generic.NewCalendar(cfg.Timezone)
	if err != nil {
		return err
	}

	tiers := kpi.DefaultTierConfig()
	if cfg.TierConfig != "" {
		if tiers, err = factory.NewTierFactory().LoadFile(cfg.TierConfig); err != nil {
			return fmt.Errorf("failed to load tier config: %w", err)
		}
		log.WithField("path", cfg.TierConfig).Info("tier config loaded")
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		rl, err := lock.NewRedis(cfg.RedisURL, lock.RedisOptions{Logger: log.WithField("component", "lock")})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		log.Info("using redis advisory locks")
	}

	engine, err := kpi.NewEngine(store, kpi.Options{
		Calendar: cal,
		Tiers:    &tiers,
		Locker:   locker,
		Logger:   log.WithField("component", "kpi"),
	})
	if err != nil {
		return err
	}
	reconciler := fund.NewReconciler(store, fund.Options{Logger: log.WithField("component", "fund")})

	relayLog := log.WithField("component", "outbox")
	relay, err := outbox.NewRelay(store, outbox.LogDispatcher{Logger: relayLog}, outbox.RelayOptions{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		MaxBackoff:   cfg.Outbox.MaxBackoff,
		Leader:       locker,
		Logger:       relayLog,
	})
	if err != nil {
		return err
	}

	scheduler := api.NewScheduler(engine, reconciler, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval

	handler := api.NewHandler(engine, reconciler, scheduler, log)
	router := api.NewRouter(handler, api.RouterOptions{
		CronSecret:     cfg.CronSecret,
		AllowedOrigins: cfg.CORSOrigins,
		MetricsPath:    cfg.MetricsPath,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			relayLog.WithError(err).Error("relay stopped")
		}
	}()
	scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": cfg.Port, "tz": cfg.Timezone}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			stop()
			scheduler.Stop()
			<-relayDone
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	scheduler.Stop()
	stop()
	<-relayDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
