// Command coremachine is the composition root: it wires config, logger,
// state store, bus, registries, the engine, the reconciler, and the HTTP
// server, the same explicit-construction shape app.New()/app.Run() use
// for the teacher's service, generalized to this service's job-engine
// startup sequence instead of wiring a web app's repos/services/handlers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coremachine/coremachine/internal/core/bus"
	"github.com/coremachine/coremachine/internal/core/engine"
	"github.com/coremachine/coremachine/internal/core/metrics"
	"github.com/coremachine/coremachine/internal/core/reconciler"
	"github.com/coremachine/coremachine/internal/core/registry"
	"github.com/coremachine/coremachine/internal/core/store"
	"github.com/coremachine/coremachine/internal/httpapi"
	"github.com/coremachine/coremachine/internal/platform/config"
	"github.com/coremachine/coremachine/internal/platform/logger"
	"github.com/coremachine/coremachine/internal/workflows/echo"
	"github.com/coremachine/coremachine/internal/workflows/fanout"
	"github.com/coremachine/coremachine/internal/workflows/twostage"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg := config.Load(log)

	if err := run(cfg, log); err != nil {
		log.Fatal("coremachine exited with error", "error", err)
	}
}

func run(cfg config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	st := store.New(db, log, cfg.AdvisoryLockNamespace)
	if err := st.AutoMigrate(); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	rdb, err := bus.NewClient(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()
	msgBus := bus.New(rdb, log, bus.Config{
		JobQueueName:     cfg.JobQueueName,
		TaskQueueName:    cfg.TaskQueueName,
		MaxDeliveryCount: cfg.BusMaxDeliveryCount,
		MaxMessageBytes:  cfg.BusMaxMessageBytes,
	})

	jobs := registry.NewJobRegistry()
	handlers := registry.NewHandlerRegistry()
	if err := registerWorkflows(jobs, handlers); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}

	m := metrics.New()
	if cfg.MetricsEnabled {
		m.MustRegister(prometheus.DefaultRegisterer.(*prometheus.Registry))
	}

	core := engine.New(st, msgBus, jobs, handlers, m, log, engine.Settings{
		MaxConcurrentJobs:    cfg.MaxConcurrentJobs,
		MaxConcurrentTasks:   cfg.MaxConcurrentTasks,
		LeaseDuration:        cfg.LeaseDuration,
		LeaseRenewalInterval: cfg.LeaseRenewalInterval,
		LeaseMaxTotal:        cfg.LeaseMaxTotal,
		PollTimeout:          5 * time.Second,
	})

	recon := reconciler.New(st, msgBus, core, m, log, cfg.ReconcilerGraceWindow)
	if err := recon.Start(ctx, cfg.ReconcilerCronSchedule); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	router := httpapi.NewRouter(core, httpapi.Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		MetricsEnabled: cfg.MetricsEnabled,
	})
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	errCh := make(chan error, 2)
	go func() {
		log.Info("engine starting", "max_concurrent_jobs", cfg.MaxConcurrentJobs, "max_concurrent_tasks", cfg.MaxConcurrentTasks)
		errCh <- core.Run(ctx)
	}()
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("component failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown failed", "error", err)
	}
	return nil
}

// registerWorkflows is the explicit registration point spec §9 requires
// in place of decorator-based auto-registration: every job type and task
// handler this binary serves is named here, once.
func registerWorkflows(jobs *registry.JobRegistry, handlers *registry.HandlerRegistry) error {
	if err := jobs.Register(echo.Definition{}); err != nil {
		return err
	}
	if err := jobs.Register(fanout.Definition{}); err != nil {
		return err
	}
	if err := jobs.Register(twostage.Definition{}); err != nil {
		return err
	}

	if err := handlers.Register(echo.Handler{}); err != nil {
		return err
	}
	if err := handlers.Register(fanout.Handler{}); err != nil {
		return err
	}
	if err := handlers.Register(twostage.ProduceHandler{}); err != nil {
		return err
	}
	if err := handlers.Register(twostage.AggregateHandler{}); err != nil {
		return err
	}
	return nil
}
