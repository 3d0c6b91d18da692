package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tendant/listing-image-pipeline/internal/bus"
	"github.com/tendant/listing-image-pipeline/internal/config"
	"github.com/tendant/listing-image-pipeline/internal/handlers"
	"github.com/tendant/listing-image-pipeline/internal/logging"
	"github.com/tendant/listing-image-pipeline/internal/metrics"
	"github.com/tendant/listing-image-pipeline/internal/staging"
	"github.com/tendant/listing-image-pipeline/pkg/runner"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := pflag.String("env-file", config.DefaultEnvFile, "dotenv file to load before reading the environment; skipped when the default is absent")
	httpAddr := pflag.String("http-addr", "", "listen address (overrides HTTP_ADDR)")
	noBus := pflag.Bool("no-bus", false, "do not subscribe to NATS even when NATS_URL is set")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := runner.New(ctx, cfg, runner.Options{
		Logger:     log,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	defer r.Shutdown(10 * time.Second)

	// Launch DBOS (must be done after workflow registration)
	if err := r.Launch(); err != nil {
		return err
	}
	dbosEnabled := cfg.DBOSDatabaseURL != ""
	if !dbosEnabled {
		log.Warn("DBOS_SYSTEM_DATABASE_URL not set, ?async=true requests are rejected")
	}

	janitor, err := staging.StartJanitor(cfg.StagingSweepSchedule, r.Staging(), cfg.StagingMaxAge, r.Metrics(), logging.Component(log, "janitor"))
	if err != nil {
		return err
	}
	defer janitor.Stop()

	if cfg.NATSURL != "" && !*noBus {
		natsBus, err := bus.NewNatsBus(bus.Config{
			URL:        cfg.NATSURL,
			Stream:     cfg.NATSStream,
			Subject:    cfg.NATSSubject,
			Queue:      cfg.NATSQueue,
			AckWait:    cfg.NATSAckWait,
			RetryDelay: cfg.NATSRetryDelay,
			MaxDeliver: cfg.NATSMaxDeliver,
		}, logging.Component(log, "bus"))
		if err != nil {
			return err
		}
		defer natsBus.Close()
		if err := natsBus.Subscribe(ctx, r.HandleEvent); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", metrics.Handler())
	// Push deliveries are processed in place so the status code drives redelivery;
	// callers opt into the queue with ?async=true.
	handlers.NewEventHandler(r.WorkflowRunner(), r.Tracker(), false, logging.Component(log, "http")).Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("pipeline worker starting", zap.String("addr", cfg.HTTPAddr), zap.Bool("dbos", dbosEnabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
