// mash-service runs one stage of the image release pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"mash/internal/api"
	"mash/internal/broker"
	"mash/internal/config"
	"mash/internal/credentials"
	"mash/internal/health"
	"mash/internal/notify"
	"mash/internal/observability"
	"mash/internal/provider"
	"mash/internal/provider/container"
	"mash/internal/scheduler"
	"mash/internal/schema"
	"mash/internal/service"
	"mash/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	serviceName := pflag.String("service", config.GetEnv("MASH_SERVICE", ""), "pipeline stage to run")
	configPath := pflag.String("config", "", "configuration file (default $MASH_CONFIG or "+config.DefaultPath+")")
	pflag.Parse()

	if *serviceName == "" {
		return errors.New("--service is required")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if !cfg.HasService(*serviceName) {
		return fmt.Errorf("service %q is not in the configured pipeline", *serviceName)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	baseHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(baseHandler).With("service", *serviceName))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Connect to the broker
	topology, err := broker.Dial(ctx, broker.AMQPConfig{
		URL:      cfg.AMQPURL,
		User:     cfg.AMQPUser,
		Password: cfg.AMQPPass,
	})
	if err != nil {
		return err
	}
	slog.Info("Connected to message broker")

	// Forward logs to the broker before anything captures the default logger
	var logForward *observability.BrokerHandler
	if cfg.LogForward {
		if err := topology.DeclareExchange(ctx, observability.DefaultLogExchange); err != nil {
			_ = topology.Close()
			return err
		}
		if _, err := topology.BindQueue(ctx, observability.DefaultLogExchange, observability.DefaultLogRoutingKey, "mash"); err != nil {
			_ = topology.Close()
			return err
		}
		logForward = observability.NewBrokerHandler(baseHandler, topology, observability.BrokerHandlerOptions{
			Level:   level,
			Metrics: metrics,
		})
		slog.SetDefault(slog.New(logForward).With("service", *serviceName))
	}

	// Credentials
	ring, err := credentials.LoadKeyRing(cfg.EncryptionKeysFile)
	if err != nil {
		_ = topology.Close()
		return err
	}
	codec, err := credentials.NewCodec(*serviceName, []byte(cfg.JWTSecret), cfg.JWTAlgorithm)
	if err != nil {
		_ = topology.Close()
		return err
	}

	// Job persistence
	var jobStore store.Store
	switch cfg.StoreBackend {
	case config.StoreRedis:
		rs, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisDB, *serviceName)
		if err != nil {
			_ = topology.Close()
			return err
		}
		defer rs.Close()
		jobStore = rs
	default:
		fs, err := store.NewFile(cfg.ServiceJobDirectory(*serviceName))
		if err != nil {
			_ = topology.Close()
			return err
		}
		jobStore = fs
	}

	// Container runtime for stage tools
	runner, err := container.NewDocker(ctx)
	if err != nil {
		_ = topology.Close()
		return err
	}
	defer runner.Close()
	slog.Info("Connected to Docker daemon")

	validator, err := schema.NewValidator()
	if err != nil {
		_ = topology.Close()
		return err
	}

	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		SSL:      cfg.SMTPSSL,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.NotificationFrom,
	})
	notifier := notify.New(*serviceName, cfg.NotificationSubject, mailer, notify.Config{}, metrics)

	driver, err := service.New(service.Options{
		Service:   *serviceName,
		Config:    cfg,
		Topology:  topology,
		Store:     jobStore,
		Registry:  provider.Default(cfg, *serviceName, runner),
		Validator: validator,
		Codec:     codec,
		KeyRing:   ring,
		Notifier:  notifier,
		Metrics:   metrics,
		Scheduler: scheduler.New(),
	})
	if err != nil {
		_ = topology.Close()
		return err
	}
	if err := driver.Start(ctx); err != nil {
		_ = driver.Shutdown(ctx)
		return err
	}

	// Create health checker
	healthChecker := health.NewChecker(driver, health.WithDependency("docker", runner, false))

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Jobs:          driver,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// stopDriver stops the pipeline stage and the log forwarder
	stopDriver := func() error {
		driverCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if logForward != nil {
			slog.SetDefault(slog.New(baseHandler).With("service", *serviceName))
			if err := logForward.Close(driverCtx); err != nil {
				slog.Warn("Log forwarder shutdown error", "error", err)
			}
			slog.Info("Log forwarder stats", "forwarded", logForward.Forwarded(), "dropped", logForward.Dropped())
		}

		err := driver.Shutdown(driverCtx)
		stats := notifier.Stats()
		slog.Info("Notification stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		if stopErr := stopDriver(); stopErr != nil {
			slog.Error("Pipeline driver shutdown error", "error", stopErr)
		}
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop consuming, wait for running passes, close the broker
	slog.Info("Stopping pipeline driver")
	if err := stopDriver(); err != nil {
		slog.Warn("Pipeline driver shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
	return nil
}
