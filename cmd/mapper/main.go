// Package main implements the entry point for the dynamic mapper, a
// multi-tenant message-transformation hub between MQTT devices and the
// platform APIs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/directory"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/health"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/mappingstore"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/metric"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/sandbox"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/service"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/statestore"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dynmapper"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (built %s)\n", appName, Version, BuildTime)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting dynamic mapper",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"tenants", len(cfg.Tenants))

	ctx := context.Background()

	metricsRegistry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	if cfg.Metrics.Enabled {
		metricServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		metricServer.SetHealthHandler(monitor.Handler(appName))
		go func() {
			if err := metricServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricServer.Stop() }()
	}

	nc, stateStore, err := statestore.Connect(ctx, cfg.NATS, logger)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()
	monitor.RegisterCheck("nats", func() health.Status {
		if nc.IsConnected() {
			return health.NewHealthy("nats", "connected")
		}
		return health.NewUnhealthy("nats", "disconnected")
	})

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	repo, err := mappingstore.NewStore(ctx, js, "", logger)
	if err != nil {
		return fmt.Errorf("open mapping store: %w", err)
	}
	statusSink := mappingstore.NewStatusPublisher(nc, "", logger)

	lookup, closeLookup, err := buildDirectory(ctx, cfg, metricsRegistry, logger)
	if err != nil {
		return fmt.Errorf("build directory lookup: %w", err)
	}
	defer closeLookup()

	mqttClient, err := transport.NewMQTTClient(cfg.MQTT, logger)
	if err != nil {
		return fmt.Errorf("create MQTT client: %w", err)
	}
	if err := mqttClient.Start(ctx); err != nil {
		return fmt.Errorf("connect to MQTT broker: %w", err)
	}
	defer mqttClient.Stop()
	monitor.RegisterCheck("mqtt", func() health.Status {
		if mqttClient.IsConnected() {
			return health.NewHealthy("mqtt", "connected")
		}
		return health.NewUnhealthy("mqtt", "disconnected")
	})

	svc, err := service.New(service.Options{
		Config:     cfg,
		Repository: repo,
		StatusSink: statusSink,
		Subscriber: mqttClient,
		Sender:     mqttClient,
		Directory:  lookup,
		Sandbox:    sandbox.New(stateStore, cfg.Service.SandboxCPUBudget, logger),
		Metrics:    metricsRegistry,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create mapper service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start mapper service: %w", err)
	}

	for tenant := range cfg.Tenants {
		if err := svc.RegisterTenant(ctx, tenant); err != nil {
			logger.Error("tenant registration failed", "tenant", tenant, "error", err)
		}
	}
	if len(cfg.Tenants) == 0 {
		if err := svc.RegisterTenant(ctx, "default"); err != nil {
			logger.Error("tenant registration failed", "tenant", "default", "error", err)
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down", "timeout", cliCfg.ShutdownTimeout)
	if err := svc.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop mapper service: %w", err)
	}
	return nil
}

// buildDirectory layers the external-id lookup: the in-memory base, an
// optional redis read-through, and the TTL memoization cache in front.
func buildDirectory(
	ctx context.Context,
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*directory.CachedLookup, func(), error) {
	var (
		lookup  directory.Lookup = directory.NewInMemoryDirectory()
		closers []func()
	)

	if cfg.Redis.Enabled {
		redisLookup, err := directory.NewRedisLookup(ctx, cfg.Redis, lookup, logger)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { _ = redisLookup.Close() })
		lookup = redisLookup
	}

	cached, err := directory.NewCachedLookup(ctx, lookup, cfg.Service.ExternalIDCacheTTL, logger,
		directory.WithMetricsRegistry(metricsRegistry))
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { _ = cached.Close() })

	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return cached, closeAll, nil
}
