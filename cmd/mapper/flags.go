package main

import (
	"flag"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("DYNMAPPER_CONFIG", "configs/mapper.json"),
		"Path to configuration file (env: DYNMAPPER_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("DYNMAPPER_CONFIG", "configs/mapper.json"),
		"Path to configuration file (env: DYNMAPPER_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("DYNMAPPER_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: DYNMAPPER_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("DYNMAPPER_LOG_FORMAT", "json"),
		"Log format: json, text (env: DYNMAPPER_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("DYNMAPPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: DYNMAPPER_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Print version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
