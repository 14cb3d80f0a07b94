package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kumakita/aitrios-monitor/internal/config"
	"github.com/kumakita/aitrios-monitor/internal/logger"
)

var (
	// Command-line flags
	configPath  = flag.String("config", "", "YAML config file (optional)")
	deviceID    = flag.String("device", "", "Device ID to monitor")
	httpAddr    = flag.String("http", "", "HTTP server address")
	metricsAddr = flag.String("metrics", "", "Metrics server address (empty disables)")
	assetsDir   = flag.String("assets", "", "Static assets directory")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

func main() {
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.Info("Main", "Device monitor starting for %s", cfg.Device.ID)
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create monitor: %v", err)
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil {
		logger.Error("Main", "Monitor stopped with error: %v", err)
		return
	}
	logger.Info("Main", "Monitor stopped")
}

// applyFlags overrides config values with flags set on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			cfg.Device.ID = *deviceID
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "metrics":
			cfg.HTTP.MetricsAddr = *metricsAddr
		case "assets":
			cfg.HTTP.AssetsDir = *assetsDir
		}
	})
}
