package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (overrides the config file)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (overrides the config file)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	autoLiquidate := flag.Bool("auto-liquidate", false, "Liquidate positions past their liquidation price")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *autoLiquidate {
		cfg.Liquidation.AutoLiquidate = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Starting perpd",
		"platform", runtime.GOOS+"/"+runtime.GOARCH,
		"cpus", runtime.NumCPU(),
		"data_dir", cfg.DataDir,
		"markets", len(cfg.Markets))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create node", "error", err)
		os.Exit(1)
	}
	defer node.Close()

	if err := node.Run(ctx); err != nil {
		logger.Error("Node stopped", "error", err)
		node.Close()
		os.Exit(1)
	}
	logger.Info("perpd shutdown complete")
}
