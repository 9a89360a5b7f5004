package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	specconfig "github.com/agentgateway/agentgateway/internal/config"
	httpServer "github.com/agentgateway/agentgateway/internal/interfaces/http"
	"github.com/agentgateway/agentgateway/internal/interfaces/http/handlers"
	"github.com/agentgateway/agentgateway/internal/telemetry"
)

const (
	appName    = "agentgateway"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	cfg, err := specconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := specconfig.NewLogger(cfg.Log, "stdout")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := specconfig.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to wire agent loop", zap.Error(err))
	}
	go components.Watcher.Start()

	telemetryPath := filepath.Join(filepath.Dir(cfg.Agent.ToolsConfigPath), "outcomes.jsonl")
	var sink handlers.OutcomeSink
	writer, telErr := telemetry.Open(telemetryPath)
	if telErr != nil {
		log.Warn("telemetry writer unavailable", zap.Error(telErr))
	} else {
		sink = writer
	}

	specHandler := handlers.NewSpecAgentHandler(components.Loop, components.Registry, components.Metrics, sink, log)

	srv := httpServer.NewServer(
		httpServer.Config{Host: cfg.Gateway.Host, Port: cfg.Gateway.Port, Mode: "release"},
		specHandler,
		cfg.Gateway.AllowedOrigins,
		log,
	)

	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	components.Watcher.Stop()
	if writer != nil {
		if err := writer.Close(); err != nil {
			log.Error("Failed to close telemetry writer", zap.Error(err))
		}
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Gateway stopped successfully")
}

func printUsage() {
	fmt.Printf(`%s v%s

Usage:
  gateway           Start the agent-loop gateway server
  gateway version   Show version
  gateway help      Show this help

Environment:
  AGENTGATEWAY_*    Configuration overrides (see config.yaml)
`, appName, appVersion)
}
