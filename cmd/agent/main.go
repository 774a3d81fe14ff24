// Package main runs the AURORAL node agent: it registers local objects with
// the platform, keeps their sessions alive and serves the agent HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/AuroralH2020/auroral-node-agent/agent"
	"github.com/AuroralH2020/auroral-node-agent/api"
	"github.com/AuroralH2020/auroral-node-agent/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "auroral-agent"
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
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	app, err := agent.Build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	server, err := api.NewServer(serverDependencies(app), cfg.API, logger)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(ctx, cliCfg.ShutdownTimeout)
		defer cancel()
		_ = app.Node.Stop(stopCtx)
		return fmt.Errorf("create API server: %w", err)
	}

	return runWithSignalHandling(ctx, app, server, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting AURORAL node agent",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

func serverDependencies(app *agent.App) api.Dependencies {
	return api.Dependencies{
		Registrations: app.Manager,
		Catalog:       app.Store,
		Sessions:      app.Sessions,
		Router:        app.Router,
		Discovery:     app.Federator,
		Permissions:   app.Resolver,
		Consumer:      app.Consumer,
		Notifier:      app.Node,
		Health:        app.Checker,
		Metrics:       app.Metrics,
	}
}

// runWithSignalHandling starts the node, serves the API until SIGINT or
// SIGTERM and then shuts everything down within timeout.
func runWithSignalHandling(ctx context.Context, app *agent.App, server *api.Server, timeout time.Duration) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Node.Start(sigCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = app.Node.Stop(shutdownCtx)
		return fmt.Errorf("start node: %w", err)
	}

	slog.Info("Agent started", "gateway", app.Config.Gateway.ID, "listen", app.Config.API.Listen)

	serveErr := server.Run(sigCtx)
	if serveErr != nil {
		slog.Error("API server stopped", "error", serveErr)
	} else {
		slog.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.Node.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Agent shutdown complete")
	return serveErr
}

// loadConfig loads configuration from the file and AGENT_ environment
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().WithFile(path).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
