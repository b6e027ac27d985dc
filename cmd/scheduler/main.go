package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sharma-sourabh3435/buildfarm/internal/api"
	"github.com/sharma-sourabh3435/buildfarm/internal/scheduler"
	"github.com/sharma-sourabh3435/buildfarm/internal/storage"
	"github.com/sharma-sourabh3435/buildfarm/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.Fatal("%v", err)
	}
}

func run() error {
	// Parse command-line flags
	flagSet := pflag.NewFlagSet("scheduler", pflag.ContinueOnError)
	var (
		configPath = flagSet.StringP("config", "c", "", "YAML configuration file")
		listen     = flagSet.String("listen", "", "API server address (host:port)")
		dataDir    = flagSet.String("data-dir", "", "Directory holding pipeline runs")
		dbPath     = flagSet.String("db", "", "Database file path")
		logLevel   = flagSet.String("log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	)
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := utils.LoadServerConfig(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("listen") {
		cfg.ListenAddr = *listen
	}
	if flagSet.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if flagSet.Changed("db") {
		cfg.DatabasePath = *dbPath
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	// Set log level
	utils.SetDefaultLogLevel(utils.ParseLogLevel(cfg.LogLevel))

	utils.Info("Starting build farm scheduler")
	utils.Info("Database: %s", cfg.DatabasePath)
	utils.Info("Data directory: %s", cfg.DataDir)
	utils.Info("API Server: %s", cfg.ListenAddr)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Initialize storage
	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	utils.Info("Database initialized successfully")

	var certs []tls.Certificate
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	// Create scheduler
	sched := scheduler.NewScheduler(scheduler.Config{
		Storage:      store,
		DataDir:      cfg.DataDir,
		RetryDelay:   cfg.RetryDelay,
		HTTPClient:   &http.Client{Timeout: 10 * time.Minute},
		Certificates: certs,
		Agents:       cfg.Agents,
	})

	// Start scheduler
	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// Create API server
	apiServer := api.NewServer(sched, cfg.ListenAddr)

	// Start API server in goroutine
	go func() {
		var err error
		if cfg.CertFile != "" {
			err = apiServer.StartTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			err = apiServer.Start()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Error("API server error: %v", err)
		}
	}()

	utils.Info("Scheduler started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	utils.Info("Received shutdown signal")

	// Graceful shutdown
	utils.Info("Shutting down gracefully...")

	// Shutdown API server
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		utils.Error("API server shutdown error: %v", err)
	}

	// Stop scheduler
	sched.Stop()

	utils.Info("Shutdown complete")
	return nil
}
