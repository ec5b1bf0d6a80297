// Package main runs a wired client: it connects the bootstrap and
// configured relays, keeps the event pipeline and profile cache running
// and serves metrics until interrupted.
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

	"github.com/joho/godotenv"

	"github.com/ishtarservices/TheWired-sub000/client"
	"github.com/ishtarservices/TheWired-sub000/config"
	"github.com/ishtarservices/TheWired-sub000/nostr"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wired"
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
	// a missing .env is fine
	_ = godotenv.Load()

	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	opts := []client.Option{client.WithLogger(logger)}
	if cliCfg.SecretKey != "" {
		signer, err := nostr.NewKeySigner(cliCfg.SecretKey)
		if err != nil {
			return fmt.Errorf("load secret key: %w", err)
		}
		pubkey, _ := signer.PublicKey(context.Background())
		slog.Info("Signer configured", "pubkey", pubkey)
		opts = append(opts, client.WithSigner(signer))
	}

	slog.Info("Starting wired",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"data_dir", cfg.DataDir,
		"bootstrap_relays", len(cfg.Relays.Bootstrap))

	c, err := client.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	return runWithSignalHandling(c, cliCfg.ShutdownTimeout)
}

// runWithSignalHandling runs the client until SIGINT or SIGTERM, then
// closes it within the shutdown timeout
func runWithSignalHandling(c *client.Client, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(signalCtx) }()

	var err error
	select {
	case err = <-runErr:
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
		select {
		case err = <-runErr:
		case <-time.After(shutdownTimeout):
			slog.Warn("Shutdown timed out", "timeout", shutdownTimeout)
		}
	}

	if closeErr := c.Close(); closeErr != nil {
		slog.Error("Closing client failed", "error", closeErr)
	}
	if err != nil {
		return fmt.Errorf("run client: %w", err)
	}

	slog.Info("wired shutdown complete")
	return nil
}

// loadConfig layers the optional file over the defaults and applies WIRED_*
// environment overrides
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
