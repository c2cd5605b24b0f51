package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "promorelay/cmd/relay-service/docs"
	"promorelay/internal/config"
	"promorelay/internal/constants"
	"promorelay/internal/logger"
	"promorelay/pkg/logging"
)

var configFile string

// @title           Promo Relay API
// @version         1.0
// @description     Control surface for the promo relay: status, channels, manual polls and config reloads

// @host      localhost:8080
// @BasePath  /api/v1

// @schemes   http

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.ServiceName,
		Short: "Promo relay service",
		Long:  "Watches source channels for promo codes and relays them to destination channels",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigFile(earlyLog *logging.EarlyLog) (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	if env := os.Getenv("CONFIG_FILE"); env != "" {
		return env, nil
	}
	earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
	return "", fmt.Errorf("config file is required")
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay service",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			file, err := resolveConfigFile(earlyLog)
			if err != nil {
				return err
			}

			provider, err := config.NewProvider(file)
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				return err
			}

			cfg := provider.Get()
			log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting relay service",
				"channels", len(cfg.Channels), "destinations", len(cfg.Destinations))

			app := NewApp(provider, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			runErr := app.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			if runErr != nil {
				log.ErrorwCtx(ctx, "Application error", "error", runErr)
			}

			if err := app.Shutdown(context.Background()); err != nil {
				log.ErrorwCtx(ctx, "Shutdown error", "error", err)
			}
			return runErr
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			file, err := resolveConfigFile(earlyLog)
			if err != nil {
				return err
			}
			cfg, err := config.Load(file)
			if err != nil {
				earlyLog.Error("Invalid config: %v", err)
				return err
			}
			earlyLog.Info("Config OK: %d channels, %d destinations", len(cfg.Channels), len(cfg.Destinations))
			return nil
		},
	}
}
