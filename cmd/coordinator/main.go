package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artemis/chunkrelay/internal/assemble"
	"github.com/artemis/chunkrelay/internal/config"
	"github.com/artemis/chunkrelay/internal/eventbus"
	"github.com/artemis/chunkrelay/internal/ingest"
	"github.com/artemis/chunkrelay/internal/observability"
	"github.com/artemis/chunkrelay/internal/registry"
	"github.com/artemis/chunkrelay/internal/server"
	"github.com/artemis/chunkrelay/internal/staging"
	"github.com/artemis/chunkrelay/internal/store"
	"github.com/artemis/chunkrelay/internal/sweeper"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string
	logger  *observability.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Chunked file-transfer coordinator",
	Long: `coordinator accepts chunked uploads over HTTP, persists per-chunk state,
streams live progress to observers, and assembles completed transfers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var err error
		logger, err = observability.NewLogger("info")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
			os.Exit(1)
		}

		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			logger.Error("failed to load config", zap.Error(err))
			os.Exit(1)
		}

		if cfg.LogLevel != "" {
			leveled, err := observability.NewLogger(cfg.LogLevel)
			if err != nil {
				logger.Warn("failed to set log level, using default", zap.Error(err))
			} else {
				logger = leveled
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			logger.Error("coordinator exited with error", zap.Error(err))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	stg, err := staging.New(cfg.StagingDir)
	if err != nil {
		return fmt.Errorf("failed to initialize staging: %w", err)
	}

	metrics := observability.NewMetrics()
	hub := eventbus.NewHub(logger)

	ingestor := ingest.New(st, stg, hub, metrics, logger)
	assembler := assemble.New(st, stg, hub, logger)
	reg := registry.New(st)

	healthChecker := observability.NewHealthChecker()
	healthChecker.RegisterCheck("store", observability.PingCheck("store", func(context.Context) error {
		return st.Ping()
	}))
	healthChecker.RegisterCheck("staging", observability.PingCheck("staging", func(context.Context) error {
		return stg.Ping()
	}))
	go healthChecker.StartPeriodicChecks(ctx, 10*time.Second)

	sweep := sweeper.New(st, metrics, logger, cfg.StaleAfter, cfg.SweepInterval)
	go sweep.Run(ctx)

	httpServer := server.NewServer(cfg, st, ingestor, assembler, reg, healthChecker, metrics, hub, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
		httpServer.Stop()
	}()

	logger.Info("starting coordinator",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("staging_dir", cfg.StagingDir),
		zap.String("db_path", cfg.DBPath),
	)

	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}
