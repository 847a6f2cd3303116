// Command ocrjobs runs the OCR job API, the lane workers and the recovery
// sweeper.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/config"
	"newsarchive-ocr/internal/logging"
)

var (
	version    = "dev"
	configFile string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ocrjobs",
		Short:        "OCR job orchestration: submission API, lane workers and recovery",
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.String("store", "", "job store backend: postgres or sqlite")
	pf.String("postgres-dsn", "", "Postgres connection string")
	pf.String("sqlite-path", "", "SQLite database file")
	pf.String("redis-addr", "", "Redis address")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (json, console)")

	root.AddCommand(newServeCmd(), newWorkerCmd(), newSweepCmd(), newMigrateCmd())
	return root
}

// setup loads the config with cmd's flags applied and builds the logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	log.Info("[main] config loaded",
		zap.String("command", cmd.Name()),
		zap.String("store", cfg.Store),
		zap.String("postgres_dsn", redactDSN(cfg.Postgres.DSN)),
		zap.String("redis_addr", cfg.Redis.Addr))
	return cfg, log, nil
}
