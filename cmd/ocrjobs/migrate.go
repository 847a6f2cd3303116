package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/repository/postgresql"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if cfg.Store != "postgres" {
				return errors.New("migrate only applies to the postgres store; sqlite creates its schema on open")
			}
			if err := postgresql.Migrate(cfg.Postgres.DSN); err != nil {
				return err
			}
			log.Info("[migrate] schema is current", zap.String("postgres_dsn", redactDSN(cfg.Postgres.DSN)))
			return nil
		},
	}
}
