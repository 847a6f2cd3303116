package main

import (
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Process fast and heavy lane deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			a.workerPool().Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().Int("fast-workers", 0, "fast lane concurrency")
	cmd.Flags().Int("heavy-workers", 0, "heavy lane concurrency")
	return cmd
}
