package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httptransport "newsarchive-ocr/internal/transport/http"
)

func newServeCmd() *cobra.Command {
	var withSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the job API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper, err := a.sweeper()
			if err != nil {
				return err
			}

			var background []func(context.Context)
			if withSweeper {
				background = append(background, func(ctx context.Context) {
					sweeper.Run(ctx, cfg.Recovery.Interval)
				})
			}

			srv := &http.Server{
				Addr:              cfg.HTTP.Addr,
				Handler:           httptransport.Routes(httptransport.NewHandler(a.jobs, sweeper, log), log),
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Info("[http] listening", zap.String("addr", cfg.HTTP.Addr), zap.Bool("sweeper", withSweeper))
			if err := serveHTTP(ctx, srv, cfg.HTTP.ShutdownTimeout, background...); err != nil {
				return err
			}
			log.Info("[http] stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().BoolVar(&withSweeper, "sweeper", true, "run the recovery sweeper on its interval")
	return cmd
}

// serveHTTP runs srv alongside the background loops until ctx is done or the
// listener fails. Either way the loops are stopped and waited for before it
// returns.
func serveHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, background ...func(context.Context)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, run := range background {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(runCtx)
		}(run)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}()

	err := srv.ListenAndServe()
	cancel()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
