package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newsarchive-ocr/internal/blob"
	"newsarchive-ocr/internal/config"
	"newsarchive-ocr/internal/gateway"
	"newsarchive-ocr/internal/repository/postgresql"
	"newsarchive-ocr/internal/repository/sqlite"
	"newsarchive-ocr/internal/service"
	"newsarchive-ocr/internal/worker"
)

// app is the composition root shared by the subcommands.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	store      service.JobStore
	rdb        *redis.Client
	lanes      *service.RedisLaneQueue
	gateway    *gateway.HTTPClient
	dispatcher *service.Dispatcher
	jobs       *service.JobService
	closers    []func()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = a.rdb.Close() })
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}

	a.lanes = service.NewRedisLaneQueue(a.rdb, cfg.FastLane(), cfg.HeavyLane(), cfg.Redis.TagPrefix, cfg.Redis.TagTTL)
	a.gateway = gateway.NewHTTPClient(cfg.Gateway.RecognitionURL, cfg.Gateway.NLPURL, cfg.Gateway.Timeout, log)

	router := service.NewRouter(a.store, cfg.RouterConfig(), log)
	a.dispatcher = service.NewDispatcher(a.store, router, a.lanes, log)

	opts := []service.JobServiceOption{
		service.WithObjectStore(blob.LocalFS{Root: cfg.Blob.Root}),
		service.WithNotifier(service.NewRedisNotifier(a.rdb, cfg.Redis.EventsChannel)),
		service.WithSubmitWindow(cfg.Recovery.AbandonAfter),
	}
	if !cfg.Gateway.EnrichDisabled {
		opts = append(opts, service.WithAnalyzer(a.gateway))
	}
	a.jobs = service.NewJobService(a.store, a.dispatcher, log, opts...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case "sqlite":
		s, err := sqlite.Open(a.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.store = s
		return nil
	case "postgres":
		pc := a.cfg.Postgres
		if pc.MigrateOnStart {
			if err := postgresql.Migrate(pc.DSN); err != nil {
				return fmt.Errorf("postgres migrate: %w", err)
			}
		}
		pool, err := postgresql.NewPool(ctx, postgresql.PoolConfig{
			DSN:              pc.DSN,
			MaxConns:         pc.MaxConns,
			MinConns:         pc.MinConns,
			MaxConnLifetime:  pc.MaxConnLifetime,
			MaxConnIdleTime:  pc.MaxConnIdleTime,
			DialTimeout:      pc.DialTimeout,
			StatementTimeout: pc.StatementTimeout,
		})
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.store = postgresql.NewJobStore(pool)
		return nil
	default:
		return errors.New("unknown store " + a.cfg.Store)
	}
}

func (a *app) sweeper() (*service.Sweeper, error) {
	return service.NewSweeper(a.store, a.dispatcher, a.jobs, a.gateway, a.cfg.RecoveryConfig(), a.log)
}

func (a *app) workerPool() *worker.Pool {
	proc := worker.NewProcessor(a.store, a.jobs, a.gateway, a.cfg.PollConfig(), a.log)
	return worker.NewPool(a.lanes, proc, a.cfg.Worker.FastWorkers, a.cfg.Worker.HeavyWorkers, a.log)
}

// Close releases clients in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
