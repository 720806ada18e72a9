package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/api/handlers"
	"github.com/BaSui01/researchflow/capability"
	"github.com/BaSui01/researchflow/checkpoint"
	"github.com/BaSui01/researchflow/config"
	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/internal/pool"
	"github.com/BaSui01/researchflow/internal/server"
	"github.com/BaSui01/researchflow/job"
	"github.com/BaSui01/researchflow/pipeline"
	"github.com/BaSui01/researchflow/progress"
)

// Server wires all daemon components together and owns their lifecycle.
type Server struct {
	config    *config.Config
	logger    *zap.Logger
	http      *server.Manager
	manager   *job.Manager
	workers   *pool.WorkerPool
	jobs      job.Store
	ckpts     checkpoint.Store
	webhook   *progress.WebhookDispatcher
	collector *metrics.Collector
	sweepCtx  context.CancelFunc
}

// NewServer builds the full component graph from the configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	collector := metrics.NewCollector("researchflow", nil)

	jobs, err := job.NewGormStore(job.StoreConfig{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN(),
	})
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	ckpts, leaser, err := buildCheckpointStore(cfg, jobs, logger)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	registry := capability.NewRegistry()
	if cfg.Pipeline.MockCapabilities {
		logger.Warn("registering mock capabilities, not for production use")
		for _, c := range capability.MockSet() {
			registry.Register(c)
		}
	}
	if err := registry.Verify(pipeline.RequiredCapabilities()...); err != nil {
		return nil, fmt.Errorf("capability registry incomplete: %w", err)
	}
	invoker := capability.NewInvoker(registry, capability.InvokerConfig{
		DefaultTimeout: cfg.Pipeline.Invoker.DefaultTimeout,
		GracePeriod:    cfg.Pipeline.Invoker.GracePeriod,
	}, logger)
	exec := pipeline.NewExecutor(invoker, cfg.Pipeline.Executor, logger)

	hub := progress.NewHub(64, logger)
	sink := progress.Sink(hub)
	var webhook *progress.WebhookDispatcher
	if len(cfg.Webhook.Endpoints) > 0 {
		webhook = progress.NewWebhookDispatcher(cfg.WebhookDispatcherConfig(), logger)
		sink = progress.Combine(hub, webhook)
	}

	workers := pool.New(cfg.Worker)
	manager := job.NewManager(jobs, ckpts, exec, leaser, sink, workers, collector, job.ManagerConfig{
		Machine:       cfg.Pipeline.Machine,
		ShutdownGrace: cfg.Server.ShutdownTimeout,
	}, logger)

	mux := http.NewServeMux()
	handlers.NewJobsHandler(manager, hub, logger).Register(mux)

	health := handlers.NewHealthHandler(Version, logger)
	health.AddCheck(handlers.CheckFunc{CheckName: "job_store", Fn: jobs.Ping})
	health.AddCheck(handlers.CheckFunc{CheckName: "checkpoint_store", Fn: ckpts.Ping})
	health.Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	handler := handlers.WithMetrics(mux, collector)
	handler = handlers.WithRequestLogging(handler, logger)

	httpServer := server.NewManager(handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	return &Server{
		config:    cfg,
		logger:    logger,
		http:      httpServer,
		manager:   manager,
		workers:   workers,
		jobs:      jobs,
		ckpts:     ckpts,
		webhook:   webhook,
		collector: collector,
	}, nil
}

// buildCheckpointStore opens the configured checkpoint backend. The gorm
// backend shares the job store's database handle; the redis backend also
// supplies a distributed lease so multiple daemons can share one queue.
func buildCheckpointStore(cfg *config.Config, jobs *job.GormStore, logger *zap.Logger) (checkpoint.Store, job.Leaser, error) {
	switch cfg.Store.Type {
	case "memory":
		return checkpoint.NewMemoryStore(), job.NewLocalLeaser(), nil
	case "gorm":
		store, err := checkpoint.NewGormStoreWithDB(jobs.DB())
		if err != nil {
			return nil, nil, err
		}
		return store, job.NewLocalLeaser(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		store := checkpoint.NewRedisStoreWithClient(client, cfg.Redis.KeyPrefix)
		leaser := job.NewRedisLeaser(client, cfg.Redis.KeyPrefix, 30*time.Second, logger)
		return store, leaser, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

// Start brings up the background workers and the HTTP listener.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCtx = cancel

	if s.webhook != nil {
		s.webhook.Start(ctx)
	}

	sweeper := job.NewSweeper(s.manager, s.jobs, s.ckpts, s.collector, s.config.Sweeper, s.logger)
	go sweeper.Run(ctx)

	if err := s.http.Start(); err != nil {
		cancel()
		return err
	}
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr()))
	return nil
}

// WaitForShutdown blocks until a signal or server error, then shuts down.
func (s *Server) WaitForShutdown() {
	s.http.WaitForShutdown()
	s.Shutdown()
}

// Shutdown stops components in dependency order: listener first, then
// running jobs, then background workers and stores.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.manager.Shutdown(ctx); err != nil {
		s.logger.Warn("manager shutdown", zap.Error(err))
	}
	if s.sweepCtx != nil {
		s.sweepCtx()
	}
	if s.webhook != nil {
		s.webhook.Wait()
	}
	s.workers.Close()
	if err := s.ckpts.Close(); err != nil {
		s.logger.Warn("checkpoint store close", zap.Error(err))
	}
	if err := s.jobs.Close(); err != nil {
		s.logger.Warn("job store close", zap.Error(err))
	}
}
