package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
	"github.com/joseph-ayodele/tender-extractor/internal/extract"
	"github.com/joseph-ayodele/tender-extractor/internal/ingest"
	"github.com/joseph-ayodele/tender-extractor/internal/notify"
	"github.com/joseph-ayodele/tender-extractor/internal/queue"
	repo "github.com/joseph-ayodele/tender-extractor/internal/repository"
	"github.com/joseph-ayodele/tender-extractor/internal/server"
	"github.com/joseph-ayodele/tender-extractor/internal/worker"
)

func main() {
	var (
		inmem       = flag.Bool("inmem", false, "use in-memory SQLite database")
		noWorkers   = flag.Bool("no-workers", false, "run the lease manager and servers without extraction workers")
		promoteTick = flag.Duration("promote-interval", 0, "promote new jobs to queued on this interval (0 disables)")
	)
	flag.Parse()

	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbResult, err := repo.InitDatabase(ctx, cfg.Database, *inmem, logger)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbResult.Cleanup()
	drv := dbResult.Driver

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobs := repo.NewJobRepository(drv, logger)
	results := repo.NewResultRepository(drv, logger)
	q := queue.New(jobs, results,
		queue.RetryPolicy{MaxAttempts: cfg.Queue.MaxAttempts, PermanentBypass: cfg.Queue.PermanentBypass},
		queue.WithLogger(logger),
		queue.WithMetrics(queue.NewMetrics(reg)),
		queue.WithReviewConfidence(cfg.Queue.ReviewConfidence),
	)

	logger.Info("queue ready",
		"max_attempts", q.Policy().MaxAttempts,
		"permanent_bypass", q.Policy().PermanentBypass,
		"lease_timeout", cfg.Queue.LeaseTimeout,
		"sweep_interval", cfg.Queue.SweepInterval)

	lease := queue.NewLeaseManager(q, cfg.Queue.LeaseTimeout, cfg.Queue.SweepInterval, logger)
	if err := lease.Start(ctx); err != nil {
		logger.Error("failed to start lease manager", "error", err)
		os.Exit(1)
	}
	defer lease.Stop()

	notifier := notify.New(cfg.Redis, logger)
	defer func() { _ = notifier.Close() }()

	if *promoteTick > 0 {
		producer := ingest.NewProducer(jobs, notifier, cfg.Queue.PromoteBatch, logger)
		go producer.Run(ctx, *promoteTick)
	}

	var pool *worker.Pool
	if !*noWorkers {
		proc, err := extract.NewCommandProcessor(cfg.Worker.ExtractorCmd, logger)
		if err != nil {
			logger.Error("extractor not configured, set EXTRACTOR_CMD or pass --no-workers", "error", err)
			os.Exit(2)
		}
		logger.Info("extractor configured", "command", proc.String(), "timeout", cfg.Worker.ExtractorTimeout)
		workerID := cfg.Worker.ID
		if workerID == "" {
			workerID = worker.DefaultID()
		}
		pool = worker.NewPool(q, proc, workerID, logger,
			worker.WithWorkers(cfg.Worker.Concurrency),
			worker.WithBatchSize(cfg.Queue.BatchSize),
			worker.WithPollInterval(cfg.Worker.PollInterval),
			worker.WithMaxBackoff(cfg.Worker.MaxBackoff),
			worker.WithProcessTimeout(cfg.Worker.ExtractorTimeout),
			worker.WithArtifactDir(cfg.Worker.ArtifactDir),
			worker.WithWaiter(notifier),
		)
		pool.Start(ctx)
		logger.Info("worker pool started", "worker_id", workerID, "concurrency", cfg.Worker.Concurrency)
	}

	probe := func(ctx context.Context) error { return repo.HealthCheck(ctx, drv, 0, logger) }

	// gRPC health
	monitor := server.NewGRPCHealth(probe, logger)
	go monitor.Run(ctx, 10*time.Second)
	grpcServer := server.NewGRPCServer(monitor)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("gRPC serving", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve", "error", err)
		}
	}()

	// HTTP operator surface
	listJobs := func(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.Job, error) {
		return jobs.List(ctx, repo.JobFilter{Status: status, Limit: limit})
	}
	httpServer := &http.Server{
		Addr: cfg.Server.HTTPAddr,
		Handler: server.NewRouter(server.RouterConfig{
			Counts:   q.Counts,
			Jobs:     listJobs,
			Probe:    probe,
			Gatherer: reg,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("HTTP serving", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if pool != nil {
		pool.Shutdown(shutdownCtx)
		st := pool.Stats()
		logger.Info("worker totals", "claimed", st.Claimed, "committed", st.Committed,
			"failed", st.Failed, "released", st.Released, "discarded", st.Discarded)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
}
