package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"OutcomeLedger/internal/config"
	"OutcomeLedger/internal/core"
	"OutcomeLedger/internal/ingestion"
	"OutcomeLedger/internal/lock"
	"OutcomeLedger/internal/observability"
	"OutcomeLedger/internal/persistence"
	"OutcomeLedger/internal/projection"
	"OutcomeLedger/internal/query"
	"OutcomeLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("OUTCOME_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger().Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		bootLogger().Fatal().Err(err).Msg("invalid config")
	}

	level := observability.ParseLogLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)
	logger := observability.NewLoggerTo(os.Stdout, "main", level)
	logger.Info().Msg("OutcomeLedger starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("OutcomeLedger stopped with error")
	}
	logger.Info().Msg("OutcomeLedger shutdown complete")
}

func bootLogger() *zerolog.Logger {
	l := observability.NewLogger("main")
	return &l
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	// Ingress (servers, NATS, snapshots) stops first; workers drain after.
	ingressCtx, cancelIngress := context.WithCancel(sigCtx)
	defer cancelIngress()
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxOpenConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ingressCtx); err != nil {
		return err
	}
	logger.Info().Msg("Postgres connected")

	if cfg.Postgres.RunMigrations {
		if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ingressCtx); err != nil {
			return err
		}
		logger.Info().Str("dir", cfg.Postgres.MigrationsDir).Msg("migrations applied")
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Market lock ---
	var locker lock.Locker
	if cfg.Redis.Addr != "" {
		redisLocker, err := lock.NewRedisLocker(ingressCtx, lock.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.LockTTL.Duration,
		})
		if err != nil {
			return err
		}
		defer redisLocker.Close()
		healthChecker.AddCheck("redis", redisLocker.Ping)
		locker = redisLocker
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using Redis market locks")
	}

	// --- Core ---
	persistCoreChan := make(chan core.CoreOutput, cfg.Core.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.Core.ProjectionChanSize)

	coreLogger := observability.NewLoggerTo(os.Stdout, "core", observability.ParseLogLevel(cfg.LogLevel))
	c := core.NewCore(core.Options{
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Locker:         locker,
		Metrics:        metrics,
		Logger:         &coreLogger,
		LRUCapacity:    cfg.Core.IdempotencyLRUCapacity,
	})

	snapMgr := persistence.NewSnapshotManager(db)
	if err := recoverCore(ingressCtx, c, snapMgr, cfg.Core.IdempotencyLRUCapacity, logger); err != nil {
		return err
	}

	// Projections are best effort while live; rebuild them from the log so
	// reads start consistent with the recovered core.
	if err := projection.RebuildProjections(ingressCtx, db); err != nil {
		return err
	}
	queryService := query.NewQueryService(db, metrics)
	if report, err := queryService.VerifyIntegrity(ingressCtx); err != nil {
		logger.Warn().Err(err).Msg("startup integrity check failed to run")
	} else if !report.IsHealthy {
		logger.Error().
			Int("hash_chain_breaks", len(report.HashChainBreaks)).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Int("market_violations", len(report.MarketViolations)).
			Msg("startup integrity check found violations")
	}

	// --- NATS ---
	var (
		js         jetstream.JetStream
		subscriber *ingestion.NATSSubscriber
		publisher  *ingestion.OutboundPublisher
		rawChan    chan ingestion.RawCommand
	)
	if cfg.NATS.URL != "" {
		var nc *nats.Conn
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ingressCtx, js, cfg.NATS.Stream); err != nil {
			return err
		}
		if err := ingestion.EnsureOutboundStream(ingressCtx, js); err != nil {
			return err
		}

		rawChan = make(chan ingestion.RawCommand, 1)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		publisher = ingestion.NewOutboundPublisher(js, cfg.NATS.PublishQueue, metrics)
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	}

	// --- Workers ---
	persistWorkerChan := make(chan persistence.Output, cfg.Core.PersistChanSize)
	projectionWorkerChan := make(chan projection.Output, cfg.Core.ProjectionChanSize)

	errChan := make(chan error, 8)
	var bridges, workers, publishing, ingress sync.WaitGroup

	goRun(&bridges, func() { bridgePersist(persistCoreChan, persistWorkerChan) })
	goRun(&bridges, func() { bridgeProjection(projectionCoreChan, projectionWorkerChan, publisher) })

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout.Duration, metrics)
	goRun(&workers, func() { reportErr(errChan, persistWorker.Run(workerCtx)) })

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan)
	goRun(&workers, func() { reportErr(errChan, projWorker.Run(workerCtx)) })

	if publisher != nil {
		goRun(&publishing, func() { reportErr(errChan, publisher.Run(workerCtx)) })
	}

	if err := registerBootCollateral(ingressCtx, c, cfg.Collateral, logger); err != nil {
		return err
	}

	// --- Ingress ---
	ingest := ingestion.NewDirectIngest(c, metrics)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Ingest:        ingest,
		Ledger:        c,
		QueryService:  queryService,
		HealthChecker: healthChecker,
	})

	if cfg.Server.GRPCAddr != "" {
		goRun(&ingress, func() { reportErr(errChan, grpcServer.StartGRPC(ingressCtx)) })
	}
	if cfg.Server.HTTPAddr != "" {
		goRun(&ingress, func() { reportErr(errChan, grpcServer.StartHTTPGateway(ingressCtx)) })
	}

	if subscriber != nil {
		dispatcher := ingestion.NewDispatcher(c, rawChan, metrics)
		goRun(&ingress, func() { reportErr(errChan, dispatcher.Run(ingressCtx)) })

		if err := subscriber.Subscribe(ingressCtx, ingestion.StreamConfig{
			StreamName:   cfg.NATS.Stream,
			ConsumerName: cfg.NATS.Consumer,
		}); err != nil {
			return err
		}
	}

	goRun(&ingress, func() {
		runPeriodicSnapshots(ingressCtx, c, snapMgr, cfg.Persistence.SnapshotInterval, metrics, logger)
	})

	if cfg.Server.MetricsAddr != "" {
		goRun(&ingress, func() {
			reportErr(errChan, serveMetrics(ingressCtx, cfg.Server.MetricsAddr, registry, logger))
		})
	}

	healthChecker.SetReady(true)
	logger.Info().
		Int64("next_sequence", c.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("OutcomeLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ingressCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}

	// Stop accepting commands, then drain core output into Postgres.
	healthChecker.SetReady(false)
	cancelIngress()
	if subscriber != nil {
		subscriber.Stop()
	}
	ingress.Wait()

	close(persistCoreChan)
	close(projectionCoreChan)
	bridges.Wait()

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain within 30s")
	}

	finalCtx, cancelFinal := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFinal()
	if err := takeSnapshot(finalCtx, c, snapMgr, metrics); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	} else {
		logger.Info().Int64("sequence", c.GetSequence()-1).Msg("final snapshot saved")
	}

	cancelWorkers()
	publishing.Wait()
	return runErr
}

func goRun(wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn()
	}()
}

func reportErr(errChan chan<- error, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	select {
	case errChan <- err:
	default:
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
