// Package main wires together the crawlmanager service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/webrecorder/crawlmanager/internal/api"
	"github.com/webrecorder/crawlmanager/internal/archive/postgres"
	"github.com/webrecorder/crawlmanager/internal/clock/system"
	"github.com/webrecorder/crawlmanager/internal/config"
	"github.com/webrecorder/crawlmanager/internal/crawl"
	pubsubevents "github.com/webrecorder/crawlmanager/internal/events/pubsub"
	"github.com/webrecorder/crawlmanager/internal/id/uuid"
	"github.com/webrecorder/crawlmanager/internal/logging"
	"github.com/webrecorder/crawlmanager/internal/pool"
	"github.com/webrecorder/crawlmanager/internal/reconcile"
	"github.com/webrecorder/crawlmanager/internal/scheduler"
	"github.com/webrecorder/crawlmanager/internal/shepherd"
	redisstore "github.com/webrecorder/crawlmanager/internal/store/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := redisstore.New(redisstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	})
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("close state store failed", zap.Error(closeErr))
		}
	}()
	if err := store.Ping(ctx); err != nil {
		logger.Fatal("state store unreachable", zap.Error(err))
	}

	for _, poolDef := range cfg.PoolDefs() {
		if err := store.PutPool(ctx, poolDef); err != nil {
			logger.Fatal("seed pool failed", zap.String("pool", poolDef.Name), zap.Error(err))
		}
		logger.Info("pool registered",
			zap.String("pool", poolDef.Name),
			zap.Int("min", poolDef.Min),
			zap.Int("max", poolDef.Max),
			zap.String("policy", string(poolDef.Policy)),
		)
	}

	provisioner := shepherd.New(shepherd.Config{
		Endpoint: cfg.Shepherd.Endpoint,
		Flock:    cfg.Shepherd.Flock,
		Browser:  cfg.Shepherd.Browser,
		Environ:  cfg.Shepherd.Environ,
		Timeout:  cfg.Shepherd.Timeout,
	}, logger.Named("shepherd"))

	var events crawl.Publisher
	if cfg.PubSub.Enabled {
		publisher, err := pubsubevents.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			logger.Fatal("connect pubsub failed", zap.Error(err))
		}
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				logger.Error("close pubsub failed", zap.Error(closeErr))
			}
		}()
		events = publisher
	}

	var archive crawl.ArchiveStore
	if cfg.Archive.Enabled {
		archiveStore, err := postgres.NewArchiveStore(ctx, postgres.ArchiveStoreConfig{
			DSN:   cfg.Archive.DSN,
			Table: cfg.Archive.Table,
		})
		if err != nil {
			logger.Fatal("connect archive store failed", zap.Error(err))
		}
		defer archiveStore.Close()
		archive = archiveStore
	}

	clock := system.New()
	idGen := uuid.New()

	coord := pool.New(store, provisioner, clock, pool.Config{}, logger.Named("pool"))
	if err := coord.EnsureMin(ctx); err != nil {
		logger.Warn("initial pool fill failed", zap.Error(err))
	}
	sched := scheduler.New(store, coord, events, clock, idGen, scheduler.Config{
		Workers:          cfg.Scheduler.Workers,
		DefaultDeadline:  cfg.Scheduler.DefaultDeadline,
		RetryLimit:       cfg.Scheduler.RetryLimit,
		AssignWait:       cfg.Scheduler.AssignWait,
		MaxQueuedPerPool: cfg.Scheduler.MaxQueuedPerPool,
		DeadlinePriority: cfg.Scheduler.DeadlinePriority,
		LeaseTTL:         cfg.Scheduler.LeaseTTL,
		PollInterval:     cfg.Scheduler.PollInterval,
	}, logger.Named("scheduler"))
	reconciler := reconcile.New(store, coord, sched, archive, clock, reconcile.Config{
		Interval:         cfg.Reconcile.Interval,
		DeadThreshold:    cfg.Reconcile.DeadThreshold,
		ProvisionTimeout: cfg.Reconcile.ProvisionTimeout,
		AssignStuck:      cfg.Reconcile.AssignStuck,
		Retention:        cfg.Reconcile.Retention,
	}, logger.Named("reconcile"))

	apiServer := api.NewServer(sched, store, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Ready:       store.Ping,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started", zap.Int("workers", cfg.Scheduler.Workers))
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("reconciler started", zap.Duration("interval", cfg.Reconcile.Interval))
		reconciler.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
