// Package main wires together the package-tracking service.
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

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/parcelwatch/parcelwatch/internal/api"
	"github.com/parcelwatch/parcelwatch/internal/clock/system"
	"github.com/parcelwatch/parcelwatch/internal/config"
	"github.com/parcelwatch/parcelwatch/internal/detector"
	"github.com/parcelwatch/parcelwatch/internal/logging"
	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/notify"
	memorypublisher "github.com/parcelwatch/parcelwatch/internal/publisher/memory"
	pubsubpublisher "github.com/parcelwatch/parcelwatch/internal/publisher/pubsub"
	"github.com/parcelwatch/parcelwatch/internal/reaper"
	"github.com/parcelwatch/parcelwatch/internal/scheduler"
	"github.com/parcelwatch/parcelwatch/internal/scraper"
	gcssnapshot "github.com/parcelwatch/parcelwatch/internal/snapshot/gcs"
	localsnapshot "github.com/parcelwatch/parcelwatch/internal/snapshot/local"
	noopsnapshot "github.com/parcelwatch/parcelwatch/internal/snapshot/noop"
	"github.com/parcelwatch/parcelwatch/internal/store/postgres"
	"github.com/parcelwatch/parcelwatch/internal/tracker"
	"github.com/parcelwatch/parcelwatch/internal/worker"
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
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:         cfg.DB.DSN,
		MaxConns:    cfg.DB.MaxConns,
		MinConns:    cfg.DB.MinConns,
		NewPriority: cfg.Tracker.PriorityNew,
	}, clock)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer store.Close()

	scrape, err := scraper.New(scraper.Config{
		URLTemplate:     cfg.Scraper.URLTemplate,
		WaitSelector:    cfg.Scraper.WaitSelector,
		RowSelector:     cfg.Scraper.RowSelector,
		TimeSelector:    cfg.Scraper.TimeSelector,
		ContentSelector: cfg.Scraper.ContentSelector,
		NavTimeout:      cfg.NavTimeout(),
		UserAgent:       cfg.Scraper.UserAgent,
	}, logger.Named("scraper"))
	if err != nil {
		logger.Fatal("scraper init failed", zap.Error(err))
	}
	defer scrape.Close()

	snapshots, err := newSnapshotStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("snapshot store init failed", zap.Error(err))
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn("publisher close failed", zap.Error(err))
		}
	}()

	notifier := newNotifier(cfg, logger)

	detect := detector.New(store, cfg.RefreshThreshold(), cfg.Tracker.PriorityRefresh, logger.Named("detector"))
	work := worker.New(store, scrape, snapshots, publisher, clock, logger.Named("worker"))
	reap := reaper.New(store, notifier, cfg.WarnThreshold(), cfg.DeleteDeadline(), logger.Named("reaper"))

	sched := scheduler.New(logger.Named("scheduler"),
		scheduler.Job{
			Name:  "detector",
			Every: time.Duration(cfg.Scheduler.DetectorSeconds) * time.Second,
			Run:   detect.Tick,
		},
		scheduler.Job{
			Name:  "worker",
			Every: time.Duration(cfg.Scheduler.WorkerSeconds) * time.Second,
			Run:   work.Tick,
		},
		scheduler.Job{
			Name:  "reaper",
			Every: time.Duration(cfg.Scheduler.ReaperSeconds) * time.Second,
			Run:   reap.Tick,
		},
	)

	apiServer := api.NewServer(store, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		logger.Info("scheduler started")
		sched.Run(ctx)
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
	<-schedDone
	logger.Info("shutdown complete")
}

func newSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (tracker.SnapshotStore, error) {
	switch cfg.Snapshot.Provider {
	case "local":
		logger.Info("using local snapshot store", zap.String("dir", cfg.Snapshot.Dir))
		return localsnapshot.New(cfg.Snapshot.Dir)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		logger.Info("using GCS snapshot store", zap.String("bucket", cfg.Snapshot.Bucket))
		return gcssnapshot.New(client, cfg.Snapshot.Bucket)
	default:
		logger.Info("snapshot persistence disabled")
		return noopsnapshot.New(), nil
	}
}

func newPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (tracker.Publisher, error) {
	if cfg.Publisher.Provider == "pubsub" {
		logger.Info("using Pub/Sub update publisher", zap.String("topic", cfg.Publisher.Topic))
		return pubsubpublisher.New(ctx, cfg.Publisher.ProjectID, cfg.Publisher.Topic)
	}
	return memorypublisher.New(), nil
}

func newNotifier(cfg config.Config, logger *zap.Logger) tracker.Notifier {
	if !cfg.Notify.Enabled {
		logger.Info("outbound mail disabled, reminders will be dropped")
		return notify.Nop{}
	}
	notifier, err := notify.New(notify.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		Hostname: cfg.Notify.Hostname,
	})
	if err != nil {
		logger.Warn("smtp notifier init failed, reminders will be dropped", zap.Error(err))
		return notify.Nop{}
	}
	return notifier
}
