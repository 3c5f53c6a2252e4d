// Package main wires together the pagevault retrieval service.
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

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pagevault/pagevault/internal/api"
	"github.com/pagevault/pagevault/internal/archive"
	"github.com/pagevault/pagevault/internal/breaker"
	"github.com/pagevault/pagevault/internal/clock/system"
	"github.com/pagevault/pagevault/internal/config"
	"github.com/pagevault/pagevault/internal/dispatcher"
	"github.com/pagevault/pagevault/internal/extract"
	"github.com/pagevault/pagevault/internal/fetch"
	"github.com/pagevault/pagevault/internal/filter"
	"github.com/pagevault/pagevault/internal/hash/sha256"
	"github.com/pagevault/pagevault/internal/id/uuid"
	"github.com/pagevault/pagevault/internal/index/cdx"
	"github.com/pagevault/pagevault/internal/index/columnar"
	"github.com/pagevault/pagevault/internal/logging"
	"github.com/pagevault/pagevault/internal/metrics"
	notifymemory "github.com/pagevault/pagevault/internal/notify/memory"
	notifypubsub "github.com/pagevault/pagevault/internal/notify/pubsub"
	queuememory "github.com/pagevault/pagevault/internal/queue/memory"
	"github.com/pagevault/pagevault/internal/router"
	"github.com/pagevault/pagevault/internal/scrape"
	gcsstorage "github.com/pagevault/pagevault/internal/storage/gcs"
	localstorage "github.com/pagevault/pagevault/internal/storage/local"
	storememory "github.com/pagevault/pagevault/internal/store/memory"
	storepostgres "github.com/pagevault/pagevault/internal/store/postgres"
	"github.com/pagevault/pagevault/internal/worker"
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.NewUUIDGenerator()

	pages, decisions, resume, cleanupStore, err := buildStores(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}
	defer cleanupStore()

	blobs, cleanupBlobs, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupBlobs()

	notifier, cleanupNotify, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupNotify()

	clients, order, err := buildIndexClients(cfg, logger)
	if err != nil {
		return err
	}
	breakers := breaker.NewRegistry(
		breaker.WithThreshold(cfg.Router.BreakerThreshold),
		breaker.WithCooldown(time.Duration(cfg.Router.BreakerCooldownSec)*time.Second),
		breaker.WithWindow(time.Duration(cfg.Router.BreakerWindowSec)*time.Second),
	)
	rt, err := router.New(clients, breakers, router.Config{
		Order:           order,
		DefaultPolicy:   archive.FallbackPolicy(cfg.Router.DefaultPolicy),
		SequentialDelay: time.Duration(cfg.Router.SequentialDelaySec) * time.Second,
		CallTimeout:     cfg.CallTimeout(),
	}, logger.Named("router"))
	if err != nil {
		return err
	}

	fetcher := fetch.New(fetch.Config{
		UserAgent:      cfg.Fetch.UserAgent,
		Timeout:        cfg.FetchTimeout(),
		SegmentBaseURL: cfg.Sources.Columnar.SegmentBaseURL,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
	}, archive.NewRetryPolicy(), logger.Named("fetch"))

	cascade := extract.New(extract.Config{
		MinWords:         cfg.Extract.MinWords,
		PerRecordTimeout: time.Duration(cfg.Extract.PerRecordTimeout) * time.Second,
		Debug:            cfg.Extract.Debug,
		CacheEntries:     cfg.Extract.CacheEntries,
		CacheTTL:         time.Duration(cfg.Extract.CacheTTLMinutes) * time.Minute,
	}, clock, logger.Named("extract"))

	runner := scrape.New(
		rt, fetcher, cascade,
		pages, decisions, resume,
		blobs, notifier,
		hasher, clock, idGen,
		scrape.Config{
			ExtractWorkers: cfg.Scrape.ExtractWorkers,
			BlobPrefix:     cfg.Storage.Prefix,
			RawContentType: cfg.Storage.ContentType,
			FilterPolicy:   filter.DefaultPolicy(),
		},
		logger.Named("scrape"),
	)

	queue := queuememory.NewQueue(cfg.Scrape.QueueDepth)
	tracker := worker.NewTracker(clock)
	var workers []*worker.Worker
	for i := 0; i < cfg.Scrape.Workers; i++ {
		workers = append(workers, worker.New(
			queue,
			runner,
			tracker,
			logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	dispatch := dispatcher.New(queue, workers)

	apiServer := api.NewServer(dispatch, tracker, rt, pages, idGen, clock, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Scrape.Workers))
		dispatch.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	queue.Close()
	return nil
}

// buildStores returns the page, decision, and resume stores; both backends
// satisfy all three interfaces.
func buildStores(ctx context.Context, cfg config.Config, clock archive.Clock, logger *zap.Logger) (archive.PageStore, archive.DecisionStore, archive.ResumeStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory page store")
		mem := storememory.New(clock)
		return mem, mem, mem, func() {}, nil
	}
	logger.Info("connecting to postgres page store")
	pg, err := storepostgres.New(ctx, storepostgres.Config{
		DSN:             cfg.DB.DSN,
		PagesTable:      cfg.DB.PagesTable,
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Minute,
	})
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres store: %w", err)
	}
	return pg, pg, pg, pg.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.BlobStore, func(), error) {
	if cfg.Storage.GCSBucket != "" {
		logger.Info("using GCS blob store", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("gcs client close failed", zap.Error(err))
			}
		}, nil
	}
	logger.Info("using local blob store", zap.String("dir", cfg.Storage.LocalDir))
	store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func buildNotifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (archive.Notifier, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		logger.Info("using in-memory notifier")
		return notifymemory.New(), func() {}, nil
	}
	logger.Info("using pubsub notifier", zap.String("topic", cfg.PubSub.TopicName))
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.TopicName)
	return notifypubsub.New(topic), func() {
		topic.Stop()
		if err := client.Close(); err != nil {
			logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}, nil
}

func buildIndexClients(cfg config.Config, logger *zap.Logger) ([]archive.IndexClient, []archive.Source, error) {
	var (
		clients []archive.IndexClient
		order   []archive.Source
	)
	if cfg.Sources.CDX.Enabled {
		client, err := cdx.New(cdx.Config{
			BaseURL:       cfg.Sources.CDX.BaseURL,
			ReplayBaseURL: cfg.Sources.CDX.ReplayBaseURL,
			UserAgent:     cfg.Fetch.UserAgent,
			PageSize:      cfg.Sources.CDX.PageSize,
			MaxPages:      cfg.Sources.CDX.MaxPages,
			RPS:           cfg.Sources.CDX.RequestsPerSec,
			Timeout:       time.Duration(cfg.Sources.CDX.TimeoutSeconds) * time.Second,
		}, archive.NewRetryPolicy(), logger.Named("cdx"))
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, client)
		order = append(order, archive.SourceCDX)
	}
	if cfg.Sources.Columnar.Enabled {
		client, err := columnar.New(columnar.Config{
			IndexURL:  cfg.Sources.Columnar.BaseURL,
			UserAgent: cfg.Fetch.UserAgent,
			PageSize:  cfg.Sources.Columnar.PageSize,
			MaxPages:  cfg.Sources.Columnar.MaxPages,
			RPS:       cfg.Sources.Columnar.RequestsPerSec,
			Timeout:   time.Duration(cfg.Sources.Columnar.TimeoutSeconds) * time.Second,
		}, archive.NewRetryPolicy(), logger.Named("columnar"))
		if err != nil {
			return nil, nil, err
		}
		clients = append(clients, client)
		order = append(order, archive.SourceColumnar)
	}
	if len(clients) == 0 {
		return nil, nil, &archive.ConfigurationError{Field: "sources", Reason: "no sources enabled"}
	}
	return clients, order, nil
}
