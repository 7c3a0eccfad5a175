package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsubapi "cloud.google.com/go/pubsub"
	gcsapi "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Lewis-walter7/seoanalyzer/internal/api"
	"github.com/Lewis-walter7/seoanalyzer/internal/audit"
	"github.com/Lewis-walter7/seoanalyzer/internal/auth"
	"github.com/Lewis-walter7/seoanalyzer/internal/billing"
	"github.com/Lewis-walter7/seoanalyzer/internal/clock/system"
	"github.com/Lewis-walter7/seoanalyzer/internal/config"
	"github.com/Lewis-walter7/seoanalyzer/internal/crawler"
	"github.com/Lewis-walter7/seoanalyzer/internal/dispatcher"
	collyfetcher "github.com/Lewis-walter7/seoanalyzer/internal/fetcher/colly"
	"github.com/Lewis-walter7/seoanalyzer/internal/hash/sha256"
	"github.com/Lewis-walter7/seoanalyzer/internal/id/uuid"
	"github.com/Lewis-walter7/seoanalyzer/internal/metrics"
	"github.com/Lewis-walter7/seoanalyzer/internal/policy/blocklist"
	"github.com/Lewis-walter7/seoanalyzer/internal/policy/ratelimit"
	mempublisher "github.com/Lewis-walter7/seoanalyzer/internal/publisher/memory"
	"github.com/Lewis-walter7/seoanalyzer/internal/publisher/pubsub"
	queuememory "github.com/Lewis-walter7/seoanalyzer/internal/queue/memory"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/gcs"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/local"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/memory"
	"github.com/Lewis-walter7/seoanalyzer/internal/storage/postgres"
	"github.com/Lewis-walter7/seoanalyzer/internal/telemetry"
	"github.com/Lewis-walter7/seoanalyzer/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the crawl workers",
		Long: `Starts the HTTP server for the /api and /v1 surfaces together with
the dispatcher and its crawl workers. SIGINT or SIGTERM drains in-flight
requests and stops the workers.`,
		RunE: runServe,
	}
}

// services holds the backends chosen by configuration and how to release them.
type services struct {
	store     crawler.Store
	ready     func(ctx context.Context) error
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	sessions  auth.SessionResolver
	closers   []func()
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Exporter:    cfg.Tracing.Exporter,
		ProjectID:   cfg.TraceProjectID(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	queue := queuememory.NewQueue(cfg.Crawler.QueueDepth)
	registry := worker.NewRegistry()
	clock := system.New()
	ids := uuid.New()
	blocked := blocklist.New(cfg.Crawler.BlockedDomains)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
		Blocklist: blocked,
	})
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.RateLimitRPS, Burst: cfg.Crawler.RateLimitBurst})
	retry := crawler.NewRetryPolicy(
		cfg.HTTP.MaxRetries,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)

	workers := make([]*worker.Worker, 0, cfg.Crawler.Concurrency)
	for i := 0; i < cfg.Crawler.Concurrency; i++ {
		workers = append(workers, worker.New(worker.Deps{
			Queue:     queue,
			Store:     svc.store,
			BlobStore: svc.blobs,
			Publisher: svc.publisher,
			Fetcher:   fetcher,
			Auditor:   audit.New(),
			Limiter:   limiter,
			Retry:     retry,
			Hasher:    sha256.New(),
			Clock:     clock,
			IDs:       ids,
			Registry:  registry,
			Blocklist: blocked,
		}, worker.Config{
			ContentType:     cfg.Storage.ContentType,
			BlobPrefix:      cfg.Storage.Prefix,
			DefaultMaxPages: cfg.Crawler.MaxPagesDefault,
			DefaultMaxDepth: cfg.Crawler.MaxDepthDefault,
		}, logger.Named("worker").With(zap.Int("index", i))))
	}
	dispatch := dispatcher.New(queue, workers, registry, dispatcher.WithLogger(logger.Named("dispatcher")))

	apiServer := api.NewServer(api.Deps{
		Store:    svc.store,
		Jobs:     dispatch,
		Sessions: svc.sessions,
		Minter:   auth.NewMinter(cfg.Auth.NextAuthSecret, svc.sessions),
		Verifier: auth.NewVerifier(cfg.Auth.NextAuthSecret),
		Plans:    billing.NewPlanClient(cfg.Backend.APIURL, nil, cfg.BackendTimeout()),
		Catalog:  billing.NewCatalog(cfg.Plans),
		IDs:      ids,
		Clock:    clock,
		Ready:    svc.ready,
		Blocked:  blocked,
	}, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		queue.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func buildServices(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	svc := &services{}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	switch cfg.Storage.Provider {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetime) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		svc.closers = append(svc.closers, store.Close)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		svc.store, svc.ready = store, store.Ping
	default:
		svc.store = memory.NewStore()
	}

	switch cfg.Storage.BlobProvider {
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("create gcs blob store: %w", err)
		}
		svc.blobs = blobs
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("create local blob store: %w", err)
		}
		svc.blobs = blobs
	default:
		svc.blobs = memory.NewBlobStore()
	}

	if cfg.PubSub.TopicName != "" {
		client, err := pubsubapi.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("create pubsub client: %w", err)
		}
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		publisher := pubsub.New(client.Topic(cfg.PubSub.TopicName))
		svc.closers = append(svc.closers, publisher.Stop)
		svc.publisher = publisher
	} else {
		svc.publisher = mempublisher.New()
	}

	switch cfg.Auth.SessionStore {
	case config.SessionStoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		svc.closers = append(svc.closers, func() { _ = client.Close() })
		svc.sessions = auth.NewRedisSessionResolver(client)
	default:
		svc.sessions = auth.NewJWTSessionResolver(cfg.Auth.NextAuthSecret)
	}

	logger.Info("services configured",
		zap.String("store", cfg.Storage.Provider),
		zap.String("blob_store", cfg.Storage.BlobProvider),
		zap.Bool("pubsub", cfg.PubSub.TopicName != ""),
		zap.String("session_store", cfg.Auth.SessionStore),
	)
	ok = true
	return svc, nil
}
