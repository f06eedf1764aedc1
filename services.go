package main

import (
	"context"
	"fmt"

	"github.com/Yulian302/lfusys-services-routes/caching"
	"github.com/Yulian302/lfusys-services-routes/config"
	"github.com/Yulian302/lfusys-services-routes/handlers"
	"github.com/Yulian302/lfusys-services-routes/health"
	"github.com/Yulian302/lfusys-services-routes/queues"
	"github.com/Yulian302/lfusys-services-routes/services"
	"github.com/Yulian302/lfusys-services-routes/store"
)

type Stores struct {
	documents store.DocumentStore
	sessions  store.SessionStore
	jobs      store.JobStore
	cache     *caching.RedisCachingService
}

type Services struct {
	Documents   services.DocumentService
	Transfers   services.TransferService
	Jobs        services.JobService
	Surfaces    services.SurfaceService
	Completions queues.CompletionQueue

	Stores *Stores

	Handler *handlers.HTTPHandler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(app *App) (*Services, error) {
	l := app.Logger
	cfg := app.Config

	var documentStore store.DocumentStore
	switch cfg.DocumentsConfig.Backend {
	case config.BackendBolt:
		bolt, err := store.NewBoltDocumentStore(cfg.DocumentsConfig.BoltPath, l.With("store", "documents"))
		if err != nil {
			return nil, err
		}
		documentStore = bolt
	case config.BackendS3:
		documentStore = store.NewS3DocumentStore(app.S3, app.DynamoDB, cfg.DocumentsConfig.BucketName, cfg.DocumentsConfig.TableName, l.With("store", "documents"))
	default:
		return nil, fmt.Errorf("unknown documents backend %q", cfg.DocumentsConfig.Backend)
	}

	sessStore := store.NewSessionStoreImpl(app.Redis, l.With("store", "sessions"))
	jobStore := store.NewJobStoreImpl(app.Redis, l.With("store", "jobs"))
	cache := caching.NewRedisCachingService(app.Redis, l.With("store", "cache"))

	var readCache caching.VersionedCache = cache
	if cfg.RedisConfig.CacheDisabled {
		l.Info("document cache disabled")
		readCache = caching.NewNullCachingService()
	}

	docSvc := services.NewDocumentServiceImpl(documentStore, readCache, l)
	transferSvc := services.NewTransferServiceImpl(sessStore, docSvc, cfg.TransferConfig.SessionTTL, cfg.TransferConfig.ChunkSize, l)
	jobSvc := services.NewJobServiceImpl(jobStore, cfg.TransferConfig.JobTTL, l)
	surfaceSvc := services.NewSurfaceServiceImpl(readCache, l)

	worker := queues.NewCompletionWorker(transferSvc, jobSvc, l.With("component", "completions"))
	var completions queues.CompletionQueue
	if queueUrl := cfg.ServiceConfig.CompletionsQueueURL; queueUrl != "" {
		completions = queues.NewSqsCompletionQueue(context.Background(), app.Sqs, worker, queueUrl, l.With("component", "completions"))
	} else {
		completions = queues.NewLocalCompletionQueue(context.Background(), worker, 4, 64, l.With("component", "completions"))
	}

	stores := &Stores{
		documents: documentStore,
		sessions:  sessStore,
		jobs:      jobStore,
		cache:     cache,
	}

	handler := handlers.NewHTTPHandler(docSvc, transferSvc, jobSvc, surfaceSvc, completions, stores.readinessChecks(), cfg.TransferConfig.ChunkSize, l.With("component", "http"))

	return &Services{
		Documents:   docSvc,
		Transfers:   transferSvc,
		Jobs:        jobSvc,
		Surfaces:    surfaceSvc,
		Completions: completions,

		Stores: stores,

		Handler: handler,
	}, nil
}

func (s *Services) ReadinessChecks() []health.ReadinessCheck {
	return s.Stores.readinessChecks()
}

func (s *Stores) readinessChecks() []health.ReadinessCheck {
	return []health.ReadinessCheck{s.documents, s.sessions, s.jobs, s.cache}
}

func (s *Services) Shutdown(ctx context.Context) error {
	if s.Completions != nil {
		if err := s.Completions.Shutdown(ctx); err != nil {
			return fmt.Errorf("completions shutdown: %w", err)
		}
	}

	if s.Stores != nil {
		return s.Stores.Shutdown(ctx)
	}
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	shutdownIfPossible := func(v any) error {
		if sh, ok := v.(Shutdowner); ok {
			return sh.Shutdown(ctx)
		}
		return nil
	}

	if err := shutdownIfPossible(s.documents); err != nil {
		return fmt.Errorf("documents store shutdown: %w", err)
	}
	return nil
}
