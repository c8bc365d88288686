// Command ragserver is the entrypoint for the multi-tenant RAG service (spec.md §6), wiring
// config, storage, the embedding/completion provider chains, the keyvault, the ingestion and
// query pipelines, the job scheduler, and the HTTP surface together, following the
// config-load/signal-notify-context/graceful-shutdown shape of the teacher's cmd/orchestrator
// and cmd/webui entrypoints.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"ragvault/internal/blobstore"
	"ragvault/internal/completion"
	"ragvault/internal/config"
	"ragvault/internal/dedupe"
	"ragvault/internal/embedding"
	"ragvault/internal/httpapi"
	"ragvault/internal/ingestion"
	"ragvault/internal/keyvault"
	"ragvault/internal/logging"
	"ragvault/internal/observability"
	"ragvault/internal/query"
	"ragvault/internal/repository"
	"ragvault/internal/scheduler"
	"ragvault/internal/vectorstore"
)

// version is set at build time via -ldflags; it defaults to "dev" for local runs.
var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("ragserver exited")
	}
}

func run() error {
	cfgPath := os.Getenv("RAGVAULT_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogPath, cfg.LogLevel)

	baseCtx := context.Background()

	repo, err := repository.Open(baseCtx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	blobs, err := blobstore.Open(baseCtx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	httpClient := observability.NewHTTPClient(&http.Client{Timeout: cfg.Embedding.Timeout})

	embedProvider := embedding.NewProvider(cfg.Embedding, httpClient)
	embedder := embedding.New(embedProvider, cfg.Embedding)

	completionProviders, err := completion.BuildChain(baseCtx, cfg.Completion)
	if err != nil {
		return fmt.Errorf("build completion chain: %w", err)
	}
	completionClient := completion.New(completionProviders, cfg.Completion.CallTimeout, cfg.Completion.TokenTimeout)

	vectors, err := vectorstore.Open(baseCtx, cfg.Vector, cfg.Embedding.Dimensions, repo.Pool())
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}

	vault, err := keyvault.NewFromBase64(cfg.MasterKeyB64, repo)
	if err != nil {
		return fmt.Errorf("init keyvault: %w", err)
	}

	var metrics observability.Metrics
	if cfg.Telemetry.Enabled {
		metrics = observability.NewOtelMetrics()
	} else {
		metrics = observability.NewMockMetrics()
	}

	ingestionPipeline := ingestion.New(repo, blobs, vault, embedder, vectors, cfg.Chunking)
	ingestionPipeline.Metrics = metrics

	queryPipeline := query.New(vault, embedder, vectors, completionClient, documentLookup{repo})
	queryPipeline.Metrics = metrics

	schedCfg := cfg.Scheduler
	if schedCfg.Workers <= 0 {
		schedCfg.Workers = runtime.NumCPU()
	}

	var dedupeStore scheduler.DedupeStore
	if cfg.Dedupe.RedisAddr != "" {
		store, derr := dedupe.NewRedisStore(cfg.Dedupe.RedisAddr)
		if derr != nil {
			log.Warn().Err(derr).Msg("dedupe store unavailable, continuing without submission deduplication")
		} else {
			dedupeStore = store
		}
	}

	runner := scheduler.RunnerFunc(func(ctx context.Context, job scheduler.Job) error {
		return ingestionPipeline.Run(ctx, ingestion.Request{
			OrgID:         job.OrgID,
			DocumentID:    job.DocumentID,
			Force:         job.Force,
			CorrelationID: job.CorrelationID,
			AlreadyBegun:  true,
		})
	})

	sched := scheduler.New(scheduler.Config{
		Workers:      schedCfg.Workers,
		QueueSize:    schedCfg.QueueSize,
		SoftDeadline: schedCfg.SoftDeadline,
		DedupeTTL:    cfg.Dedupe.TTL,
	}, runner, repo, dedupeStore, metrics)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched.Start(ctx)
	defer sched.Stop()

	server := httpapi.NewServer(repo, sched, queryPipeline, repo, httpapi.ProviderInfo{
		Embedding:  cfg.Embedding.Provider,
		Completion: cfg.Completion.Provider,
		VectorDB:   cfg.Vector.Backend,
	}, version)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{Addr: addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ragserver listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	log.Info().Msg("ragserver stopped")
	return nil
}

// documentLookup adapts *repository.Repository to query.DocumentLookup. It lives here,
// rather than as a method on Repository, because query.DocumentMeta's exact return type
// would otherwise force the low-level storage package to import the higher-level query
// package.
type documentLookup struct {
	repo *repository.Repository
}

func (d documentLookup) DocumentMeta(ctx context.Context, orgID, documentID string) (query.DocumentMeta, error) {
	doc, err := d.repo.GetDocument(ctx, orgID, documentID)
	if err != nil {
		return query.DocumentMeta{}, err
	}
	return query.DocumentMeta{Title: doc.Title}, nil
}
