// Package ingestion orchestrates the fetch -> extract -> chunk -> embed -> encrypt -> store
// pipeline described in spec.md §4.8, following the stage-timing and status-transition shape
// of the teacher's internal/rag/service.Service.Ingest.
package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"ragvault/internal/blobstore"
	"ragvault/internal/chunker"
	"ragvault/internal/cipher"
	"ragvault/internal/config"
	"ragvault/internal/embedding"
	"ragvault/internal/extract"
	"ragvault/internal/keyvault"
	"ragvault/internal/logging"
	"ragvault/internal/observability"
	"ragvault/internal/repository"
	"ragvault/internal/vectorstore"
)

// ErrNotFound is returned when the document row does not exist.
var ErrNotFound = repository.ErrDocumentNotFound

// ErrAlreadyRunning is returned when the document is already processing, or ready without
// force (spec.md §4.8 step 1).
var ErrAlreadyRunning = repository.ErrAlreadyRunning

// DocumentRepo is the subset of *repository.Repository the pipeline needs, narrowed to an
// interface so tests can substitute a fake instead of a live Postgres connection.
type DocumentRepo interface {
	BeginProcessing(ctx context.Context, orgID, documentID string, force bool) (repository.Document, error)
	SetStatus(ctx context.Context, orgID, documentID string, status repository.Status, errMsg string) error
	GetDocument(ctx context.Context, orgID, documentID string) (repository.Document, error)
}

// ErrEmbeddingUnavailable wraps an embedding failure that exhausted EmbeddingClient's
// internal retries (spec.md §7).
var ErrEmbeddingUnavailable = errors.New("ingestion: embedding provider unavailable")

// maxErrorMessageLen bounds the error message persisted to the document row (spec.md §4.8).
const maxErrorMessageLen = 500

// Clock abstracts time for deterministic stage-timing tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Pipeline wires the components an ingestion job needs. All fields are required except
// Metrics and Clock, which default to no-op/system implementations.
type Pipeline struct {
	Repo     DocumentRepo
	Blobs    blobstore.BlobStore
	Vault    *keyvault.Vault
	Embedder *embedding.Client
	Vectors  vectorstore.Store
	Chunking config.ChunkingConfig

	Metrics observability.Metrics
	Clock   Clock
}

// New constructs a Pipeline, filling in no-op defaults for optional collaborators.
func New(repo DocumentRepo, blobs blobstore.BlobStore, vault *keyvault.Vault, embedder *embedding.Client, vectors vectorstore.Store, chunking config.ChunkingConfig) *Pipeline {
	return &Pipeline{
		Repo:     repo,
		Blobs:    blobs,
		Vault:    vault,
		Embedder: embedder,
		Vectors:  vectors,
		Chunking: chunking,
		Metrics:  observability.NewMockMetrics(),
		Clock:    systemClock{},
	}
}

// Request is one ingestion job's input.
type Request struct {
	OrgID         string
	DocumentID    string
	Force         bool
	CorrelationID string

	// AlreadyBegun is set by the JobScheduler path, where the HTTP handler already
	// performed the synchronous processing-status transition before enqueueing (spec.md
	// §4.11: "non-blocking submit that returns immediately after persisting a row
	// transition to processing"). When true, Run fetches the document instead of
	// transitioning it again.
	AlreadyBegun bool
}

// Run executes the full pipeline for one document, transitioning its status as it goes.
// Fatal errors transition the document to error with a bounded message and are returned to
// the caller; the caller (JobScheduler) decides how to surface that further.
func (p *Pipeline) Run(ctx context.Context, req Request) error {
	log := logging.ForIngestion(ctx, req.OrgID, req.DocumentID, req.CorrelationID)
	start := p.Clock.Now()

	var doc repository.Document
	var err error
	if req.AlreadyBegun {
		doc, err = p.Repo.GetDocument(ctx, req.OrgID, req.DocumentID)
	} else {
		doc, err = p.Repo.BeginProcessing(ctx, req.OrgID, req.DocumentID, req.Force)
	}
	if err != nil {
		return err
	}
	p.Metrics.IncCounter("ingestion_docs_total", map[string]string{"org": req.OrgID})

	fail := func(stage string, err error) error {
		msg := truncate(err.Error(), maxErrorMessageLen)
		if setErr := p.Repo.SetStatus(ctx, req.OrgID, req.DocumentID, repository.StatusError, msg); setErr != nil {
			log.Error().Err(setErr).Str("stage", stage).Msg("failed to record document error status")
		}
		log.Error().Err(err).Str("stage", stage).Msg("ingestion stage failed")
		return fmt.Errorf("ingestion: stage %s: %w", stage, err)
	}

	stage := func(name string, fn func() error) error {
		t0 := p.Clock.Now()
		err := fn()
		p.Metrics.ObserveHistogram("ingestion_stage_ms", float64(p.Clock.Now().Sub(t0).Milliseconds()), map[string]string{"stage": name, "org": req.OrgID})
		return err
	}

	var blob blobstore.Object
	if err := stage("fetch", func() error {
		var ferr error
		blob, ferr = p.Blobs.Fetch(ctx, req.OrgID, doc.BlobPath)
		return ferr
	}); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return fail("fetch", fmt.Errorf("blob not found: %w", err))
		}
		return fail("fetch", err)
	}

	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = doc.MIMEType
	}

	var chunks []chunker.Chunk
	if len(blob.Bytes) > 0 {
		var extracted *extract.Result
		if err := stage("extract", func() error {
			var eerr error
			extracted, eerr = extract.Extract(ctx, blob.Bytes, mimeType, doc.BlobPath)
			return eerr
		}); err != nil {
			return fail("extract", err)
		}

		chunkOpts := chunker.Options{Size: p.Chunking.Size, Overlap: p.Chunking.Overlap, Adaptive: p.Chunking.Adaptive}
		chunks, _ = chunker.SplitAdaptive(extracted.Text, chunkOpts)
	}
	p.Metrics.ObserveHistogram("ingestion_chunks_total", float64(len(chunks)), map[string]string{"org": req.OrgID})

	if len(chunks) == 0 {
		if err := p.Vectors.DeleteByDocument(ctx, req.OrgID, req.DocumentID); err != nil {
			return fail("store", err)
		}
		if err := p.Repo.SetStatus(ctx, req.OrgID, req.DocumentID, repository.StatusReady, ""); err != nil {
			return fail("finalize", err)
		}
		log.Info().Dur("elapsed", p.Clock.Now().Sub(start)).Msg("ingestion completed with zero chunks")
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	if err := stage("embedding", func() error {
		var eerr error
		vectors, eerr = p.Embedder.Embed(ctx, texts, embedding.KindPassage)
		return eerr
	}); err != nil {
		return fail("embedding", fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err))
	}

	dek, err := p.Vault.GetOrCreate(ctx, req.OrgID)
	if err != nil {
		return fail("keyvault", err)
	}

	rows := make([]vectorstore.Row, len(chunks))
	if err := stage("encrypt", func() error {
		for i, c := range chunks {
			aad := cipher.AAD(req.OrgID, req.DocumentID, c.Index)
			ct, nonce, serr := cipher.Seal([]byte(c.Text), dek, aad)
			if serr != nil {
				return serr
			}
			sum := sha256.Sum256([]byte(c.Text))
			rows[i] = vectorstore.Row{
				OrgID:      req.OrgID,
				DocumentID: req.DocumentID,
				ChunkIndex: c.Index,
				Embedding:  vectors[i],
				Ciphertext: ct,
				Nonce:      nonce,
				AAD:        aad,
				Hash:       hex.EncodeToString(sum[:]),
			}
		}
		return nil
	}); err != nil {
		return fail("encrypt", err)
	}

	if err := stage("store", func() error {
		if err := p.Vectors.DeleteByDocument(ctx, req.OrgID, req.DocumentID); err != nil {
			return err
		}
		return p.Vectors.UpsertChunks(ctx, rows)
	}); err != nil {
		return fail("store", err)
	}

	if err := p.Repo.SetStatus(ctx, req.OrgID, req.DocumentID, repository.StatusReady, ""); err != nil {
		return fail("finalize", err)
	}

	dur := p.Clock.Now().Sub(start)
	p.Metrics.ObserveHistogram("ingestion_stage_ms", float64(dur.Milliseconds()), map[string]string{"stage": "total", "org": req.OrgID})
	log.Info().Int("chunks", len(chunks)).Dur("elapsed", dur).Msg("ingestion completed")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
