// Package repository persists document metadata and wrapped per-organization keys in
// Postgres, playing the role of the core's "well-typed repository interface" collaborator
// from spec.md §1.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ragvault/internal/keyvault"
)

// Status is a document's indexing state, transitioned only by the ingestion pipeline.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
)

// ErrDocumentNotFound is returned when a document row does not exist.
var ErrDocumentNotFound = errors.New("repository: document not found")

// ErrAlreadyRunning is returned by BeginProcessing when a document is already processing,
// or is ready and the caller did not set force (spec.md §4.8 step 1).
var ErrAlreadyRunning = errors.New("repository: document already processing or ready")

// Document is the core's view of a document row; ownership of every other column (filename,
// uploader, ACLs) lives with the external collaborator that created the row.
type Document struct {
	ID           string
	OrgID        string
	Title        string
	BlobPath     string
	MIMEType     string
	Status       Status
	ErrorMessage string
	ContentHash  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Repository is the Postgres-backed metadata store: documents and wrapped org keys.
type Repository struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres with the teacher's pool sizing (bounded conns, bounded
// lifetime/idle, a short-timeout ping at startup) and ensures the repository's tables exist.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("repository: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}

	r := &Repository{pool: pool}
	if err := r.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an already-open pool, for callers that share one pool across components.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool, shared with vectorstore.Open's pgvector
// backend so the two stores don't each hold their own set of connections.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// Ping checks database connectivity, used by the health endpoint (spec.md §6).
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) bootstrap(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
  id TEXT NOT NULL,
  org_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  blob_path TEXT NOT NULL,
  mime_type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  error_message TEXT NOT NULL DEFAULT '',
  content_hash TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (org_id, id)
);
CREATE INDEX IF NOT EXISTS documents_status_idx ON documents (status);

CREATE TABLE IF NOT EXISTS org_keys (
  org_id TEXT PRIMARY KEY,
  wrapped_dek BYTEA NOT NULL,
  version INT NOT NULL
);
`
	_, err := r.pool.Exec(ctx, ddl)
	if err != nil {
		return fmt.Errorf("repository: bootstrap schema: %w", err)
	}
	return nil
}

// PutDocument upserts a document row, used both to register a new document and to reset a
// terminal one back to pending for a forced reindex (spec.md §3 lifecycle).
func (r *Repository) PutDocument(ctx context.Context, doc Document) error {
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO documents (id, org_id, title, blob_path, mime_type, status, error_message, content_hash, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (org_id, id) DO UPDATE SET
  title = EXCLUDED.title, blob_path = EXCLUDED.blob_path, mime_type = EXCLUDED.mime_type, status = EXCLUDED.status,
  error_message = EXCLUDED.error_message, content_hash = EXCLUDED.content_hash, updated_at = now()
`, doc.ID, doc.OrgID, doc.Title, doc.BlobPath, doc.MIMEType, doc.Status, doc.ErrorMessage, doc.ContentHash)
	return err
}

// GetDocument fetches a single document, scoped by org so no cross-tenant lookup is possible.
func (r *Repository) GetDocument(ctx context.Context, orgID, documentID string) (Document, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, org_id, title, blob_path, mime_type, status, error_message, content_hash, created_at, updated_at
FROM documents WHERE org_id = $1 AND id = $2
`, orgID, documentID)

	var d Document
	var status string
	if err := row.Scan(&d.ID, &d.OrgID, &d.Title, &d.BlobPath, &d.MIMEType, &status, &d.ErrorMessage, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, err
	}
	d.Status = Status(status)
	return d, nil
}

// BeginProcessing atomically transitions a document to processing, refusing if it is
// already processing or is ready without force. The WHERE clause re-checks the status seen
// at read time, so a concurrent caller that wins the row lock first causes this caller's
// UPDATE to affect zero rows instead of double-starting the same document.
func (r *Repository) BeginProcessing(ctx context.Context, orgID, documentID string, force bool) (Document, error) {
	doc, err := r.GetDocument(ctx, orgID, documentID)
	if err != nil {
		return Document{}, err
	}
	if doc.Status == StatusProcessing || (doc.Status == StatusReady && !force) {
		return doc, ErrAlreadyRunning
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE documents SET status = $4, updated_at = now()
WHERE org_id = $1 AND id = $2 AND status = $3
`, orgID, documentID, doc.Status, StatusProcessing)
	if err != nil {
		return Document{}, err
	}
	if tag.RowsAffected() == 0 {
		return doc, ErrAlreadyRunning
	}
	doc.Status = StatusProcessing
	return doc, nil
}

// SetStatus transitions a document's status and, on error, records the message. Called by
// the ingestion pipeline at each stage boundary (pending -> processing -> ready | error).
func (r *Repository) SetStatus(ctx context.Context, orgID, documentID string, status Status, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE documents SET status = $3, error_message = $4, updated_at = now()
WHERE org_id = $1 AND id = $2
`, orgID, documentID, status, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

// DeleteDocument removes a document row; chunk cascade is the caller's responsibility via
// vectorstore.DeleteByDocument, since chunks live in a separate store (spec.md §3).
func (r *Repository) DeleteDocument(ctx context.Context, orgID, documentID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE org_id = $1 AND id = $2`, orgID, documentID)
	return err
}

// ListPending returns documents in pending status, for the scheduler to dispatch on startup
// recovery.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]Document, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, org_id, title, blob_path, mime_type, status, error_message, content_hash, created_at, updated_at
FROM documents WHERE status = $1 ORDER BY created_at ASC LIMIT $2
`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var status string
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Title, &d.BlobPath, &d.MIMEType, &status, &d.ErrorMessage, &d.ContentHash, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = Status(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

var _ keyvault.OrgKeyStore = (*Repository)(nil)

// GetWrappedDEK implements keyvault.OrgKeyStore.
func (r *Repository) GetWrappedDEK(ctx context.Context, orgID string) ([]byte, int, error) {
	row := r.pool.QueryRow(ctx, `SELECT wrapped_dek, version FROM org_keys WHERE org_id = $1`, orgID)
	var wrapped []byte
	var version int
	if err := row.Scan(&wrapped, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, keyvault.ErrKeyNotFound
		}
		return nil, 0, err
	}
	return wrapped, version, nil
}

// PutWrappedDEK implements keyvault.OrgKeyStore. It upserts, so a manual rotation flow that
// calls it again just bumps the version already supplied by the caller.
func (r *Repository) PutWrappedDEK(ctx context.Context, orgID string, wrapped []byte, version int) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO org_keys (org_id, wrapped_dek, version) VALUES ($1, $2, $3)
ON CONFLICT (org_id) DO UPDATE SET wrapped_dek = EXCLUDED.wrapped_dek, version = EXCLUDED.version
`, orgID, wrapped, version)
	return err
}
