package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgVectorStore persists rows in a pgvector-enabled Postgres table, filtering every search
// by org_id before ranking, the same WHERE-before-ORDER-BY shape as the teacher's
// internal/persistence/databases.pgVector.
type pgVectorStore struct {
	pool   *pgxpool.Pool
	dim    int
	metric string
}

// NewPostgres constructs a Store backed by pgvector. It creates the vector extension and
// chunks table if they do not already exist.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, dim int, metric string) (Store, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("vectorstore: create extension: %w", err)
	}
	vecType := "vector"
	if dim > 0 {
		vecType = fmt.Sprintf("vector(%d)", dim)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS chunks (
  org_id TEXT NOT NULL,
  document_id TEXT NOT NULL,
  chunk_index INT NOT NULL,
  embedding %s NOT NULL,
  ciphertext BYTEA NOT NULL,
  nonce BYTEA NOT NULL,
  aad TEXT NOT NULL,
  hash TEXT NOT NULL,
  section TEXT,
  page INT,
  PRIMARY KEY (org_id, document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS chunks_org_idx ON chunks (org_id);
`, vecType)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("vectorstore: create chunks table: %w", err)
	}
	return &pgVectorStore{pool: pool, dim: dim, metric: strings.ToLower(strings.TrimSpace(metric))}, nil
}

func (p *pgVectorStore) Dimension() int { return p.dim }
func (p *pgVectorStore) Close() error   { p.pool.Close(); return nil }

func (p *pgVectorStore) UpsertChunks(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgxBatcher{}
	for _, r := range rows {
		if p.dim > 0 && len(r.Embedding) != p.dim {
			return ErrDimensionMismatch
		}
		batch.queue(`
INSERT INTO chunks (org_id, document_id, chunk_index, embedding, ciphertext, nonce, aad, hash, section, page)
VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10)
ON CONFLICT (org_id, document_id, chunk_index) DO UPDATE SET
  embedding = EXCLUDED.embedding, ciphertext = EXCLUDED.ciphertext, nonce = EXCLUDED.nonce,
  aad = EXCLUDED.aad, hash = EXCLUDED.hash, section = EXCLUDED.section, page = EXCLUDED.page
`, r.OrgID, r.DocumentID, r.ChunkIndex, toVectorLiteral(r.Embedding), r.Ciphertext, r.Nonce, r.AAD, r.Hash, r.Section, r.Page)
	}
	return batch.send(ctx, p.pool)
}

func (p *pgVectorStore) Search(ctx context.Context, orgID string, queryVector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	vecLit := toVectorLiteral(queryVector)
	op, scoreExpr := p.distanceExprs()
	query := fmt.Sprintf(`
SELECT org_id, document_id, chunk_index, embedding, ciphertext, nonce, aad, hash, section, page, %s AS score
FROM chunks
WHERE org_id = $2
ORDER BY embedding %s $1::vector, document_id ASC, chunk_index ASC
LIMIT $3
`, scoreExpr, op)

	rows, err := p.pool.Query(ctx, query, vecLit, orgID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var r Row
		var embLit string
		var score float64
		if err := rows.Scan(&r.OrgID, &r.DocumentID, &r.ChunkIndex, &embLit, &r.Ciphertext, &r.Nonce, &r.AAD, &r.Hash, &r.Section, &r.Page, &score); err != nil {
			return nil, err
		}
		r.Embedding = parseVectorLiteral(embLit)
		out = append(out, Match{Row: r, Score: score})
	}
	return out, rows.Err()
}

func (p *pgVectorStore) DeleteByDocument(ctx context.Context, orgID, documentID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM chunks WHERE org_id = $1 AND document_id = $2`, orgID, documentID)
	return err
}

// distanceExprs picks the pgvector operator and a score expression that lands in [-1, 1]
// for cosine, matching the teacher's switch in postgres_vector.go.
func (p *pgVectorStore) distanceExprs() (op, scoreExpr string) {
	switch p.metric {
	case "l2", "euclidean":
		return "<->", "-(embedding <-> $1::vector)"
	case "ip", "dot":
		return "<#>", "-(embedding <#> $1::vector)"
	default:
		return "<=>", "1 - (embedding <=> $1::vector)"
	}
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(s string) []float32 {
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		var f float64
		fmt.Sscanf(strings.TrimSpace(p), "%g", &f)
		out[i] = float32(f)
	}
	return out
}

// pgxBatcher accumulates statements and executes them inside one transaction, avoiding a
// round trip per row on a batch upsert.
type pgxBatcher struct {
	stmts []statement
}

type statement struct {
	sql  string
	args []any
}

func (b *pgxBatcher) queue(sql string, args ...any) {
	b.stmts = append(b.stmts, statement{sql: sql, args: args})
}

func (b *pgxBatcher) send(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, s := range b.stmts {
		if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
