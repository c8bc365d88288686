package vectorstore

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// clickhouseStore stores rows in a ClickHouse table and computes cosine similarity with
// ClickHouse's arrayDotProduct/L2Norm functions at query time, following the connection
// setup the teacher's internal/agentd metrics store uses for clickhouse-go.
type clickhouseStore struct {
	conn  clickhouse.Conn
	table string
	dim   int
}

// NewClickHouse constructs a Store backed by ClickHouse, creating the chunks table if
// absent.
func NewClickHouse(ctx context.Context, dsn, table string, dim int) (Store, error) {
	if table == "" {
		table = "chunks"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("vectorstore: ping clickhouse: %w", err)
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  org_id String,
  document_id String,
  chunk_index Int32,
  embedding Array(Float32),
  ciphertext String,
  nonce String,
  aad String,
  hash String,
  section Nullable(String),
  page Nullable(Int32)
) ENGINE = ReplacingMergeTree
ORDER BY (org_id, document_id, chunk_index)
`, table)
	if err := conn.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("vectorstore: create clickhouse table: %w", err)
	}
	return &clickhouseStore{conn: conn, table: table, dim: dim}, nil
}

func (c *clickhouseStore) Dimension() int { return c.dim }
func (c *clickhouseStore) Close() error   { return c.conn.Close() }

func (c *clickhouseStore) UpsertChunks(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", c.table))
	if err != nil {
		return err
	}
	for _, r := range rows {
		if c.dim > 0 && len(r.Embedding) != c.dim {
			return ErrDimensionMismatch
		}
		if err := batch.Append(
			r.OrgID, r.DocumentID, int32(r.ChunkIndex), r.Embedding,
			string(r.Ciphertext), string(r.Nonce), r.AAD, r.Hash, r.Section, r.Page,
		); err != nil {
			return err
		}
	}
	return batch.Send()
}

func (c *clickhouseStore) Search(ctx context.Context, orgID string, queryVector []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT org_id, document_id, chunk_index, embedding, ciphertext, nonce, aad, hash, section, page,
       dotProduct(embedding, ?) / (L2Norm(embedding) * L2Norm(?)) AS score
FROM %s
WHERE org_id = ?
ORDER BY score DESC, document_id ASC, chunk_index ASC
LIMIT ?
`, c.table)

	rows, err := c.conn.Query(ctx, query, queryVector, queryVector, orgID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var r Row
		var ciphertext, nonce string
		var score float64
		if err := rows.Scan(&r.OrgID, &r.DocumentID, &r.ChunkIndex, &r.Embedding, &ciphertext, &nonce, &r.AAD, &r.Hash, &r.Section, &r.Page, &score); err != nil {
			return nil, err
		}
		r.Ciphertext = []byte(ciphertext)
		r.Nonce = []byte(nonce)
		out = append(out, Match{Row: r, Score: score})
	}
	return out, rows.Err()
}

func (c *clickhouseStore) DeleteByDocument(ctx context.Context, orgID, documentID string) error {
	stmt := fmt.Sprintf(`ALTER TABLE %s DELETE WHERE org_id = ? AND document_id = ?`, c.table)
	return c.conn.Exec(ctx, stmt, orgID, documentID)
}
