package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ragvault/internal/config"
)

// Open selects and constructs a Store from cfg.Backend ("pgvector", "qdrant", "clickhouse",
// "memory"). pgPool is only used for the pgvector backend and may be nil otherwise.
func Open(ctx context.Context, cfg config.VectorStoreConfig, dim int, pgPool *pgxpool.Pool) (Store, error) {
	switch cfg.Backend {
	case "pgvector":
		if pgPool == nil {
			return nil, fmt.Errorf("vectorstore: pgvector backend requires a connection pool")
		}
		return NewPostgres(ctx, pgPool, dim, cfg.Metric)
	case "qdrant":
		return NewQdrant(ctx, cfg.DSN, cfg.Collection, dim, cfg.Metric)
	case "clickhouse":
		return NewClickHouse(ctx, cfg.DSN, cfg.Collection, dim)
	case "memory", "":
		return NewMemory(dim), nil
	default:
		return nil, fmt.Errorf("vectorstore: unknown backend %q", cfg.Backend)
	}
}
