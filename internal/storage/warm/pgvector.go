package warm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
)

// PGVectorIndex stores warm vectors in PostgreSQL behind an HNSW index. It
// is the option for warm tiers in the 10^5 range or when several tools share
// one memory database.
type PGVectorIndex struct {
	db  *sql.DB
	dim int
}

// OpenPGVectorIndex connects and applies the schema (idempotent).
func OpenPGVectorIndex(ctx context.Context, dsn string, dim int) (*PGVectorIndex, error) {
	if dsn == "" {
		return nil, fmt.Errorf("warm: pgvector index requires a dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("warm: failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm: failed to ping postgres: %w", err)
	}

	schema := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS strata_warm_vectors (
			id         TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_strata_warm_vectors_hnsw
			ON strata_warm_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("warm: failed to apply pgvector schema: %w", err)
		}
	}
	return &PGVectorIndex{db: db, dim: dim}, nil
}

func (p *PGVectorIndex) Name() string { return "pgvector" }

func (p *PGVectorIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO strata_warm_vectors (id, embedding, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, updated_at = now()`,
		id, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("warm: pgvector upsert %s: %w", id, err)
	}
	return nil
}

func (p *PGVectorIndex) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM strata_warm_vectors WHERE id = $1`, id); err != nil {
		return fmt.Errorf("warm: pgvector delete %s: %w", id, err)
	}
	return nil
}

func (p *PGVectorIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	q := pgvector.NewVector(vec)
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, 1 - (embedding <=> $1::vector) AS similarity
		FROM strata_warm_vectors
		ORDER BY embedding <=> $1::vector, id
		LIMIT $2`, q, k)
	if err != nil {
		return nil, fmt.Errorf("warm: pgvector query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("warm: pgvector scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PGVectorIndex) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strata_warm_vectors`).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Reset removes every vector. Used when the warm artifact is rebuilt.
func (p *PGVectorIndex) Reset(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `TRUNCATE TABLE strata_warm_vectors`); err != nil {
		return fmt.Errorf("warm: pgvector truncate: %w", err)
	}
	return nil
}

func (p *PGVectorIndex) Close() error { return p.db.Close() }
