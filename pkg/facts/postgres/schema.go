// Package postgres provides a PostgreSQL-backed facts pack with
// pgvector-based similarity search over curated facts.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, embedder)
//	if err != nil { … }
//
//	claims, _ := store.ApprovedClaims(ctx)
//	results, _ := store.SearchFacts(ctx, "what is the refund window?", 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRegistry = `
CREATE TABLE IF NOT EXISTS approved_claims (
    id     BIGSERIAL  PRIMARY KEY,
    claim  TEXT       NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS disallowed_patterns (
    id       BIGSERIAL  PRIMARY KEY,
    pattern  TEXT       NOT NULL UNIQUE
);
`

// ddlFacts returns the facts DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlFacts(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS facts (
    id          TEXT         PRIMARY KEY,
    topic       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_facts_topic
    ON facts (topic);

CREATE INDEX IF NOT EXISTS idx_facts_embedding
    ON facts USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
//
// embeddingDimensions must match the vector width of the embedding provider in
// use. Changing it after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlRegistry,
		ddlFacts(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("facts migrate: %w", err)
		}
	}
	return nil
}
