package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxmux/voxmux/pkg/facts"
	"github.com/voxmux/voxmux/pkg/provider/embeddings"
)

// Compile-time interface check.
var _ facts.Store = (*Store)(nil)

// defaultSearchLimit caps SearchFacts when the caller passes limit <= 0.
const defaultSearchLimit = 8

// Store serves the facts pack from a PostgreSQL database. Curated facts are
// vector-indexed; [Store.SearchFacts] embeds the query through the configured
// [embeddings.Provider] and ranks by cosine distance.
//
// All methods are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate] with the
// embedding dimension reported by embedder.
func NewStore(ctx context.Context, dsn string, embedder embeddings.Provider) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("facts store: dsn must not be empty")
	}
	if embedder == nil {
		return nil, fmt.Errorf("facts store: embedder must not be nil")
	}
	dims := embedder.Dimensions()
	if dims <= 0 {
		return nil, fmt.Errorf("facts store: embedder reports invalid dimension %d", dims)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("facts store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("facts store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("facts store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("facts store: migrate: %w", err)
	}

	return &Store{pool: pool, embedder: embedder}, nil
}

// ApprovedClaims implements [facts.Store]. Claims are returned in insertion
// order.
func (s *Store) ApprovedClaims(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT claim FROM approved_claims ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("facts store: approved claims: %w", err)
	}
	claims, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("facts store: scan claims: %w", err)
	}
	if claims == nil {
		claims = []string{}
	}
	return claims, nil
}

// DisallowedPatterns implements [facts.Store]. Patterns are returned in
// insertion order.
func (s *Store) DisallowedPatterns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT pattern FROM disallowed_patterns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("facts store: disallowed patterns: %w", err)
	}
	patterns, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("facts store: scan patterns: %w", err)
	}
	if patterns == nil {
		patterns = []string{}
	}
	return patterns, nil
}

// SetApprovedClaims replaces the approved-claims registry with claims.
// An empty slice clears the registry.
func (s *Store) SetApprovedClaims(ctx context.Context, claims []string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM approved_claims`); err != nil {
		return fmt.Errorf("facts store: clear claims: %w", err)
	}
	if len(claims) == 0 {
		return nil
	}
	const q = `INSERT INTO approved_claims (claim) SELECT DISTINCT c FROM unnest($1::text[]) AS t(c)`
	if _, err := s.pool.Exec(ctx, q, claims); err != nil {
		return fmt.Errorf("facts store: insert claims: %w", err)
	}
	return nil
}

// SetDisallowedPatterns replaces the disallow-pattern registry with patterns.
// An empty slice clears the registry.
func (s *Store) SetDisallowedPatterns(ctx context.Context, patterns []string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM disallowed_patterns`); err != nil {
		return fmt.Errorf("facts store: clear patterns: %w", err)
	}
	if len(patterns) == 0 {
		return nil
	}
	const q = `INSERT INTO disallowed_patterns (pattern) SELECT DISTINCT p FROM unnest($1::text[]) AS t(p)`
	if _, err := s.pool.Exec(ctx, q, patterns); err != nil {
		return fmt.Errorf("facts store: insert patterns: %w", err)
	}
	return nil
}

// UpsertFacts inserts or replaces curated facts. Facts without an embedding
// are embedded in a single batch call before insertion; facts that already
// carry one are written as-is.
func (s *Store) UpsertFacts(ctx context.Context, items []facts.Fact) error {
	rows := make([]facts.Fact, len(items))
	copy(rows, items)

	var (
		missingTexts []string
		missingIdx   []int
	)
	for i, f := range rows {
		if f.ID == "" {
			return fmt.Errorf("facts store: fact %d has empty id", i)
		}
		if len(f.Embedding) == 0 {
			missingTexts = append(missingTexts, f.Text)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missingTexts) > 0 {
		vecs, err := s.embedder.EmbedBatch(ctx, missingTexts)
		if err != nil {
			return fmt.Errorf("facts store: embed facts: %w", err)
		}
		if len(vecs) != len(missingTexts) {
			return fmt.Errorf("facts store: embed facts: got %d vectors for %d texts", len(vecs), len(missingTexts))
		}
		for j, i := range missingIdx {
			rows[i].Embedding = vecs[j]
		}
	}

	const q = `
		INSERT INTO facts (id, topic, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
		    topic      = EXCLUDED.topic,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	for _, f := range rows {
		vec := pgvector.NewVector(f.Embedding)
		if _, err := s.pool.Exec(ctx, q, f.ID, f.Topic, f.Text, vec); err != nil {
			return fmt.Errorf("facts store: upsert fact %q: %w", f.ID, err)
		}
	}
	return nil
}

// SearchFacts implements [facts.Store]. It embeds query and returns the limit
// facts with the smallest cosine distance, most similar first. An empty query
// skips the embedding round trip and returns the most recently updated facts.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]facts.FactResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if strings.TrimSpace(query) == "" {
		return s.recentFacts(ctx, limit)
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("facts store: embed query: %w", err)
	}

	const q = `
		SELECT id, topic, content, embedding,
		       embedding <=> $1 AS distance
		FROM   facts
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("facts store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (facts.FactResult, error) {
		var (
			fr  facts.FactResult
			vec pgvector.Vector
		)
		if err := row.Scan(&fr.Fact.ID, &fr.Fact.Topic, &fr.Fact.Text, &vec, &fr.Distance); err != nil {
			return facts.FactResult{}, err
		}
		fr.Fact.Embedding = vec.Slice()
		return fr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("facts store: scan rows: %w", err)
	}
	if results == nil {
		results = []facts.FactResult{}
	}
	return results, nil
}

// recentFacts returns the most recently updated facts with zero distance.
func (s *Store) recentFacts(ctx context.Context, limit int) ([]facts.FactResult, error) {
	const q = `
		SELECT id, topic, content
		FROM   facts
		ORDER  BY updated_at DESC, id
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("facts store: recent: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (facts.FactResult, error) {
		var fr facts.FactResult
		if err := row.Scan(&fr.Fact.ID, &fr.Fact.Topic, &fr.Fact.Text); err != nil {
			return facts.FactResult{}, err
		}
		return fr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("facts store: scan rows: %w", err)
	}
	if results == nil {
		results = []facts.FactResult{}
	}
	return results, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
