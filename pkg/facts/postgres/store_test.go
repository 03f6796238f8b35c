package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/voxmux/voxmux/pkg/facts"
	"github.com/voxmux/voxmux/pkg/facts/postgres"
	embmock "github.com/voxmux/voxmux/pkg/provider/embeddings/mock"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXMUX_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXMUX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXMUX_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and a
// mock embedder reporting testEmbeddingDim dimensions.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) (*postgres.Store, *embmock.Provider) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop the tables left by a previous run.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	embedder := &embmock.Provider{DimensionsValue: testEmbeddingDim}
	store, err := postgres.NewStore(ctx, dsn, embedder)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, embedder
}

// mustPool opens a pgxpool with pgvector types registered (needed for the
// HNSW index to not refuse our connection during dropSchema).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS facts CASCADE",
		"DROP TABLE IF EXISTS approved_claims CASCADE",
		"DROP TABLE IF EXISTS disallowed_patterns CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema (%s): %v", stmt, err)
		}
	}
}

func factIDs(results []facts.FactResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Fact.ID
	}
	return ids
}

// ─────────────────────────────────────────────────────────────────────────────
// Registry — approved claims and disallow patterns
// ─────────────────────────────────────────────────────────────────────────────

func TestRegistry_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	claims, err := store.ApprovedClaims(ctx)
	if err != nil {
		t.Fatalf("ApprovedClaims: %v", err)
	}
	if len(claims) != 0 {
		t.Errorf("fresh store: want 0 claims, got %d", len(claims))
	}

	wantClaims := []string{
		"Refunds are available within 30 days of purchase.",
		"Support is available on weekdays.",
	}
	if err := store.SetApprovedClaims(ctx, wantClaims); err != nil {
		t.Fatalf("SetApprovedClaims: %v", err)
	}
	claims, err = store.ApprovedClaims(ctx)
	if err != nil {
		t.Fatalf("ApprovedClaims: %v", err)
	}
	if len(claims) != 2 || claims[0] != wantClaims[0] || claims[1] != wantClaims[1] {
		t.Errorf("claims: want %v, got %v", wantClaims, claims)
	}

	// Replacing shrinks the registry; it never accumulates.
	if err := store.SetApprovedClaims(ctx, []string{"Only this one."}); err != nil {
		t.Fatalf("SetApprovedClaims replace: %v", err)
	}
	claims, err = store.ApprovedClaims(ctx)
	if err != nil {
		t.Fatalf("ApprovedClaims: %v", err)
	}
	if len(claims) != 1 || claims[0] != "Only this one." {
		t.Errorf("claims after replace: want [Only this one.], got %v", claims)
	}

	if err := store.SetDisallowedPatterns(ctx, []string{"(?i)guarantee", "(?i)forever"}); err != nil {
		t.Fatalf("SetDisallowedPatterns: %v", err)
	}
	patterns, err := store.DisallowedPatterns(ctx)
	if err != nil {
		t.Fatalf("DisallowedPatterns: %v", err)
	}
	if len(patterns) != 2 {
		t.Errorf("patterns: want 2, got %d", len(patterns))
	}

	// Empty set clears.
	if err := store.SetDisallowedPatterns(ctx, nil); err != nil {
		t.Fatalf("SetDisallowedPatterns clear: %v", err)
	}
	patterns, err = store.DisallowedPatterns(ctx)
	if err != nil {
		t.Fatalf("DisallowedPatterns: %v", err)
	}
	if len(patterns) != 0 {
		t.Errorf("patterns after clear: want 0, got %d", len(patterns))
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Facts — upsert and vector search
// ─────────────────────────────────────────────────────────────────────────────

func TestUpsertFacts_PreEmbedded_Search(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	items := []facts.Fact{
		{ID: "refund-window", Topic: "billing", Text: "Refunds within 30 days.", Embedding: []float32{1, 0, 0, 0}},
		{ID: "support-hours", Topic: "support", Text: "Weekday support only.", Embedding: []float32{0, 1, 0, 0}},
		{ID: "shipping", Topic: "shipping", Text: "Ships to the EU.", Embedding: []float32{0, 0, 1, 0}},
	}
	if err := store.UpsertFacts(ctx, items); err != nil {
		t.Fatalf("UpsertFacts: %v", err)
	}
	if len(embedder.EmbedBatchCalls) != 0 {
		t.Errorf("pre-embedded facts: want no EmbedBatch calls, got %d", len(embedder.EmbedBatchCalls))
	}

	// Query closest to refund-window (embedding [1,0,0,0]).
	embedder.EmbedResult = []float32{1, 0, 0, 0}
	results, err := store.SearchFacts(ctx, "refund policy", 2)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SearchFacts topK=2: want 2 results, got %d", len(results))
	}
	if results[0].Fact.ID != "refund-window" {
		t.Errorf("closest fact: want refund-window, got %s (distance %.4f)", results[0].Fact.ID, results[0].Distance)
	}
	if results[0].Distance > results[1].Distance {
		t.Errorf("results not ordered by distance: %v", factIDs(results))
	}
	if results[0].Distance > 0.001 {
		t.Errorf("identical embedding: want distance ~0, got %.4f", results[0].Distance)
	}
}

func TestUpsertFacts_EmbedsMissing(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	embedder.EmbedBatchResult = [][]float32{{0, 0, 0, 1}}
	items := []facts.Fact{
		{ID: "returns", Topic: "billing", Text: "Returns need a receipt."},
	}
	if err := store.UpsertFacts(ctx, items); err != nil {
		t.Fatalf("UpsertFacts: %v", err)
	}
	if len(embedder.EmbedBatchCalls) != 1 {
		t.Fatalf("want 1 EmbedBatch call, got %d", len(embedder.EmbedBatchCalls))
	}
	got := embedder.EmbedBatchCalls[0].Texts
	if len(got) != 1 || got[0] != "Returns need a receipt." {
		t.Errorf("EmbedBatch texts: want the fact text, got %v", got)
	}

	embedder.EmbedResult = []float32{0, 0, 0, 1}
	results, err := store.SearchFacts(ctx, "receipt", 1)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 1 || results[0].Fact.ID != "returns" {
		t.Fatalf("want [returns], got %v", factIDs(results))
	}
}

func TestUpsertFacts_ReplacesExisting(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := facts.Fact{ID: "hours", Text: "Open 9 to 5.", Embedding: []float32{1, 0, 0, 0}}
	if err := store.UpsertFacts(ctx, []facts.Fact{first}); err != nil {
		t.Fatalf("UpsertFacts: %v", err)
	}

	second := first
	second.Text = "Open 8 to 6."
	if err := store.UpsertFacts(ctx, []facts.Fact{second}); err != nil {
		t.Fatalf("UpsertFacts upsert: %v", err)
	}

	results, err := store.SearchFacts(ctx, "", 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("upsert must replace, not duplicate: got %d rows", len(results))
	}
	if results[0].Fact.Text != "Open 8 to 6." {
		t.Errorf("want updated text, got %q", results[0].Fact.Text)
	}
}

func TestSearchFacts_EmptyQuery_SkipsEmbedding(t *testing.T) {
	store, embedder := newTestStore(t)
	ctx := context.Background()

	items := []facts.Fact{
		{ID: "a", Text: "First fact.", Embedding: []float32{1, 0, 0, 0}},
		{ID: "b", Text: "Second fact.", Embedding: []float32{0, 1, 0, 0}},
		{ID: "c", Text: "Third fact.", Embedding: []float32{0, 0, 1, 0}},
	}
	if err := store.UpsertFacts(ctx, items); err != nil {
		t.Fatalf("UpsertFacts: %v", err)
	}

	results, err := store.SearchFacts(ctx, "", 2)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("want 2 results, got %d", len(results))
	}
	if len(embedder.EmbedCalls) != 0 {
		t.Errorf("empty query: want no Embed calls, got %d", len(embedder.EmbedCalls))
	}
}

func TestUpsertFacts_EmptyID_Rejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.UpsertFacts(ctx, []facts.Fact{{Text: "No id.", Embedding: []float32{1, 0, 0, 0}}})
	if err == nil {
		t.Fatal("UpsertFacts: expected error for empty id, got nil")
	}
}
