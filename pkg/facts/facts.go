// Package facts defines the facts pack consulted by the gateway: the
// approved-claims registry and disallow patterns used by the claims checker,
// plus a catalogue of curated facts injected into the provider's
// conversation context.
//
// Two backends ship with voxmux: a PostgreSQL/pgvector store
// (pkg/facts/postgres) for deployments with a central facts pipeline, and a
// YAML file store (pkg/facts/static) for single-binary setups.
//
// Every implementation must be safe for concurrent use.
package facts

import "context"

// Fact is one curated statement from the facts pack.
type Fact struct {
	// ID is the unique, stable identifier for this fact.
	ID string

	// Topic is an optional coarse grouping label (e.g. "billing", "shipping").
	Topic string

	// Text is the canonical statement, written the way it may be spoken.
	Text string

	// Embedding is the vector representation of Text. Backends that do not
	// vector-index leave it nil.
	Embedding []float32
}

// FactResult pairs a retrieved fact with its distance from the query.
// Lower Distance values indicate higher relevance; the scale is
// implementation-defined (cosine distance for vector-backed stores).
type FactResult struct {
	// Fact is the retrieved statement.
	Fact Fact

	// Distance is the relevance distance to the query.
	Distance float64
}

// Store is the read surface of the facts pack. Write paths are
// implementation-specific.
type Store interface {
	// ApprovedClaims returns the allow-list of claim statements the claims
	// checker treats as verified.
	ApprovedClaims(ctx context.Context) ([]string, error)

	// DisallowedPatterns returns regular-expression patterns. Assistant
	// claims matching any of them are rewritten by the claims checker.
	DisallowedPatterns(ctx context.Context) ([]string, error)

	// SearchFacts returns up to limit facts relevant to query, most relevant
	// first. An empty query returns the most recently updated facts.
	SearchFacts(ctx context.Context, query string, limit int) ([]FactResult, error)

	// Close releases resources held by the store.
	Close() error
}
