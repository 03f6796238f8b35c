// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text to dense float32 vectors. The facts layer
// uses these vectors for semantic retrieval: assistant claims and caller
// utterances are embedded and matched against the organisation's fact
// catalogue by cosine distance.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different instances
// must not be mixed in one similarity computation unless both use the same
// model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns
	// a float32 slice of length Dimensions() or an error if the request
	// fails or ctx is cancelled. Text passes through verbatim; any
	// model-specific prefixing is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single backend
	// call. The returned slice has the same length as texts, with the i-th
	// element corresponding to texts[i]. On error the entire result is nil;
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector this provider
	// produces. Constant for the lifetime of the instance.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging
	// and for verifying that stored vectors match the active model.
	ModelID() string
}
