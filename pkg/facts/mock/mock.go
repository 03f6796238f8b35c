// Package mock provides a configurable in-memory [facts.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/voxmux/voxmux/pkg/facts"
)

// SearchFactsCall records a single call to [Store.SearchFacts].
type SearchFactsCall struct {
	Ctx   context.Context
	Query string
	Limit int
}

// Store is a mock implementation of [facts.Store].
// Configure the exported fields, then inspect the recorded calls.
// All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	// ApprovedClaimsResult is returned by ApprovedClaims.
	ApprovedClaimsResult []string
	// ApprovedClaimsErr, if set, is returned by ApprovedClaims.
	ApprovedClaimsErr error

	// DisallowedPatternsResult is returned by DisallowedPatterns.
	DisallowedPatternsResult []string
	// DisallowedPatternsErr, if set, is returned by DisallowedPatterns.
	DisallowedPatternsErr error

	// SearchFactsResult is returned by SearchFacts.
	SearchFactsResult []facts.FactResult
	// SearchFactsErr, if set, is returned by SearchFacts.
	SearchFactsErr error

	// CloseErr, if set, is returned by Close.
	CloseErr error

	// ApprovedClaimsCallCount counts calls to ApprovedClaims.
	ApprovedClaimsCallCount int
	// DisallowedPatternsCallCount counts calls to DisallowedPatterns.
	DisallowedPatternsCallCount int
	// SearchFactsCalls records all calls to SearchFacts.
	SearchFactsCalls []SearchFactsCall
	// CloseCallCount counts calls to Close.
	CloseCallCount int
}

// ApprovedClaims implements [facts.Store].
func (s *Store) ApprovedClaims(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApprovedClaimsCallCount++
	if s.ApprovedClaimsErr != nil {
		return nil, s.ApprovedClaimsErr
	}
	return append([]string{}, s.ApprovedClaimsResult...), nil
}

// DisallowedPatterns implements [facts.Store].
func (s *Store) DisallowedPatterns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DisallowedPatternsCallCount++
	if s.DisallowedPatternsErr != nil {
		return nil, s.DisallowedPatternsErr
	}
	return append([]string{}, s.DisallowedPatternsResult...), nil
}

// SearchFacts implements [facts.Store].
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]facts.FactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SearchFactsCalls = append(s.SearchFactsCalls, SearchFactsCall{Ctx: ctx, Query: query, Limit: limit})
	if s.SearchFactsErr != nil {
		return nil, s.SearchFactsErr
	}
	return append([]facts.FactResult{}, s.SearchFactsResult...), nil
}

// Close implements [facts.Store].
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Reset clears all recorded calls and configured results.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ApprovedClaimsResult = nil
	s.ApprovedClaimsErr = nil
	s.DisallowedPatternsResult = nil
	s.DisallowedPatternsErr = nil
	s.SearchFactsResult = nil
	s.SearchFactsErr = nil
	s.CloseErr = nil
	s.ApprovedClaimsCallCount = 0
	s.DisallowedPatternsCallCount = 0
	s.SearchFactsCalls = nil
	s.CloseCallCount = 0
}

var _ facts.Store = (*Store)(nil)
