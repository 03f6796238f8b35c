package static_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxmux/voxmux/pkg/facts/static"
)

const validPackYAML = `
approved_claims:
  - "Refunds are available within 30 days of purchase."
  - "Support is available on weekdays from 9am to 5pm."
disallowed_patterns:
  - "(?i)lifetime guarantee"
  - "(?i)100% safe"
facts:
  - id: refund-window
    topic: billing
    text: "Refunds are available within 30 days of purchase."
  - id: support-hours
    topic: support
    text: "Support is available on weekdays from 9am to 5pm."
  - id: shipping-regions
    topic: shipping
    text: "Orders ship to the EU and the United States."
`

const minimalPackYAML = `
facts: []
`

func TestLoadFromReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		input        string
		wantClaims   int
		wantPatterns int
		wantFacts    int
	}{
		{
			name:         "full pack",
			input:        validPackYAML,
			wantClaims:   2,
			wantPatterns: 2,
			wantFacts:    3,
		},
		{
			name:  "minimal pack",
			input: minimalPackYAML,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := static.LoadFromReader(strings.NewReader(tc.input))
			if err != nil {
				t.Fatalf("LoadFromReader: unexpected error: %v", err)
			}

			ctx := context.Background()
			claims, err := s.ApprovedClaims(ctx)
			if err != nil {
				t.Fatalf("ApprovedClaims: %v", err)
			}
			if len(claims) != tc.wantClaims {
				t.Errorf("claims: expected %d, got %d", tc.wantClaims, len(claims))
			}

			patterns, err := s.DisallowedPatterns(ctx)
			if err != nil {
				t.Fatalf("DisallowedPatterns: %v", err)
			}
			if len(patterns) != tc.wantPatterns {
				t.Errorf("patterns: expected %d, got %d", tc.wantPatterns, len(patterns))
			}

			results, err := s.SearchFacts(ctx, "", 0)
			if err != nil {
				t.Fatalf("SearchFacts: %v", err)
			}
			if len(results) != tc.wantFacts {
				t.Errorf("facts: expected %d, got %d", tc.wantFacts, len(results))
			}
		})
	}
}

func TestLoadFromReader_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "completely invalid YAML",
			input: ":::not valid yaml:::",
		},
		{
			name:  "unknown top-level key",
			input: "facts: []\nunknown_key: true\n",
		},
		{
			name:  "empty fact id",
			input: "facts:\n  - topic: billing\n    text: something\n",
		},
		{
			name:  "duplicate fact id",
			input: "facts:\n  - id: a\n    text: one\n  - id: a\n    text: two\n",
		},
		{
			name:  "malformed disallow pattern",
			input: "disallowed_patterns:\n  - \"(unclosed\"\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := static.LoadFromReader(strings.NewReader(tc.input))
			if err == nil {
				t.Fatal("LoadFromReader: expected error for invalid input, got nil")
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pack.yaml")
	if err := os.WriteFile(path, []byte(validPackYAML), 0o644); err != nil {
		t.Fatalf("write pack: %v", err)
	}

	s, err := static.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	claims, err := s.ApprovedClaims(context.Background())
	if err != nil {
		t.Fatalf("ApprovedClaims: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("claims: expected 2, got %d", len(claims))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := static.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load: expected error for missing file, got nil")
	}
}

func TestSearchFacts_RanksByOverlap(t *testing.T) {
	t.Parallel()

	s, err := static.LoadFromReader(strings.NewReader(validPackYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	results, err := s.SearchFacts(context.Background(), "what is the refund window for a purchase?", 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("SearchFacts: expected results, got none")
	}
	if results[0].Fact.ID != "refund-window" {
		t.Errorf("top result: expected refund-window, got %q", results[0].Fact.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Errorf("results not sorted by distance: %v before %v",
				results[i-1].Distance, results[i].Distance)
		}
	}
}

func TestSearchFacts_NoOverlap_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	s, err := static.LoadFromReader(strings.NewReader(validPackYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	results, err := s.SearchFacts(context.Background(), "zebra xylophone quux", 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("SearchFacts: expected no results, got %d", len(results))
	}
}

func TestSearchFacts_EmptyQuery_PackOrder(t *testing.T) {
	t.Parallel()

	s, err := static.LoadFromReader(strings.NewReader(validPackYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	results, err := s.SearchFacts(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("SearchFacts: expected 2 results, got %d", len(results))
	}
	if results[0].Fact.ID != "refund-window" || results[1].Fact.ID != "support-hours" {
		t.Errorf("expected pack order [refund-window support-hours], got [%s %s]",
			results[0].Fact.ID, results[1].Fact.ID)
	}
}

func TestSearchFacts_LimitApplied(t *testing.T) {
	t.Parallel()

	s, err := static.LoadFromReader(strings.NewReader(validPackYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	// All three facts mention at least one of these words.
	results, err := s.SearchFacts(context.Background(), "refunds support orders available", 1)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("SearchFacts: expected 1 result, got %d", len(results))
	}
}
