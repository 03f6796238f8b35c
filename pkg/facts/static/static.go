// Package static provides a facts pack loaded from a single YAML file, for
// deployments that run without a central database.
//
// The file layout:
//
//	approved_claims:
//	  - "Refunds are available within 30 days of purchase."
//	disallowed_patterns:
//	  - "(?i)lifetime guarantee"
//	facts:
//	  - id: refund-window
//	    topic: billing
//	    text: "Refunds are available within 30 days of purchase."
package static

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/voxmux/voxmux/pkg/facts"
)

// Compile-time interface check.
var _ facts.Store = (*Store)(nil)

// defaultSearchLimit caps SearchFacts when the caller passes limit <= 0.
const defaultSearchLimit = 8

// packFile is the top-level structure of a facts-pack YAML file.
type packFile struct {
	ApprovedClaims     []string   `yaml:"approved_claims"`
	DisallowedPatterns []string   `yaml:"disallowed_patterns"`
	Facts              []packFact `yaml:"facts"`
}

type packFact struct {
	ID    string `yaml:"id"`
	Topic string `yaml:"topic"`
	Text  string `yaml:"text"`
}

// Store serves a facts pack parsed once at load time. The pack is immutable
// after loading, so all methods are safe for concurrent use.
type Store struct {
	claims   []string
	patterns []string
	facts    []facts.Fact
}

// Load reads and parses a facts-pack YAML file from disk.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("static facts: open pack %q: %w", path, err)
	}
	defer f.Close()

	s, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("static facts: parse pack %q: %w", path, err)
	}
	return s, nil
}

// LoadFromReader parses a facts pack from r. The reader is consumed entirely;
// the caller is responsible for closing it.
//
// Fact ids must be unique and non-empty, and every disallow pattern must be a
// valid regular expression. A malformed pack is rejected as a whole.
func LoadFromReader(r io.Reader) (*Store, error) {
	var pf packFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("static facts: decode yaml: %w", err)
	}

	seen := make(map[string]bool, len(pf.Facts))
	packed := make([]facts.Fact, 0, len(pf.Facts))
	for i, f := range pf.Facts {
		if f.ID == "" {
			return nil, fmt.Errorf("static facts: fact %d has empty id", i)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("static facts: duplicate fact id %q", f.ID)
		}
		seen[f.ID] = true
		packed = append(packed, facts.Fact{ID: f.ID, Topic: f.Topic, Text: f.Text})
	}

	for _, p := range pf.DisallowedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("static facts: disallowed pattern %q: %w", p, err)
		}
	}

	return &Store{
		claims:   pf.ApprovedClaims,
		patterns: pf.DisallowedPatterns,
		facts:    packed,
	}, nil
}

// ApprovedClaims implements [facts.Store].
func (s *Store) ApprovedClaims(ctx context.Context) ([]string, error) {
	return append([]string{}, s.claims...), nil
}

// DisallowedPatterns implements [facts.Store].
func (s *Store) DisallowedPatterns(ctx context.Context) ([]string, error) {
	return append([]string{}, s.patterns...), nil
}

// SearchFacts implements [facts.Store]. Without a vector index the static
// store ranks by word overlap: distance is 1 - matched/total query words,
// where a query word matches if it occurs as a substring of the fact's text
// or topic. Facts sharing no word with the query are omitted. An empty query
// returns facts in pack order.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]facts.FactResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	words := queryWords(query)
	if len(words) == 0 {
		n := min(limit, len(s.facts))
		out := make([]facts.FactResult, 0, n)
		for _, f := range s.facts[:n] {
			out = append(out, facts.FactResult{Fact: f})
		}
		return out, nil
	}

	results := make([]facts.FactResult, 0, len(s.facts))
	for _, f := range s.facts {
		text := strings.ToLower(f.Text + " " + f.Topic)
		matched := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		results = append(results, facts.FactResult{
			Fact:     f,
			Distance: 1 - float64(matched)/float64(len(words)),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Distance < results[j].Distance
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close implements [facts.Store]. The static store holds no resources.
func (s *Store) Close() error { return nil }

// queryWords lowercases text and splits it into unique words, dropping
// anything shorter than three characters so filler words carry no weight.
func queryWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	words := make([]string, 0, len(fields))
	for _, w := range fields {
		if len(w) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		words = append(words, w)
	}
	return words
}
