package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/voxmux/voxmux/pkg/facts"
)

// claimSimilarityFloor is the minimum Jaro-Winkler score for an approved
// claim to be substituted into a rewrite. Below it, the hedge text is used.
const claimSimilarityFloor = 0.75

// claimHedgeText replaces a disallowed claim when no approved claim is
// close enough to stand in for it.
const claimHedgeText = "Let me double-check that before I state it as fact."

// Checker validates assistant utterances against the facts pack: a
// disallow pattern list that triggers rewrites, and an approved-claims
// registry used to pick the replacement text. The registry is loaded once
// at construction; share one Checker across sessions. Read-only after
// construction, safe for concurrent use.
type Checker struct {
	approved      []string
	approvedLower []string
	disallow      []*regexp.Regexp
}

// NewChecker loads the claims registry from store. Disallow patterns that
// fail to compile are skipped with a warning.
func NewChecker(ctx context.Context, store facts.Store) (*Checker, error) {
	claims, err := store.ApprovedClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: load approved claims: %w", err)
	}
	patterns, err := store.DisallowedPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: load disallowed patterns: %w", err)
	}

	c := &Checker{
		approved:      claims,
		approvedLower: make([]string, len(claims)),
	}
	for i, claim := range claims {
		c.approvedLower[i] = strings.ToLower(strings.TrimSpace(claim))
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("skipping malformed disallow pattern", "pattern", p, "error", err)
			continue
		}
		c.disallow = append(c.disallow, re)
	}
	slog.Debug("claims registry loaded",
		"approved", len(c.approved),
		"disallow_patterns", len(c.disallow))
	return c, nil
}

// ClosestApproved returns the approved claim most similar to text and its
// Jaro-Winkler score, 0 when the registry is empty. Comparison is
// case-insensitive.
func (c *Checker) ClosestApproved(text string) (string, float64) {
	lower := strings.ToLower(strings.TrimSpace(text))
	var best string
	var bestScore float64
	for i, claim := range c.approved {
		if s := matchr.JaroWinkler(lower, c.approvedLower[i], false); s > bestScore {
			best, bestScore = claim, s
		}
	}
	return best, bestScore
}

// check evaluates one assistant utterance. A disallow match yields a
// rewrite whose text is the closest approved claim when one is similar
// enough, the hedge otherwise. Severity rises to 3 when more than one
// pattern matches.
func (c *Checker) check(text string) checkResult {
	matched := 0
	for _, re := range c.disallow {
		if re.MatchString(text) {
			matched++
		}
	}
	if matched == 0 {
		return checkResult{check: checkClaims, decision: DecisionAllow}
	}

	severity := 2
	if matched > 1 {
		severity = 3
	}
	rewrite := claimHedgeText
	if best, score := c.ClosestApproved(text); score >= claimSimilarityFloor {
		rewrite = best
	}
	return checkResult{
		check:       checkClaims,
		decision:    DecisionRewrite,
		severity:    severity,
		reasons:     []string{ReasonClaimsDisallowed},
		safeRewrite: rewrite,
	}
}
