// Package retrieval assembles the conversation context injected upstream at
// session start: the caller's history from the relational store and the
// relevant slice of the facts pack, fetched concurrently.
//
// Use [FormatConversationContext] to render an assembled [Context] into the
// instruction block passed to the provider, and [Context.ReadyPayload] for
// the provider.ready message sent to the client.
package retrieval

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxmux/voxmux/internal/store"
	"github.com/voxmux/voxmux/pkg/facts"
)

// Context is the assembled pre-session context. All fields are optional;
// an anonymous caller with no facts store yields an empty value.
type Context struct {
	// PreviousSessions counts the caller's sessions already on record.
	PreviousSessions int

	// Summaries are the caller's most recent conversation summaries in
	// chronological order, oldest first.
	Summaries []store.Summary

	// Facts are the facts-pack statements most relevant to the session's
	// topic hint, most relevant first.
	Facts []facts.FactResult

	// AssemblyDuration records how long [Assembler.Assemble] took.
	AssemblyDuration time.Duration
}

// IsReturningUser reports whether the caller has any prior session.
func (c *Context) IsReturningUser() bool {
	return c != nil && c.PreviousSessions > 0
}

// ReadyPayload returns the provider.ready message fields. Safe on a nil
// receiver, which represents a failed or skipped assembly.
func (c *Context) ReadyPayload() map[string]any {
	payload := map[string]any{
		"isReturningUser":      false,
		"previousSessionCount": 0,
	}
	if c != nil {
		payload["isReturningUser"] = c.IsReturningUser()
		payload["previousSessionCount"] = c.PreviousSessions
	}
	return payload
}

// Assembler concurrently fetches caller history and facts and combines them
// into a [Context].
type Assembler struct {
	store        *store.Store
	facts        facts.Store // nil skips the facts fetch
	maxSummaries int
	maxFacts     int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithMaxSummaries caps how many prior conversation summaries are included.
// Defaults to 3.
func WithMaxSummaries(n int) Option {
	return func(a *Assembler) { a.maxSummaries = n }
}

// WithMaxFacts caps how many facts-pack statements are included. Defaults
// to 5.
func WithMaxFacts(n int) Option {
	return func(a *Assembler) { a.maxFacts = n }
}

// NewAssembler creates an [Assembler] with sensible defaults. fs may be nil
// for deployments without a facts pack.
func NewAssembler(st *store.Store, fs facts.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:        st,
		facts:        fs,
		maxSummaries: 3,
		maxFacts:     5,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble fetches the caller's session count, recent summaries and the
// relevant facts in parallel and returns the combined context. userID may
// be empty for anonymous callers, which skips the history fetches. Call it
// before the new session row is created so the count reflects previous
// sessions only.
//
// Any fetch error aborts assembly and is returned wrapped; callers that
// want a best-effort session start log the error and proceed with a nil
// context.
func (a *Assembler) Assemble(ctx context.Context, userID, topicHint string) (*Context, error) {
	start := time.Now()

	var (
		count     int
		summaries []store.Summary
		results   []facts.FactResult
	)

	eg, egCtx := errgroup.WithContext(ctx)

	if userID != "" {
		eg.Go(func() error {
			n, err := a.store.SessionCountForUser(egCtx, userID)
			if err != nil {
				return fmt.Errorf("retrieval: session count for %q: %w", userID, err)
			}
			count = n
			return nil
		})

		eg.Go(func() error {
			sums, err := a.store.RecentSummariesForUser(egCtx, userID, a.maxSummaries)
			if err != nil {
				return fmt.Errorf("retrieval: summaries for %q: %w", userID, err)
			}
			// Newest-first from the store; chronological reads better in a
			// prompt.
			slices.Reverse(sums)
			summaries = sums
			return nil
		})
	}

	if a.facts != nil {
		eg.Go(func() error {
			res, err := a.facts.SearchFacts(egCtx, topicHint, a.maxFacts)
			if err != nil {
				return fmt.Errorf("retrieval: search facts: %w", err)
			}
			results = res
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return &Context{
		PreviousSessions: count,
		Summaries:        summaries,
		Facts:            results,
		AssemblyDuration: time.Since(start),
	}, nil
}
