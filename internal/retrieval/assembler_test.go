package retrieval_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/voxmux/voxmux/internal/retrieval"
	"github.com/voxmux/voxmux/internal/store"
	"github.com/voxmux/voxmux/pkg/facts"
	factsmock "github.com/voxmux/voxmux/pkg/facts/mock"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Options{
		Path:    filepath.Join(t.TempDir(), "gateway.db"),
		WALMode: true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Prepare(ctx); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return s
}

// seedUser creates a user with prior sessions and summaries.
func seedUser(t *testing.T, st *store.Store, sessions int, summaries ...string) string {
	t.Helper()
	ctx := context.Background()
	user, err := st.UpsertUser(ctx, "fp-1", nil)
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	for i := range sessions {
		id := "prev-" + string(rune('a'+i))
		if err := st.CreateSession(ctx, id, user.ID, nil); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	for _, text := range summaries {
		err := st.InsertSummary(ctx, store.Summary{
			UserID:        user.ID,
			FromSessionID: "prev-a",
			Summary:       text,
			TurnCount:     4,
		})
		if err != nil {
			t.Fatalf("InsertSummary: %v", err)
		}
	}
	return user.ID
}

// ── Assembly ──

func TestAssemble_ReturningCaller(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	userID := seedUser(t, st, 2, "talked about billing", "asked about shipping")
	fs := &factsmock.Store{
		SearchFactsResult: []facts.FactResult{
			{Fact: facts.Fact{ID: "f1", Text: "Refunds take five business days.", Topic: "billing"}, Distance: 0.1},
		},
	}

	a := retrieval.NewAssembler(st, fs)
	c, err := a.Assemble(context.Background(), userID, "billing")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if c.PreviousSessions != 2 {
		t.Fatalf("expected 2 previous sessions, got %d", c.PreviousSessions)
	}
	if !c.IsReturningUser() {
		t.Fatal("expected a returning caller")
	}
	if len(c.Summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(c.Summaries))
	}
	// Chronological: the first inserted summary comes first.
	if c.Summaries[0].Summary != "talked about billing" {
		t.Fatalf("expected oldest summary first, got %q", c.Summaries[0].Summary)
	}
	if len(c.Facts) != 1 || c.Facts[0].Fact.ID != "f1" {
		t.Fatalf("expected fact f1, got %v", c.Facts)
	}

	if len(fs.SearchFactsCalls) != 1 {
		t.Fatalf("expected 1 facts search, got %d", len(fs.SearchFactsCalls))
	}
	call := fs.SearchFactsCalls[0]
	if call.Query != "billing" {
		t.Fatalf("expected query %q, got %q", "billing", call.Query)
	}
	if call.Limit != 5 {
		t.Fatalf("expected default fact limit 5, got %d", call.Limit)
	}

	payload := c.ReadyPayload()
	if payload["isReturningUser"] != true {
		t.Fatalf("expected returning payload, got %v", payload)
	}
	if payload["previousSessionCount"] != 2 {
		t.Fatalf("expected 2 previous sessions in payload, got %v", payload)
	}
}

func TestAssemble_AnonymousCaller(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fs := &factsmock.Store{}

	a := retrieval.NewAssembler(st, fs)
	c, err := a.Assemble(context.Background(), "", "weather")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if c.PreviousSessions != 0 || len(c.Summaries) != 0 {
		t.Fatalf("expected no history, got %d sessions and %d summaries",
			c.PreviousSessions, len(c.Summaries))
	}
	if c.IsReturningUser() {
		t.Fatal("expected a first-time caller")
	}
	// The facts pack still applies to anonymous callers.
	if len(fs.SearchFactsCalls) != 1 {
		t.Fatalf("expected 1 facts search, got %d", len(fs.SearchFactsCalls))
	}
}

func TestAssemble_WithoutFactsStore(t *testing.T) {
	t.Parallel()

	a := retrieval.NewAssembler(newTestStore(t), nil)
	c, err := a.Assemble(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(c.Facts) != 0 {
		t.Fatalf("expected no facts, got %d", len(c.Facts))
	}
}

func TestAssemble_SummaryCapKeepsNewest(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	userID := seedUser(t, st, 1, "first", "second", "third", "fourth")

	a := retrieval.NewAssembler(st, nil, retrieval.WithMaxSummaries(2))
	c, err := a.Assemble(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	if len(c.Summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(c.Summaries))
	}
	if c.Summaries[0].Summary != "third" || c.Summaries[1].Summary != "fourth" {
		t.Fatalf("expected the two newest in order, got %q then %q",
			c.Summaries[0].Summary, c.Summaries[1].Summary)
	}
}

func TestAssemble_FactsErrorAborts(t *testing.T) {
	t.Parallel()

	searchErr := errors.New("facts pack offline")
	fs := &factsmock.Store{SearchFactsErr: searchErr}

	a := retrieval.NewAssembler(newTestStore(t), fs)
	if _, err := a.Assemble(context.Background(), "", "billing"); !errors.Is(err, searchErr) {
		t.Fatalf("expected %v, got %v", searchErr, err)
	}
}

func TestContext_NilIsSafe(t *testing.T) {
	t.Parallel()

	var c *retrieval.Context
	if c.IsReturningUser() {
		t.Fatal("expected nil context to report a first-time caller")
	}
	payload := c.ReadyPayload()
	if payload["isReturningUser"] != false || payload["previousSessionCount"] != 0 {
		t.Fatalf("expected zero payload, got %v", payload)
	}
}
