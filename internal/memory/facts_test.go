package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestConsolidator(t *testing.T) (*Consolidator, *Store, *fakeCompleter) {
	t.Helper()
	store := newTestStore(t)
	completer := &fakeCompleter{}
	return NewConsolidator(store, completer, newTestConfig(t)), store, completer
}

func TestNormalizeFactText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Likes Go!", "likes go"},
		{"  PREFERS   dark-mode  ", "prefers dark mode"},
		{"works at ACME, Inc.", "works at acme inc"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeFactText(tc.in); got != tc.want {
			t.Errorf("NormalizeFactText(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokenJaccard(t *testing.T) {
	if got := tokenJaccard("likes go", "likes go"); got != 1 {
		t.Errorf("identical jaccard=%v, want 1", got)
	}
	if got := tokenJaccard("likes go", "hates rust"); got != 0 {
		t.Errorf("disjoint jaccard=%v, want 0", got)
	}
	// 4 shared tokens of 5 total.
	if got := tokenJaccard("prefers dark mode themes always", "prefers dark mode themes"); got != 0.8 {
		t.Errorf("overlap jaccard=%v, want 0.8", got)
	}
	if got := tokenJaccard("", "likes go"); got != 0 {
		t.Errorf("empty jaccard=%v, want 0", got)
	}
}

func TestRecordCandidatesInsertsAndMerges(t *testing.T) {
	consolidator, _, _ := newTestConsolidator(t)
	ctx := context.Background()

	err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "likes Go", Confidence: 0.6},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}

	// Same fact with different casing and punctuation merges.
	err = consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "Likes Go!", Confidence: 0.9},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}

	facts, err := consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts=%d, want 1", len(facts))
	}
	if facts[0].MentionCount != 2 {
		t.Errorf("MentionCount=%d, want 2", facts[0].MentionCount)
	}
	if facts[0].Confidence != 0.9 {
		t.Errorf("Confidence=%v, want 0.9 (max of both)", facts[0].Confidence)
	}

	// A lower-confidence repeat bumps the count but never lowers confidence.
	err = consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "likes go", Confidence: 0.2},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}
	facts, err = consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if facts[0].MentionCount != 3 || facts[0].Confidence != 0.9 {
		t.Errorf("after low-confidence repeat: count=%d confidence=%v, want 3/0.9",
			facts[0].MentionCount, facts[0].Confidence)
	}
}

func TestRecordCandidatesNearDuplicateMerge(t *testing.T) {
	consolidator, _, _ := newTestConsolidator(t)
	ctx := context.Background()

	err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "prefers dark mode themes always", Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}
	// Token overlap hits the dedup threshold exactly.
	err = consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "prefers dark mode themes", Confidence: 0.7},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}

	facts, err := consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts=%d, want 1 after near-duplicate merge", len(facts))
	}
	if facts[0].MentionCount != 2 || facts[0].Confidence != 0.7 {
		t.Errorf("merged fact: %+v", facts[0])
	}
}

func TestRecordCandidatesDistinctFactsStaySeparate(t *testing.T) {
	consolidator, _, _ := newTestConsolidator(t)
	ctx := context.Background()

	err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "preference", Content: "likes Go", Confidence: 0.6},
		{Type: "skill", Content: "fluent in sqlite query planning", Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}

	facts, err := consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts=%d, want 2", len(facts))
	}
}

func TestRecordCandidatesConcurrentSameFact(t *testing.T) {
	consolidator, _, _ := newTestConsolidator(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
				{Type: "project", Content: "building a birdhouse", Confidence: 0.5},
			})
			if err != nil {
				t.Errorf("RecordCandidates error: %v", err)
			}
		}()
	}
	wg.Wait()

	facts, err := consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts=%d, want 1 after concurrent writes", len(facts))
	}
	if facts[0].MentionCount != writers {
		t.Errorf("MentionCount=%d, want %d", facts[0].MentionCount, writers)
	}
}

func TestTopFactsOrdering(t *testing.T) {
	consolidator, _, _ := newTestConsolidator(t)
	ctx := context.Background()

	// weak: 0.3 x 1, strong: 0.9 x 1, repeated: 0.4 x 3.
	if err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
		{Type: "other", Content: "weak singleton fact", Confidence: 0.3},
		{Type: "other", Content: "strong singleton fact", Confidence: 0.9},
	}); err != nil {
		t.Fatalf("RecordCandidates error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := consolidator.RecordCandidates(ctx, "u1", []FactCandidate{
			{Type: "other", Content: "often repeated claim", Confidence: 0.4},
		}); err != nil {
			t.Fatalf("RecordCandidates error: %v", err)
		}
	}

	facts, err := consolidator.TopFacts("u1", 2)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("facts=%d, want 2 (cap respected)", len(facts))
	}
	// 0.4x3=1.2 outranks 0.9x1 outranks 0.3x1.
	if facts[0].Content != "often repeated claim" {
		t.Errorf("facts[0]=%q, want repeated claim first", facts[0].Content)
	}
	if facts[1].Content != "strong singleton fact" {
		t.Errorf("facts[1]=%q, want strong singleton second", facts[1].Content)
	}
}

func TestExtractFromMessageSkipsNonQualifying(t *testing.T) {
	consolidator, store, completer := newTestConsolidator(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cases := []struct {
		name string
		msg  Message
	}{
		{"too short", testMessage("m1", "c1", "u1", "hey", now)},
		{"slash command", testMessage("m2", "c1", "u1", "/status please now", now)},
		{"bang command", testMessage("m3", "c1", "u1", "!roll the dice", now)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := consolidator.ExtractFromMessage(ctx, tc.msg); err != nil {
				t.Fatalf("ExtractFromMessage error: %v", err)
			}
		})
	}

	if err := store.SetOptOut("u2", true); err != nil {
		t.Fatalf("SetOptOut error: %v", err)
	}
	optedOut := testMessage("m4", "c1", "u2", "long enough message from an opted-out user", now)
	if err := consolidator.ExtractFromMessage(ctx, optedOut); err != nil {
		t.Fatalf("ExtractFromMessage error: %v", err)
	}

	completer.mu.Lock()
	calls := completer.extractCalls
	completer.mu.Unlock()
	if calls != 0 {
		t.Errorf("extractCalls=%d, want 0 for non-qualifying messages", calls)
	}
}

func TestExtractFromMessageRecordsFacts(t *testing.T) {
	consolidator, _, completer := newTestConsolidator(t)
	completer.facts = []FactCandidate{
		{Type: "preference", Content: "enjoys long walks", Confidence: 0.7},
	}

	msg := testMessage("m1", "c1", "u1", "I really enjoy long walks in the evening", time.Now().UTC())
	if err := consolidator.ExtractFromMessage(context.Background(), msg); err != nil {
		t.Fatalf("ExtractFromMessage error: %v", err)
	}

	facts, err := consolidator.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts=%d, want 1", len(facts))
	}
	if facts[0].SourceMessageID != "m1" {
		t.Errorf("SourceMessageID=%q, want m1", facts[0].SourceMessageID)
	}
}
