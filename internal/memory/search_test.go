package memory

import (
	"context"
	"testing"
	"time"
)

func newTestSearcher(t *testing.T) (*Searcher, *Store, *fakeEmbedder) {
	t.Helper()
	cfg := newTestConfig(t)
	store := newTestStore(t)
	embedder := newFakeEmbedder()
	cache, err := newLookupCache()
	if err != nil {
		t.Fatalf("newLookupCache error: %v", err)
	}
	t.Cleanup(cache.Close)
	return NewSearcher(store, embedder, cache, cfg), store, embedder
}

func storeEmbedded(t *testing.T, store *Store, msg Message, vector []float32) {
	t.Helper()
	mustAppend(t, store, msg)
	if err := store.completeEmbedding(msg.ID, vector); err != nil {
		t.Fatalf("completeEmbedding error: %v", err)
	}
}

func TestSearchRanksAndFiltersByThreshold(t *testing.T) {
	searcher, store, embedder := newTestSearcher(t)
	now := time.Now().UTC()
	embedder.set("what did we decide", []float32{1, 0, 0, 0})

	// Similarities: m1=1.0, m2=0.707, m3=0.0 (below the 0.7 default).
	storeEmbedded(t, store, testMessage("m1", "c1", "u1", "exact topic match", now.Add(-3*time.Minute)), []float32{1, 0, 0, 0})
	storeEmbedded(t, store, testMessage("m2", "c1", "u1", "related topic match", now.Add(-2*time.Minute)), []float32{1, 1, 0, 0})
	storeEmbedded(t, store, testMessage("m3", "c1", "u1", "unrelated chatter", now.Add(-time.Minute)), []float32{0, 1, 0, 0})

	result := searcher.Search(context.Background(), "what did we decide", SearchOptions{ChannelID: "c1"})
	if result.Degraded {
		t.Fatal("unexpected degraded result")
	}
	if len(result.Matches) != 2 {
		t.Fatalf("matches=%d, want 2", len(result.Matches))
	}
	if result.Matches[0].Message.ID != "m1" || result.Matches[1].Message.ID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", result.Matches[0].Message.ID, result.Matches[1].Message.ID)
	}
	if result.Matches[0].Similarity < result.Matches[1].Similarity {
		t.Error("matches not sorted by similarity")
	}
}

func TestSearchTiesBreakNewerFirst(t *testing.T) {
	searcher, store, embedder := newTestSearcher(t)
	now := time.Now().UTC()
	embedder.set("tied query", []float32{1, 0, 0, 0})

	storeEmbedded(t, store, testMessage("m1", "c1", "u1", "older identical point", now.Add(-10*time.Minute)), []float32{1, 0, 0, 0})
	storeEmbedded(t, store, testMessage("m2", "c1", "u1", "newer identical point", now.Add(-time.Minute)), []float32{1, 0, 0, 0})

	result := searcher.Search(context.Background(), "tied query", SearchOptions{ChannelID: "c1"})
	if len(result.Matches) != 2 {
		t.Fatalf("matches=%d, want 2", len(result.Matches))
	}
	if result.Matches[0].Message.ID != "m2" {
		t.Errorf("tied order starts with %s, want newer message first", result.Matches[0].Message.ID)
	}
}

func TestSearchRespectsLimitAndMaxAge(t *testing.T) {
	searcher, store, embedder := newTestSearcher(t)
	now := time.Now().UTC()
	embedder.set("the query", []float32{1, 0, 0, 0})

	storeEmbedded(t, store, testMessage("m1", "c1", "u1", "recent relevant one", now.Add(-2*time.Minute)), []float32{1, 0, 0, 0})
	storeEmbedded(t, store, testMessage("m2", "c1", "u1", "recent relevant two", now.Add(-time.Minute)), []float32{1, 0, 0, 0})
	// Relevant but far past the age window.
	storeEmbedded(t, store, testMessage("m3", "c1", "u1", "ancient relevant", now.AddDate(0, 0, -120)), []float32{1, 0, 0, 0})

	result := searcher.Search(context.Background(), "the query", SearchOptions{ChannelID: "c1", Limit: 1})
	if len(result.Matches) != 1 {
		t.Fatalf("matches=%d, want 1 with limit", len(result.Matches))
	}

	result = searcher.Search(context.Background(), "the query", SearchOptions{ChannelID: "c1"})
	for _, m := range result.Matches {
		if m.Message.ID == "m3" {
			t.Error("message outside the age window surfaced")
		}
	}
}

func TestSearchExcludesRedactedAndOptedOut(t *testing.T) {
	searcher, store, embedder := newTestSearcher(t)
	now := time.Now().UTC()
	embedder.set("sensitive query", []float32{1, 0, 0, 0})

	storeEmbedded(t, store, testMessage("m1", "c1", "u1", "kept message", now.Add(-3*time.Minute)), []float32{1, 0, 0, 0})
	storeEmbedded(t, store, testMessage("m2", "c1", "u1", "redacted message", now.Add(-2*time.Minute)), []float32{1, 0, 0, 0})
	storeEmbedded(t, store, testMessage("m3", "c1", "u2", "opted out author", now.Add(-time.Minute)), []float32{1, 0, 0, 0})

	if err := store.RedactMessage("m2"); err != nil {
		t.Fatalf("RedactMessage error: %v", err)
	}
	if err := store.SetOptOut("u2", true); err != nil {
		t.Fatalf("SetOptOut error: %v", err)
	}

	result := searcher.Search(context.Background(), "sensitive query", SearchOptions{ChannelID: "c1"})
	if len(result.Matches) != 1 || result.Matches[0].Message.ID != "m1" {
		t.Fatalf("unexpected matches: %+v", result.Matches)
	}
}

func TestSearchDegradesOnEmbedFailure(t *testing.T) {
	searcher, store, embedder := newTestSearcher(t)
	now := time.Now().UTC()
	storeEmbedded(t, store, testMessage("m1", "c1", "u1", "some stored message", now), []float32{1, 0, 0, 0})

	embedder.failNext("failing query", 10)
	result := searcher.Search(context.Background(), "failing query", SearchOptions{ChannelID: "c1"})
	if !result.Degraded {
		t.Error("expected degraded result on embed failure")
	}
	if len(result.Matches) != 0 {
		t.Errorf("matches=%d, want 0 on degraded search", len(result.Matches))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	searcher, _, _ := newTestSearcher(t)
	result := searcher.Search(context.Background(), "   ", SearchOptions{ChannelID: "c1"})
	if result.Degraded || len(result.Matches) != 0 {
		t.Errorf("empty query result: %+v", result)
	}
}
