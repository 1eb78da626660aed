package memory

import (
	"context"
	"testing"
	"time"
)

func TestRecordMessagePipeline(t *testing.T) {
	cfg := newTestConfig(t)
	completer := &fakeCompleter{facts: []FactCandidate{
		{Type: "project", Content: "restoring an old bicycle", Confidence: 0.8},
	}}
	svc := newTestService(t, cfg, newFakeEmbedder(), completer)

	msg := testMessage("m1", "c1", "u1", "I spent the weekend restoring an old bicycle", time.Now().UTC())
	if err := svc.RecordMessage(context.Background(), msg); err != nil {
		t.Fatalf("RecordMessage error: %v", err)
	}

	// Stored.
	if _, ok, err := svc.Store().GetMessage("m1"); err != nil || !ok {
		t.Fatalf("message not stored: ok=%v err=%v", ok, err)
	}
	// Queued for embedding.
	st, err := svc.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.QueuePending != 1 {
		t.Errorf("QueuePending=%d, want 1", st.QueuePending)
	}
	// Facts extracted and consolidated.
	facts, err := svc.TopFacts("u1", 10)
	if err != nil {
		t.Fatalf("TopFacts error: %v", err)
	}
	if len(facts) != 1 || facts[0].SourceMessageID != "m1" {
		t.Errorf("facts = %+v", facts)
	}
}

func TestRecordMessageQuietSkipsExtraction(t *testing.T) {
	cfg := newTestConfig(t)
	completer := &fakeCompleter{facts: []FactCandidate{
		{Type: "other", Content: "should never be recorded", Confidence: 0.9},
	}}
	svc := newTestService(t, cfg, newFakeEmbedder(), completer)

	msg := testMessage("m1", "c1", "u1", "a long enough quiet message", time.Now().UTC())
	if err := svc.RecordMessageQuiet(msg); err != nil {
		t.Fatalf("RecordMessageQuiet error: %v", err)
	}

	completer.mu.Lock()
	calls := completer.extractCalls
	completer.mu.Unlock()
	if calls != 0 {
		t.Errorf("extractCalls=%d, want 0", calls)
	}

	st, err := svc.Stats()
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Messages != 1 || st.QueuePending != 1 || st.Facts != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestPriorityEnqueue(t *testing.T) {
	cfg := newTestConfig(t)
	svc := newTestService(t, cfg, newFakeEmbedder(), &fakeCompleter{})
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	if err := svc.PriorityEnqueue("missing"); err == nil {
		t.Fatal("expected error for unknown message id")
	}

	older := testMessage("m1", "c1", "u1", "older backlog message", base)
	refresh := testMessage("m2", "c1", "u1", "manually refreshed message", base.Add(time.Second))
	for _, msg := range []Message{older, refresh} {
		if err := svc.Store().AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}
	if err := svc.EnqueueForEmbedding(older); err != nil {
		t.Fatalf("EnqueueForEmbedding error: %v", err)
	}
	if err := svc.PriorityEnqueue("m2"); err != nil {
		t.Fatalf("PriorityEnqueue error: %v", err)
	}

	items, err := svc.QueueItems(10)
	if err != nil {
		t.Fatalf("QueueItems error: %v", err)
	}
	if len(items) != 2 || items[0].MessageID != "m2" || items[0].Priority <= items[1].Priority {
		t.Fatalf("refreshed message not ahead of backlog: %+v", items)
	}
}

func TestRecordThenProcessThenSearch(t *testing.T) {
	cfg := newTestConfig(t)
	embedder := newFakeEmbedder()
	embedder.set("we argued about tabs versus spaces", []float32{1, 0, 0, 0})
	embedder.set("tabs or spaces", []float32{1, 0, 0, 0})
	svc := newTestService(t, cfg, embedder, &fakeCompleter{})
	ctx := context.Background()

	msg := testMessage("m1", "c1", "u1", "we argued about tabs versus spaces", time.Now().UTC())
	if err := svc.RecordMessage(ctx, msg); err != nil {
		t.Fatalf("RecordMessage error: %v", err)
	}
	embedded, err := svc.ProcessQueue(ctx)
	if err != nil {
		t.Fatalf("ProcessQueue error: %v", err)
	}
	if embedded != 1 {
		t.Fatalf("embedded=%d, want 1", embedded)
	}

	result := svc.Search(ctx, "tabs or spaces", SearchOptions{ChannelID: "c1"})
	if result.Degraded {
		t.Fatal("unexpected degraded search")
	}
	if len(result.Matches) != 1 || result.Matches[0].Message.ID != "m1" {
		t.Fatalf("matches = %+v, want m1", result.Matches)
	}
}

func TestRedactedMessageStopsSurfacing(t *testing.T) {
	cfg := newTestConfig(t)
	embedder := newFakeEmbedder()
	embedder.set("secret plans for the party", []float32{1, 0, 0, 0})
	embedder.set("party plans", []float32{1, 0, 0, 0})
	svc := newTestService(t, cfg, embedder, &fakeCompleter{})
	ctx := context.Background()

	msg := testMessage("m1", "c1", "u1", "secret plans for the party", time.Now().UTC())
	if err := svc.RecordMessage(ctx, msg); err != nil {
		t.Fatalf("RecordMessage error: %v", err)
	}
	if _, err := svc.ProcessQueue(ctx); err != nil {
		t.Fatalf("ProcessQueue error: %v", err)
	}
	if err := svc.RedactMessage("m1"); err != nil {
		t.Fatalf("RedactMessage error: %v", err)
	}

	if result := svc.Search(ctx, "party plans", SearchOptions{ChannelID: "c1"}); len(result.Matches) != 0 {
		t.Errorf("redacted message surfaced in search: %+v", result.Matches)
	}
	recent, err := svc.Store().RecentMessages("c1", 10)
	if err != nil {
		t.Fatalf("RecentMessages error: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("redacted message surfaced in working memory: %v", ids(recent))
	}
}
