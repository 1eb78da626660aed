package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/driftwoodlabs/wren/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "wren.db")
	cfg.Memory.Embedding.Dimension = 4
	return cfg
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "wren.db"))
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestService(t *testing.T, cfg *config.Config, embedder Embedder, completer Completer) *Service {
	t.Helper()
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		t.Fatalf("OpenStore error: %v", err)
	}
	svc, err := NewServiceWith(cfg, store, embedder, completer)
	if err != nil {
		t.Fatalf("NewServiceWith error: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testMessage(id, channelID, authorID, content string, at time.Time) Message {
	return Message{ID: id, ChannelID: channelID, AuthorID: authorID, Content: content, CreatedAt: at}
}

// fakeEmbedder returns deterministic vectors. Tests pin exact vectors per
// text when they need controlled similarity; everything else gets a
// hash-derived unit vector.
type fakeEmbedder struct {
	mu         sync.Mutex
	vectors    map[string][]float32
	failures   map[string]int
	batchErr   error
	embedCalls int
	batchCalls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:  make(map[string][]float32),
		failures: make(map[string]int),
	}
}

func (f *fakeEmbedder) set(text string, vector []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = vector
}

func (f *fakeEmbedder) failNext(text string, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[text] = times
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedCalls++
	return f.vectorFor(text)
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := f.vectorFor(text)
		if err != nil {
			return nil, err
		}
		out[i] = vector
	}
	return out, nil
}

func (f *fakeEmbedder) vectorFor(text string) ([]float32, error) {
	if remaining := f.failures[text]; remaining > 0 {
		f.failures[text] = remaining - 1
		return nil, fmt.Errorf("embedder unavailable for %q", text)
	}
	if vector, ok := f.vectors[text]; ok {
		return vector, nil
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	sum := h.Sum64()
	raw := []float64{
		float64(sum&0xffff) + 1,
		float64((sum>>16)&0xffff) + 1,
		float64((sum>>32)&0xffff) + 1,
		float64((sum>>48)&0xffff) + 1,
	}
	var norm float64
	for _, v := range raw {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vector := make([]float32, len(raw))
	for i, v := range raw {
		vector[i] = float32(v / norm)
	}
	return vector, nil
}

// fakeCompleter returns canned extraction and summary output.
type fakeCompleter struct {
	mu             sync.Mutex
	facts          []FactCandidate
	factsErr       error
	summary        string
	summaryErr     error
	compressed     string
	compressErr    error
	extractCalls   int
	summarizeCalls int
	compressCalls  int
}

func (f *fakeCompleter) ExtractFacts(context.Context, string) ([]FactCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extractCalls++
	if f.factsErr != nil {
		return nil, f.factsErr
	}
	out := make([]FactCandidate, len(f.facts))
	copy(out, f.facts)
	return out, nil
}

func (f *fakeCompleter) Summarize(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summarizeCalls++
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	if f.summary == "" {
		return "a summary", nil
	}
	return f.summary, nil
}

func (f *fakeCompleter) Compress(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressCalls++
	if f.compressErr != nil {
		return "", f.compressErr
	}
	if f.compressed == "" {
		return "compressed history", nil
	}
	return f.compressed, nil
}
