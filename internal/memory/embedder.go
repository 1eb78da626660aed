package memory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driftwoodlabs/wren/internal/config"
)

// Embedder turns text into fixed-dimension vectors. Implementations may
// time out; callers treat failures as retryable or degrade.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type openaiEmbedder struct {
	client      *openai.Client
	model       string
	expectedDim int
	batchSize   int
}

// NewEmbedder builds the OpenAI-compatible embedding client from config.
// The base URL is overridable so any compatible endpoint works.
func NewEmbedder(cfg *config.Config) Embedder {
	clientCfg := openai.DefaultConfig(cfg.Provider.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.Memory.Embedding.TimeoutMs) * time.Millisecond,
	}

	return &openaiEmbedder{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Provider.EmbeddingModel,
		expectedDim: cfg.Memory.Embedding.Dimension,
		batchSize:   cfg.Memory.Embedding.BatchSize,
	}
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vectors, err := e.request(ctx, []string{trimmed})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	if e.batchSize <= 0 || len(normalized) <= e.batchSize {
		vectors, err := e.request(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		return vectors, nil
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += e.batchSize {
		end := start + e.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk, err := e.request(ctx, normalized[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (e *openaiEmbedder) request(ctx context.Context, input []string) ([][]float32, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: input,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(input) {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(resp.Data), len(input))
	}

	vectors := make([][]float32, len(input))
	seen := make([]bool, len(input))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(input) {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if e.expectedDim > 0 && len(item.Embedding) != e.expectedDim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), e.expectedDim)
		}
		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
		seen[item.Index] = true
	}
	for idx, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing embedding index %d", idx)
		}
	}
	return vectors, nil
}
