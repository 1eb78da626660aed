package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/driftwoodlabs/wren/internal/config"
)

const (
	extractPrompt = `You are a memory extraction engine. Extract durable facts about the author from the message.

Rules:
1. Extract only explicit facts, no speculation
2. Keep each fact concise and independent
3. type must be one of: preference/project/skill/issue/other
4. confidence must be in [0.0, 1.0]
5. Return an empty list when the message carries no durable fact

Return strict JSON object:
{"facts":[{"type":"preference","content":"...","confidence":0.8}]}

Message:
%s`

	summaryPrompt = `Summarize this conversation span into a short paragraph.
Keep names, decisions and open questions; drop pleasantries.
Return strict JSON object: {"summary":"..."}

Conversation:
%s`

	compressPrompt = `Compress this conversation history into a few short lines.
Preserve facts, decisions and anything a follow-up question could depend on.
Return strict JSON object: {"summary":"..."}

Conversation:
%s`
)

// Completer is the generative-model seam used by fact extraction,
// summarization and working-memory compression.
type Completer interface {
	ExtractFacts(ctx context.Context, message string) ([]FactCandidate, error)
	Summarize(ctx context.Context, conversation string) (string, error)
	Compress(ctx context.Context, conversation string) (string, error)
}

type openaiCompleter struct {
	client *openai.Client
	model  string
}

func NewCompleter(cfg *config.Config) Completer {
	clientCfg := openai.DefaultConfig(cfg.Provider.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.Provider.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.Provider.TimeoutSec) * time.Second,
	}

	return &openaiCompleter{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Provider.CompletionModel,
	}
}

func (c *openaiCompleter) ExtractFacts(ctx context.Context, message string) ([]FactCandidate, error) {
	content, err := c.complete(ctx, fmt.Sprintf(extractPrompt, message))
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}
	var out struct {
		Facts []FactCandidate `json:"facts"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("parse extraction result: %w", err)
	}
	return out.Facts, nil
}

func (c *openaiCompleter) Summarize(ctx context.Context, conversation string) (string, error) {
	return c.summaryCall(ctx, fmt.Sprintf(summaryPrompt, conversation))
}

func (c *openaiCompleter) Compress(ctx context.Context, conversation string) (string, error) {
	return c.summaryCall(ctx, fmt.Sprintf(compressPrompt, conversation))
}

func (c *openaiCompleter) summaryCall(ctx context.Context, prompt string) (string, error) {
	content, err := c.complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return "", fmt.Errorf("parse summary result: %w", err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("empty summary in response")
	}
	return out.Summary, nil
}

func (c *openaiCompleter) complete(ctx context.Context, prompt string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.model == "" {
		return "", fmt.Errorf("missing completion model")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0.3,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
