package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultCompletionModel    = "gpt-4o-mini"
	DefaultEmbeddingDimension = 1536
	DefaultEmbeddingBatchSize = 100
	DefaultEmbeddingTimeoutMs = 10000
	DefaultCompletionTimeout  = 30
	DefaultQueueIntervalMin   = 5
	DefaultQueueMaxAttempts   = 3

	DefaultSearchLimit      = 5
	DefaultSearchMaxAgeDays = 90
	DefaultSearchThreshold  = 0.7

	DefaultFactDedupThreshold = 0.8
	DefaultFactCap            = 10
	DefaultMinContentRunes    = 5

	DefaultSummaryThreshold = 30

	DefaultTokenBudget       = 4000
	DefaultWorkingMemorySize = 40
	DefaultVerbatimTail      = 8
	DefaultCompressTrigger   = 2000

	DefaultChannelConcurrency = 3
	DefaultPermitWaitSec      = 10
	DefaultPermitIdleSec      = 900
)

type Config struct {
	DBPath   string         `json:"dbPath,omitempty"`
	Provider ProviderConfig `json:"provider"`
	Memory   MemoryConfig   `json:"memory"`
	Governor GovernorConfig `json:"governor"`
	Channels ChannelsConfig `json:"channels"`
	AdminIDs []string       `json:"adminIds,omitempty"`
}

type ProviderConfig struct {
	APIKey          string `json:"apiKey"`
	BaseURL         string `json:"baseUrl,omitempty"`
	EmbeddingModel  string `json:"embeddingModel,omitempty"`
	CompletionModel string `json:"completionModel,omitempty"`
	TimeoutSec      int    `json:"timeoutSec,omitempty"`
}

type MemoryConfig struct {
	Embedding EmbeddingConfig `json:"embedding"`
	Search    SearchConfig    `json:"search"`
	Facts     FactsConfig     `json:"facts"`
	Summary   SummaryConfig   `json:"summary"`
	Assembler AssemblerConfig `json:"assembler"`
}

type EmbeddingConfig struct {
	Dimension   int `json:"dimension,omitempty"`
	BatchSize   int `json:"batchSize,omitempty"`
	TimeoutMs   int `json:"timeoutMs,omitempty"`
	IntervalMin int `json:"intervalMin,omitempty"`
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

type SearchConfig struct {
	Limit      int     `json:"limit,omitempty"`
	MaxAgeDays int     `json:"maxAgeDays,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
}

type FactsConfig struct {
	DedupThreshold  float64 `json:"dedupThreshold,omitempty"`
	Cap             int     `json:"cap,omitempty"`
	MinContentRunes int     `json:"minContentRunes,omitempty"`
}

type SummaryConfig struct {
	MessageThreshold int `json:"messageThreshold,omitempty"`
}

type AssemblerConfig struct {
	TokenBudget       int `json:"tokenBudget,omitempty"`
	WorkingMemorySize int `json:"workingMemorySize,omitempty"`
	VerbatimTail      int `json:"verbatimTail,omitempty"`
	CompressTrigger   int `json:"compressTrigger,omitempty"`
}

type GovernorConfig struct {
	ChannelConcurrency int                     `json:"channelConcurrency,omitempty"`
	PermitWaitSec      int                     `json:"permitWaitSec,omitempty"`
	PermitIdleSec      int                     `json:"permitIdleSec,omitempty"`
	Features           map[string]FeatureLimit `json:"features,omitempty"`
}

// FeatureLimit caps the summed amount a user may spend on one feature
// inside a sliding window.
type FeatureLimit struct {
	WindowSec int `json:"windowSec"`
	Cap       int `json:"cap"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DBPath: filepath.Join(home, ".wren", "wren.db"),
		Provider: ProviderConfig{
			EmbeddingModel:  DefaultEmbeddingModel,
			CompletionModel: DefaultCompletionModel,
			TimeoutSec:      DefaultCompletionTimeout,
		},
		Memory: MemoryConfig{
			Embedding: EmbeddingConfig{
				Dimension:   DefaultEmbeddingDimension,
				BatchSize:   DefaultEmbeddingBatchSize,
				TimeoutMs:   DefaultEmbeddingTimeoutMs,
				IntervalMin: DefaultQueueIntervalMin,
				MaxAttempts: DefaultQueueMaxAttempts,
			},
			Search: SearchConfig{
				Limit:      DefaultSearchLimit,
				MaxAgeDays: DefaultSearchMaxAgeDays,
				Threshold:  DefaultSearchThreshold,
			},
			Facts: FactsConfig{
				DedupThreshold:  DefaultFactDedupThreshold,
				Cap:             DefaultFactCap,
				MinContentRunes: DefaultMinContentRunes,
			},
			Summary: SummaryConfig{
				MessageThreshold: DefaultSummaryThreshold,
			},
			Assembler: AssemblerConfig{
				TokenBudget:       DefaultTokenBudget,
				WorkingMemorySize: DefaultWorkingMemorySize,
				VerbatimTail:      DefaultVerbatimTail,
				CompressTrigger:   DefaultCompressTrigger,
			},
		},
		Governor: GovernorConfig{
			ChannelConcurrency: DefaultChannelConcurrency,
			PermitWaitSec:      DefaultPermitWaitSec,
			PermitIdleSec:      DefaultPermitIdleSec,
			Features: map[string]FeatureLimit{
				"generate":   {WindowSec: 3600, Cap: 20000},
				"search":     {WindowSec: 60, Cap: 10},
				"fact-check": {WindowSec: 300, Cap: 5},
			},
		},
		Channels: ChannelsConfig{},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".wren")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("WREN_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("WREN_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("WREN_EMBEDDING_MODEL"); model != "" {
		cfg.Provider.EmbeddingModel = model
	}
	if model := os.Getenv("WREN_COMPLETION_MODEL"); model != "" {
		cfg.Provider.CompletionModel = model
	}
	if dbPath := os.Getenv("WREN_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}
	if token := os.Getenv("WREN_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if budget := os.Getenv("WREN_TOKEN_BUDGET"); budget != "" {
		if parsed, err := strconv.Atoi(budget); err == nil && parsed > 0 {
			cfg.Memory.Assembler.TokenBudget = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.Provider.EmbeddingModel == "" {
		cfg.Provider.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Provider.CompletionModel == "" {
		cfg.Provider.CompletionModel = DefaultCompletionModel
	}
	if cfg.Provider.TimeoutSec <= 0 {
		cfg.Provider.TimeoutSec = DefaultCompletionTimeout
	}

	emb := &cfg.Memory.Embedding
	if emb.Dimension <= 0 {
		emb.Dimension = DefaultEmbeddingDimension
	}
	if emb.BatchSize <= 0 {
		emb.BatchSize = DefaultEmbeddingBatchSize
	}
	if emb.TimeoutMs <= 0 {
		emb.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if emb.IntervalMin <= 0 {
		emb.IntervalMin = DefaultQueueIntervalMin
	}
	if emb.MaxAttempts <= 0 {
		emb.MaxAttempts = DefaultQueueMaxAttempts
	}

	search := &cfg.Memory.Search
	if search.Limit <= 0 {
		search.Limit = DefaultSearchLimit
	}
	if search.MaxAgeDays <= 0 {
		search.MaxAgeDays = DefaultSearchMaxAgeDays
	}
	if search.Threshold <= 0 {
		search.Threshold = DefaultSearchThreshold
	}

	facts := &cfg.Memory.Facts
	if facts.DedupThreshold <= 0 {
		facts.DedupThreshold = DefaultFactDedupThreshold
	}
	if facts.Cap <= 0 {
		facts.Cap = DefaultFactCap
	}
	if facts.MinContentRunes <= 0 {
		facts.MinContentRunes = DefaultMinContentRunes
	}

	if cfg.Memory.Summary.MessageThreshold <= 0 {
		cfg.Memory.Summary.MessageThreshold = DefaultSummaryThreshold
	}

	asm := &cfg.Memory.Assembler
	if asm.TokenBudget <= 0 {
		asm.TokenBudget = DefaultTokenBudget
	}
	if asm.WorkingMemorySize <= 0 {
		asm.WorkingMemorySize = DefaultWorkingMemorySize
	}
	if asm.VerbatimTail <= 0 {
		asm.VerbatimTail = DefaultVerbatimTail
	}
	if asm.CompressTrigger <= 0 {
		asm.CompressTrigger = DefaultCompressTrigger
	}

	gov := &cfg.Governor
	if gov.ChannelConcurrency <= 0 {
		gov.ChannelConcurrency = DefaultChannelConcurrency
	}
	if gov.PermitWaitSec <= 0 {
		gov.PermitWaitSec = DefaultPermitWaitSec
	}
	if gov.PermitIdleSec <= 0 {
		gov.PermitIdleSec = DefaultPermitIdleSec
	}
	if gov.Features == nil {
		gov.Features = def.Governor.Features
	}
}

// IsAdmin reports whether the given user bypasses all governance.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
