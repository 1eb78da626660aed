package memory

import (
	"context"
	"fmt"
	"log"

	"github.com/driftwoodlabs/wren/internal/config"
)

// Service is the memory engine facade: one store, one embedding queue and
// the retrieval components, wired from config. Channels and the CLI talk
// to this type only.
type Service struct {
	cfg          *config.Config
	store        *Store
	cache        *lookupCache
	queue        *Queue
	searcher     *Searcher
	consolidator *Consolidator
	summarizer   *Summarizer
	assembler    *Assembler
}

// NewService opens the sqlite store and wires the engine against the
// configured provider.
func NewService(cfg *config.Config) (*Service, error) {
	store, err := OpenStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("new memory service: %w", err)
	}
	svc, err := NewServiceWith(cfg, store, NewEmbedder(cfg), NewCompleter(cfg))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

// NewServiceWith wires the engine around an existing store and provider
// implementations. The caller keeps ownership of nothing; Close releases
// the store and caches.
func NewServiceWith(cfg *config.Config, store *Store, embedder Embedder, completer Completer) (*Service, error) {
	cache, err := newLookupCache()
	if err != nil {
		return nil, fmt.Errorf("new memory service: %w", err)
	}

	searcher := NewSearcher(store, embedder, cache, cfg)
	consolidator := NewConsolidator(store, completer, cfg)
	summarizer := NewSummarizer(store, completer, cache, cfg)

	return &Service{
		cfg:          cfg,
		store:        store,
		cache:        cache,
		queue:        NewQueue(store, embedder, cfg),
		searcher:     searcher,
		consolidator: consolidator,
		summarizer:   summarizer,
		assembler:    NewAssembler(store, searcher, consolidator, summarizer, completer, cfg),
	}, nil
}

func (s *Service) Close() error {
	s.cache.Close()
	return s.store.Close()
}

// RecordMessage is the ingestion path: append to the log, register for
// embedding and run fact extraction. Extraction failure never fails
// ingestion; the message is durable the moment the append returns.
func (s *Service) RecordMessage(ctx context.Context, msg Message) error {
	if err := s.store.AppendMessage(msg); err != nil {
		return err
	}
	if err := s.queue.Enqueue(msg); err != nil {
		log.Printf("[memory] enqueue message=%s: %v", msg.ID, err)
	}
	if err := s.consolidator.ExtractFromMessage(ctx, msg); err != nil {
		log.Printf("[memory] extract facts message=%s: %v", msg.ID, err)
	}
	return nil
}

// RecordMessageQuiet appends and enqueues without fact extraction; the
// ingest path uses it when the author's extraction budget is exhausted.
func (s *Service) RecordMessageQuiet(msg Message) error {
	if err := s.store.AppendMessage(msg); err != nil {
		return err
	}
	if err := s.queue.Enqueue(msg); err != nil {
		log.Printf("[memory] enqueue message=%s: %v", msg.ID, err)
	}
	return nil
}

// EnqueueForEmbedding registers an already-stored message for embedding.
func (s *Service) EnqueueForEmbedding(msg Message) error {
	return s.queue.Enqueue(msg)
}

// PriorityEnqueue registers a stored message for embedding ahead of the
// backlog; the manual refresh command uses it. Unknown ids are an error.
func (s *Service) PriorityEnqueue(messageID string) error {
	msg, ok, err := s.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("priority enqueue: %w", err)
	}
	if !ok {
		return fmt.Errorf("priority enqueue: message %s not found", messageID)
	}
	return s.queue.EnqueueWithPriority(msg, 10)
}

// ProcessQueue drains one embedding batch; the scheduler and the manual
// trigger both call this.
func (s *Service) ProcessQueue(ctx context.Context) (int, error) {
	return s.queue.Process(ctx)
}

// SweepSummaries runs one summarization pass over every lineage that
// crossed the threshold.
func (s *Service) SweepSummaries(ctx context.Context) (int, error) {
	return s.summarizer.Sweep(ctx)
}

// BuildContext assembles the memory bundle for one query.
func (s *Service) BuildContext(ctx context.Context, req ContextRequest) (*ContextBundle, error) {
	return s.assembler.BuildContext(ctx, req)
}

// Search runs a standalone semantic search.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) SearchResult {
	return s.searcher.Search(ctx, query, opts)
}

// RecordFactCandidates consolidates externally-extracted candidates.
func (s *Service) RecordFactCandidates(ctx context.Context, userID string, candidates []FactCandidate) error {
	return s.consolidator.RecordCandidates(ctx, userID, candidates)
}

// TopFacts returns the user's strongest consolidated facts.
func (s *Service) TopFacts(userID string, limit int) ([]Fact, error) {
	return s.consolidator.TopFacts(userID, limit)
}

// LatestSummary returns the freshest summary for the pair, nil when none.
func (s *Service) LatestSummary(channelID, userID string) (*Summary, error) {
	return s.summarizer.Latest(channelID, userID)
}

// RedactMessage marks a message redacted; it stops surfacing everywhere.
func (s *Service) RedactMessage(id string) error {
	return s.store.RedactMessage(id)
}

// SetOptOut flips a user's memory opt-out preference.
func (s *Service) SetOptOut(userID string, optedOut bool) error {
	return s.store.SetOptOut(userID, optedOut)
}

// RequeueDead revives dead queue items; empty id revives all.
func (s *Service) RequeueDead(messageID string) (int, error) {
	if messageID == "" {
		return s.queue.RequeueDead()
	}
	return s.queue.Requeue(messageID)
}

// QueueItems exposes queue rows for status reporting.
func (s *Service) QueueItems(limit int) ([]QueueItem, error) {
	return s.store.QueueItems(limit)
}

// Stats snapshots the store counters.
func (s *Service) Stats() (Stats, error) {
	return s.store.Stats()
}

// Store exposes the underlying store for components that share the
// database, such as the rate ledger.
func (s *Service) Store() *Store {
	return s.store
}

// QueueInterval returns how often the embedding sweep should run.
func (s *Service) QueueInterval() int {
	return s.cfg.Memory.Embedding.IntervalMin
}
