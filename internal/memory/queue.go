package memory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/driftwoodlabs/wren/internal/config"
)

// Queue guarantees every qualifying message eventually gets an embedding
// without blocking ingestion. Work is drained in batches by Process, which
// both the scheduler and the manual trigger invoke.
type Queue struct {
	store           *Store
	embedder        Embedder
	batchSize       int
	maxAttempts     int
	timeoutMs       int
	minContentRunes int
}

func NewQueue(store *Store, embedder Embedder, cfg *config.Config) *Queue {
	return &Queue{
		store:           store,
		embedder:        embedder,
		batchSize:       cfg.Memory.Embedding.BatchSize,
		maxAttempts:     cfg.Memory.Embedding.MaxAttempts,
		timeoutMs:       cfg.Memory.Embedding.TimeoutMs,
		minContentRunes: cfg.Memory.Facts.MinContentRunes,
	}
}

// Enqueue registers a message for embedding. Trivial content and opted-out
// authors are skipped; already-queued and already-embedded messages make
// this a no-op, so concurrent calls for the same message are safe.
func (q *Queue) Enqueue(msg Message) error {
	if utf8.RuneCountInString(strings.TrimSpace(msg.Content)) < q.minContentRunes {
		return nil
	}
	optedOut, err := q.store.IsOptedOut(msg.AuthorID)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	if optedOut {
		return nil
	}
	return q.store.enqueueItem(msg.ID, 0)
}

// EnqueueWithPriority is Enqueue for callers that need the item drained
// ahead of the backlog (manual refresh). It applies the same opt-out and
// trivial-content skips.
func (q *Queue) EnqueueWithPriority(msg Message, priority int) error {
	if utf8.RuneCountInString(strings.TrimSpace(msg.Content)) < q.minContentRunes {
		return nil
	}
	optedOut, err := q.store.IsOptedOut(msg.AuthorID)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	if optedOut {
		return nil
	}
	return q.store.enqueueItem(msg.ID, priority)
}

// Process drains up to one batch of live queue items. A failing item never
// aborts the rest of the batch; failures increment per-item attempts and
// items past the attempt cap go dead until explicitly requeued.
// Returns the number of messages embedded.
func (q *Queue) Process(ctx context.Context) (int, error) {
	items, err := q.store.queueBatch(q.batchSize)
	if err != nil {
		return 0, fmt.Errorf("process queue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.content
	}

	embedCtx, cancel := withTimeout(ctx, q.timeoutMs)
	vectors, batchErr := q.embedder.EmbedBatch(embedCtx, texts)
	cancel()

	embedded := 0
	if batchErr == nil && len(vectors) == len(items) {
		for i, item := range items {
			if err := q.store.completeEmbedding(item.messageID, vectors[i]); err != nil {
				log.Printf("[queue] persist embedding message=%s: %v", item.messageID, err)
				q.recordFailure(item.messageID, err)
				continue
			}
			embedded++
		}
		return embedded, nil
	}

	if batchErr != nil {
		log.Printf("[queue] batch embed failed, falling back to per-item: %v", batchErr)
	}

	// Per-item fallback isolates poisoned inputs from the rest of the batch.
	for _, item := range items {
		itemCtx, cancel := withTimeout(ctx, q.timeoutMs)
		vector, err := q.embedder.Embed(itemCtx, item.content)
		cancel()
		if err != nil {
			q.recordFailure(item.messageID, err)
			continue
		}
		if err := q.store.completeEmbedding(item.messageID, vector); err != nil {
			log.Printf("[queue] persist embedding message=%s: %v", item.messageID, err)
			q.recordFailure(item.messageID, err)
			continue
		}
		embedded++
	}
	return embedded, nil
}

func (q *Queue) recordFailure(messageID string, cause error) {
	if err := q.store.recordQueueFailure(messageID, cause.Error(), q.maxAttempts); err != nil {
		log.Printf("[queue] record failure message=%s: %v", messageID, err)
	}
}

// RequeueDead revives every dead item for another round of attempts.
func (q *Queue) RequeueDead() (int, error) {
	return q.store.requeueDead("")
}

// Requeue revives one dead item by message id.
func (q *Queue) Requeue(messageID string) (int, error) {
	return q.store.requeueDead(messageID)
}

type queueBatchItem struct {
	messageID string
	content   string
}

func (s *Store) enqueueItem(messageID string, priority int) error {
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("enqueue item: empty message id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// The NOT EXISTS guard plus INSERT OR IGNORE makes this idempotent even
	// when enqueue races the worker's delete-on-success.
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO embedding_queue (message_id, priority, created_at)
		SELECT ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM embeddings WHERE message_id = ?)
	`, messageID, priority, formatTime(time.Now().UTC()), messageID)
	if err != nil {
		return fmt.Errorf("enqueue item: %w", err)
	}
	return nil
}

func (s *Store) queueBatch(limit int) ([]queueBatchItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT q.message_id, m.content
		FROM embedding_queue q
		JOIN messages m ON m.id = q.message_id
		WHERE q.dead = 0
		ORDER BY q.priority DESC, q.created_at ASC, q.message_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue batch: %w", err)
	}
	defer rows.Close()

	items := make([]queueBatchItem, 0, limit)
	for rows.Next() {
		var item queueBatchItem
		if err := rows.Scan(&item.messageID, &item.content); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

// completeEmbedding writes the embedding record and removes the queue item
// in one transaction. A duplicate record is an invariant violation and is
// surfaced, not swallowed.
func (s *Store) completeEmbedding(messageID string, vector []float32) error {
	blob, err := EncodeVector(vector)
	if err != nil {
		return fmt.Errorf("complete embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("complete embedding: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO embeddings (message_id, vector, dim, created_at)
		VALUES (?, ?, ?, ?)
	`, messageID, blob, len(vector), formatTime(time.Now().UTC())); err != nil {
		return fmt.Errorf("complete embedding: insert record: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM embedding_queue WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("complete embedding: delete queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete embedding: commit: %w", err)
	}
	return nil
}

func (s *Store) recordQueueFailure(messageID, lastError string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE embedding_queue
		SET attempts = attempts + 1,
		    last_error = ?,
		    dead = CASE WHEN attempts + 1 >= ? THEN 1 ELSE 0 END
		WHERE message_id = ?
	`, truncateError(lastError), maxAttempts, messageID)
	if err != nil {
		return fmt.Errorf("record queue failure: %w", err)
	}
	return nil
}

func (s *Store) requeueDead(messageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE embedding_queue SET dead = 0, attempts = 0, last_error = '' WHERE dead = 1`
	args := []any{}
	if messageID != "" {
		query += ` AND message_id = ?`
		args = append(args, messageID)
	}
	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue dead: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue dead: rows affected: %w", err)
	}
	return int(n), nil
}

// QueueItems returns queue rows for inspection, dead items included.
func (s *Store) QueueItems(limit int) ([]QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT message_id, priority, attempts, last_error, dead, created_at
		FROM embedding_queue
		ORDER BY dead ASC, priority DESC, created_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue items: %w", err)
	}
	defer rows.Close()

	items := make([]QueueItem, 0)
	for rows.Next() {
		var item QueueItem
		var dead int
		var createdAt string
		if err := rows.Scan(&item.MessageID, &item.Priority, &item.Attempts, &item.LastError, &dead, &createdAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		item.Dead = dead == 1
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return items, nil
}

func truncateError(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func withTimeout(parent context.Context, timeoutMs int) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if timeoutMs <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, time.Duration(timeoutMs)*time.Millisecond)
}
