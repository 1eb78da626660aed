package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/driftwoodlabs/wren/internal/config"
)

// SearchOptions scope one semantic query. Zero values fall back to the
// configured defaults.
type SearchOptions struct {
	ChannelID  string
	UserID     string
	Limit      int
	MaxAgeDays int
	Threshold  float64
}

// SearchResult carries the matches plus a degraded flag set when the
// embedding provider was unavailable and the search returned empty instead
// of failing.
type SearchResult struct {
	Matches  []SearchMatch
	Degraded bool
}

// Searcher answers "which past messages are semantically close to this
// query" over the stored embedding records.
type Searcher struct {
	store     *Store
	embedder  Embedder
	cache     *lookupCache
	defaults  config.SearchConfig
	timeoutMs int
}

func NewSearcher(store *Store, embedder Embedder, cache *lookupCache, cfg *config.Config) *Searcher {
	return &Searcher{
		store:     store,
		embedder:  embedder,
		cache:     cache,
		defaults:  cfg.Memory.Search,
		timeoutMs: cfg.Memory.Embedding.TimeoutMs,
	}
}

// Search embeds the query and ranks stored vectors by cosine similarity.
// Results below the threshold are discarded; ties are broken by newer
// message first, then id, so an unchanged index yields a stable ordering.
// Embedding failure degrades to an empty result instead of an error.
func (s *Searcher) Search(ctx context.Context, query string, opts SearchOptions) SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchResult{}
	}
	if opts.Limit <= 0 {
		opts.Limit = s.defaults.Limit
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = s.defaults.MaxAgeDays
	}
	if opts.Threshold <= 0 {
		opts.Threshold = s.defaults.Threshold
	}

	queryVector, ok := s.cache.getQueryVector(query)
	if !ok {
		embedCtx, cancel := withTimeout(ctx, s.timeoutMs)
		vector, err := s.embedder.Embed(embedCtx, query)
		cancel()
		if err != nil {
			log.Printf("[search] embed query failed, degrading to empty: %v", err)
			return SearchResult{Degraded: true}
		}
		queryVector = vector
		s.cache.setQueryVector(query, vector)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.MaxAgeDays)
	rows, err := s.store.embeddedMessages(opts.ChannelID, opts.UserID, cutoff)
	if err != nil {
		log.Printf("[search] load vectors failed, degrading to empty: %v", err)
		return SearchResult{Degraded: true}
	}

	matches := make([]SearchMatch, 0, len(rows))
	for _, row := range rows {
		vector, err := DecodeVector(row.vector)
		if err != nil {
			log.Printf("[search] decode vector message=%s: %v", row.message.ID, err)
			continue
		}
		score, err := CosineSimilarity(queryVector, vector)
		if err != nil {
			continue
		}
		if score < opts.Threshold {
			continue
		}
		matches = append(matches, SearchMatch{Message: row.message, Similarity: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity == matches[j].Similarity {
			ti := matches[i].Message.CreatedAt
			tj := matches[j].Message.CreatedAt
			if ti.Equal(tj) {
				return matches[i].Message.ID > matches[j].Message.ID
			}
			return ti.After(tj)
		}
		return matches[i].Similarity > matches[j].Similarity
	})

	if len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}
	return SearchResult{Matches: matches}
}

type embeddedMessage struct {
	message Message
	vector  []byte
}

func (s *Store) embeddedMessages(channelID, userID string, cutoff time.Time) ([]embeddedMessage, error) {
	query := `
		SELECT m.id, m.channel_id, m.author_id, m.content, m.created_at, m.redacted, e.vector
		FROM embeddings e
		JOIN messages m ON m.id = e.message_id
		LEFT JOIN user_prefs p ON p.user_id = m.author_id
		WHERE m.redacted = 0
		  AND COALESCE(p.opted_out, 0) = 0
		  AND m.created_at >= ?
	`
	args := []any{formatTime(cutoff)}
	if channelID != "" {
		query += ` AND m.channel_id = ?`
		args = append(args, channelID)
	}
	if userID != "" {
		query += ` AND m.author_id = ?`
		args = append(args, userID)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("embedded messages: %w", err)
	}
	defer rows.Close()

	result := make([]embeddedMessage, 0)
	for rows.Next() {
		var m Message
		var createdAt string
		var redacted int
		var vector []byte
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &createdAt, &redacted, &vector); err != nil {
			return nil, fmt.Errorf("scan embedded message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		m.Redacted = redacted == 1
		result = append(result, embeddedMessage{message: m, vector: vector})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embedded messages: %w", err)
	}
	return result, nil
}

// EmbeddingFor returns the stored record for one message.
func (s *Store) EmbeddingFor(messageID string) (EmbeddingRecord, bool, error) {
	var rec EmbeddingRecord
	var blob []byte
	var createdAt string
	err := s.db.QueryRow(`
		SELECT message_id, vector, dim, model, created_at FROM embeddings WHERE message_id = ?
	`, messageID).Scan(&rec.MessageID, &blob, &rec.Dim, &rec.Model, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return EmbeddingRecord{}, false, nil
		}
		return EmbeddingRecord{}, false, fmt.Errorf("embedding for: %w", err)
	}
	vector, err := DecodeVector(blob)
	if err != nil {
		return EmbeddingRecord{}, false, fmt.Errorf("embedding for: %w", err)
	}
	rec.Vector = vector
	rec.CreatedAt = parseTime(createdAt)
	return rec, true, nil
}
