package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/driftwoodlabs/wren/internal/config"
)

// Summarizer rolls closed conversation spans into stored summaries, one
// lineage per (channel, user) pair. The empty user id is the channel-wide
// lineage. Spans never overlap: each sweep starts strictly after the
// previous summary's end timestamp.
type Summarizer struct {
	store     *Store
	completer Completer
	cache     *lookupCache
	threshold int
}

func NewSummarizer(store *Store, completer Completer, cache *lookupCache, cfg *config.Config) *Summarizer {
	return &Summarizer{
		store:     store,
		completer: completer,
		cache:     cache,
		threshold: cfg.Memory.Summary.MessageThreshold,
	}
}

// Sweep finds every (channel, user) lineage that accumulated at least the
// threshold of new messages since its last summary and summarizes the span.
// One failing lineage never blocks the rest. Returns the number of
// summaries written.
func (s *Summarizer) Sweep(ctx context.Context) (int, error) {
	pairs, err := s.store.summaryCandidates(s.threshold)
	if err != nil {
		return 0, fmt.Errorf("summary sweep: %w", err)
	}

	written := 0
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := s.summarizeLineage(ctx, pair.channelID, pair.userID); err != nil {
			log.Printf("[summary] lineage channel=%s user=%q: %v", pair.channelID, pair.userID, err)
			continue
		}
		written++
	}
	return written, nil
}

func (s *Summarizer) summarizeLineage(ctx context.Context, channelID, userID string) error {
	lastEnd, err := s.store.lastSummaryEnd(channelID, userID)
	if err != nil {
		return err
	}

	msgs, err := s.store.MessagesBetween(channelID, userID, lastEnd, time.Now().UTC())
	if err != nil {
		return err
	}
	if len(msgs) < s.threshold {
		return nil
	}

	content, err := s.completer.Summarize(ctx, renderTranscript(msgs))
	if err != nil {
		return fmt.Errorf("summarize span: %w", err)
	}

	err = s.store.insertSummary(Summary{
		ChannelID:    channelID,
		UserID:       userID,
		Content:      content,
		MessageCount: len(msgs),
		StartTS:      msgs[0].CreatedAt,
		EndTS:        msgs[len(msgs)-1].CreatedAt,
	})
	if err != nil {
		return err
	}
	s.cache.dropSummary(channelID, userID)
	return nil
}

// Latest returns the freshest summary for the pair, preferring the
// user-specific lineage and falling back to the channel-wide one. Returns
// nil when neither exists.
func (s *Summarizer) Latest(channelID, userID string) (*Summary, error) {
	if cached, ok := s.cache.getSummary(channelID, userID); ok {
		return cached, nil
	}
	sum, err := s.store.latestSummary(channelID, userID)
	if err != nil {
		return nil, err
	}
	// Only exact-lineage hits are cached. A channel-wide fallback under
	// the user's key would outlive the write invalidation, which clears
	// the channel-wide key alone.
	if sum != nil && sum.UserID == userID {
		s.cache.setSummary(channelID, userID, sum)
	}
	return sum, nil
}

// renderTranscript flattens messages into the "author: content" lines the
// generative prompts consume.
func renderTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.AuthorID)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

type summaryPair struct {
	channelID string
	userID    string
}

// summaryCandidates returns the (channel, user) lineages whose unsummarized
// tail holds at least threshold non-redacted messages, the channel-wide
// lineage included.
func (s *Store) summaryCandidates(threshold int) ([]summaryPair, error) {
	if threshold <= 0 {
		threshold = 1
	}
	rows, err := s.db.Query(`
		SELECT m.channel_id, '' AS uid
		FROM messages m
		LEFT JOIN user_prefs p ON p.user_id = m.author_id
		WHERE m.redacted = 0
		  AND COALESCE(p.opted_out, 0) = 0
		  AND m.created_at > COALESCE(
			(SELECT MAX(end_ts) FROM summaries s WHERE s.channel_id = m.channel_id AND s.user_id = ''), '')
		GROUP BY m.channel_id
		HAVING COUNT(1) >= ?

		UNION ALL

		SELECT m.channel_id, m.author_id AS uid
		FROM messages m
		LEFT JOIN user_prefs p ON p.user_id = m.author_id
		WHERE m.redacted = 0
		  AND COALESCE(p.opted_out, 0) = 0
		  AND m.created_at > COALESCE(
			(SELECT MAX(end_ts) FROM summaries s WHERE s.channel_id = m.channel_id AND s.user_id = m.author_id), '')
		GROUP BY m.channel_id, m.author_id
		HAVING COUNT(1) >= ?
	`, threshold, threshold)
	if err != nil {
		return nil, fmt.Errorf("summary candidates: %w", err)
	}
	defer rows.Close()

	pairs := make([]summaryPair, 0)
	for rows.Next() {
		var p summaryPair
		if err := rows.Scan(&p.channelID, &p.userID); err != nil {
			return nil, fmt.Errorf("scan summary candidate: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary candidates: %w", err)
	}
	return pairs, nil
}

func (s *Store) lastSummaryEnd(channelID, userID string) (time.Time, error) {
	var end sql.NullString
	err := s.db.QueryRow(`
		SELECT MAX(end_ts) FROM summaries WHERE channel_id = ? AND user_id = ?
	`, channelID, userID).Scan(&end)
	if err != nil {
		return time.Time{}, fmt.Errorf("last summary end: %w", err)
	}
	if !end.Valid || end.String == "" {
		return time.Time{}, nil
	}
	return parseTime(end.String), nil
}

func (s *Store) insertSummary(sum Summary) error {
	if strings.TrimSpace(sum.Content) == "" {
		return fmt.Errorf("insert summary: empty content")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO summaries (channel_id, user_id, content, message_count, start_ts, end_ts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sum.ChannelID, sum.UserID, sum.Content, sum.MessageCount,
		formatTime(sum.StartTS), formatTime(sum.EndTS), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

func (s *Store) latestSummary(channelID, userID string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT id, channel_id, user_id, content, message_count, start_ts, end_ts, created_at
		FROM summaries
		WHERE channel_id = ? AND (user_id = ? OR user_id = '')
		ORDER BY CASE WHEN user_id = ? THEN 0 ELSE 1 END, end_ts DESC, id DESC
		LIMIT 1
	`, channelID, userID, userID)

	var sum Summary
	var startTS, endTS, createdAt string
	err := row.Scan(&sum.ID, &sum.ChannelID, &sum.UserID, &sum.Content, &sum.MessageCount, &startTS, &endTS, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	sum.StartTS = parseTime(startTS)
	sum.EndTS = parseTime(endTS)
	sum.CreatedAt = parseTime(createdAt)
	return &sum, nil
}
