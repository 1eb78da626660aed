package memory

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/driftwoodlabs/wren/internal/config"
)

const factLockStripes = 64

// Consolidator maintains the compact, de-duplicated fact profile per user.
// Merge-or-insert is serialized per user through striped locks so two
// near-simultaneous extractions cannot insert duplicate rows.
type Consolidator struct {
	store           *Store
	completer       Completer
	dedupThreshold  float64
	factCap         int
	minContentRunes int
	locks           [factLockStripes]sync.Mutex
}

func NewConsolidator(store *Store, completer Completer, cfg *config.Config) *Consolidator {
	return &Consolidator{
		store:           store,
		completer:       completer,
		dedupThreshold:  cfg.Memory.Facts.DedupThreshold,
		factCap:         cfg.Memory.Facts.Cap,
		minContentRunes: cfg.Memory.Facts.MinContentRunes,
	}
}

// mergeConfidence is the single documented confidence-merge rule:
// max(existing, candidate). It is pure, order-insensitive and monotone, so
// repeated and concurrent merges converge on the same value.
func mergeConfidence(existing, candidate float64) float64 {
	if candidate > existing {
		return candidate
	}
	return existing
}

// RecordCandidates consolidates extraction output into the user's profile.
// Each candidate either merges into an existing fact (mention_count++,
// confidence merged, last_confirmed refreshed) or inserts a new row. Facts
// are never deleted here; contradictions live side by side.
func (c *Consolidator) RecordCandidates(ctx context.Context, userID string, candidates []FactCandidate) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("record fact candidates: empty user id")
	}
	if len(candidates) == 0 {
		return nil
	}

	lock := &c.locks[stripeFor(userID)]
	lock.Lock()
	defer lock.Unlock()

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.consolidateOne(userID, cand); err != nil {
			log.Printf("[facts] consolidate user=%s: %v", userID, err)
		}
	}
	return nil
}

func (c *Consolidator) consolidateOne(userID string, cand FactCandidate) error {
	content := strings.TrimSpace(cand.Content)
	if content == "" {
		return nil
	}
	normalized := NormalizeFactText(content)
	if normalized == "" {
		return nil
	}
	confidence := clamp01(cand.Confidence)

	existing, err := c.store.factsForUser(userID)
	if err != nil {
		return err
	}

	for _, fact := range existing {
		if fact.Normalized == normalized || tokenJaccard(fact.Normalized, normalized) >= c.dedupThreshold {
			return c.store.mergeFact(fact.ID, mergeConfidence(fact.Confidence, confidence))
		}
	}

	err = c.store.insertFact(Fact{
		UserID:          userID,
		Type:            NormalizeFactType(cand.Type),
		Content:         content,
		Normalized:      normalized,
		Confidence:      confidence,
		SourceMessageID: cand.SourceMessageID,
	})
	if err != nil && isUniqueViolation(err) {
		// Lost a race across processes; fold into the existing row.
		if fact, ok, lookupErr := c.store.factByNormalized(userID, normalized); lookupErr == nil && ok {
			return c.store.mergeFact(fact.ID, mergeConfidence(fact.Confidence, confidence))
		}
	}
	return err
}

// ExtractFromMessage runs the generative extraction step for one qualifying
// message and consolidates whatever it proposes. Short messages, opted-out
// authors and direct commands are skipped.
func (c *Consolidator) ExtractFromMessage(ctx context.Context, msg Message) error {
	content := strings.TrimSpace(msg.Content)
	if utf8.RuneCountInString(content) < c.minContentRunes {
		return nil
	}
	if strings.HasPrefix(content, "/") || strings.HasPrefix(content, "!") {
		return nil
	}
	optedOut, err := c.store.IsOptedOut(msg.AuthorID)
	if err != nil {
		return fmt.Errorf("extract from message: %w", err)
	}
	if optedOut {
		return nil
	}

	candidates, err := c.completer.ExtractFacts(ctx, content)
	if err != nil {
		return fmt.Errorf("extract from message: %w", err)
	}
	for i := range candidates {
		candidates[i].SourceMessageID = msg.ID
	}
	return c.RecordCandidates(ctx, msg.AuthorID, candidates)
}

// TopFacts returns the user's strongest facts ordered by
// confidence x mention_count.
func (c *Consolidator) TopFacts(userID string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = c.factCap
	}
	return c.store.topFacts(userID, limit)
}

// NormalizeFactText lowercases, strips punctuation and collapses
// whitespace; the result keys fact uniqueness per user.
func NormalizeFactText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(strings.TrimSpace(text)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// tokenJaccard computes Jaccard similarity between the token sets of two
// normalized texts.
func tokenJaccard(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		setB[t] = struct{}{}
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func stripeFor(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % factLockStripes)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

func (s *Store) factsForUser(userID string) ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, fact_type, content, normalized, confidence, mention_count,
		       first_mentioned, last_confirmed, source_message_id
		FROM user_facts
		WHERE user_id = ?
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("facts for user: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) topFacts(userID string, limit int) ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, fact_type, content, normalized, confidence, mention_count,
		       first_mentioned, last_confirmed, source_message_id
		FROM user_facts
		WHERE user_id = ?
		ORDER BY confidence * mention_count DESC, last_confirmed DESC, id ASC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("top facts: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *Store) factByNormalized(userID, normalized string) (Fact, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, fact_type, content, normalized, confidence, mention_count,
		       first_mentioned, last_confirmed, source_message_id
		FROM user_facts
		WHERE user_id = ? AND normalized = ?
	`, userID, normalized)
	fact, err := scanFactRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Fact{}, false, nil
		}
		return Fact{}, false, fmt.Errorf("fact by normalized: %w", err)
	}
	return fact, true, nil
}

func (s *Store) insertFact(fact Fact) error {
	now := formatTime(time.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO user_facts (user_id, fact_type, content, normalized, confidence,
		                        mention_count, first_mentioned, last_confirmed, source_message_id)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, fact.UserID, fact.Type, fact.Content, fact.Normalized, fact.Confidence, now, now, fact.SourceMessageID)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	return nil
}

func (s *Store) mergeFact(id int64, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE user_facts
		SET mention_count = mention_count + 1,
		    confidence = ?,
		    last_confirmed = ?
		WHERE id = ?
	`, confidence, formatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("merge fact: %w", err)
	}
	return nil
}

func scanFactRow(row rowScanner) (Fact, error) {
	var f Fact
	var firstMentioned, lastConfirmed string
	if err := row.Scan(
		&f.ID,
		&f.UserID,
		&f.Type,
		&f.Content,
		&f.Normalized,
		&f.Confidence,
		&f.MentionCount,
		&firstMentioned,
		&lastConfirmed,
		&f.SourceMessageID,
	); err != nil {
		return Fact{}, err
	}
	f.FirstMentioned = parseTime(firstMentioned)
	f.LastConfirmed = parseTime(lastConfirmed)
	return f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	result := make([]Fact, 0)
	for rows.Next() {
		f, err := scanFactRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return result, nil
}
