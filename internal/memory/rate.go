package memory

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RecordRateEvent appends one spend event to the rate ledger.
func (s *Store) RecordRateEvent(userID, feature string, amount int) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(feature) == "" {
		return fmt.Errorf("record rate event: empty user id or feature")
	}
	if amount <= 0 {
		amount = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO rate_events (user_id, feature, amount, created_at)
		VALUES (?, ?, ?, ?)
	`, userID, feature, amount, formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("record rate event: %w", err)
	}
	return nil
}

// RateWindow sums a user's spend on one feature since the cutoff and
// returns the timestamp of the oldest event inside the window. A zero
// oldest time means the window is empty.
func (s *Store) RateWindow(userID, feature string, since time.Time) (int, time.Time, error) {
	var total sql.NullInt64
	var oldest sql.NullString
	err := s.db.QueryRow(`
		SELECT SUM(amount), MIN(created_at)
		FROM rate_events
		WHERE user_id = ? AND feature = ? AND created_at >= ?
	`, userID, feature, formatTime(since)).Scan(&total, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("rate window: %w", err)
	}
	if !total.Valid {
		return 0, time.Time{}, nil
	}
	return int(total.Int64), parseTime(oldest.String), nil
}

// PruneRateEvents deletes ledger rows older than the cutoff and returns
// the number removed.
func (s *Store) PruneRateEvents(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.Exec(`DELETE FROM rate_events WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune rate events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rate events: rows affected: %w", err)
	}
	return int(n), nil
}
