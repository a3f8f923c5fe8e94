package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

// MarkSeen records that messageID was counted for target's unread badge.
// A zero at records the current time.
func (s *Store) MarkSeen(target models.Target, messageID string, at time.Time) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	if messageID == "" {
		return errors.New("message id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}

	if _, err := s.db.Exec(
		`INSERT INTO seen_messages (target_kind, target_id, message_id, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(target_kind, target_id, message_id) DO NOTHING`,
		string(target.Kind), target.ID, messageID, at.UnixMilli(),
	); err != nil {
		return fmt.Errorf("mark %s seen in %s: %w", messageID, target, err)
	}
	return nil
}

// Seen reports whether messageID was already counted for target.
func (s *Store) Seen(target models.Target, messageID string) (bool, error) {
	if err := validateTarget(target); err != nil {
		return false, err
	}
	if messageID == "" {
		return false, errors.New("message id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM seen_messages
			WHERE target_kind = ? AND target_id = ? AND message_id = ?
		)`,
		string(target.Kind), target.ID, messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s seen in %s: %w", messageID, target, err)
	}
	return exists == 1, nil
}

// PruneSeen drops seen markers recorded before cutoff and returns how many
// were removed.
func (s *Store) PruneSeen(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}
	res, err := s.db.Exec(`DELETE FROM seen_messages WHERE seen_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen messages: %w", err)
	}
	return res.RowsAffected()
}
