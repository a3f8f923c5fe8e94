package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/models"
)

// SaveMessages upserts confirmed messages. Entries without a server ID are
// skipped since optimistic messages are never cached.
func (s *Store) SaveMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save messages: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (
			message_id,
			temp_id,
			target_kind,
			target_id,
			sender_id,
			body_json,
			status,
			edited,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			body_json = excluded.body_json,
			status = excluded.status,
			edited = excluded.edited`,
	)
	if err != nil {
		return fmt.Errorf("prepare save messages: %w", err)
	}
	defer stmt.Close()

	for _, message := range messages {
		if message.ID == "" {
			continue
		}
		if err := validateTarget(message.Target); err != nil {
			return err
		}
		if message.SenderID == "" {
			return fmt.Errorf("message %q: sender_id is required", message.ID)
		}
		status := message.Status
		if status == "" {
			status = models.StatusSent
		}
		if err := validateStatus(status); err != nil {
			return err
		}
		body, err := json.Marshal(message.Body)
		if err != nil {
			return fmt.Errorf("marshal body of message %q: %w", message.ID, err)
		}
		createdAt := toUnixMilli(message.CreatedAt)
		if createdAt == 0 {
			createdAt = nowUnixMilli()
		}

		if _, err := stmt.Exec(
			message.ID,
			message.TempID,
			string(message.Target.Kind),
			message.Target.ID,
			message.SenderID,
			string(body),
			string(status),
			boolToInt(message.Edited),
			createdAt,
		); err != nil {
			return fmt.Errorf("upsert message %q: %w", message.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages: %w", err)
	}
	return nil
}

// DeleteMessage removes one cached message.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete message %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSentTo returns how many confirmed messages senderID has sent to target.
func (s *Store) CountSentTo(senderID string, target models.Target) (int, error) {
	if senderID == "" {
		return 0, errors.New("sender_id is required")
	}
	if err := validateTarget(target); err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1)
		FROM messages
		WHERE sender_id = ? AND target_kind = ? AND target_id = ? AND status != 'failed'`,
		senderID,
		string(target.Kind),
		target.ID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages to %s: %w", target, err)
	}
	return count, nil
}

// GetMessages returns up to limit cached messages of target in chronological
// order, skipping the offset newest ones.
func (s *Store) GetMessages(target models.Target, limit, offset int) ([]models.Message, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT message_id, temp_id, target_kind, target_id, sender_id, body_json, status, edited, created_at
		FROM (
			SELECT * FROM messages
			WHERE target_kind = ? AND target_id = ?
			ORDER BY created_at DESC, message_id DESC
			LIMIT ? OFFSET ?
		)
		ORDER BY created_at ASC, message_id ASC`,
		string(target.Kind),
		target.ID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", target, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(scanner rowScanner) (models.Message, error) {
	var (
		message   models.Message
		kind      string
		body      string
		status    string
		edited    int
		createdAt int64
	)
	if err := scanner.Scan(
		&message.ID,
		&message.TempID,
		&kind,
		&message.Target.ID,
		&message.SenderID,
		&body,
		&status,
		&edited,
		&createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, err
	}
	if err := json.Unmarshal([]byte(body), &message.Body); err != nil {
		return models.Message{}, fmt.Errorf("decode body of message %q: %w", message.ID, err)
	}
	message.Target.Kind = models.ConversationKind(kind)
	message.Status = models.MessageStatus(status)
	message.Edited = edited == 1
	message.CreatedAt = fromUnixMilli(createdAt)
	return message, nil
}
