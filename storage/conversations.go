package storage

import (
	"fmt"

	"chatsync/models"
)

// SaveConversations upserts conversation summaries.
func (s *Store) SaveConversations(conversations []models.Conversation) error {
	if len(conversations) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save conversations: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, conv := range conversations {
		if err := validateTarget(conv.Target); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (
				target_kind,
				target_id,
				name,
				last_message_id,
				last_preview,
				last_message_time,
				unread_count
			) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_kind, target_id) DO UPDATE SET
				name = excluded.name,
				last_message_id = excluded.last_message_id,
				last_preview = excluded.last_preview,
				last_message_time = excluded.last_message_time,
				unread_count = excluded.unread_count`,
			string(conv.Target.Kind),
			conv.Target.ID,
			conv.Name,
			conv.LastMessageID,
			conv.LastMessagePreview,
			toUnixMilli(conv.LastMessageTime),
			conv.UnreadCount,
		); err != nil {
			return fmt.Errorf("upsert conversation %s: %w", conv.Target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save conversations: %w", err)
	}
	return nil
}

// DeleteConversation removes a summary with its cached messages and seen
// markers.
func (s *Store) DeleteConversation(target models.Target) error {
	if err := validateTarget(target); err != nil {
		return err
	}
	if _, err := s.db.Exec(
		`DELETE FROM conversations WHERE target_kind = ? AND target_id = ?`,
		string(target.Kind), target.ID,
	); err != nil {
		return fmt.Errorf("delete conversation %s: %w", target, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE target_kind = ? AND target_id = ?`,
		string(target.Kind), target.ID,
	); err != nil {
		return fmt.Errorf("delete messages of %s: %w", target, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM seen_messages WHERE target_kind = ? AND target_id = ?`,
		string(target.Kind), target.ID,
	); err != nil {
		return fmt.Errorf("delete seen markers of %s: %w", target, err)
	}
	return nil
}

// ListConversations returns summaries ordered by most recent activity.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT target_kind, target_id, name, last_message_id, last_preview, last_message_time, unread_count
		FROM conversations
		ORDER BY last_message_time DESC, target_kind, target_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Conversation, 0)
	for rows.Next() {
		var (
			conv     models.Conversation
			kind     string
			lastTime int64
		)
		if err := rows.Scan(
			&kind,
			&conv.Target.ID,
			&conv.Name,
			&conv.LastMessageID,
			&conv.LastMessagePreview,
			&lastTime,
			&conv.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv.Target.Kind = models.ConversationKind(kind)
		conv.LastMessageTime = fromUnixMilli(lastTime)
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}
