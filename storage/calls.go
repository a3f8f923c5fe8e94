package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

// RecordCall stores one finished call. Recording the same call twice keeps
// the first row.
func (s *Store) RecordCall(record CallRecord) error {
	if record.CallID == "" {
		return errors.New("call_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if !record.MediaKind.Valid() {
		return fmt.Errorf("invalid media kind %q", record.MediaKind)
	}
	if record.Outcome == "" {
		return errors.New("outcome is required")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = record.StartedAt
	}

	_, err := s.db.Exec(
		`INSERT INTO call_history (
			call_id,
			peer_id,
			direction,
			media_kind,
			outcome,
			reason,
			started_at,
			ended_at,
			duration_s
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO NOTHING`,
		record.CallID,
		record.PeerID,
		record.Direction,
		string(record.MediaKind),
		record.Outcome,
		record.Reason,
		toUnixMilli(record.StartedAt),
		toUnixMilli(record.EndedAt),
		int64(record.Duration/time.Second),
	)
	if err != nil {
		return fmt.Errorf("insert call %q: %w", record.CallID, err)
	}
	return nil
}

// ListCalls returns up to limit calls, newest first.
func (s *Store) ListCalls(limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT call_id, peer_id, direction, media_kind, outcome, reason, started_at, ended_at, duration_s
		FROM call_history
		ORDER BY started_at DESC, call_id
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	out := make([]CallRecord, 0)
	for rows.Next() {
		var (
			record    CallRecord
			mediaKind string
			startedAt int64
			endedAt   int64
			seconds   int64
		)
		if err := rows.Scan(
			&record.CallID,
			&record.PeerID,
			&record.Direction,
			&mediaKind,
			&record.Outcome,
			&record.Reason,
			&startedAt,
			&endedAt,
			&seconds,
		); err != nil {
			return nil, fmt.Errorf("scan call row: %w", err)
		}
		record.MediaKind = models.MediaKind(mediaKind)
		record.StartedAt = fromUnixMilli(startedAt)
		record.EndedAt = fromUnixMilli(endedAt)
		record.Duration = time.Duration(seconds) * time.Second
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	return out, nil
}
