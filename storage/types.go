package storage

import (
	"errors"
	"fmt"
	"time"

	"chatsync/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// CallDirectionOutgoing marks calls placed by the local user.
	CallDirectionOutgoing = "outgoing"
	// CallDirectionIncoming marks calls received by the local user.
	CallDirectionIncoming = "incoming"
)

// CallRecord is one finished call in local history.
type CallRecord struct {
	CallID    string
	PeerID    string
	Direction string
	MediaKind models.MediaKind
	// Outcome is completed, declined, missed, cancelled or failed.
	Outcome   string
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
}

func validateTarget(target models.Target) error {
	if !target.Valid() {
		return fmt.Errorf("invalid target %q", target.String())
	}
	return nil
}

func validateStatus(status models.MessageStatus) error {
	switch status {
	case models.StatusPending, models.StatusSent, models.StatusDelivered, models.StatusRead, models.StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case CallDirectionOutgoing, CallDirectionIncoming:
		return nil
	default:
		return fmt.Errorf("invalid call direction %q", direction)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
