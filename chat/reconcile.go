package chat

import (
	"time"

	"chatsync/crypto"
	"chatsync/models"
)

// Dedupe drops every later entry whose confirmed ID repeats an earlier one.
// Order is preserved and entries without an ID are kept. It returns the
// number of dropped entries.
func Dedupe(messages []models.Message) ([]models.Message, int) {
	seen := make(map[string]struct{}, len(messages))
	out := make([]models.Message, 0, len(messages))
	dropped := 0
	for _, m := range messages {
		if m.ID != "" {
			if _, ok := seen[m.ID]; ok {
				dropped++
				continue
			}
			seen[m.ID] = struct{}{}
		}
		out = append(out, m)
	}
	return out, dropped
}

func indexByID(messages []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range messages {
		if messages[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByTempID(messages []models.Message, tempID string) int {
	if tempID == "" {
		return -1
	}
	for i := range messages {
		if messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

// unconfirmed reports whether m is a local entry the server has not
// acknowledged, either still pending or failed.
func unconfirmed(m models.Message) bool {
	return m.ID == "" && m.TempID != ""
}

// matchOptimisticLocked finds the unconfirmed local entry that an inbound
// echo confirms: same temp ID, otherwise same sender and body within the
// echo window. Only the local user's own messages can match.
func (e *Engine) matchOptimisticLocked(echo models.Message) int {
	if echo.SenderID != e.self {
		return -1
	}
	if i := indexByTempID(e.messages, echo.TempID); i >= 0 && unconfirmed(e.messages[i]) {
		return i
	}

	fingerprint := crypto.BodyFingerprint(echo.SenderID, echo.Body)
	for i, m := range e.messages {
		if !unconfirmed(m) || m.SenderID != echo.SenderID {
			continue
		}
		if !echo.CreatedAt.IsZero() && absDuration(echo.CreatedAt.Sub(m.CreatedAt)) > e.echoWindow {
			continue
		}
		if crypto.BodyFingerprint(m.SenderID, m.Body) == fingerprint {
			return i
		}
	}
	return -1
}

// confirmedStatus is the status of a local entry once the server confirms
// it. Confirmation is at least sent and never downgrades.
func confirmedStatus(local, server models.MessageStatus) models.MessageStatus {
	status := server
	if local != models.StatusFailed && local.Rank() > status.Rank() {
		status = local
	}
	if status.Rank() < models.StatusSent.Rank() {
		status = models.StatusSent
	}
	return status
}

// mergeConfirmed combines a local entry with the server's copy of it. The
// temp ID is kept so later echoes of the same send still match.
func mergeConfirmed(local, server models.Message) models.Message {
	out := server.Clone()
	if out.TempID == "" {
		out.TempID = local.TempID
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	out.Status = confirmedStatus(local.Status, server.Status)
	for _, id := range local.DeliveredBy {
		out.DeliveredBy = addUnique(out.DeliveredBy, id)
	}
	for _, id := range local.ReadBy {
		out.ReadBy = addUnique(out.ReadBy, id)
	}
	return out
}

func addUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func reversed(messages []models.Message) []models.Message {
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[len(messages)-1-i] = m
	}
	return out
}
