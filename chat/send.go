package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/models"
)

// SendMessage appends an optimistic entry and persists it. On success the
// entry is replaced in place by the server copy; on failure it stays in
// place marked failed and can be retried with RetrySend.
func (e *Engine) SendMessage(ctx context.Context, target models.Target, body models.Body) (models.Message, error) {
	if !target.Valid() {
		return models.Message{}, ErrInvalidTarget
	}
	if body.Empty() {
		return models.Message{}, ErrEmptyMessage
	}
	if body.Kind == "" {
		body.Kind = models.BodyText
	}
	if err := e.checkSendPolicy(target); err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		TempID:    uuid.NewString(),
		Target:    target,
		SenderID:  e.self,
		Body:      body,
		CreatedAt: e.now(),
		Status:    models.StatusPending,
	}

	e.mu.Lock()
	if e.cursor.Target == target {
		e.messages = append(e.messages, msg.Clone())
	}
	e.touchSummaryLocked(msg, false)
	e.mu.Unlock()

	return e.dispatchSend(ctx, msg)
}

// RetrySend re-issues a failed send. The failed entry is reused in place
// under a new temp ID so a failed copy never sits next to the retried one.
func (e *Engine) RetrySend(ctx context.Context, tempID string) (models.Message, error) {
	e.mu.Lock()
	i := indexByTempID(e.messages, tempID)
	if i < 0 || e.messages[i].Status != models.StatusFailed || e.messages[i].ID != "" {
		e.mu.Unlock()
		return models.Message{}, ErrNotRetryable
	}
	target := e.messages[i].Target
	e.mu.Unlock()

	if err := e.checkSendPolicy(target); err != nil {
		return models.Message{}, err
	}

	e.mu.Lock()
	i = indexByTempID(e.messages, tempID)
	if i < 0 || e.messages[i].Status != models.StatusFailed {
		e.mu.Unlock()
		return models.Message{}, ErrNotRetryable
	}
	e.messages[i].TempID = uuid.NewString()
	e.messages[i].Status = models.StatusPending
	e.messages[i].CreatedAt = e.now()
	msg := e.messages[i].Clone()
	e.mu.Unlock()

	e.logger.Debug("send_retried", zap.String("previous_temp_id", tempID), zap.String("temp_id", msg.TempID))
	return e.dispatchSend(ctx, msg)
}

func (e *Engine) dispatchSend(ctx context.Context, msg models.Message) (models.Message, error) {
	confirmed, err := e.api.SendMessage(ctx, msg.Target, msg.Body, msg.TempID)
	if err != nil {
		e.mu.Lock()
		if i := indexByTempID(e.messages, msg.TempID); i >= 0 && unconfirmed(e.messages[i]) {
			e.messages[i].Status = models.StatusFailed
		}
		e.mu.Unlock()

		e.metrics.Sent("failed")
		msg.Status = models.StatusFailed
		return msg, e.fail(fmt.Sprintf("send message to %s", msg.Target), err)
	}

	if confirmed.TempID == "" {
		confirmed.TempID = msg.TempID
	}
	if confirmed.Target.IsZero() {
		confirmed.Target = msg.Target
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = e.self
	}
	confirmed.Status = confirmedStatus(msg.Status, confirmed.Status)

	e.mu.Lock()
	confirmed = e.applyConfirmationLocked(msg.TempID, confirmed)
	e.markSeenLocked(confirmed.ID)
	e.touchSummaryLocked(confirmed, false)
	e.mu.Unlock()

	e.metrics.Sent("ok")
	e.saveToCache(confirmed)
	return confirmed, nil
}

// applyConfirmationLocked folds a send response into the active list. The
// echo may already have replaced the optimistic entry or been appended on
// its own; either way exactly one entry carrying the server ID remains.
func (e *Engine) applyConfirmationLocked(tempID string, confirmed models.Message) models.Message {
	tempIdx := indexByTempID(e.messages, tempID)
	idIdx := indexByID(e.messages, confirmed.ID)

	switch {
	case tempIdx >= 0 && idIdx >= 0 && tempIdx != idIdx:
		merged := mergeConfirmed(e.messages[idIdx], confirmed)
		merged.TempID = tempID
		e.messages[idIdx] = merged
		e.messages = append(e.messages[:tempIdx], e.messages[tempIdx+1:]...)
		return merged.Clone()
	case tempIdx >= 0:
		merged := mergeConfirmed(e.messages[tempIdx], confirmed)
		e.messages[tempIdx] = merged
		return merged.Clone()
	case idIdx >= 0:
		merged := mergeConfirmed(e.messages[idIdx], confirmed)
		e.messages[idIdx] = merged
		return merged.Clone()
	default:
		return confirmed
	}
}

// checkSendPolicy enforces the non-friend cap without contacting the server.
func (e *Engine) checkSendPolicy(target models.Target) error {
	if target.Kind != models.KindDirect {
		return nil
	}

	e.mu.Lock()
	_, friend := e.friends[target.ID]
	count := 0
	if !friend && e.cursor.Target == target {
		for _, m := range e.messages {
			if m.SenderID == e.self && m.ID != "" && m.Status != models.StatusFailed {
				count++
			}
		}
	}
	e.mu.Unlock()

	if friend {
		return nil
	}
	if e.cache != nil {
		cached, err := e.cache.CountSentTo(e.self, target)
		if err != nil {
			e.logger.Warn("cache_count_failed", zap.Error(err))
		} else if cached > count {
			count = cached
		}
	}
	if count >= NonFriendMessageCap {
		e.metrics.Sent("limited")
		e.notify(models.NoticeInfo, fmt.Sprintf("you can send at most %d messages to someone who is not your friend", NonFriendMessageCap), ErrMessageLimitReached)
		return ErrMessageLimitReached
	}
	return nil
}

// EditMessage replaces the text of a confirmed message. The local copy is
// updated first and rolled back if the server rejects the edit.
func (e *Engine) EditMessage(ctx context.Context, messageID, text string) (models.Message, error) {
	if text == "" {
		return models.Message{}, ErrEmptyMessage
	}

	e.mu.Lock()
	generation := e.generation
	var previous *models.Message
	if i := indexByID(e.messages, messageID); i >= 0 {
		before := e.messages[i].Clone()
		previous = &before
		e.messages[i].Body.Text = text
		e.messages[i].Edited = true
	}
	e.mu.Unlock()

	updated, err := e.api.EditMessage(ctx, messageID, text)
	if err != nil {
		if previous != nil {
			e.mu.Lock()
			if e.generation == generation {
				if i := indexByID(e.messages, messageID); i >= 0 {
					e.messages[i] = *previous
				}
			}
			e.mu.Unlock()
		}
		return models.Message{}, e.fail("edit message", err)
	}

	e.mu.Lock()
	if e.generation == generation {
		if i := indexByID(e.messages, messageID); i >= 0 {
			updated = applyUpdate(e.messages[i], updated)
			e.messages[i] = updated
		}
	}
	e.refreshPreviewLocked(updated)
	e.mu.Unlock()

	e.saveToCache(updated)
	return updated, nil
}

// DeleteMessage removes a message locally and on the server. The entry is
// restored at its previous position if the server rejects the delete.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return ErrMessageNotFound
	}

	e.mu.Lock()
	generation := e.generation
	position := indexByID(e.messages, messageID)
	var removed models.Message
	if position >= 0 {
		removed = e.messages[position]
		e.messages = append(e.messages[:position], e.messages[position+1:]...)
	}
	e.mu.Unlock()

	if err := e.api.DeleteMessage(ctx, messageID); err != nil {
		if position >= 0 {
			e.mu.Lock()
			if e.generation == generation && indexByID(e.messages, messageID) < 0 {
				at := position
				if at > len(e.messages) {
					at = len(e.messages)
				}
				e.messages = append(e.messages[:at], append([]models.Message{removed}, e.messages[at:]...)...)
			}
			e.mu.Unlock()
		}
		return e.fail("delete message", err)
	}

	e.mu.Lock()
	e.removeFromSummaryLocked(messageID, removed.Target)
	e.mu.Unlock()

	e.deleteFromCache(messageID)
	return nil
}
