package chat

import (
	"context"

	"go.uber.org/zap"

	"chatsync/channel"
	"chatsync/models"
)

// HandleEvent is the single reducer for inbound channel events. It is
// called by the channel's dispatch goroutine, one event at a time.
func (e *Engine) HandleEvent(ctx context.Context, event channel.Event) {
	e.metrics.Inbound(subscriberName, string(event.Type()))

	switch ev := event.(type) {
	case channel.NewMessage:
		e.handleNewMessage(ctx, ev)
	case channel.MessageUpdated:
		e.handleMessageUpdated(ev)
	case channel.MessageDeleted:
		e.handleMessageDeleted(ev)
	case channel.DeliveryReceipt:
		e.handleReceipt(ev.Target, ev.UserID, ev.MessageIDs, models.StatusDelivered)
	case channel.ReadReceipt:
		e.handleReceipt(ev.Target, ev.UserID, ev.MessageIDs, models.StatusRead)
	case channel.GroupUpdated:
		e.handleGroupUpdated(ev)
	case channel.GroupDeleted:
		e.handleGroupDeleted(ev)
	case channel.UserUpdated:
		e.handleUserUpdated(ev)
	case channel.Connected:
		e.recover(ctx, ev.Reconnect)
	case channel.Disconnected:
		e.logger.Info("channel_disconnected", zap.Error(ev.Err))
	}
}

func (e *Engine) handleNewMessage(ctx context.Context, ev channel.NewMessage) {
	msg := ev.Message
	if msg.ID == "" || !msg.Target.Valid() {
		e.logger.Warn("inbound_message_ignored", zap.String("message_id", msg.ID), zap.Stringer("target", msg.Target))
		return
	}
	seenBefore := e.seenInCache(msg.Target, msg.ID)

	e.mu.Lock()
	if ev.Sender != nil && ev.Sender.ID != "" {
		e.users[ev.Sender.ID] = *ev.Sender
	}
	_, inMemory := e.seen[msg.ID]
	first := !inMemory && !seenBefore
	e.markSeenLocked(msg.ID)

	fromOther := msg.SenderID != e.self
	active := e.cursor.Target == msg.Target
	duplicate := !first
	if active {
		switch {
		case indexByID(e.messages, msg.ID) >= 0:
			duplicate = true
		default:
			if i := e.matchOptimisticLocked(msg); i >= 0 {
				e.messages[i] = mergeConfirmed(e.messages[i], msg)
				duplicate = false
			} else if first {
				e.messages = append(e.messages, msg.Clone())
			}
		}
	}
	if !duplicate {
		e.touchSummaryLocked(msg, fromOther && !active)
	}
	e.mu.Unlock()

	if duplicate {
		e.metrics.Duplicate(1)
		e.logger.Debug("duplicate_message_ignored", zap.String("message_id", msg.ID))
		return
	}

	e.saveToCache(msg)
	if e.cache != nil {
		if err := e.cache.MarkSeen(msg.Target, msg.ID, e.now()); err != nil {
			e.logger.Warn("cache_mark_seen_failed", zap.Error(err))
		}
	}
	if fromOther && first {
		e.acknowledgeDelivery(ctx, msg)
	}
}

func (e *Engine) acknowledgeDelivery(ctx context.Context, msg models.Message) {
	if !e.channel.Connected() {
		return
	}
	payload := channel.ReceiptPayload{
		MessageID:  msg.ID,
		UserID:     e.self,
		TargetID:   msg.SenderID,
		TargetType: string(models.KindDirect),
	}
	if msg.Target.Kind == models.KindGroup {
		payload.TargetID = msg.Target.ID
		payload.TargetType = string(models.KindGroup)
	}
	if err := e.channel.Emit(ctx, channel.EventDeliveryReceipt, payload); err != nil {
		e.logger.Debug("delivery_receipt_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (e *Engine) seenInCache(target models.Target, messageID string) bool {
	if e.cache == nil {
		return false
	}
	seen, err := e.cache.Seen(target, messageID)
	if err != nil {
		e.logger.Warn("cache_seen_failed", zap.Error(err))
		return false
	}
	return seen
}

func (e *Engine) markSeenLocked(messageID string) {
	if messageID == "" {
		return
	}
	if len(e.seen) >= maxSeenIDs {
		e.seen = make(map[string]struct{})
	}
	e.seen[messageID] = struct{}{}
}

func (e *Engine) handleMessageUpdated(ev channel.MessageUpdated) {
	msg := ev.Message
	if msg.ID == "" {
		return
	}

	e.mu.Lock()
	if e.cursor.Target == msg.Target {
		if i := indexByID(e.messages, msg.ID); i >= 0 {
			msg = applyUpdate(e.messages[i], msg)
			e.messages[i] = msg
		}
	}
	e.refreshPreviewLocked(msg)
	e.mu.Unlock()

	e.saveToCache(msg)
}

func (e *Engine) handleMessageDeleted(ev channel.MessageDeleted) {
	e.mu.Lock()
	target := ev.Target
	if target.IsZero() || target == e.cursor.Target {
		if i := indexByID(e.messages, ev.MessageID); i >= 0 {
			target = e.messages[i].Target
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
		}
	}
	e.removeFromSummaryLocked(ev.MessageID, target)
	e.mu.Unlock()

	e.deleteFromCache(ev.MessageID)
}

func (e *Engine) handleReceipt(target models.Target, userID string, ids []string, status models.MessageStatus) {
	if userID == "" || userID == e.self {
		return
	}

	var updated []models.Message
	e.mu.Lock()
	if target == e.cursor.Target {
		wanted := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
		for i := range e.messages {
			m := &e.messages[i]
			if m.SenderID != e.self || m.ID == "" {
				continue
			}
			if len(wanted) > 0 {
				if _, ok := wanted[m.ID]; !ok {
					continue
				}
			}
			if status == models.StatusRead {
				m.ReadBy = addUnique(m.ReadBy, userID)
			}
			m.DeliveredBy = addUnique(m.DeliveredBy, userID)
			m.Status = m.Status.Upgrade(status)
			updated = append(updated, m.Clone())
		}
	}
	e.mu.Unlock()

	e.saveToCache(updated...)
}

func (e *Engine) handleGroupUpdated(ev channel.GroupUpdated) {
	target := models.Group(ev.GroupID)
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.conversations[target]
	if !ok {
		conv = &models.Conversation{Target: target}
		e.conversations[target] = conv
	}
	if ev.Name != "" {
		conv.Name = ev.Name
	}
}

func (e *Engine) handleGroupDeleted(ev channel.GroupDeleted) {
	target := models.Group(ev.GroupID)

	e.mu.Lock()
	delete(e.conversations, target)
	closed := e.cursor.Target == target
	if closed {
		e.closeCursorLocked()
	}
	e.mu.Unlock()

	if closed {
		e.notify(models.NoticeInfo, "this group was deleted", nil)
	}
	if e.cache != nil {
		if err := e.cache.DeleteConversation(target); err != nil {
			e.logger.Warn("cache_delete_conversation_failed", zap.Error(err))
		}
	}
}

func (e *Engine) handleUserUpdated(ev channel.UserUpdated) {
	if ev.User.ID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[ev.User.ID] = ev.User
	if conv, ok := e.conversations[models.Direct(ev.User.ID)]; ok && ev.User.Username != "" {
		conv.Name = ev.User.Username
	}
}

// recover runs after every (re)connect: it re-subscribes, refreshes the
// conversation list and reloads the first page of the cursor. Failures keep
// the current state and surface as notices.
func (e *Engine) recover(ctx context.Context, reconnect bool) {
	e.Attach()
	e.logger.Info("channel_connected", zap.Bool("reconnect", reconnect))

	_ = e.RefreshConversations(ctx)
	if e.Cursor().Target.IsZero() {
		return
	}
	_ = e.LoadPage(ctx, 1)
}

// applyUpdate merges an edited server copy into the local entry without
// losing local status or receipts.
func applyUpdate(local, server models.Message) models.Message {
	out := server.Clone()
	out.TempID = local.TempID
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	if out.SenderID == "" {
		out.SenderID = local.SenderID
	}
	if out.Target.IsZero() {
		out.Target = local.Target
	}
	if local.Status != models.StatusFailed {
		out.Status = local.Status.Upgrade(server.Status)
	}
	for _, id := range local.DeliveredBy {
		out.DeliveredBy = addUnique(out.DeliveredBy, id)
	}
	for _, id := range local.ReadBy {
		out.ReadBy = addUnique(out.ReadBy, id)
	}
	return out
}

// touchSummaryLocked records msg as the newest activity of its conversation
// unless a newer message is already shown.
func (e *Engine) touchSummaryLocked(msg models.Message, incrementUnread bool) {
	conv, ok := e.conversations[msg.Target]
	if !ok {
		conv = &models.Conversation{Target: msg.Target}
		if msg.Target.Kind == models.KindDirect {
			if u, known := e.users[msg.Target.ID]; known {
				conv.Name = u.Username
			}
		}
		e.conversations[msg.Target] = conv
	}

	if conv.LastMessageID == "" || conv.LastMessageID == msg.ID || !msg.CreatedAt.Before(conv.LastMessageTime) {
		conv.LastMessageID = msg.ID
		conv.LastMessagePreview = msg.Body.Preview()
		conv.LastMessageTime = msg.CreatedAt
	}
	if incrementUnread {
		conv.UnreadCount++
	}
}

func (e *Engine) refreshPreviewLocked(msg models.Message) {
	for _, conv := range e.conversations {
		if conv.LastMessageID == msg.ID && msg.ID != "" {
			conv.LastMessagePreview = msg.Body.Preview()
		}
	}
}

// removeFromSummaryLocked drops a deleted message from the preview of the
// conversation that showed it.
func (e *Engine) removeFromSummaryLocked(messageID string, target models.Target) {
	for t, conv := range e.conversations {
		if conv.LastMessageID != messageID || messageID == "" {
			continue
		}
		if target.Valid() && t != target {
			continue
		}
		conv.LastMessageID = ""
		conv.LastMessagePreview = ""
		if t == e.cursor.Target && len(e.messages) > 0 {
			last := e.messages[len(e.messages)-1]
			conv.LastMessageID = last.ID
			conv.LastMessagePreview = last.Body.Preview()
			conv.LastMessageTime = last.CreatedAt
		}
	}
}
