package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatsync/models"
)

// SelectConversation makes target the active conversation and loads its
// first page. Selecting the active conversation again does nothing.
func (e *Engine) SelectConversation(ctx context.Context, target models.Target) error {
	if !target.Valid() {
		return ErrInvalidTarget
	}

	e.mu.Lock()
	if e.cursor.Target == target {
		e.mu.Unlock()
		return nil
	}
	e.cursor = models.Cursor{Target: target, Page: 1, HasMore: true}
	e.generation++
	e.messages = nil
	e.loadedCount = 0
	e.lastRefresh = time.Time{}
	e.mu.Unlock()

	e.logger.Debug("conversation_selected", zap.Stringer("target", target))
	return e.LoadPage(ctx, 1)
}

// CloseConversation clears the cursor and its message list.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCursorLocked()
}

func (e *Engine) closeCursorLocked() {
	e.cursor = models.Cursor{}
	e.generation++
	e.messages = nil
	e.loadedCount = 0
}

// LoadPage fetches page n of the active conversation. Page 1 replaces the
// list and page n > 1 prepends older history. A result that arrives after
// the cursor changed is discarded.
func (e *Engine) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("invalid page %d", page)
	}

	e.mu.Lock()
	if e.cursor.Target.IsZero() {
		e.mu.Unlock()
		return ErrNoActiveConversation
	}
	target := e.cursor.Target
	generation := e.generation
	e.mu.Unlock()

	result, err := e.api.FetchMessages(ctx, target, page, e.pageSize)
	if err != nil {
		e.metrics.PageLoad("error")
		if page == 1 {
			e.showCachedPage(target, generation)
		}
		return e.fail(fmt.Sprintf("load page %d of %s", page, target), err)
	}

	loaded := make([]models.Message, 0, len(result.Messages))
	for _, m := range reversed(result.Messages) {
		if m.Target != target {
			e.logger.Warn("foreign_message_in_page",
				zap.Stringer("target", target),
				zap.Stringer("message_target", m.Target),
				zap.String("message_id", m.ID))
			continue
		}
		loaded = append(loaded, m)
	}

	e.mu.Lock()
	if e.generation != generation {
		e.mu.Unlock()
		e.metrics.Stale("load_page")
		e.logger.Debug("stale_page_discarded", zap.Stringer("target", target), zap.Int("page", page))
		return nil
	}

	var merged []models.Message
	if page == 1 {
		merged = append(loaded, e.carryOverLocked(loaded, result.HasMore || len(loaded) >= e.pageSize)...)
		e.lastRefresh = e.now()
		e.loadedCount = len(loaded)
		e.cursor.Page = 1
	} else {
		merged = append(loaded, e.messages...)
		if page > e.cursor.Page {
			e.cursor.Page = page
		}
	}
	merged, dropped := Dedupe(merged)
	e.messages = merged
	e.cursor.HasMore = result.HasMore
	for _, m := range loaded {
		e.markSeenLocked(m.ID)
	}
	e.mu.Unlock()

	e.metrics.Duplicate(dropped)
	e.metrics.PageLoad("ok")
	e.saveToCache(loaded...)
	e.logger.Debug("page_loaded",
		zap.Stringer("target", target),
		zap.Int("page", page),
		zap.Int("count", len(loaded)),
		zap.Bool("has_more", result.HasMore))
	return nil
}

// showCachedPage fills a list that holds no confirmed messages with the
// newest cached history of target. It is used when page 1 cannot be fetched.
func (e *Engine) showCachedPage(target models.Target, generation uint64) {
	if e.cache == nil {
		return
	}
	cached, err := e.cache.GetMessages(target, e.pageSize, 0)
	if err != nil {
		e.logger.Warn("cache_get_messages_failed", zap.Stringer("target", target), zap.Error(err))
		return
	}
	if len(cached) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != generation {
		return
	}
	for _, m := range e.messages {
		if !unconfirmed(m) {
			return
		}
	}
	e.messages, _ = Dedupe(append(cached, e.messages...))
	e.logger.Info("cached_page_shown", zap.Stringer("target", target), zap.Int("count", len(cached)))
}

// carryOverLocked returns entries of the current list that a page-1 reload
// must keep: unconfirmed local sends, and confirmed messages missing from the
// loaded page that arrived while the request was in flight. When the page is
// full, entries at or before its oldest message belong to older pages and
// are dropped.
func (e *Engine) carryOverLocked(loaded []models.Message, full bool) []models.Message {
	var oldest time.Time
	if len(loaded) > 0 {
		oldest = loaded[0].CreatedAt
	}

	var carry []models.Message
	for _, m := range e.messages {
		switch {
		case unconfirmed(m):
			if indexByTempID(loaded, m.TempID) >= 0 {
				continue
			}
			carry = append(carry, m)
		case indexByID(loaded, m.ID) >= 0:
			continue
		case full && len(loaded) > 0 && !m.CreatedAt.After(oldest):
			continue
		default:
			carry = append(carry, m)
		}
	}
	return carry
}

// LoadOlder loads the next page of history when more is available.
func (e *Engine) LoadOlder(ctx context.Context) error {
	e.mu.Lock()
	if e.cursor.Target.IsZero() {
		e.mu.Unlock()
		return ErrNoActiveConversation
	}
	if !e.cursor.HasMore {
		e.mu.Unlock()
		return nil
	}
	next := e.cursor.Page + 1
	e.mu.Unlock()

	return e.LoadPage(ctx, next)
}

// RefreshConversations replaces summaries with the server's list and reloads
// the friend set. Local summaries newer than the server's copy keep their
// preview. A failed fetch leaves the current list untouched.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	conversations, err := e.api.FetchConversations(ctx)
	if err != nil {
		return e.fail("refresh conversations", err)
	}
	friends, friendsErr := e.api.FetchFriends(ctx)

	e.mu.Lock()
	for _, fresh := range conversations {
		if !fresh.Target.Valid() {
			continue
		}
		fresh := fresh
		if local, ok := e.conversations[fresh.Target]; ok && local.LastMessageTime.After(fresh.LastMessageTime) {
			fresh.LastMessageID = local.LastMessageID
			fresh.LastMessagePreview = local.LastMessagePreview
			fresh.LastMessageTime = local.LastMessageTime
		}
		if fresh.Target == e.cursor.Target {
			fresh.UnreadCount = 0
		}
		e.conversations[fresh.Target] = &fresh
	}
	if friendsErr == nil {
		e.setFriendsLocked(friends)
	}
	snapshot := e.summariesLocked()
	e.mu.Unlock()

	if friendsErr != nil {
		e.logger.Warn("fetch_friends_failed", zap.Error(friendsErr))
	}
	if e.cache != nil {
		if err := e.cache.SaveConversations(snapshot); err != nil {
			e.logger.Warn("cache_save_conversations_failed", zap.Error(err))
		}
	}
	e.logger.Debug("conversations_refreshed", zap.Int("count", len(conversations)))
	return nil
}

// SeedConversations installs cached summaries, typically at startup before
// the first server refresh. Existing summaries win.
func (e *Engine) SeedConversations(conversations []models.Conversation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range conversations {
		if !c.Target.Valid() {
			continue
		}
		if _, ok := e.conversations[c.Target]; ok {
			continue
		}
		c := c
		e.conversations[c.Target] = &c
	}
}

func (e *Engine) summariesLocked() []models.Conversation {
	out := make([]models.Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		out = append(out, *c)
	}
	return out
}

// MarkRead zeroes the unread count of target and tells the server. The
// previous count is restored when the request fails.
func (e *Engine) MarkRead(ctx context.Context, target models.Target) error {
	if !target.Valid() {
		return ErrInvalidTarget
	}

	e.mu.Lock()
	previous := 0
	if c, ok := e.conversations[target]; ok {
		previous = c.UnreadCount
		c.UnreadCount = 0
	}
	e.mu.Unlock()

	if err := e.api.MarkRead(ctx, target); err != nil {
		e.mu.Lock()
		if c, ok := e.conversations[target]; ok {
			c.UnreadCount += previous
		}
		e.mu.Unlock()
		return e.fail(fmt.Sprintf("mark %s as read", target), err)
	}
	return nil
}
