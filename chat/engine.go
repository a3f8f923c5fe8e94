// Package chat keeps the active conversation and all conversation summaries
// consistent under optimistic sends and duplicate or out-of-order echoes.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatsync/channel"
	"chatsync/logging"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/session"
)

const (
	// NonFriendMessageCap is how many messages may be sent to a direct
	// target that is not a mutual friend.
	NonFriendMessageCap = 3

	// DefaultPageSize is the history page size when none is configured.
	DefaultPageSize = 30
	MinPageSize     = 20
	MaxPageSize     = 50

	// DefaultEchoWindow bounds how far apart an optimistic entry and its
	// echo may be timestamped and still be matched by content.
	DefaultEchoWindow = 5 * time.Second

	subscriberName = "chat"
	maxSeenIDs     = 10000
	noticeBuffer   = 64
)

var (
	// ErrMessageLimitReached rejects a send to a non-friend over the cap.
	ErrMessageLimitReached = errors.New("chat: message limit reached for non-friend")
	// ErrNoActiveConversation indicates an operation that needs a cursor.
	ErrNoActiveConversation = errors.New("chat: no active conversation")
	// ErrEmptyMessage rejects a send with nothing in the body.
	ErrEmptyMessage = errors.New("chat: message body is empty")
	// ErrInvalidTarget rejects a malformed conversation target.
	ErrInvalidTarget = errors.New("chat: invalid conversation target")
	// ErrNotRetryable indicates RetrySend on an entry that is not failed.
	ErrNotRetryable = errors.New("chat: message is not a failed send")
	// ErrMessageNotFound indicates an edit or delete of an unknown message.
	ErrMessageNotFound = errors.New("chat: message not found")
)

// PersistenceAPI is the request/response backend for conversations and
// messages. FetchMessages returns messages newest first.
type PersistenceAPI interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	FetchFriends(ctx context.Context) ([]string, error)
	FetchMessages(ctx context.Context, target models.Target, page, size int) (models.MessagePage, error)
	SendMessage(ctx context.Context, target models.Target, body models.Body, tempID string) (models.Message, error)
	EditMessage(ctx context.Context, messageID, text string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, target models.Target) error
}

// Cache is the optional local store of confirmed messages and summaries.
// GetMessages returns cached history in chronological order.
type Cache interface {
	SaveMessages(messages []models.Message) error
	GetMessages(target models.Target, limit, offset int) ([]models.Message, error)
	DeleteMessage(messageID string) error
	CountSentTo(senderID string, target models.Target) (int, error)
	SaveConversations(conversations []models.Conversation) error
	DeleteConversation(target models.Target) error
	MarkSeen(target models.Target, messageID string, at time.Time) error
	Seen(target models.Target, messageID string) (bool, error)
}

// Options configures an Engine.
type Options struct {
	Session *session.Session
	API     PersistenceAPI
	Cache   Cache
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	PageSize   int
	EchoWindow time.Duration
	Now        func() time.Time
}

// Engine is the conversation sync state machine. All methods are safe for
// concurrent use; state is never locked across API calls.
type Engine struct {
	self    string
	channel channel.Channel
	api     PersistenceAPI
	cache   Cache
	metrics *metrics.Metrics
	logger  *zap.Logger

	pageSize   int
	echoWindow time.Duration
	now        func() time.Time

	mu            sync.Mutex
	cursor        models.Cursor
	generation    uint64
	messages      []models.Message
	conversations map[models.Target]*models.Conversation
	users         map[string]models.User
	friends       map[string]struct{}
	seen          map[string]struct{}
	lastRefresh   time.Time
	loadedCount   int

	unsubscribe func()
	notices     chan models.Notice
}

// NewEngine validates options and builds an engine. Call Attach to start
// receiving channel events.
func NewEngine(options Options) (*Engine, error) {
	if options.Session == nil {
		return nil, errors.New("session is required")
	}
	if options.API == nil {
		return nil, errors.New("persistence api is required")
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.EchoWindow <= 0 {
		options.EchoWindow = DefaultEchoWindow
	}

	return &Engine{
		self:          options.Session.UserID,
		channel:       options.Session.Channel,
		api:           options.API,
		cache:         options.Cache,
		metrics:       options.Metrics,
		logger:        logging.OrNop(options.Logger).Named("chat"),
		pageSize:      ClampPageSize(options.PageSize),
		echoWindow:    options.EchoWindow,
		now:           options.Now,
		conversations: make(map[models.Target]*models.Conversation),
		users:         make(map[string]models.User),
		friends:       make(map[string]struct{}),
		seen:          make(map[string]struct{}),
		notices:       make(chan models.Notice, noticeBuffer),
	}, nil
}

// ClampPageSize applies the default and the allowed range to a page size.
func ClampPageSize(size int) int {
	switch {
	case size <= 0:
		return DefaultPageSize
	case size < MinPageSize:
		return MinPageSize
	case size > MaxPageSize:
		return MaxPageSize
	default:
		return size
	}
}

// Attach subscribes the engine to its channel. Attaching again replaces the
// previous subscription.
func (e *Engine) Attach() {
	unsubscribe := e.channel.Subscribe(subscriberName, e.HandleEvent)
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
}

// Detach removes the channel subscription.
func (e *Engine) Detach() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Notices returns user-visible notices. Notices are dropped when the buffer
// is full.
func (e *Engine) Notices() <-chan models.Notice {
	return e.notices
}

// Messages returns a copy of the active conversation's message list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = m.Clone()
	}
	return out
}

// Cursor returns the active conversation and its pagination state.
func (e *Engine) Cursor() models.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Conversations returns summaries, most recent first.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	out := make([]models.Conversation, 0, len(e.conversations))
	for _, c := range e.conversations {
		out = append(out, *c)
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].LastMessageTime.After(out[j].LastMessageTime)
		}
		return out[i].Target.String() < out[j].Target.String()
	})
	return out
}

// Conversation returns one summary.
func (e *Engine) Conversation(target models.Target) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conversations[target]
	if !ok {
		return models.Conversation{}, false
	}
	return *c, true
}

// Sender resolves a user seen in inbound messages or profile updates.
func (e *Engine) Sender(userID string) (models.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[userID]
	return u, ok
}

// SetFriends replaces the mutual-friend set used by the send cap.
func (e *Engine) SetFriends(userIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setFriendsLocked(userIDs)
}

func (e *Engine) setFriendsLocked(userIDs []string) {
	e.friends = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		e.friends[id] = struct{}{}
	}
}

// LastRefresh returns when page 1 of the cursor was last loaded.
func (e *Engine) LastRefresh() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastRefresh
}

func (e *Engine) notify(level models.NoticeLevel, message string, err error) {
	notice := models.Notice{
		Level:   level,
		Source:  subscriberName,
		Message: message,
		Err:     err,
		At:      e.now(),
	}
	select {
	case e.notices <- notice:
	default:
		e.logger.Warn("notice_dropped", zap.String("message", message))
	}
}

// fail logs and publishes a failed operation and returns it wrapped.
func (e *Engine) fail(op string, err error) error {
	e.logger.Warn("operation_failed", zap.String("op", op), zap.Error(err))
	e.notify(models.NoticeError, "failed to "+op, err)
	return fmt.Errorf("%s: %w", op, err)
}

func (e *Engine) deleteFromCache(messageID string) {
	if e.cache == nil || messageID == "" {
		return
	}
	if err := e.cache.DeleteMessage(messageID); err != nil {
		e.logger.Warn("cache_delete_message_failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (e *Engine) saveToCache(messages ...models.Message) {
	if e.cache == nil || len(messages) == 0 {
		return
	}
	if err := e.cache.SaveMessages(messages); err != nil {
		e.logger.Warn("cache_save_messages_failed", zap.Error(err))
	}
}
