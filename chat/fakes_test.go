package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatsync/channel"
	"chatsync/models"
	"chatsync/session"
)

const selfID = "me"

var errBackend = errors.New("backend unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAPI struct {
	mu    sync.Mutex
	clock *fakeClock

	pages         map[models.Target]map[int]models.MessagePage
	conversations []models.Conversation
	friends       []string

	fetchErr    error
	sendErr     error
	editErr     error
	deleteErr   error
	markReadErr error

	fetchCalls    int
	sendCalls     int
	markReadCalls int
	nextID        int

	onFetch func(target models.Target, page int)
	onSend  func(confirmed models.Message)
}

func newFakeAPI(clock *fakeClock) *fakeAPI {
	return &fakeAPI{
		clock: clock,
		pages: make(map[models.Target]map[int]models.MessagePage),
	}
}

// setPage stores a page given in chronological order; the fake serves it
// newest first like the server.
func (f *fakeAPI) setPage(target models.Target, page int, hasMore bool, chronological ...models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages[target] == nil {
		f.pages[target] = make(map[int]models.MessagePage)
	}
	f.pages[target][page] = models.MessagePage{Messages: reversed(chronological), HasMore: hasMore}
}

func (f *fakeAPI) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]models.Conversation(nil), f.conversations...), nil
}

func (f *fakeAPI) FetchFriends(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.friends...), nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, target models.Target, page, size int) (models.MessagePage, error) {
	f.mu.Lock()
	f.fetchCalls++
	hook := f.onFetch
	err := f.fetchErr
	result := f.pages[target][page]
	f.mu.Unlock()

	if hook != nil {
		hook(target, page)
	}
	if err != nil {
		return models.MessagePage{}, err
	}
	return result, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, target models.Target, body models.Body, tempID string) (models.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return models.Message{}, err
	}
	f.nextID++
	confirmed := models.Message{
		ID:        fmt.Sprintf("srv-%d", f.nextID),
		Target:    target,
		SenderID:  selfID,
		Body:      body,
		CreatedAt: f.clock.Now(),
		Status:    models.StatusSent,
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(confirmed)
	}
	return confirmed, nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, messageID, text string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return models.Message{}, f.editErr
	}
	return models.Message{
		ID:     messageID,
		Body:   models.Body{Kind: models.BodyText, Text: text},
		Edited: true,
		Status: models.StatusSent,
	}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeAPI) MarkRead(ctx context.Context, target models.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return f.markReadErr
}

func (f *fakeAPI) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *fakeAPI) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type testHarness struct {
	engine *Engine
	api    *fakeAPI
	clock  *fakeClock
	client *channel.MemoryClient
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	clock := newFakeClock()
	api := newFakeAPI(clock)
	hub := channel.NewMemoryHub()
	client := hub.Connect(selfID)
	t.Cleanup(client.Close)

	sess, err := session.New(selfID, "Me", client)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	engine, err := NewEngine(Options{Session: sess, API: api, Now: clock.Now})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &testHarness{engine: engine, api: api, clock: clock, client: client}
}

func (h *testHarness) msg(id, sender string, target models.Target, text string) models.Message {
	return models.Message{
		ID:        id,
		Target:    target,
		SenderID:  sender,
		Body:      models.Body{Kind: models.BodyText, Text: text},
		CreatedAt: h.clock.Now(),
		Status:    models.StatusSent,
	}
}

func (h *testHarness) selectConversation(t *testing.T, target models.Target) {
	t.Helper()
	if err := h.engine.SelectConversation(context.Background(), target); err != nil {
		t.Fatalf("SelectConversation(%s) failed: %v", target, err)
	}
}

func messageIDs(messages []models.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func assertIDs(t *testing.T, messages []models.Message, want ...string) {
	t.Helper()
	got := messageIDs(messages)
	if len(got) != len(want) {
		t.Fatalf("expected ids %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ids %v, got %v", want, got)
		}
	}
}

func drainNotices(e *Engine) []models.Notice {
	var out []models.Notice
	for {
		select {
		case n := <-e.Notices():
			out = append(out, n)
		default:
			return out
		}
	}
}
