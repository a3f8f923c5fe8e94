package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatsync/channel"
	"chatsync/models"
)

var (
	alice = models.Direct("alice")
	bob   = models.Direct("bob")
	team  = models.Group("team")
)

func TestInboundDuplicatesKeepOneEntry(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("m1", "alice", alice, "one"))
	h.selectConversation(t, alice)

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m2", "m3", "m1", "m3"} {
		h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg(id, "alice", alice, "text "+id)})
	}

	assertIDs(t, h.engine.Messages(), "m1", "m2", "m3")
}

func TestSendThenEchoEndsWithOneSentEntry(t *testing.T) {
	tests := []struct {
		name       string
		echoInside bool
		withTempID bool
	}{
		{name: "echo after response"},
		{name: "echo before response by content", echoInside: true},
		{name: "echo before response by temp id", echoInside: true, withTempID: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.selectConversation(t, alice)
			ctx := context.Background()

			var echo models.Message
			h.api.onSend = func(confirmed models.Message) {
				echo = confirmed
				if tt.echoInside {
					if !tt.withTempID {
						echo.TempID = ""
					}
					h.engine.HandleEvent(ctx, channel.NewMessage{Message: echo})
				}
			}
			if tt.withTempID {
				h.api.onSend = func(confirmed models.Message) {
					pending := h.engine.Messages()
					echo = confirmed
					echo.TempID = pending[len(pending)-1].TempID
					echo.Body.Text = "server-normalized text"
					h.engine.HandleEvent(ctx, channel.NewMessage{Message: echo})
				}
			}

			sent, err := h.engine.SendMessage(ctx, alice, models.Body{Text: "hello"})
			if err != nil {
				t.Fatalf("SendMessage failed: %v", err)
			}
			if !tt.echoInside {
				h.engine.HandleEvent(ctx, channel.NewMessage{Message: echo})
			}

			messages := h.engine.Messages()
			if len(messages) != 1 {
				t.Fatalf("expected one entry, got %d: %+v", len(messages), messages)
			}
			if messages[0].ID != sent.ID || messages[0].Status != models.StatusSent {
				t.Fatalf("expected confirmed sent entry %q, got %+v", sent.ID, messages[0])
			}
		})
	}
}

func TestSendDoesNotMatchOtherSendersOrStaleContent(t *testing.T) {
	h := newHarness(t)
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.api.sendErr = errBackend
	if _, err := h.engine.SendMessage(ctx, alice, models.Body{Text: "hello"}); err == nil {
		t.Fatalf("expected send failure")
	}

	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("m-alice", "alice", alice, "hello")})
	h.clock.Advance(time.Minute)
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("m-late", selfID, alice, "hello")})

	messages := h.engine.Messages()
	if len(messages) != 3 {
		t.Fatalf("expected failed entry plus two messages, got %+v", messages)
	}
	if messages[0].Status != models.StatusFailed {
		t.Fatalf("expected first entry to stay failed, got %s", messages[0].Status)
	}
}

func TestInboundForOtherConversationOnlyTouchesSummary(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "hi"))
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.clock.Advance(time.Second)
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b1", "bob", bob, "from bob")})
	h.clock.Advance(time.Second)
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("t1", "carol", team, "in team")})

	assertIDs(t, h.engine.Messages(), "a1")

	conv, ok := h.engine.Conversation(bob)
	if !ok {
		t.Fatalf("expected summary for bob")
	}
	if conv.LastMessagePreview != "from bob" || conv.UnreadCount != 1 || conv.LastMessageID != "b1" {
		t.Fatalf("unexpected bob summary %+v", conv)
	}
	if conv, _ := h.engine.Conversation(team); conv.UnreadCount != 1 {
		t.Fatalf("expected team unread 1, got %d", conv.UnreadCount)
	}
	if conv, _ := h.engine.Conversation(alice); conv.UnreadCount != 0 {
		t.Fatalf("active conversation must not gain unread, got %d", conv.UnreadCount)
	}

	convs := h.engine.Conversations()
	if len(convs) == 0 || convs[0].Target != team {
		t.Fatalf("expected most recent conversation first, got %+v", convs)
	}
}

func TestUnreadCountedOncePerID(t *testing.T) {
	h := newHarness(t)
	h.selectConversation(t, alice)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b1", "bob", bob, "again")})
	}
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b2", selfID, bob, "mine")})

	conv, _ := h.engine.Conversation(bob)
	if conv.UnreadCount != 1 {
		t.Fatalf("expected unread 1, got %d", conv.UnreadCount)
	}
}

func TestInboundFromOthersIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b1", "bob", bob, "hey")})
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b1", "bob", bob, "hey")})
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("own", selfID, bob, "mine")})

	sent := h.client.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one delivery receipt, got %d", len(sent))
	}
	receipt, ok := sent[0].Payload.(channel.ReceiptPayload)
	if !ok || sent[0].Type != channel.EventDeliveryReceipt {
		t.Fatalf("unexpected emit %+v", sent[0])
	}
	if receipt.MessageID != "b1" || receipt.TargetID != "bob" || receipt.UserID != selfID {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestSwitchingConversationReplacesList(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, true, h.msg("a1", "alice", alice, "a"), h.msg("a2", selfID, alice, "b"))
	h.api.setPage(alice, 2, false, h.msg("a0", "alice", alice, "older"))
	h.api.setPage(bob, 1, false, h.msg("b1", "bob", bob, "x"))

	h.selectConversation(t, alice)
	if err := h.engine.LoadOlder(context.Background()); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	if h.engine.Cursor().Page != 2 {
		t.Fatalf("expected page 2 loaded")
	}

	h.selectConversation(t, bob)
	cursor := h.engine.Cursor()
	if cursor.Target != bob || cursor.Page != 1 {
		t.Fatalf("unexpected cursor %+v", cursor)
	}
	assertIDs(t, h.engine.Messages(), "b1")

	h.selectConversation(t, alice)
	assertIDs(t, h.engine.Messages(), "a1", "a2")
}

func TestReselectingActiveConversationIsNoop(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"))
	h.selectConversation(t, alice)
	h.engine.HandleEvent(context.Background(), channel.NewMessage{Message: h.msg("a2", "alice", alice, "b")})

	fetches := h.api.fetches()
	h.selectConversation(t, alice)
	if h.api.fetches() != fetches {
		t.Fatalf("reselection must not fetch")
	}
	assertIDs(t, h.engine.Messages(), "a1", "a2")
}

func TestStalePageResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"))
	h.api.setPage(bob, 1, false, h.msg("b1", "bob", bob, "b"))

	switched := false
	h.api.onFetch = func(target models.Target, page int) {
		if target == alice && !switched {
			switched = true
			h.selectConversation(t, bob)
		}
	}

	h.selectConversation(t, alice)

	if h.engine.Cursor().Target != bob {
		t.Fatalf("expected cursor on bob")
	}
	assertIDs(t, h.engine.Messages(), "b1")
	if notices := drainNotices(h.engine); len(notices) != 0 {
		t.Fatalf("stale result must not raise notices, got %+v", notices)
	}
}

func TestFailedSendRetryLeavesSingleEntry(t *testing.T) {
	h := newHarness(t)
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.api.sendErr = errBackend
	failed, err := h.engine.SendMessage(ctx, alice, models.Body{Text: "hello"})
	if !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	messages := h.engine.Messages()
	if len(messages) != 1 || messages[0].Status != models.StatusFailed {
		t.Fatalf("expected one failed entry, got %+v", messages)
	}
	if notices := drainNotices(h.engine); len(notices) != 1 || notices[0].Level != models.NoticeError {
		t.Fatalf("expected one error notice, got %+v", notices)
	}

	h.api.mu.Lock()
	h.api.sendErr = nil
	h.api.mu.Unlock()

	retried, err := h.engine.RetrySend(ctx, failed.TempID)
	if err != nil {
		t.Fatalf("RetrySend failed: %v", err)
	}
	messages = h.engine.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected one entry after retry, got %+v", messages)
	}
	if messages[0].ID != retried.ID || messages[0].Status != models.StatusSent {
		t.Fatalf("unexpected entry after retry %+v", messages[0])
	}
	if _, err := h.engine.RetrySend(ctx, failed.TempID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable for superseded temp id, got %v", err)
	}
}

func TestNonFriendCapRejectsLocally(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(bob, 1, false,
		h.msg("s1", selfID, bob, "1"),
		h.msg("s2", selfID, bob, "2"),
		h.msg("s3", selfID, bob, "3"),
	)
	h.selectConversation(t, bob)
	before := len(h.engine.Messages())

	_, err := h.engine.SendMessage(context.Background(), bob, models.Body{Text: "hi"})
	if !errors.Is(err, ErrMessageLimitReached) {
		t.Fatalf("expected ErrMessageLimitReached, got %v", err)
	}
	if h.api.sends() != 0 {
		t.Fatalf("expected no persistence call, got %d", h.api.sends())
	}
	if got := len(h.engine.Messages()); got != before {
		t.Fatalf("expected list length %d, got %d", before, got)
	}

	h.engine.SetFriends([]string{"bob"})
	if _, err := h.engine.SendMessage(context.Background(), bob, models.Body{Text: "hi"}); err != nil {
		t.Fatalf("friend send failed: %v", err)
	}
}

func TestNonFriendCapDoesNotApplyToGroups(t *testing.T) {
	h := newHarness(t)
	h.selectConversation(t, team)
	ctx := context.Background()
	for i := 0; i < NonFriendMessageCap+2; i++ {
		if _, err := h.engine.SendMessage(ctx, team, models.Body{Text: "msg"}); err != nil {
			t.Fatalf("group send %d failed: %v", i, err)
		}
	}
}

func TestPage2PrecedesPage1(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, true, h.msg("p1a", "alice", alice, "1"), h.msg("p1b", selfID, alice, "2"), h.msg("p1c", "alice", alice, "3"))
	h.api.setPage(alice, 2, false, h.msg("p2a", "alice", alice, "a"), h.msg("p2b", selfID, alice, "b"), h.msg("p1a", "alice", alice, "1"))

	h.selectConversation(t, alice)
	if err := h.engine.LoadPage(context.Background(), 2); err != nil {
		t.Fatalf("LoadPage(2) failed: %v", err)
	}

	assertIDs(t, h.engine.Messages(), "p2a", "p2b", "p1a", "p1b", "p1c")
	if h.engine.Cursor().HasMore {
		t.Fatalf("expected hasMore false after last page")
	}
}

func TestPageOneReloadKeepsUnconfirmedSends(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"))
	h.selectConversation(t, alice)

	h.api.sendErr = errBackend
	_, _ = h.engine.SendMessage(context.Background(), alice, models.Body{Text: "pending"})

	if err := h.engine.LoadPage(context.Background(), 1); err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	messages := h.engine.Messages()
	if len(messages) != 2 || messages[1].Status != models.StatusFailed {
		t.Fatalf("expected failed send carried after reload, got %+v", messages)
	}
}

func TestArrivalDuringFirstLoadOfEmptyConversationIsKept(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.api.onFetch = func(target models.Target, page int) {
		h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("m1", "alice", alice, "hi")})
	}
	h.selectConversation(t, alice)
	h.api.onFetch = nil

	assertIDs(t, h.engine.Messages(), "m1")

	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("m1", "alice", alice, "hi")})
	assertIDs(t, h.engine.Messages(), "m1")
}

func TestArrivalDuringReloadWithSameTimestampIsKept(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("m0", "alice", alice, "first"))
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.api.onFetch = func(target models.Target, page int) {
		h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("m1", "alice", alice, "second")})
	}
	if err := h.engine.LoadPage(ctx, 1); err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}

	assertIDs(t, h.engine.Messages(), "m0", "m1")
}

func TestFullPageReloadDropsOlderPages(t *testing.T) {
	h := newHarness(t)
	older := h.msg("p2a", "alice", alice, "old")
	older.CreatedAt = h.clock.Now().Add(-time.Hour)
	h.api.setPage(alice, 1, true, h.msg("p1a", "alice", alice, "1"), h.msg("p1b", "alice", alice, "2"))
	h.api.setPage(alice, 2, false, older)
	h.selectConversation(t, alice)
	ctx := context.Background()

	if err := h.engine.LoadOlder(ctx); err != nil {
		t.Fatalf("LoadOlder failed: %v", err)
	}
	assertIDs(t, h.engine.Messages(), "p2a", "p1a", "p1b")

	if err := h.engine.LoadPage(ctx, 1); err != nil {
		t.Fatalf("LoadPage failed: %v", err)
	}
	assertIDs(t, h.engine.Messages(), "p1a", "p1b")
	if h.engine.Cursor().Page != 1 {
		t.Fatalf("expected cursor back on page 1, got %d", h.engine.Cursor().Page)
	}
}

func TestFailedLoadKeepsList(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"))
	h.selectConversation(t, alice)

	h.api.mu.Lock()
	h.api.fetchErr = errBackend
	h.api.mu.Unlock()

	if err := h.engine.LoadPage(context.Background(), 1); !errors.Is(err, errBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	assertIDs(t, h.engine.Messages(), "a1")
	if err := h.engine.RefreshConversations(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
}

func TestEditAndDeleteRollBackOnFailure(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", selfID, alice, "first"), h.msg("a2", selfID, alice, "second"))
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.api.editErr = errBackend
	if _, err := h.engine.EditMessage(ctx, "a1", "changed"); err == nil {
		t.Fatalf("expected edit failure")
	}
	if m := h.engine.Messages()[0]; m.Body.Text != "first" || m.Edited {
		t.Fatalf("edit not rolled back: %+v", m)
	}

	h.api.deleteErr = errBackend
	if err := h.engine.DeleteMessage(ctx, "a1"); err == nil {
		t.Fatalf("expected delete failure")
	}
	assertIDs(t, h.engine.Messages(), "a1", "a2")

	h.api.editErr = nil
	h.api.deleteErr = nil
	updated, err := h.engine.EditMessage(ctx, "a2", "edited")
	if err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	if !updated.Edited || h.engine.Messages()[1].Body.Text != "edited" {
		t.Fatalf("edit not applied: %+v", h.engine.Messages()[1])
	}
	if err := h.engine.DeleteMessage(ctx, "a1"); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	assertIDs(t, h.engine.Messages(), "a2")
}

func TestRemoteEditAndDeleteApplyInPlace(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "first"), h.msg("a2", "alice", alice, "second"))
	h.selectConversation(t, alice)
	ctx := context.Background()

	edited := h.msg("a1", "alice", alice, "fixed")
	edited.Edited = true
	h.engine.HandleEvent(ctx, channel.MessageUpdated{Message: edited})
	h.engine.HandleEvent(ctx, channel.MessageDeleted{MessageID: "a2", Target: alice})

	messages := h.engine.Messages()
	assertIDs(t, messages, "a1")
	if messages[0].Body.Text != "fixed" || !messages[0].Edited {
		t.Fatalf("remote edit not applied: %+v", messages[0])
	}

	h.engine.HandleEvent(ctx, channel.MessageDeleted{MessageID: "a1", Target: bob})
	assertIDs(t, h.engine.Messages(), "a1")
}

func TestMarkReadRestoresUnreadOnFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b1", "bob", bob, "1")})
	h.engine.HandleEvent(ctx, channel.NewMessage{Message: h.msg("b2", "bob", bob, "2")})

	h.api.markReadErr = errBackend
	if err := h.engine.MarkRead(ctx, bob); err == nil {
		t.Fatalf("expected mark read failure")
	}
	if conv, _ := h.engine.Conversation(bob); conv.UnreadCount != 2 {
		t.Fatalf("expected unread restored to 2, got %d", conv.UnreadCount)
	}

	h.api.markReadErr = nil
	if err := h.engine.MarkRead(ctx, bob); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if conv, _ := h.engine.Conversation(bob); conv.UnreadCount != 0 {
		t.Fatalf("expected unread 0, got %d", conv.UnreadCount)
	}
}

func TestReceiptsUpgradeWithoutDowngrade(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(alice, 1, false, h.msg("a1", selfID, alice, "1"), h.msg("a2", selfID, alice, "2"), h.msg("a3", "alice", alice, "3"))
	h.selectConversation(t, alice)
	ctx := context.Background()

	h.engine.HandleEvent(ctx, channel.ReadReceipt{MessageIDs: []string{"a1"}, UserID: "alice", Target: alice})
	h.engine.HandleEvent(ctx, channel.DeliveryReceipt{MessageIDs: []string{"a1", "a2"}, UserID: "alice", Target: alice})

	messages := h.engine.Messages()
	if messages[0].Status != models.StatusRead || len(messages[0].ReadBy) != 1 {
		t.Fatalf("expected a1 read, got %+v", messages[0])
	}
	if messages[1].Status != models.StatusDelivered || len(messages[1].DeliveredBy) != 1 {
		t.Fatalf("expected a2 delivered, got %+v", messages[1])
	}
	if messages[2].Status != models.StatusSent {
		t.Fatalf("receipts must not touch messages from others, got %+v", messages[2])
	}

	h.engine.HandleEvent(ctx, channel.ReadReceipt{UserID: "alice", Target: alice})
	if h.engine.Messages()[1].Status != models.StatusRead {
		t.Fatalf("expected read-all receipt to upgrade a2")
	}
}

func TestGroupDeletedClosesCursor(t *testing.T) {
	h := newHarness(t)
	h.api.setPage(team, 1, false, h.msg("t1", "carol", team, "hi"))
	h.selectConversation(t, team)
	ctx := context.Background()

	h.engine.HandleEvent(ctx, channel.GroupUpdated{GroupID: "team", Name: "Renamed"})
	if conv, _ := h.engine.Conversation(team); conv.Name != "Renamed" {
		t.Fatalf("expected renamed group, got %q", conv.Name)
	}

	h.engine.HandleEvent(ctx, channel.GroupDeleted{GroupID: "team"})
	if !h.engine.Cursor().Target.IsZero() || len(h.engine.Messages()) != 0 {
		t.Fatalf("expected cursor closed")
	}
	if _, ok := h.engine.Conversation(team); ok {
		t.Fatalf("expected summary removed")
	}
}

func TestConnectedResubscribesAndReloads(t *testing.T) {
	h := newHarness(t)
	h.api.conversations = []models.Conversation{{Target: bob, Name: "Bob", UnreadCount: 4}}
	h.api.friends = []string{"bob"}
	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"))
	h.engine.Attach()
	h.selectConversation(t, alice)

	h.api.setPage(alice, 1, false, h.msg("a1", "alice", alice, "a"), h.msg("a2", "alice", alice, "missed"))
	h.engine.HandleEvent(context.Background(), channel.Connected{Reconnect: true})

	if n := h.client.Subscribers(); n != 1 {
		t.Fatalf("expected one subscription after reconnect, got %d", n)
	}
	assertIDs(t, h.engine.Messages(), "a1", "a2")
	if conv, ok := h.engine.Conversation(bob); !ok || conv.UnreadCount != 4 {
		t.Fatalf("expected refreshed summary, got %+v", conv)
	}
	if _, err := h.engine.SendMessage(context.Background(), bob, models.Body{Text: "friend"}); err != nil {
		t.Fatalf("expected friend set loaded, got %v", err)
	}
}

func TestSenderDirectory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.engine.HandleEvent(ctx, channel.NewMessage{
		Message: h.msg("b1", "bob", bob, "hi"),
		Sender:  &models.User{ID: "bob", Username: "Bob"},
	})
	h.engine.HandleEvent(ctx, channel.UserUpdated{User: models.User{ID: "bob", Username: "Robert"}})

	u, ok := h.engine.Sender("bob")
	if !ok || u.Username != "Robert" {
		t.Fatalf("unexpected sender %+v", u)
	}
}

func TestDedupeKeepsFirstAndOrder(t *testing.T) {
	in := []models.Message{{ID: "a"}, {TempID: "t1"}, {ID: "b"}, {ID: "a"}, {TempID: "t2"}, {ID: "b"}, {ID: "c"}}
	out, dropped := Dedupe(in)
	if dropped != 2 {
		t.Fatalf("expected 2 dropped, got %d", dropped)
	}
	want := []string{"a", "t1", "b", "t2", "c"}
	for i, m := range out {
		key := m.ID
		if key == "" {
			key = m.TempID
		}
		if key != want[i] {
			t.Fatalf("position %d: expected %q, got %q", i, want[i], key)
		}
	}
}

func TestClampPageSize(t *testing.T) {
	cases := map[int]int{0: DefaultPageSize, -3: DefaultPageSize, 5: MinPageSize, 35: 35, 500: MaxPageSize}
	for in, want := range cases {
		if got := ClampPageSize(in); got != want {
			t.Fatalf("ClampPageSize(%d) = %d, want %d", in, got, want)
		}
	}
}
