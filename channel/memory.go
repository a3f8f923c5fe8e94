package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryHub relays events between in-process clients the way the relay
// server does: frames are routed by recipient and stamped with the sender.
type MemoryHub struct {
	mu      sync.RWMutex
	clients map[string]*MemoryClient
	groups  map[string][]string
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		clients: make(map[string]*MemoryClient),
		groups:  make(map[string][]string),
	}
}

// Connect registers a connected client for userID, replacing any previous
// client of the same user.
func (h *MemoryHub) Connect(userID string) *MemoryClient {
	c := &MemoryClient{
		hub:    h,
		selfID: userID,
		subs:   newSubscriptions(),
		queue:  make(chan Event, dispatchQueueSize),
		done:   make(chan struct{}),
	}
	c.connected.Store(true)

	h.mu.Lock()
	if old, ok := h.clients[userID]; ok {
		old.Close()
	}
	h.clients[userID] = c
	h.mu.Unlock()

	go c.dispatchLoop()
	return c
}

// JoinGroup records group membership used to fan out group messages.
func (h *MemoryHub) JoinGroup(groupID string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups[groupID] = append(h.groups[groupID], userIDs...)
}

// Drop simulates a transport failure for userID.
func (h *MemoryHub) Drop(userID string) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.connected.Store(false)
	c.enqueue(Disconnected{Err: ErrNotConnected})
}

// Restore brings a dropped client back and delivers Connected.
func (h *MemoryHub) Restore(userID string) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.connected.Store(true)
	c.enqueue(Connected{Reconnect: true})
}

// Inject delivers a typed event straight to userID.
func (h *MemoryHub) Inject(userID string, event Event) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(event)
	}
}

func (h *MemoryHub) route(from string, eventType EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("inspect %s payload: %w", eventType, err)
	}

	recipients := h.recipients(from, eventType, fields)
	switch eventType {
	case EventDeliveryReceipt, EventReadReceipt:
		fields["userId"] = from
	case EventCallRequest, EventCallAnswer, EventCallReject, EventCallEnd, EventICECandidate, EventCallHistoryMessage:
		fields["from"] = from
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range recipients {
		c := h.clients[id]
		if c == nil || !c.connected.Load() {
			continue
		}
		frame, err := Encode(eventType, fields)
		if err != nil {
			return err
		}
		event, err := Decode(c.selfID, frame)
		if err != nil {
			// Events the client would not decode, such as call history
			// summaries, are dropped like an unknown frame.
			continue
		}
		c.enqueue(event)
	}
	return nil
}

func (h *MemoryHub) recipients(from string, eventType EventType, fields map[string]any) []string {
	str := func(key string) string {
		v, _ := fields[key].(string)
		return v
	}
	if to := str("to"); to != "" {
		return []string{to}
	}
	groupID := str("groupId")
	if groupID == "" && str("targetType") == "group" {
		groupID = str("targetId")
	}
	if groupID != "" {
		h.mu.RLock()
		defer h.mu.RUnlock()
		out := make([]string, 0, len(h.groups[groupID]))
		for _, id := range h.groups[groupID] {
			if id != from {
				out = append(out, id)
			}
		}
		return out
	}
	if id := str("receiverId"); id != "" {
		return []string{id}
	}
	if id := str("targetId"); id != "" {
		return []string{id}
	}
	return nil
}

// MemoryClient is one user's end of a MemoryHub.
type MemoryClient struct {
	hub    *MemoryHub
	selfID string
	subs   *subscriptions

	connected atomic.Bool

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once

	sentMu sync.Mutex
	sent   []SentEvent
}

// SentEvent records one outbound emit.
type SentEvent struct {
	Type    EventType
	Payload any
}

// Emit routes an event through the hub.
func (c *MemoryClient) Emit(ctx context.Context, eventType EventType, payload any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.sentMu.Lock()
	c.sent = append(c.sent, SentEvent{Type: eventType, Payload: payload})
	c.sentMu.Unlock()
	return c.hub.route(c.selfID, eventType, payload)
}

// Subscribe registers a named handler.
func (c *MemoryClient) Subscribe(name string, handler Handler) func() {
	return c.subs.add(name, handler)
}

// Connected reports the simulated connection state.
func (c *MemoryClient) Connected() bool {
	return c.connected.Load()
}

// Subscribers returns the number of registered handlers.
func (c *MemoryClient) Subscribers() int {
	return c.subs.count()
}

// Sent returns a copy of all emitted events.
func (c *MemoryClient) Sent() []SentEvent {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	return append([]SentEvent(nil), c.sent...)
}

// Close stops the client's dispatch loop.
func (c *MemoryClient) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
	})
}

func (c *MemoryClient) enqueue(event Event) {
	select {
	case c.queue <- event:
	case <-c.done:
	}
}

func (c *MemoryClient) dispatchLoop() {
	ctx := context.Background()
	for {
		select {
		case event := <-c.queue:
			c.subs.dispatch(ctx, event)
		case <-c.done:
			return
		}
	}
}
