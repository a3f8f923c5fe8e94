// Package channel is the duplex event transport between the client and the
// relay server. Inbound frames are decoded into typed events and handed to
// named subscribers one at a time.
package channel

import (
	"context"
	"sort"
	"sync"
)

// Handler receives inbound events. Handlers run on the transport's single
// dispatch goroutine and must not block on further inbound events.
type Handler func(ctx context.Context, event Event)

// Channel is what the engines need from a transport.
type Channel interface {
	// Emit sends one outbound event.
	Emit(ctx context.Context, eventType EventType, payload any) error
	// Subscribe registers handler under name. Subscribing again with the
	// same name replaces the previous handler.
	Subscribe(name string, handler Handler) (unsubscribe func())
	// Connected reports whether the transport is currently up.
	Connected() bool
}

type subscriptions struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	version  map[string]uint64
	next     uint64
}

func newSubscriptions() *subscriptions {
	return &subscriptions{
		handlers: make(map[string]Handler),
		version:  make(map[string]uint64),
	}
}

func (s *subscriptions) add(name string, handler Handler) func() {
	s.mu.Lock()
	s.next++
	v := s.next
	s.handlers[name] = handler
	s.version[name] = v
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// A later Subscribe under the same name owns the slot now.
		if s.version[name] == v {
			delete(s.handlers, name)
			delete(s.version, name)
		}
	}
}

func (s *subscriptions) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}

func (s *subscriptions) dispatch(ctx context.Context, event Event) {
	s.mu.RLock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	handlers := make([]Handler, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, s.handlers[name])
	}
	s.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, event)
	}
}
