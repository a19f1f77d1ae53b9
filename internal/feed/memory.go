package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// MemoryFeed is the in-process feed backend, the default for single-node
// deployments and tests.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryFeed creates an in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

// Publish delivers the event to every subscription of its conversation.
// Subscriptions with full buffers are skipped; the relay's polling fallback
// picks the row up from the store.
func (f *MemoryFeed) Publish(ctx context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("memory feed is closed")
	}

	for sub := range f.subs[event.ConversationID] {
		select {
		case sub.events <- event:
		default:
			log.Warn().
				Str("conversation_id", event.ConversationID).
				Str("message_id", event.MessageID).
				Msg("Feed subscription buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe opens a subscription for one conversation.
func (f *MemoryFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("memory feed is closed")
	}

	sub := &memorySubscription{
		feed:           f,
		conversationID: conversationID,
		events:         make(chan Event, subscriptionBuffer),
	}
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[*memorySubscription]struct{})
	}
	f.subs[conversationID][sub] = struct{}{}
	return sub, nil
}

// Close shuts the feed down and closes every open subscription.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	for _, subs := range f.subs {
		for sub := range subs {
			close(sub.events)
		}
	}
	f.subs = nil
	return nil
}

func (f *MemoryFeed) remove(sub *memorySubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	subs := f.subs[sub.conversationID]
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(f.subs, sub.conversationID)
	}
	close(sub.events)
}

type memorySubscription struct {
	feed           *MemoryFeed
	conversationID string
	events         chan Event
}

// Events returns the subscription's event stream.
func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

// Close deregisters the subscription. Once it returns no further events
// can arrive, which is the teardown confirmation the relay relies on.
func (s *memorySubscription) Close() error {
	s.feed.remove(s)
	return nil
}
