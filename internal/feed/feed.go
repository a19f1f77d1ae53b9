// Package feed delivers per-conversation message change notifications.
//
// The session manager publishes an event after every message insert; the
// relay subscribes per conversation and treats the feed as a hint, not a
// source of truth. Delivery may drop under pressure, so subscribers pair a
// subscription with a polling fallback against the store.
package feed

import (
	"context"

	"github.com/solace-ai/solace/pkg/models"
)

// Backend names accepted by configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// subscriptionBuffer is the per-subscription channel depth. Overflow drops
// the event; the relay's polling fallback recovers the row.
const subscriptionBuffer = 64

// Event is one change notification for a conversation's messages.
type Event struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	// Message carries the full row when it fits the backend's payload
	// limits. Thin events leave it nil and the subscriber fetches the row
	// from the store by MessageID.
	Message *models.Message `json:"message,omitempty"`
}

// Thin reports whether the event carries only identifiers.
func (e Event) Thin() bool {
	return e.Message == nil
}

// Feed is a publish/subscribe channel for message change events.
type Feed interface {
	// Publish sends an event to every subscription of its conversation.
	Publish(ctx context.Context, event Event) error
	// Subscribe opens a subscription scoped to one conversation.
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
	// Close shuts the feed down and closes every open subscription.
	Close() error
}

// Subscription is one conversation-scoped event stream.
type Subscription interface {
	// Events returns the stream. The channel is closed once the
	// subscription is torn down or the feed shuts down.
	Events() <-chan Event
	// Close tears the subscription down and returns only after the backend
	// has confirmed it, so a replacement subscription can open without the
	// two overlapping.
	Close() error
}
