// Package relay bridges the message change feed into the session manager.
//
// A relay owns at most one feed subscription at a time. Switching
// conversations tears the old subscription down and waits for the backend
// to confirm before opening the new one, so two subscriptions are never
// live at once and events can't cross into the wrong conversation. Because
// the feed is best-effort, the relay also runs a bounded polling fallback
// against the store after each send that expects an assistant reply.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/solace-ai/solace/internal/feed"
	"github.com/solace-ai/solace/pkg/models"
)

// outputBuffer is the delivery channel depth. A full buffer drops the
// message; the polling fallback re-discovers it from the store.
const outputBuffer = 256

// fetchTimeout bounds the store fetch that resolves a thin feed event.
const fetchTimeout = 5 * time.Second

// MessageSource reads persisted messages, used to resolve thin feed events
// and to poll for rows the feed missed.
type MessageSource interface {
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
}

// Config holds the polling fallback parameters.
type Config struct {
	PollAttempts int           // bounded retry count (default: 5)
	PollInterval time.Duration // spacing between attempts (default: 3s)
}

// Relay delivers a conversation's new messages onto a single output
// channel, deduplicated by message id.
type Relay struct {
	feed   feed.Feed
	source MessageSource
	cfg    Config
	out    chan *models.Message

	mu                 sync.Mutex
	conversationID     string
	sub                feed.Subscription
	pumpDone           chan struct{}
	pollCancel         context.CancelFunc
	seen               map[string]struct{}
	lastAssistantEpoch int64
	closed             bool
}

// New creates a relay over the given feed and store.
func New(f feed.Feed, source MessageSource, cfg Config) *Relay {
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Relay{
		feed:   f,
		source: source,
		cfg:    cfg,
		out:    make(chan *models.Message, outputBuffer),
		seen:   make(map[string]struct{}),
	}
}

// Messages returns the delivery channel. It closes when the relay closes.
func (r *Relay) Messages() <-chan *models.Message {
	return r.out
}

// Switch points the relay at a conversation. Any previous subscription is
// torn down and its closure confirmed before the new one opens. knownIDs
// seeds the dedup set with messages the caller already holds, so the
// polling fallback doesn't re-deliver them.
func (r *Relay) Switch(ctx context.Context, conversationID string, knownIDs []string) error {
	if err := r.teardown(); err != nil {
		return err
	}

	sub, err := r.feed.Subscribe(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("subscribe to conversation %s: %w", conversationID, err)
	}

	done := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Close()
		return fmt.Errorf("relay is closed")
	}
	r.conversationID = conversationID
	r.sub = sub
	r.pumpDone = done
	r.seen = make(map[string]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		r.seen[id] = struct{}{}
	}
	r.lastAssistantEpoch = 0
	r.mu.Unlock()

	go r.pump(sub, conversationID, done)
	return nil
}

// Stop tears down the current subscription and cancels any running poll.
// Safe to call with nothing open. The delivery channel stays usable for a
// later Switch.
func (r *Relay) Stop() {
	if err := r.teardown(); err != nil {
		log.Warn().Err(err).Msg("Relay teardown failed")
	}
}

// Close shuts the relay down and closes the delivery channel.
func (r *Relay) Close() {
	r.Stop()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.out)
}

// teardown closes the current subscription and waits for its pump to
// drain, which is the confirmation that no more events can arrive.
func (r *Relay) teardown() error {
	r.mu.Lock()
	sub := r.sub
	pumpDone := r.pumpDone
	pollCancel := r.pollCancel
	r.sub = nil
	r.pumpDone = nil
	r.pollCancel = nil
	r.conversationID = ""
	r.mu.Unlock()

	if pollCancel != nil {
		pollCancel()
	}
	if sub == nil {
		return nil
	}
	if err := sub.Close(); err != nil {
		return fmt.Errorf("close subscription: %w", err)
	}
	<-pumpDone
	return nil
}

// pump forwards feed events for one conversation until the subscription
// closes.
func (r *Relay) pump(sub feed.Subscription, conversationID string, done chan struct{}) {
	defer close(done)

	for event := range sub.Events() {
		if event.ConversationID != conversationID {
			continue
		}

		msg := event.Message
		if msg == nil {
			msg = r.resolveThin(event)
			if msg == nil {
				continue
			}
		}
		r.ingest(msg, conversationID)
	}
}

// resolveThin fetches the full row behind an identifier-only event.
func (r *Relay) resolveThin(event feed.Event) *models.Message {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	msg, err := r.source.GetMessage(ctx, event.MessageID)
	if err != nil {
		log.Warn().Err(err).
			Str("message_id", event.MessageID).
			Msg("Failed to resolve thin feed event, poll will recover it")
		return nil
	}
	return msg
}

// ingest delivers one message if it belongs to the current conversation
// and hasn't been seen before.
func (r *Relay) ingest(msg *models.Message, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.conversationID != conversationID {
		return
	}
	if _, dup := r.seen[msg.ID]; dup {
		return
	}

	select {
	case r.out <- msg:
		r.seen[msg.ID] = struct{}{}
		if msg.IsAssistant() && msg.CreatedAtEpoch > r.lastAssistantEpoch {
			r.lastAssistantEpoch = msg.CreatedAtEpoch
		}
	default:
		log.Warn().
			Str("conversation_id", conversationID).
			Str("message_id", msg.ID).
			Msg("Relay buffer full, dropping message for poll to recover")
	}
}

// StartPoll begins the bounded fallback loop for the current conversation,
// replacing any poll already running. The returned channel receives exactly
// one value: true once an assistant message at or after sinceEpoch has been
// delivered, false when the window closes without one.
func (r *Relay) StartPoll(sinceEpoch int64) <-chan bool {
	result := make(chan bool, 1)

	r.mu.Lock()
	if r.closed || r.conversationID == "" {
		r.mu.Unlock()
		result <- false
		return result
	}
	if r.pollCancel != nil {
		r.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.pollCancel = cancel
	conversationID := r.conversationID
	r.mu.Unlock()

	go r.poll(ctx, conversationID, sinceEpoch, result)
	return result
}

// poll re-reads the conversation's messages on a fixed schedule, ingesting
// anything the feed missed, until an assistant reply shows up or the
// bounded window closes.
func (r *Relay) poll(ctx context.Context, conversationID string, sinceEpoch int64, result chan<- bool) {
	for attempt := 1; attempt <= r.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			result <- false
			return
		case <-time.After(r.cfg.PollInterval):
		}

		if r.assistantSeenSince(sinceEpoch) {
			result <- true
			return
		}

		msgs, err := r.source.ListMessages(ctx, conversationID)
		if err != nil {
			if ctx.Err() != nil {
				result <- false
				return
			}
			log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Int("attempt", attempt).
				Msg("Fallback poll failed")
			continue
		}
		for _, msg := range msgs {
			r.ingest(msg, conversationID)
		}

		if r.assistantSeenSince(sinceEpoch) {
			result <- true
			return
		}
	}
	result <- false
}

// assistantSeenSince reports whether an assistant message at or after the
// given epoch has been delivered on any path.
func (r *Relay) assistantSeenSince(sinceEpoch int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAssistantEpoch >= sinceEpoch && r.lastAssistantEpoch > 0
}

// ConversationID returns the conversation the relay is currently following,
// or empty when stopped.
func (r *Relay) ConversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conversationID
}
