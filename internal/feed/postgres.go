package feed

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// pgChannel is the shared NOTIFY channel; events carry the conversation id
// and are fanned out client-side.
const pgChannel = "solace_messages"

// pgPayloadLimit keeps notify payloads under the server's 8000-byte cap.
// Larger events are sent thin and the subscriber fetches the row.
const pgPayloadLimit = 7500

// PostgresFeed is the LISTEN/NOTIFY feed backend. Publishes ride the
// store's connection pool; one pq.Listener fans notifications out to the
// local subscriptions.
type PostgresFeed struct {
	db       *sql.DB
	listener *pq.Listener

	mu     sync.Mutex
	subs   map[string]map[*pgSubscription]struct{}
	closed bool
}

// NewPostgresFeed creates a LISTEN/NOTIFY feed on the given DSN. The
// *sql.DB is the store's pool, reused for pg_notify publishes.
func NewPostgresFeed(db *sql.DB, dsn string) (*PostgresFeed, error) {
	f := &PostgresFeed{
		db:   db,
		subs: make(map[string]map[*pgSubscription]struct{}),
	}

	f.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("Postgres listener event")
		}
	})
	if err := f.listener.Listen(pgChannel); err != nil {
		f.listener.Close()
		return nil, fmt.Errorf("listen on %s: %w", pgChannel, err)
	}

	go f.dispatch()
	return f, nil
}

// Publish sends the event through pg_notify. Events exceeding the payload
// limit are thinned to identifiers.
func (f *PostgresFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if len(payload) > pgPayloadLimit {
		thin := Event{ConversationID: event.ConversationID, MessageID: event.MessageID}
		if payload, err = json.Marshal(thin); err != nil {
			return fmt.Errorf("marshal thin feed event: %w", err)
		}
	}

	if _, err := f.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", pgChannel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe opens a subscription for one conversation.
func (f *PostgresFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fmt.Errorf("postgres feed is closed")
	}

	sub := &pgSubscription{
		feed:           f,
		conversationID: conversationID,
		events:         make(chan Event, subscriptionBuffer),
	}
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[*pgSubscription]struct{})
	}
	f.subs[conversationID][sub] = struct{}{}
	return sub, nil
}

// Close stops the listener and closes every open subscription.
func (f *PostgresFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, subs := range f.subs {
		for sub := range subs {
			close(sub.events)
		}
	}
	f.subs = nil
	f.mu.Unlock()

	return f.listener.Close()
}

// dispatch fans listener notifications out to matching subscriptions.
func (f *PostgresFeed) dispatch() {
	for n := range f.listener.Notify {
		if n == nil {
			// Reconnect marker; events in between may have been missed,
			// the polling fallback covers the gap.
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(n.Extra), &event); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed feed notification")
			continue
		}

		f.mu.Lock()
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
		f.mu.Unlock()
	}
}

func (f *PostgresFeed) remove(sub *pgSubscription) {
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

type pgSubscription struct {
	feed           *PostgresFeed
	conversationID string
	events         chan Event
}

// Events returns the subscription's event stream.
func (s *pgSubscription) Events() <-chan Event {
	return s.events
}

// Close deregisters the subscription. Dispatch holds the same lock while
// delivering, so once Close returns no further events can arrive.
func (s *pgSubscription) Close() error {
	s.feed.remove(s)
	return nil
}
