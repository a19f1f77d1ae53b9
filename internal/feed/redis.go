package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// redisTeardownTimeout bounds how long Close waits for the server's
// unsubscribe confirmation before forcing the connection down.
const redisTeardownTimeout = 5 * time.Second

// RedisFeed is the Redis pub/sub feed backend for multi-node deployments.
// Publishes go through a shared pool; each subscription holds its own
// connection because a subscribed connection can't run other commands.
type RedisFeed struct {
	pool *redis.Pool
	addr string
}

// NewRedisFeed creates a Redis-backed feed.
func NewRedisFeed(addr string) *RedisFeed {
	pool := &redis.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
	return &RedisFeed{pool: pool, addr: addr}
}

// messageChannel is the per-conversation pub/sub channel name.
func messageChannel(conversationID string) string {
	return "solace:conversation:" + conversationID + ":messages"
}

// Publish sends the event on the conversation's channel.
func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}

	conn, err := f.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis connection: %w", err)
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PUBLISH", messageChannel(event.ConversationID), payload); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated connection subscribed to the conversation's
// channel.
func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (Subscription, error) {
	conn, err := redis.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("dial redis: %w", err)
	}

	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(messageChannel(conversationID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	// Wait for the server's subscribe confirmation so the subscription is
	// live before the caller sends anything that could trigger an event.
	switch v := psc.ReceiveWithTimeout(redisTeardownTimeout).(type) {
	case redis.Subscription:
	case error:
		conn.Close()
		return nil, fmt.Errorf("confirm subscribe: %w", v)
	}

	sub := &redisSubscription{
		psc:            psc,
		conversationID: conversationID,
		events:         make(chan Event, subscriptionBuffer),
		done:           make(chan struct{}),
	}
	go sub.receive()
	return sub, nil
}

// Close shuts the publish pool down. Open subscriptions hold their own
// connections and are closed individually.
func (f *RedisFeed) Close() error {
	return f.pool.Close()
}

type redisSubscription struct {
	psc            redis.PubSubConn
	conversationID string
	events         chan Event
	done           chan struct{}
	closeOnce      sync.Once
}

// Events returns the subscription's event stream.
func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

// receive pumps pub/sub messages into the event channel until the server
// confirms the unsubscribe or the connection dies.
func (s *redisSubscription) receive() {
	defer close(s.done)
	defer close(s.events)

	for {
		switch v := s.psc.Receive().(type) {
		case redis.Message:
			var event Event
			if err := json.Unmarshal(v.Data, &event); err != nil {
				log.Warn().Err(err).
					Str("conversation_id", s.conversationID).
					Msg("Dropping malformed feed event")
				continue
			}
			select {
			case s.events <- event:
			default:
				log.Warn().
					Str("conversation_id", s.conversationID).
					Str("message_id", event.MessageID).
					Msg("Feed subscription buffer full, dropping event")
			}
		case redis.Subscription:
			if v.Count == 0 {
				return
			}
		case error:
			log.Warn().Err(v).
				Str("conversation_id", s.conversationID).
				Msg("Feed subscription connection lost")
			return
		}
	}
}

// Close unsubscribes and waits for the server's confirmation before
// releasing the connection. A subscription that doesn't confirm within
// the teardown timeout is forced down.
func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		if err := s.psc.Unsubscribe(); err != nil {
			// Connection already dead; the receive loop has exited or is
			// about to.
			s.psc.Conn.Close()
		}
		select {
		case <-s.done:
		case <-time.After(redisTeardownTimeout):
			s.psc.Conn.Close()
			<-s.done
		}
		s.psc.Conn.Close()
	})
	return nil
}
