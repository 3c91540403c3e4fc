// Package redis fans collaboration control messages out across server
// instances: document cache invalidations and per-user events. A single
// instance can run without it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/go-redis/redis/v8"
)

// PubSub handles Redis pub/sub for multi-instance coordination
type PubSub struct {
	client     *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
	instanceID string
	subs       map[string]*redis.PubSub
	subsMu     sync.Mutex
	handlers   map[string][]MessageHandler
	handlersMu sync.RWMutex
}

// MessageHandler is a function that handles pub/sub messages
type MessageHandler func(channel string, payload []byte)

// Message is the envelope published between instances. From carries the
// sender's instance id so instances skip their own messages.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Message types published between instances
const (
	TypeInvalidate    = "invalidate"
	TypeInvalidateAll = "invalidate-all"
	TypeUserEvent     = "user-event"
)

// New creates a PubSub connected to REDIS_URL. instanceID tags outgoing
// messages.
func New(ctx context.Context, instanceID string) (*PubSub, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	return &PubSub{
		client:     client,
		ctx:        subCtx,
		cancel:     cancel,
		instanceID: instanceID,
		subs:       make(map[string]*redis.PubSub),
		handlers:   make(map[string][]MessageHandler),
	}, nil
}

// Close closes the PubSub connection
func (ps *PubSub) Close() error {
	ps.cancel()

	ps.subsMu.Lock()
	for _, sub := range ps.subs {
		sub.Close()
	}
	ps.subsMu.Unlock()

	return ps.client.Close()
}

// Subscribe subscribes a handler to a channel. Messages from this
// instance are filtered out before the handler runs.
func (ps *PubSub) Subscribe(channel string, handler MessageHandler) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	if _, exists := ps.subs[channel]; exists {
		return nil
	}

	sub := ps.client.Subscribe(ps.ctx, channel)
	ps.subs[channel] = sub

	go ps.listen(channel, sub)

	return nil
}

// Publish publishes a typed payload to a channel under this instance's id.
func (ps *PubSub) Publish(channel, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&Message{Type: msgType, From: ps.instanceID, Payload: raw})
	if err != nil {
		return err
	}
	return ps.client.Publish(ps.ctx, channel, data).Err()
}

// listen dispatches messages on a subscription, dropping our own.
func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var envelope Message
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				continue
			}
			if envelope.From == ps.instanceID {
				continue
			}

			ps.handlersMu.RLock()
			handlers := ps.handlers[channel]
			ps.handlersMu.RUnlock()

			for _, handler := range handlers {
				go handler(channel, []byte(msg.Payload))
			}
		}
	}
}

// InvalidationChannel is the channel carrying document cache
// invalidations between instances.
func InvalidationChannel() string {
	return "collab:invalidate"
}

// UserEventsChannel is the channel carrying per-user event broadcasts
// between instances.
func UserEventsChannel() string {
	return "collab:user-events"
}
