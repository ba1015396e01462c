package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster distributes messages across service instances via Redis
// pub/sub. Payloads are JSON-encoded, so T must round-trip through
// encoding/json. Local delivery semantics match MemoryBroadcaster: slow
// consumers drop messages instead of blocking.
type RedisBroadcaster[T any] struct {
	client     redis.UniversalClient
	channel    string
	local      *MemoryBroadcaster[T]
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
	closeOnce  sync.Once
	receiverWg sync.WaitGroup
}

// NewRedisBroadcaster creates a broadcaster bound to a Redis pub/sub channel
// and starts the background receiver that feeds remote messages into local
// subscribers.
func NewRedisBroadcaster[T any](client redis.UniversalClient, channel string, bufferSize int) (*RedisBroadcaster[T], error) {
	if client == nil {
		return nil, ErrNilRedisClient
	}
	if channel == "" {
		return nil, ErrEmptyChannel
	}

	ctx, cancel := context.WithCancel(context.Background())

	b := &RedisBroadcaster[T]{
		client:  client,
		channel: channel,
		local:   NewMemoryBroadcaster[T](bufferSize),
		pubsub:  client.Subscribe(ctx, channel),
		cancel:  cancel,
	}

	b.receiverWg.Add(1)
	go b.receive(ctx)

	return b, nil
}

// Subscribe registers a local subscriber for messages published on the
// channel from any instance.
func (b *RedisBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	return b.local.Subscribe(ctx)
}

// Broadcast publishes the message to Redis; delivery to local subscribers
// happens through the same pub/sub round-trip so every instance observes an
// identical stream.
func (b *RedisBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	payload, err := json.Marshal(msg.Data)
	if err != nil {
		return errors.Join(ErrEncodeMessage, err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return errors.Join(ErrPublishFailed, err)
	}
	return nil
}

// Close stops the receiver, unsubscribes from Redis and closes all local
// subscribers. Safe to call multiple times.
func (b *RedisBroadcaster[T]) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		err = b.pubsub.Close()
		b.receiverWg.Wait()
		_ = b.local.Close()
	})
	return err
}

func (b *RedisBroadcaster[T]) receive(ctx context.Context) {
	defer b.receiverWg.Done()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var data T
			if err := json.Unmarshal([]byte(m.Payload), &data); err != nil {
				// Malformed payloads are dropped; the channel is private to
				// this service so this indicates a version skew, not input.
				continue
			}
			_ = b.local.Broadcast(ctx, Message[T]{Data: data})
		}
	}
}
