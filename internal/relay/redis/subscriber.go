// Package redis feeds the relay from the gateway's Pub/Sub channels.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	gatewayRedis "github.com/aaronwang/bidding-app/internal/gateway/redis"
)

// Pattern matches every item's bid event channel
const Pattern = gatewayRedis.ChannelPrefix + "*"

// Subscriber wraps Redis Pub/Sub functionality
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
}

// Message is one bid event received for an item
type Message struct {
	ItemID  string
	Payload []byte
}

// NewSubscriber connects to Redis
func NewSubscriber(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Subscriber, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{client: rdb, logger: logger.With("component", "relay_subscriber")}, nil
}

// SubscribeToPattern subscribes to all bid events using pattern matching
// and waits for Redis to confirm.
func (s *Subscriber) SubscribeToPattern(ctx context.Context, pattern string) error {
	s.pubsub = s.client.PSubscribe(ctx, pattern)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	return nil
}

// Listen forwards messages to out until ctx is cancelled. It is blocking;
// run it in a goroutine. go-redis resubscribes on its own after a
// connection drop.
func (s *Subscriber) Listen(ctx context.Context, out chan<- Message) error {
	if s.pubsub == nil {
		return fmt.Errorf("not subscribed to any channel")
	}

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			m, ok := decode(msg.Channel, msg.Payload)
			if !ok {
				s.logger.Warn("pubsub_message_invalid", "channel", msg.Channel)
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// decode validates a Pub/Sub message and extracts its item id
func decode(channel, payload string) (Message, bool) {
	itemID := gatewayRedis.ItemFromChannel(channel)
	if itemID == "" || !json.Valid([]byte(payload)) {
		return Message{}, false
	}
	return Message{ItemID: itemID, Payload: []byte(payload)}, true
}

// Close closes the subscriber
func (s *Subscriber) Close() error {
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	return s.client.Close()
}
