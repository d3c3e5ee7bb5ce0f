package push

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"davomat/internal/logger"
)

// RedisSource relays JSON envelopes from a Redis pub/sub channel into a hub.
// It is the transport used when the backend fans events out through Redis
// instead of Socket.IO.
type RedisSource struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *logger.Logger
}

// NewRedisSource builds a source on channel.
func NewRedisSource(client *redis.Client, channel string, hub *Hub, log *logger.Logger) *RedisSource {
	if channel == "" {
		channel = "attendance:events"
	}
	if hub == nil {
		hub = NewHub(0)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RedisSource{client: client, channel: channel, hub: hub, log: log.Named("redis-push")}
}

// Subscribe registers on the source's hub.
func (s *RedisSource) Subscribe(names ...string) *Subscription {
	return s.hub.Subscribe(names...)
}

// Run relays messages until ctx ends. A non-nil ready is closed once the
// subscription is confirmed.
func (s *RedisSource) Run(ctx context.Context, ready chan<- struct{}) error {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			evt, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				s.log.Warnf("dropping message on %s: %v", s.channel, err)
				continue
			}
			s.hub.Publish(evt)
		}
	}
}

// RedisPublisher writes envelopes to a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher builds a publisher on channel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "attendance:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends evt.
func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, b).Err()
}
