package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/codetogether/codetogether/internal/logging"
	"github.com/codetogether/codetogether/pkg/models"
)

const channelPrefix = "session:"

// envelope wraps a relayed event with the publishing instance's id so an
// instance can ignore its own messages coming back from Redis.
type envelope struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// RedisRelay forwards events between server instances over Redis pub/sub,
// one channel per session.
type RedisRelay struct {
	client *redis.Client
	origin string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(ctx context.Context, addr, password string) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisRelay{
		client: client,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}, nil
}

// Forward publishes the event to the session's Redis channel.
func (r *RedisRelay) Forward(event models.Event) {
	payload, err := json.Marshal(envelope{Origin: r.origin, Event: event})
	if err != nil {
		return
	}
	if err := r.client.Publish(context.Background(), channelPrefix+event.SessionID, payload).Err(); err != nil {
		logging.Warn("redis publish failed",
			zap.String("session_id", event.SessionID),
			zap.Error(err))
	}
}

// Start subscribes to all session channels and re-delivers foreign-origin
// events to the local broadcaster. It returns once the subscription is
// established.
func (r *RedisRelay) Start(ctx context.Context, b *Broadcaster) error {
	ctx, r.cancel = context.WithCancel(ctx)
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	// Force the subscription to be set up before we report ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	go func() {
		defer close(r.done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Warn("dropping malformed relay message",
						zap.String("channel", msg.Channel),
						zap.Error(err))
					continue
				}
				if env.Origin == r.origin {
					continue
				}
				if env.Event.SessionID == "" {
					env.Event.SessionID = strings.TrimPrefix(msg.Channel, channelPrefix)
				}
				b.DeliverLocal(env.Event)
			}
		}
	}()
	return nil
}

// Close stops the relay and closes the Redis connection.
func (r *RedisRelay) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.client.Close()
}
