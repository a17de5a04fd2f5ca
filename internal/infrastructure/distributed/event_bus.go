package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lanvoice/internal/core/domain"
	"lanvoice/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "lanvoice:relay:events"

// event is the pub/sub payload. Frame is already a wire frame and travels
// as embedded JSON.
type event struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Room       string          `json:"room"`
	To         domain.PeerID   `json:"to,omitempty"`
	Except     domain.PeerID   `json:"except,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// EventBus relays signaling frames between relay instances over Redis
// pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	closed bool
}

var _ ports.RelayBus = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return newEventBus(client, instanceID, defaultChannel, logger)
}

func newEventBus(client *redis.Client, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger.With("component", "relay_bus", "instance_id", instanceID),
	}
}

func (eb *EventBus) Publish(ctx context.Context, env domain.RelayEnvelope) error {
	data, err := json.Marshal(event{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now(),
		Room:       env.Room,
		To:         env.To,
		Except:     env.Except,
		Frame:      env.Frame,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish relay event: %w", err)
	}

	eb.logger.Debugw("published relay event", "room", env.Room, "to", env.To)
	return nil
}

// Subscribe waits for Redis to confirm the subscription, then blocks
// delivering remote envelopes until ctx is done or Close is called.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.RelayEnvelope)) error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return fmt.Errorf("event bus closed")
	}
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				eb.logger.Warnw("failed to unmarshal relay event", "error", err)
				continue
			}
			if ev.InstanceID == eb.instanceID {
				continue
			}

			handler(domain.RelayEnvelope{
				Room:   ev.Room,
				To:     ev.To,
				Except: ev.Except,
				Frame:  []byte(ev.Frame),
			})
		}
	}
}

func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.closed = true
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
