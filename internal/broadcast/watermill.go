package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"ticket-admission/models"
)

const WatermillTopicPrefix = "redemptions."

// NewRedisStreamPublisher creates a watermill publisher on Redis Streams.
func NewRedisStreamPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client: client,
	}, logger)
	if err != nil {
		return nil, err
	}

	return publisher, nil
}

// WatermillBroadcaster publishes each redemption as a message on the
// redemptions.<event_id> topic. The message UUID is the redemption key, so
// subscribers can deduplicate on it directly.
type WatermillBroadcaster struct {
	publisher message.Publisher
}

func NewWatermillBroadcaster(publisher message.Publisher) *WatermillBroadcaster {
	return &WatermillBroadcaster{publisher: publisher}
}

func (b *WatermillBroadcaster) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	msg := message.NewMessage(r.Key(), payload)
	msg.Metadata.Set("event_id", eventID)
	msg.Metadata.Set("ticket_id", r.TicketID)
	msg.SetContext(ctx)

	topic := channelName(WatermillTopicPrefix, eventID)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (b *WatermillBroadcaster) Close() error {
	return b.publisher.Close()
}
