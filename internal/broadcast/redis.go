package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-admission/models"
)

const (
	RedisChannelPrefix = "redemptions:"
	DefaultRecordTTL   = time.Hour
)

// RedisBroadcaster serves two kinds of consumer. Devices that poll read the
// redemption record at redemption:<event>:<ticket>; devices that hold a
// connection subscribe to redemptions:<event>.
type RedisBroadcaster struct {
	Redis redis.UniversalClient
	ttl   time.Duration
}

func NewRedisBroadcaster(client redis.UniversalClient, ttl time.Duration) *RedisBroadcaster {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &RedisBroadcaster{Redis: client, ttl: ttl}
}

func redemptionKey(eventID, ticketID string) string {
	return fmt.Sprintf("redemption:%s:%s", eventID, ticketID)
}

func (b *RedisBroadcaster) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	// SETNX keeps the first record if a delivery is retried.
	if err := b.Redis.SetNX(ctx, redemptionKey(eventID, r.TicketID), string(payload), b.ttl).Err(); err != nil {
		return fmt.Errorf("record redemption %s: %w", r.TicketID, err)
	}

	// Publish even when the record already existed: the earlier attempt may
	// have failed between the two commands.
	if err := b.Redis.Publish(ctx, channelName(RedisChannelPrefix, eventID), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish redemption %s: %w", r.TicketID, err)
	}
	return nil
}

// Lookup returns the recorded redemption, or nil when none is recorded (or
// the record has aged out).
func (b *RedisBroadcaster) Lookup(ctx context.Context, eventID, ticketID string) (*models.Redemption, error) {
	raw, err := b.Redis.Get(ctx, redemptionKey(eventID, ticketID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup redemption %s: %w", ticketID, err)
	}

	var r models.Redemption
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode redemption %s: %w", ticketID, err)
	}
	return &r, nil
}
