package broadcast

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go"

	"ticket-admission/models"
)

const PubNubChannelPrefix = "event-"

// Publisher is the slice of the PubNub client the broadcaster uses.
type Publisher interface {
	Publish(channel string, message interface{}) error
}

type pubnubPublisher struct {
	pn *pubnub.PubNub
}

func (p pubnubPublisher) Publish(channel string, message interface{}) error {
	_, _, err := p.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()
	return err
}

// NewPubNub builds a PubNub client from account keys.
func NewPubNub(publishKey, subscribeKey, secretKey string) *pubnub.PubNub {
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = publishKey
	pnConfig.SubscribeKey = subscribeKey
	pnConfig.SecretKey = secretKey
	return pubnub.NewPubNub(pnConfig)
}

// PubNubBroadcaster pushes redemptions to the event-<event_id> channel that
// scanning devices subscribe to.
type PubNubBroadcaster struct {
	publisher Publisher
}

func NewPubNubBroadcaster(pn *pubnub.PubNub) *PubNubBroadcaster {
	return &PubNubBroadcaster{publisher: pubnubPublisher{pn: pn}}
}

func NewPubNubBroadcasterWithPublisher(p Publisher) *PubNubBroadcaster {
	return &PubNubBroadcaster{publisher: p}
}

func (b *PubNubBroadcaster) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	channel := channelName(PubNubChannelPrefix, eventID)
	err := b.publisher.Publish(channel, map[string]interface{}{
		"type":        "ticket_redeemed",
		"ticket_id":   r.TicketID,
		"event_id":    r.EventID,
		"version":     r.Version,
		"redeemed_by": r.RedeemedBy,
		"redeemed_at": r.RedeemedAt,
	})
	if err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}
