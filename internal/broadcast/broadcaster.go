// Package broadcast tells other scanning devices that a ticket was admitted.
//
// Delivery is at-least-once: a redemption may arrive more than once, so
// consumers deduplicate on Redemption.Key (ticket id and version). Publishing
// happens after the redemption is committed and never affects its outcome.
package broadcast

import (
	"context"
	"errors"
	"fmt"

	"ticket-admission/models"
)

type Broadcaster interface {
	Publish(ctx context.Context, eventID string, r models.Redemption) error
}

// Func adapts a plain function to Broadcaster.
type Func func(ctx context.Context, eventID string, r models.Redemption) error

func (f Func) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	return f(ctx, eventID, r)
}

// Multi publishes to every broadcaster and joins their errors. One failing
// target does not stop delivery to the others.
type Multi []Broadcaster

func (m Multi) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	var errs []error
	for i, b := range m {
		if err := b.Publish(ctx, eventID, r); err != nil {
			errs = append(errs, fmt.Errorf("broadcaster %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Nop discards every redemption.
type Nop struct{}

func (Nop) Publish(context.Context, string, models.Redemption) error { return nil }

func channelName(prefix, eventID string) string {
	return prefix + eventID
}
