package broadcast

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"ticket-admission/models"
)

// Hub fans redemptions out to in-process subscribers of an event, such as
// server-side device sessions. A subscriber whose buffer is full misses the
// message instead of blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan models.Redemption
	nextID uint64
	log    logrus.FieldLogger
}

func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		subs: make(map[string]map[uint64]chan models.Redemption),
		log:  logger.WithField("broadcaster", "hub"),
	}
}

// Subscribe registers for an event's redemptions. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(eventID string, buffer int) (<-chan models.Redemption, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan models.Redemption, buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[eventID] == nil {
		h.subs[eventID] = make(map[uint64]chan models.Redemption)
	}
	h.subs[eventID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[eventID], id)
			if len(h.subs[eventID]) == 0 {
				delete(h.subs, eventID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(ctx context.Context, eventID string, r models.Redemption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs[eventID] {
		select {
		case ch <- r:
		default:
			h.log.WithFields(logrus.Fields{
				"event_id":      eventID,
				"ticket_id":     r.TicketID,
				"subscriber_id": id,
			}).Warn("Subscriber buffer full, dropping redemption")
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for an event.
func (h *Hub) Subscribers(eventID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[eventID])
}
