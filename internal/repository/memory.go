package repository

import (
	"context"
	"fmt"
	"sync"

	"ticket-admission/internal/status"
	"ticket-admission/models"
)

// MemoryRepository keeps tickets in a map guarded by a mutex. It is the
// reference implementation used by tests and single-process deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	tickets map[string]models.Ticket
	audit   map[string][]models.Verification
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tickets: make(map[string]models.Ticket),
		audit:   make(map[string][]models.Verification),
	}
}

func (r *MemoryRepository) Create(ctx context.Context, ticket models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tickets[ticket.TicketID]; exists {
		return fmt.Errorf("%w: %s", status.ErrDuplicateTicket, ticket.TicketID)
	}
	r.tickets[ticket.TicketID] = cloneTicket(ticket)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[ticketID]
	if !ok {
		return models.Ticket{}, status.ErrTicketNotFound
	}
	return cloneTicket(ticket), nil
}

func (r *MemoryRepository) ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, update models.TicketUpdate) (models.Ticket, error) {
	if err := update.Validate(); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", status.ErrInvalidInput, err)
	}
	if err := ctx.Err(); err != nil {
		return models.Ticket{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.tickets[ticketID]
	if !ok {
		return models.Ticket{}, status.ErrTicketNotFound
	}
	if current.Version != expectedVersion {
		return models.Ticket{}, status.ErrVersionConflict
	}

	next := cloneTicket(current.Apply(update))
	r.tickets[ticketID] = next
	return cloneTicket(next), nil
}

func (r *MemoryRepository) Stats(ctx context.Context, eventID string) (models.Stats, error) {
	if err := ctx.Err(); err != nil {
		return models.Stats{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := models.NewStats(eventID)
	for _, t := range r.tickets {
		if t.EventID == eventID {
			stats.Add(t.Status, 1)
		}
	}
	return stats, nil
}

func (r *MemoryRepository) AppendVerification(ctx context.Context, v models.Verification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := append(r.audit[v.EventID], v)
	if len(entries) > maxAuditPerEvent {
		entries = entries[len(entries)-maxAuditPerEvent:]
	}
	r.audit[v.EventID] = entries
	return nil
}

func (r *MemoryRepository) RecentVerifications(ctx context.Context, eventID string, limit int) ([]models.Verification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.audit[eventID]
	out := make([]models.Verification, 0, min(limit, len(entries)))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
