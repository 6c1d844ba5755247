package repository

import (
	"context"
	"time"

	"ticket-admission/models"
)

// TicketRepository stores ticket rows. ConditionalUpdate is the only way to
// change a ticket after creation and must be atomic: the write is applied only
// when the stored version equals expectedVersion, and the stored version then
// becomes expectedVersion+1.
type TicketRepository interface {
	// Create fails with status.ErrDuplicateTicket if the id exists.
	Create(ctx context.Context, ticket models.Ticket) error
	// Get fails with status.ErrTicketNotFound.
	Get(ctx context.Context, ticketID string) (models.Ticket, error)
	// ConditionalUpdate returns the committed row, or status.ErrVersionConflict
	// / status.ErrTicketNotFound.
	ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, update models.TicketUpdate) (models.Ticket, error)
}

// StatsReader is implemented by repositories that can count an event's
// tickets by status.
type StatsReader interface {
	Stats(ctx context.Context, eventID string) (models.Stats, error)
}

// AuditLog keeps the verification attempts of each event.
type AuditLog interface {
	AppendVerification(ctx context.Context, v models.Verification) error
	// RecentVerifications returns up to limit entries, newest first.
	RecentVerifications(ctx context.Context, eventID string, limit int) ([]models.Verification, error)
}

// Store is what the factory hands out: a repository that can report stats,
// keep the audit trail and release its connections.
type Store interface {
	TicketRepository
	StatsReader
	AuditLog
	Close() error
}

// maxAuditPerEvent bounds the audit trail the memory and redis stores keep
// per event.
const maxAuditPerEvent = 1000

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneTicket(t models.Ticket) models.Ticket {
	t.DeliveredAt = cloneTime(t.DeliveredAt)
	t.RedeemedAt = cloneTime(t.RedeemedAt)
	t.RevokedAt = cloneTime(t.RevokedAt)
	return t
}
