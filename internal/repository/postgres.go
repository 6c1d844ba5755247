package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ticket-admission/internal/status"
	"ticket-admission/models"
)

const ticketColumns = `ticket_id, event_id, recipient_fingerprint, issued_at, expires_at, status,
	delivered_at, redeemed_at, redeemed_by, revoked_at, revoke_reason, version`

// PostgresRepository stores tickets in the tickets table created by the
// embedded migrations.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, t models.Ticket) error {
	const query = `
INSERT INTO tickets (` + ticketColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.pool.Exec(ctx, query,
		t.TicketID, t.EventID, t.RecipientFingerprint, t.IssuedAt, t.ExpiresAt, string(t.Status),
		t.DeliveredAt, t.RedeemedAt, t.RedeemedBy, t.RevokedAt, t.RevokeReason, t.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", status.ErrDuplicateTicket, t.TicketID)
		}
		return fmt.Errorf("create ticket %s: %w", t.TicketID, err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	const query = `SELECT ` + ticketColumns + ` FROM tickets WHERE ticket_id = $1`

	t, err := scanTicket(r.pool.QueryRow(ctx, query, ticketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, status.ErrTicketNotFound
		}
		return models.Ticket{}, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return t, nil
}

// ConditionalUpdate is a single UPDATE guarded by the version column, so it
// is atomic without an explicit transaction.
func (r *PostgresRepository) ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, u models.TicketUpdate) (models.Ticket, error) {
	if err := u.Validate(); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", status.ErrInvalidInput, err)
	}

	const query = `
UPDATE tickets SET
	status        = $3,
	delivered_at  = COALESCE($4, delivered_at),
	redeemed_at   = COALESCE($5, redeemed_at),
	redeemed_by   = CASE WHEN $5::timestamptz IS NULL THEN redeemed_by ELSE $6 END,
	revoked_at    = COALESCE($7, revoked_at),
	revoke_reason = CASE WHEN $7::timestamptz IS NULL THEN revoke_reason ELSE $8 END,
	version       = version + 1
WHERE ticket_id = $1 AND version = $2
RETURNING ` + ticketColumns

	t, err := scanTicket(r.pool.QueryRow(ctx, query,
		ticketID, expectedVersion, string(u.Status),
		u.DeliveredAt, u.RedeemedAt, u.RedeemedBy, u.RevokedAt, u.RevokeReason,
	))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Ticket{}, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID).Scan(&exists); err != nil {
		return models.Ticket{}, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}
	if !exists {
		return models.Ticket{}, status.ErrTicketNotFound
	}
	return models.Ticket{}, status.ErrVersionConflict
}

func (r *PostgresRepository) Stats(ctx context.Context, eventID string) (models.Stats, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM tickets WHERE event_id = $1 GROUP BY status`, eventID)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats for %s: %w", eventID, err)
	}
	defer rows.Close()

	stats := models.NewStats(eventID)
	for rows.Next() {
		var (
			raw string
			n   int64
		)
		if err := rows.Scan(&raw, &n); err != nil {
			return models.Stats{}, fmt.Errorf("stats for %s: %w", eventID, err)
		}
		st, err := models.ParseTicketStatus(raw)
		if err != nil {
			return models.Stats{}, err
		}
		stats.Add(st, n)
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) AppendVerification(ctx context.Context, v models.Verification) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO verification_logs (ticket_id, event_id, redeemer, device_id, result, remote_addr, at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.TicketID, v.EventID, v.Redeemer, v.DeviceID, string(v.Result), v.RemoteAddr, v.At,
	)
	if err != nil {
		return fmt.Errorf("append verification of %s: %w", v.TicketID, err)
	}
	return nil
}

func (r *PostgresRepository) RecentVerifications(ctx context.Context, eventID string, limit int) ([]models.Verification, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT ticket_id, event_id, redeemer, device_id, result, remote_addr, at
FROM verification_logs
WHERE event_id = $1
ORDER BY at DESC, id DESC
LIMIT $2`, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent verifications for %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []models.Verification
	for rows.Next() {
		var (
			v      models.Verification
			result string
		)
		if err := rows.Scan(&v.TicketID, &v.EventID, &v.Redeemer, &v.DeviceID, &result, &v.RemoteAddr, &v.At); err != nil {
			return nil, fmt.Errorf("recent verifications for %s: %w", eventID, err)
		}
		v.Result = models.Result(result)
		v.At = v.At.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		t  models.Ticket
		st string
	)
	err := row.Scan(
		&t.TicketID, &t.EventID, &t.RecipientFingerprint, &t.IssuedAt, &t.ExpiresAt, &st,
		&t.DeliveredAt, &t.RedeemedAt, &t.RedeemedBy, &t.RevokedAt, &t.RevokeReason, &t.Version,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	if t.Status, err = models.ParseTicketStatus(st); err != nil {
		return models.Ticket{}, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
