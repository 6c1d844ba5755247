package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"ticket-admission/internal/status"
	"ticket-admission/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tickets (
	ticket_id             TEXT PRIMARY KEY,
	event_id              TEXT NOT NULL,
	recipient_fingerprint TEXT NOT NULL,
	issued_at             INTEGER NOT NULL,
	expires_at            INTEGER NOT NULL,
	status                TEXT NOT NULL,
	delivered_at          INTEGER,
	redeemed_at           INTEGER,
	redeemed_by           TEXT NOT NULL DEFAULT '',
	revoked_at            INTEGER,
	revoke_reason         TEXT NOT NULL DEFAULT '',
	version               INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tickets_event_status ON tickets (event_id, status);
CREATE TABLE IF NOT EXISTS verification_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket_id   TEXT NOT NULL,
	event_id    TEXT NOT NULL,
	redeemer    TEXT NOT NULL,
	device_id   TEXT NOT NULL DEFAULT '',
	result      TEXT NOT NULL,
	remote_addr TEXT NOT NULL DEFAULT '',
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_event_at ON verification_logs (event_id, at);
`

const (
	ticketsTable = "tickets"
	logsTable    = "verification_logs"
)

type verificationRow struct {
	TicketID   string `db:"ticket_id"`
	EventID    string `db:"event_id"`
	Redeemer   string `db:"redeemer"`
	DeviceID   string `db:"device_id"`
	Result     string `db:"result"`
	RemoteAddr string `db:"remote_addr"`
	At         int64  `db:"at"`
}

// ticketRow mirrors the tickets table. Timestamps are Unix nanoseconds.
type ticketRow struct {
	TicketID             string        `db:"ticket_id"`
	EventID              string        `db:"event_id"`
	RecipientFingerprint string        `db:"recipient_fingerprint"`
	IssuedAt             int64         `db:"issued_at"`
	ExpiresAt            int64         `db:"expires_at"`
	Status               string        `db:"status"`
	DeliveredAt          sql.NullInt64 `db:"delivered_at"`
	RedeemedAt           sql.NullInt64 `db:"redeemed_at"`
	RedeemedBy           string        `db:"redeemed_by"`
	RevokedAt            sql.NullInt64 `db:"revoked_at"`
	RevokeReason         string        `db:"revoke_reason"`
	Version              int64         `db:"version"`
}

// SQLiteRepository persists tickets through dbx on the pure-Go SQLite driver.
// The pool is capped at one connection so writers queue instead of failing
// with SQLITE_BUSY.
type SQLiteRepository struct {
	db *dbx.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.DB().SetMaxOpenConns(1)

	if _, err := db.NewQuery(sqliteSchema).WithContext(ctx).Execute(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, ticket models.Ticket) error {
	row := toRow(ticket)
	_, err := r.db.Insert(ticketsTable, dbx.Params{
		"ticket_id":             row.TicketID,
		"event_id":              row.EventID,
		"recipient_fingerprint": row.RecipientFingerprint,
		"issued_at":             row.IssuedAt,
		"expires_at":            row.ExpiresAt,
		"status":                row.Status,
		"delivered_at":          row.DeliveredAt,
		"redeemed_at":           row.RedeemedAt,
		"redeemed_by":           row.RedeemedBy,
		"revoked_at":            row.RevokedAt,
		"revoke_reason":         row.RevokeReason,
		"version":               row.Version,
	}).WithContext(ctx).Execute()
	if err != nil {
		if isSQLiteConstraint(err) {
			return fmt.Errorf("%w: %s", status.ErrDuplicateTicket, ticket.TicketID)
		}
		return fmt.Errorf("create ticket %s: %w", ticket.TicketID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, r.db, ticketID)
}

func (r *SQLiteRepository) ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, update models.TicketUpdate) (models.Ticket, error) {
	if err := update.Validate(); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", status.ErrInvalidInput, err)
	}

	params := dbx.Params{
		"status":  string(update.Status),
		"version": expectedVersion + 1,
	}
	if update.DeliveredAt != nil {
		params["delivered_at"] = update.DeliveredAt.UnixNano()
	}
	if update.RedeemedAt != nil {
		params["redeemed_at"] = update.RedeemedAt.UnixNano()
		params["redeemed_by"] = update.RedeemedBy
	}
	if update.RevokedAt != nil {
		params["revoked_at"] = update.RevokedAt.UnixNano()
		params["revoke_reason"] = update.RevokeReason
	}

	var updated models.Ticket
	err := r.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		res, err := tx.Update(ticketsTable, params, dbx.HashExp{
			"ticket_id": ticketID,
			"version":   expectedVersion,
		}).WithContext(ctx).Execute()
		if err != nil {
			return fmt.Errorf("update ticket %s: %w", ticketID, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}

		// Read inside the transaction so the returned row is exactly ours,
		// or tells us why the version check failed.
		current, err := getTicket(ctx, tx, ticketID)
		if err != nil {
			return err
		}
		if affected == 0 {
			return status.ErrVersionConflict
		}
		updated = current
		return nil
	})
	if err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func (r *SQLiteRepository) Stats(ctx context.Context, eventID string) (models.Stats, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	err := r.db.Select("status", "COUNT(*) AS n").
		From(ticketsTable).
		Where(dbx.HashExp{"event_id": eventID}).
		GroupBy("status").
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats for %s: %w", eventID, err)
	}

	stats := models.NewStats(eventID)
	for _, row := range rows {
		st, err := models.ParseTicketStatus(row.Status)
		if err != nil {
			return models.Stats{}, err
		}
		stats.Add(st, row.N)
	}
	return stats, nil
}

func (r *SQLiteRepository) AppendVerification(ctx context.Context, v models.Verification) error {
	_, err := r.db.Insert(logsTable, dbx.Params{
		"ticket_id":   v.TicketID,
		"event_id":    v.EventID,
		"redeemer":    v.Redeemer,
		"device_id":   v.DeviceID,
		"result":      string(v.Result),
		"remote_addr": v.RemoteAddr,
		"at":          v.At.UnixNano(),
	}).WithContext(ctx).Execute()
	if err != nil {
		return fmt.Errorf("append verification of %s: %w", v.TicketID, err)
	}
	return nil
}

func (r *SQLiteRepository) RecentVerifications(ctx context.Context, eventID string, limit int) ([]models.Verification, error) {
	if limit <= 0 {
		return nil, nil
	}

	var rows []verificationRow
	err := r.db.Select("ticket_id", "event_id", "redeemer", "device_id", "result", "remote_addr", "at").
		From(logsTable).
		Where(dbx.HashExp{"event_id": eventID}).
		OrderBy("at DESC", "id DESC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("recent verifications for %s: %w", eventID, err)
	}

	out := make([]models.Verification, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Verification{
			TicketID:   row.TicketID,
			EventID:    row.EventID,
			Redeemer:   row.Redeemer,
			DeviceID:   row.DeviceID,
			Result:     models.Result(row.Result),
			RemoteAddr: row.RemoteAddr,
			At:         time.Unix(0, row.At).UTC(),
		})
	}
	return out, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func getTicket(ctx context.Context, b dbx.Builder, ticketID string) (models.Ticket, error) {
	var row ticketRow
	err := b.Select("*").
		From(ticketsTable).
		Where(dbx.HashExp{"ticket_id": ticketID}).
		WithContext(ctx).
		One(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, status.ErrTicketNotFound
		}
		return models.Ticket{}, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return fromRow(row)
}

func toRow(t models.Ticket) ticketRow {
	return ticketRow{
		TicketID:             t.TicketID,
		EventID:              t.EventID,
		RecipientFingerprint: t.RecipientFingerprint,
		IssuedAt:             t.IssuedAt.UnixNano(),
		ExpiresAt:            t.ExpiresAt.UnixNano(),
		Status:               string(t.Status),
		DeliveredAt:          nullNanos(t.DeliveredAt),
		RedeemedAt:           nullNanos(t.RedeemedAt),
		RedeemedBy:           t.RedeemedBy,
		RevokedAt:            nullNanos(t.RevokedAt),
		RevokeReason:         t.RevokeReason,
		Version:              t.Version,
	}
}

func fromRow(row ticketRow) (models.Ticket, error) {
	st, err := models.ParseTicketStatus(row.Status)
	if err != nil {
		return models.Ticket{}, err
	}
	return models.Ticket{
		TicketID:             row.TicketID,
		EventID:              row.EventID,
		RecipientFingerprint: row.RecipientFingerprint,
		IssuedAt:             time.Unix(0, row.IssuedAt).UTC(),
		ExpiresAt:            time.Unix(0, row.ExpiresAt).UTC(),
		Status:               st,
		DeliveredAt:          nanosPtr(row.DeliveredAt),
		RedeemedAt:           nanosPtr(row.RedeemedAt),
		RedeemedBy:           row.RedeemedBy,
		RevokedAt:            nanosPtr(row.RevokedAt),
		RevokeReason:         row.RevokeReason,
		Version:              row.Version,
	}, nil
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanosPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
