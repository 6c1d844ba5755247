package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-admission/internal/status"
	"ticket-admission/models"
)

// createTicketScript inserts the ticket hash only if the key is free and
// bumps the event's per-status counter.
//
// KEYS[1] ticket hash, KEYS[2] event status counters
// ARGV[1] status, ARGV[2..] field/value pairs
const createTicketScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 2))
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
return 1
`

// conditionalUpdateScript is the compare-and-swap on the version field.
// Returns -1 when the ticket is missing, 0 on version mismatch, otherwise the
// full hash after the write.
//
// KEYS[1] ticket hash
// ARGV[1] expected version, ARGV[2] new version, ARGV[3] new status,
// ARGV[4..] extra field/value pairs
const conditionalUpdateScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then
	return 0
end
local old = redis.call('HGET', KEYS[1], 'status')
local event = redis.call('HGET', KEYS[1], 'event_id')
if #ARGV > 3 then
	redis.call('HSET', KEYS[1], 'version', ARGV[2], 'status', ARGV[3], unpack(ARGV, 4))
else
	redis.call('HSET', KEYS[1], 'version', ARGV[2], 'status', ARGV[3])
end
if old ~= ARGV[3] then
	local counts = 'event:' .. event .. ':status'
	redis.call('HINCRBY', counts, old, -1)
	redis.call('HINCRBY', counts, ARGV[3], 1)
end
return redis.call('HGETALL', KEYS[1])
`

const (
	fieldTicketID     = "ticket_id"
	fieldEventID      = "event_id"
	fieldFingerprint  = "fingerprint"
	fieldIssuedAt     = "issued_at"
	fieldExpiresAt    = "expires_at"
	fieldStatus       = "status"
	fieldDeliveredAt  = "delivered_at"
	fieldRedeemedAt   = "redeemed_at"
	fieldRedeemedBy   = "redeemed_by"
	fieldRevokedAt    = "revoked_at"
	fieldRevokeReason = "revoke_reason"
	fieldVersion      = "version"
)

// RedisRepository stores each ticket as a hash at ticket:<id>. Writes go
// through Lua scripts so the version check and the write are one atomic step.
// The update script derives the counter key from the stored event id, so
// it expects a single Redis node rather than a cluster.
type RedisRepository struct {
	Redis redis.UniversalClient
}

func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{Redis: client}
}

func ticketKey(ticketID string) string {
	return fmt.Sprintf("ticket:%s", ticketID)
}

func eventStatusKey(eventID string) string {
	return fmt.Sprintf("event:%s:status", eventID)
}

func auditKey(eventID string) string {
	return fmt.Sprintf("event:%s:verifications", eventID)
}

func (r *RedisRepository) Create(ctx context.Context, ticket models.Ticket) error {
	args := append([]interface{}{string(ticket.Status)}, ticketFields(ticket)...)

	res, err := r.Redis.Eval(ctx, createTicketScript,
		[]string{ticketKey(ticket.TicketID), eventStatusKey(ticket.EventID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("create ticket %s: %w", ticket.TicketID, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", status.ErrDuplicateTicket, ticket.TicketID)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, ticketID string) (models.Ticket, error) {
	values, err := r.Redis.HGetAll(ctx, ticketKey(ticketID)).Result()
	if err != nil {
		return models.Ticket{}, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	if len(values) == 0 {
		return models.Ticket{}, status.ErrTicketNotFound
	}
	return parseTicketHash(values)
}

func (r *RedisRepository) ConditionalUpdate(ctx context.Context, ticketID string, expectedVersion int64, update models.TicketUpdate) (models.Ticket, error) {
	if err := update.Validate(); err != nil {
		return models.Ticket{}, fmt.Errorf("%w: %v", status.ErrInvalidInput, err)
	}

	args := []interface{}{
		strconv.FormatInt(expectedVersion, 10),
		strconv.FormatInt(expectedVersion+1, 10),
		string(update.Status),
	}
	args = append(args, updateFields(update)...)

	res, err := r.Redis.Eval(ctx, conditionalUpdateScript, []string{ticketKey(ticketID)}, args...).Result()
	if err != nil {
		return models.Ticket{}, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}

	switch v := res.(type) {
	case int64:
		if v == -1 {
			return models.Ticket{}, status.ErrTicketNotFound
		}
		return models.Ticket{}, status.ErrVersionConflict
	case []interface{}:
		values := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			values[k] = val
		}
		return parseTicketHash(values)
	default:
		return models.Ticket{}, fmt.Errorf("update ticket %s: unexpected script reply %T", ticketID, res)
	}
}

func (r *RedisRepository) Stats(ctx context.Context, eventID string) (models.Stats, error) {
	counts, err := r.Redis.HGetAll(ctx, eventStatusKey(eventID)).Result()
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats for %s: %w", eventID, err)
	}

	stats := models.NewStats(eventID)
	for field, raw := range counts {
		st, err := models.ParseTicketStatus(field)
		if err != nil {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return models.Stats{}, fmt.Errorf("stats for %s: bad count %q: %w", eventID, raw, err)
		}
		stats.Add(st, n)
	}
	return stats, nil
}

// AppendVerification pushes the entry onto the event's audit list, keeping
// the newest maxAuditPerEvent entries.
func (r *RedisRepository) AppendVerification(ctx context.Context, v models.Verification) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	key := auditKey(v.EventID)
	_, err = r.Redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, string(payload))
		pipe.LTrim(ctx, key, 0, maxAuditPerEvent-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append verification of %s: %w", v.TicketID, err)
	}
	return nil
}

func (r *RedisRepository) RecentVerifications(ctx context.Context, eventID string, limit int) ([]models.Verification, error) {
	if limit <= 0 {
		return nil, nil
	}

	raw, err := r.Redis.LRange(ctx, auditKey(eventID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("recent verifications for %s: %w", eventID, err)
	}

	out := make([]models.Verification, 0, len(raw))
	for _, item := range raw {
		var v models.Verification
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode verification for %s: %w", eventID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Close is a no-op: the client is shared with other components and closed
// by whoever created it.
func (r *RedisRepository) Close() error {
	return nil
}

func ticketFields(t models.Ticket) []interface{} {
	fields := []interface{}{
		fieldTicketID, t.TicketID,
		fieldEventID, t.EventID,
		fieldFingerprint, t.RecipientFingerprint,
		fieldIssuedAt, formatTime(t.IssuedAt),
		fieldExpiresAt, formatTime(t.ExpiresAt),
		fieldStatus, string(t.Status),
		fieldVersion, strconv.FormatInt(t.Version, 10),
	}
	if t.DeliveredAt != nil {
		fields = append(fields, fieldDeliveredAt, formatTime(*t.DeliveredAt))
	}
	if t.RedeemedAt != nil {
		fields = append(fields, fieldRedeemedAt, formatTime(*t.RedeemedAt), fieldRedeemedBy, t.RedeemedBy)
	}
	if t.RevokedAt != nil {
		fields = append(fields, fieldRevokedAt, formatTime(*t.RevokedAt), fieldRevokeReason, t.RevokeReason)
	}
	return fields
}

func updateFields(u models.TicketUpdate) []interface{} {
	var fields []interface{}
	if u.DeliveredAt != nil {
		fields = append(fields, fieldDeliveredAt, formatTime(*u.DeliveredAt))
	}
	if u.RedeemedAt != nil {
		fields = append(fields, fieldRedeemedAt, formatTime(*u.RedeemedAt), fieldRedeemedBy, u.RedeemedBy)
	}
	if u.RevokedAt != nil {
		fields = append(fields, fieldRevokedAt, formatTime(*u.RevokedAt), fieldRevokeReason, u.RevokeReason)
	}
	return fields
}

func parseTicketHash(values map[string]string) (models.Ticket, error) {
	var (
		t   models.Ticket
		err error
	)

	t.TicketID = values[fieldTicketID]
	t.EventID = values[fieldEventID]
	t.RecipientFingerprint = values[fieldFingerprint]
	t.RedeemedBy = values[fieldRedeemedBy]
	t.RevokeReason = values[fieldRevokeReason]

	if t.Status, err = models.ParseTicketStatus(values[fieldStatus]); err != nil {
		return models.Ticket{}, err
	}
	if t.Version, err = strconv.ParseInt(values[fieldVersion], 10, 64); err != nil {
		return models.Ticket{}, fmt.Errorf("ticket %s: bad version: %w", t.TicketID, err)
	}
	if t.IssuedAt, err = parseTime(values[fieldIssuedAt]); err != nil {
		return models.Ticket{}, err
	}
	if t.ExpiresAt, err = parseTime(values[fieldExpiresAt]); err != nil {
		return models.Ticket{}, err
	}
	if t.DeliveredAt, err = parseOptionalTime(values[fieldDeliveredAt]); err != nil {
		return models.Ticket{}, err
	}
	if t.RedeemedAt, err = parseOptionalTime(values[fieldRedeemedAt]); err != nil {
		return models.Ticket{}, err
	}
	if t.RevokedAt, err = parseOptionalTime(values[fieldRevokedAt]); err != nil {
		return models.Ticket{}, err
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
