package models

import (
	"fmt"
	"time"
)

type TicketStatus string

const (
	StatusIssued    TicketStatus = "issued"
	StatusDelivered TicketStatus = "delivered"
	StatusRedeemed  TicketStatus = "redeemed"
	StatusRevoked   TicketStatus = "revoked"
	StatusExpired   TicketStatus = "expired"
)

// AllStatuses lists every ticket status in lifecycle order.
var AllStatuses = []TicketStatus{
	StatusIssued,
	StatusDelivered,
	StatusRedeemed,
	StatusRevoked,
	StatusExpired,
}

func ParseTicketStatus(s string) (TicketStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown ticket status %q", s)
}

// Terminal reports whether no further transition is allowed.
func (s TicketStatus) Terminal() bool {
	return s == StatusRedeemed || s == StatusRevoked || s == StatusExpired
}

type Ticket struct {
	TicketID             string       `json:"ticket_id"`
	EventID              string       `json:"event_id"`
	RecipientFingerprint string       `json:"recipient_fingerprint"`
	IssuedAt             time.Time    `json:"issued_at"`
	ExpiresAt            time.Time    `json:"expires_at"`
	Status               TicketStatus `json:"status"`
	DeliveredAt          *time.Time   `json:"delivered_at,omitempty"`
	RedeemedAt           *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedBy           string       `json:"redeemed_by,omitempty"`
	RevokedAt            *time.Time   `json:"revoked_at,omitempty"`
	RevokeReason         string       `json:"revoke_reason,omitempty"`
	Version              int64        `json:"version"`
}

// PastDue reports whether the validity window has elapsed at now.
func (t Ticket) PastDue(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Snapshot returns a copy whose status reflects lazy expiry at now.
// Nothing is persisted.
func (t Ticket) Snapshot(now time.Time) Ticket {
	if !t.Status.Terminal() && t.PastDue(now) {
		t.Status = StatusExpired
	}
	return t
}

// Apply returns the ticket as it looks after u is committed at the next version.
func (t Ticket) Apply(u TicketUpdate) Ticket {
	t.Status = u.Status
	if u.DeliveredAt != nil {
		t.DeliveredAt = u.DeliveredAt
	}
	if u.RedeemedAt != nil {
		t.RedeemedAt = u.RedeemedAt
		t.RedeemedBy = u.RedeemedBy
	}
	if u.RevokedAt != nil {
		t.RevokedAt = u.RevokedAt
		t.RevokeReason = u.RevokeReason
	}
	t.Version++
	return t
}

// TicketUpdate is the field set written by a conditional update.
type TicketUpdate struct {
	Status       TicketStatus
	DeliveredAt  *time.Time
	RedeemedAt   *time.Time
	RedeemedBy   string
	RevokedAt    *time.Time
	RevokeReason string
}

func (u TicketUpdate) Validate() error {
	if _, err := ParseTicketStatus(string(u.Status)); err != nil {
		return err
	}
	if u.Status == StatusRedeemed && (u.RedeemedAt == nil || u.RedeemedBy == "") {
		return fmt.Errorf("redeemed update requires redeemed_at and redeemed_by")
	}
	return nil
}

// Stats counts the tickets of one event by status. RecentActivity holds the
// latest verification attempts, newest first, when an audit log is kept.
type Stats struct {
	EventID        string                 `json:"event_id"`
	Total          int64                  `json:"total"`
	ByStatus       map[TicketStatus]int64 `json:"by_status"`
	RecentActivity []Verification         `json:"recent_activity,omitempty"`
}

func NewStats(eventID string) Stats {
	byStatus := make(map[TicketStatus]int64, len(AllStatuses))
	for _, st := range AllStatuses {
		byStatus[st] = 0
	}
	return Stats{EventID: eventID, ByStatus: byStatus}
}

func (s *Stats) Add(st TicketStatus, n int64) {
	s.ByStatus[st] += n
	s.Total += n
}
