package models

import (
	"strconv"
	"time"
)

// Claims is the authenticated payload sealed inside a token.
type Claims struct {
	TicketID             string `cbor:"1,keyasint" json:"ticket_id"`
	EventID              string `cbor:"2,keyasint" json:"event_id"`
	RecipientFingerprint string `cbor:"3,keyasint" json:"recipient_fingerprint"`
	// IssuedAt is Unix seconds.
	IssuedAt int64 `cbor:"4,keyasint" json:"issued_at"`
}

func (c Claims) IssuedTime() time.Time {
	return time.Unix(c.IssuedAt, 0).UTC()
}

// Redemption is the notification sent to other scanning devices after a
// ticket is admitted.
type Redemption struct {
	TicketID   string    `json:"ticket_id"`
	EventID    string    `json:"event_id"`
	Version    int64     `json:"version"`
	RedeemedBy string    `json:"redeemed_by"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// Key identifies a redemption for consumer-side deduplication.
func (r Redemption) Key() string {
	return r.TicketID + ":" + strconv.FormatInt(r.Version, 10)
}
