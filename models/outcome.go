package models

import "time"

type Result string

const (
	ResultAdmitted           Result = "admitted"
	ResultAlreadyFinalized   Result = "already_finalized"
	ResultTicketExpired      Result = "ticket_expired"
	ResultTicketNotFound     Result = "ticket_not_found"
	ResultTicketTampered     Result = "ticket_tampered"
	ResultMalformedToken     Result = "malformed_token"
	ResultUnsupportedVersion Result = "unsupported_version"
	ResultTokenTampered      Result = "token_tampered"
	ResultTokenExpired       Result = "token_expired"
	ResultRateLimited        Result = "rate_limited"
)

// Outcome is what a scanning device learns about a verification attempt.
type Outcome struct {
	Result     Result       `json:"result"`
	TicketID   string       `json:"ticket_id,omitempty"`
	EventID    string       `json:"event_id,omitempty"`
	Status     TicketStatus `json:"status,omitempty"`
	RedeemedAt *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedBy string       `json:"redeemed_by,omitempty"`
	Message    string       `json:"message,omitempty"`
}

func (o *Outcome) Admitted() bool {
	return o != nil && o.Result == ResultAdmitted
}

// WithTicket copies the identifying and redemption fields of t.
func (o *Outcome) WithTicket(t Ticket) *Outcome {
	o.TicketID = t.TicketID
	o.EventID = t.EventID
	o.Status = t.Status
	o.RedeemedAt = t.RedeemedAt
	o.RedeemedBy = t.RedeemedBy
	return o
}
