package models

import "time"

// Verification is one entry of an event's verification audit trail.
type Verification struct {
	TicketID   string    `json:"ticket_id"`
	EventID    string    `json:"event_id"`
	Redeemer   string    `json:"redeemer"`
	DeviceID   string    `json:"device_id,omitempty"`
	Result     Result    `json:"result"`
	RemoteAddr string    `json:"ip_address,omitempty"`
	At         time.Time `json:"timestamp"`
}
