package models

import (
	"time"
)

// VenueEventType classifies an inbound reconciliation event.
type VenueEventType string

const (
	VenueEventAccepted  VenueEventType = "ACCEPTED"
	VenueEventFilled    VenueEventType = "FILLED"
	VenueEventCancelled VenueEventType = "CANCELLED"
	VenueEventRejected  VenueEventType = "REJECTED"
	VenueEventExpired   VenueEventType = "EXPIRED"
)

// VenueEvent is one notification from a venue's execution feed. Delivery is
// at-least-once and unordered; TradeRef deduplicates fills and the leg state
// machine gates everything else.
type VenueEvent struct {
	Type          VenueEventType `json:"type"`
	Venue         string         `json:"venue"`
	VenueOrderRef string         `json:"venue_order_ref"`
	TradeRef      string         `json:"trade_ref,omitempty"`
	Quantity      float64        `json:"quantity,omitempty"`
	Price         float64        `json:"price,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	// Signature authenticates the event against the feed's shared secret.
	// Events that fail verification are discarded, never applied.
	Signature string `json:"signature,omitempty"`
}

// SigningPayload is the canonical byte layout covered by Signature.
func (e VenueEvent) SigningPayload() string {
	return string(e.Type) + "|" + e.Venue + "|" + e.VenueOrderRef + "|" + e.TradeRef + "|" +
		e.Timestamp.UTC().Format(time.RFC3339Nano)
}
