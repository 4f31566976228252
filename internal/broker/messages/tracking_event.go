package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TrackingEvent is one carrier update from a webhook, a scraper or a parsed email.
// The shipment is addressed either directly or by (tier, tracking number).
type TrackingEvent struct {
	ShipmentID     *uuid.UUID `json:"shipment_id,omitempty"`
	TrackingNumber string     `json:"tracking_number,omitempty"`

	Tier       string          `json:"tier"`
	Status     string          `json:"status"`
	StatusRaw  string          `json:"status_raw,omitempty"`
	ExternalID string          `json:"external_id"`
	EventTime  time.Time       `json:"event_time" validate:"required"`
	Location   *string         `json:"location,omitempty"`
	Message    *string         `json:"message,omitempty"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
