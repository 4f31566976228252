// Package carrier subscribes shipment tracking numbers with the tracking aggregator,
// which then pushes status updates back through the tracking webhook.
package carrier

import (
	"context"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
)

type Registration struct {
	ShipmentID     uuid.UUID
	Tier           models.Tier
	CarrierCode    string
	TrackingNumber string
}

type Client interface {
	RegisterTracking(ctx context.Context, reg Registration) error
}
