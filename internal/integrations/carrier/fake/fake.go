package fake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/pkg/errors"
)

// Client keeps registrations in memory instead of calling the aggregator.
type Client struct {
	mu   sync.Mutex
	regs []carrier.Registration
}

func New() *Client { return &Client{} }

func (c *Client) RegisterTracking(ctx context.Context, reg carrier.Registration) error {
	if reg.TrackingNumber == "" {
		return errors.New("empty tracking number")
	}
	c.mu.Lock()
	c.regs = append(c.regs, reg)
	c.mu.Unlock()

	slog.Info("fake carrier registration",
		"shipment_id", reg.ShipmentID,
		"tier", reg.Tier,
		"carrier", reg.CarrierCode,
		"tracking_number", reg.TrackingNumber,
	)
	return nil
}

func (c *Client) Registrations() []carrier.Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]carrier.Registration, len(c.regs))
	copy(out, c.regs)
	return out
}
