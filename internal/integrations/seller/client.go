// Package seller abstracts the automation agents that act on third-party seller sites.
package seller

import (
	"context"

	"github.com/BearBump/Fulfillment/internal/models"
)

type PlaceOrderRequest struct {
	Platform        string
	ProductURL      string
	Quantity        int
	ShipToWarehouse string
}

type Client interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (models.OrderPlacementResult, error)
	ScrapeTracking(ctx context.Context, platform, sellerOrderID, productURL string) (models.TrackingScrapeResult, error)
	CheckStatus(ctx context.Context, platform, sellerOrderID string) (models.StatusCheckResult, error)
}
