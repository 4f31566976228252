package fake

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/pkg/errors"
)

// Client is a deterministic stand-in for the seller automation agents, used by local runs
// and tests. Outcomes are derived from a hash of the inputs: roughly one placement in ten
// fails and one scrape in five has no tracking number yet.
type Client struct{}

func New() *Client { return &Client{} }

func hash(parts ...string) uint32 {
	h := fnv.New32a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte("|"))
	}
	return h.Sum32()
}

func (c *Client) PlaceOrder(ctx context.Context, req seller.PlaceOrderRequest) (models.OrderPlacementResult, error) {
	v := hash(req.Platform, req.ProductURL, req.ShipToWarehouse)
	if v%10 == 0 {
		return models.OrderPlacementResult{}, errors.New("seller checkout timed out")
	}
	return models.OrderPlacementResult{
		SellerOrderID: fmt.Sprintf("%s-%08x", req.Platform, v),
		OrderedAt:     time.Now().UTC(),
	}, nil
}

func (c *Client) ScrapeTracking(ctx context.Context, platform, sellerOrderID, productURL string) (models.TrackingScrapeResult, error) {
	v := hash(platform, sellerOrderID)
	if v%5 == 0 {
		return models.TrackingScrapeResult{SellerStatus: "processing"}, nil
	}
	return models.TrackingScrapeResult{
		TrackingNumber: fmt.Sprintf("TRK%010d", v),
		Carrier:        "seller-post",
		SellerStatus:   "shipped",
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, platform, sellerOrderID string) (models.StatusCheckResult, error) {
	inStock := hash(platform, sellerOrderID, "stock")%20 != 0
	status := "processing"
	if !inStock {
		status = "out_of_stock"
	}
	return models.StatusCheckResult{SellerStatus: status, InStock: &inStock}, nil
}
