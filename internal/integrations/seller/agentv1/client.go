// Package agentv1 talks to the seller automation agent over its v1 HTTP API.
package agentv1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type placeOrderBody struct {
	ProductURL      string `json:"product_url"`
	Quantity        int    `json:"quantity"`
	ShipToWarehouse string `json:"ship_to_warehouse"`
}

type placeOrderResp struct {
	OrderID   string           `json:"order_id"`
	OrderedAt time.Time        `json:"ordered_at"`
	TotalPaid *decimal.Decimal `json:"total_paid,omitempty"`
}

type trackingResp struct {
	TrackingNumber string           `json:"tracking_number"`
	Carrier        string           `json:"carrier"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Weight         *decimal.Decimal `json:"weight,omitempty"`
	Status         string           `json:"status"`
}

type statusResp struct {
	Status  string `json:"status"`
	InStock *bool  `json:"in_stock,omitempty"`
}

func (c *Client) PlaceOrder(ctx context.Context, req seller.PlaceOrderRequest) (models.OrderPlacementResult, error) {
	var rb placeOrderResp
	body := placeOrderBody{ProductURL: req.ProductURL, Quantity: req.Quantity, ShipToWarehouse: req.ShipToWarehouse}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sellers/%s/orders", url.PathEscape(req.Platform)), body, &rb); err != nil {
		return models.OrderPlacementResult{}, err
	}
	if rb.OrderID == "" {
		return models.OrderPlacementResult{}, errors.New("agent returned no order id")
	}
	if rb.OrderedAt.IsZero() {
		rb.OrderedAt = time.Now().UTC()
	}
	return models.OrderPlacementResult{
		SellerOrderID: rb.OrderID,
		OrderedAt:     rb.OrderedAt,
		TotalPaid:     rb.TotalPaid,
	}, nil
}

func (c *Client) ScrapeTracking(ctx context.Context, platform, sellerOrderID, productURL string) (models.TrackingScrapeResult, error) {
	var rb trackingResp
	path := fmt.Sprintf("/v1/sellers/%s/orders/%s/tracking", url.PathEscape(platform), url.PathEscape(sellerOrderID))
	if err := c.do(ctx, http.MethodGet, path, nil, &rb); err != nil {
		return models.TrackingScrapeResult{}, err
	}
	return models.TrackingScrapeResult{
		TrackingNumber: rb.TrackingNumber,
		Carrier:        rb.Carrier,
		Price:          rb.Price,
		Weight:         rb.Weight,
		SellerStatus:   rb.Status,
	}, nil
}

func (c *Client) CheckStatus(ctx context.Context, platform, sellerOrderID string) (models.StatusCheckResult, error) {
	var rb statusResp
	path := fmt.Sprintf("/v1/sellers/%s/orders/%s", url.PathEscape(platform), url.PathEscape(sellerOrderID))
	if err := c.do(ctx, http.MethodGet, path, nil, &rb); err != nil {
		return models.StatusCheckResult{}, err
	}
	return models.StatusCheckResult{SellerStatus: rb.Status, InStock: rb.InStock}, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return errors.Wrap(err, "parse base url")
	}
	u.Path = path
	q := u.Query()
	if c.apiKey != "" {
		q.Set("apiKey", c.apiKey)
	}
	u.RawQuery = q.Encode()

	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.New("seller agent rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("seller agent http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
