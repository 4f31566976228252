package agentv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestClient_PlaceOrder_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/sellers/amazon/orders", r.URL.Path)
		require.Equal(t, "k", r.URL.Query().Get("apiKey"))

		var body placeOrderBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, 2, body.Quantity)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"order_id":"AMZ-1","ordered_at":"2026-01-01T00:00:00Z","total_paid":"41.98"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	res, err := c.PlaceOrder(context.Background(), seller.PlaceOrderRequest{
		Platform: "amazon", ProductURL: "https://a/1", Quantity: 2, ShipToWarehouse: "wh",
	})
	require.NoError(t, err)
	require.Equal(t, "AMZ-1", res.SellerOrderID)
	require.WithinDuration(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), res.OrderedAt, time.Second)
	require.True(t, res.TotalPaid.Equal(decimal.RequireFromString("41.98")))
}

func TestClient_ScrapeTracking_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sellers/ebay/orders/E-7/tracking", r.URL.Path)
		_, _ = w.Write([]byte(`{"tracking_number":"1Z","carrier":"ups","weight":"1.8","status":"shipped"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL, "").ScrapeTracking(context.Background(), "ebay", "E-7", "")
	require.NoError(t, err)
	require.Equal(t, "1Z", res.TrackingNumber)
	require.Nil(t, res.Price)
	require.True(t, res.Weight.Equal(decimal.RequireFromString("1.8")))
}

func TestClient_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").CheckStatus(context.Background(), "amazon", "A-1")
	require.Error(t, err)
}

func TestClient_PlaceOrder_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").PlaceOrder(context.Background(), seller.PlaceOrderRequest{Platform: "x"})
	require.Error(t, err)
}
