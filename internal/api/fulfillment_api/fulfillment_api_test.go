package fulfillment_api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/app"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/integrations/seller"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/notify/notifytest"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type okSeller struct{}

func (okSeller) PlaceOrder(ctx context.Context, req seller.PlaceOrderRequest) (models.OrderPlacementResult, error) {
	return models.OrderPlacementResult{SellerOrderID: "SO-1", OrderedAt: time.Now().UTC()}, nil
}

func (okSeller) ScrapeTracking(ctx context.Context, platform, sellerOrderID, productURL string) (models.TrackingScrapeResult, error) {
	return models.TrackingScrapeResult{SellerStatus: "processing"}, nil
}

func (okSeller) CheckStatus(ctx context.Context, platform, sellerOrderID string) (models.StatusCheckResult, error) {
	return models.StatusCheckResult{SellerStatus: "processing"}, nil
}

var (
	admin    = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	staff    = models.Actor{ID: "staff-1", Role: models.RoleStaff}
	customer = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	stranger = models.Actor{ID: "cust-2", Role: models.RoleCustomer}
)

type harness struct {
	srv   *httptest.Server
	svc   *app.Services
	order *orders.OrderView
}

func newHarness(t *testing.T, webhookRPS float64, webhookBurst int) *harness {
	t.Helper()
	svc, err := app.Build(nil, app.Deps{
		Store:    memfulfillment.New(),
		Notifier: &notifytest.Recorder{},
		Seller:   okSeller{},
	})
	require.NoError(t, err)

	view, err := svc.Orders.Create(context.Background(), messages.PaymentCompleted{
		PaymentID:  "pay-1",
		CustomerID: customer.ID,
		Currency:   "USD",
		Quote: &messages.QuoteSnapshot{
			QuoteID:            "q-" + uuid.NewString(),
			PrimaryWarehouseID: "wh-1",
			Lines: []messages.QuoteLine{
				{ProductURL: "https://shop.example/a", SellerPlatform: "amazon", Quantity: 2, Price: decimal.NewFromInt(20), Weight: decimal.NewFromInt(1)},
			},
		},
	})
	require.NoError(t, err)

	api := New(Services{
		Orders:     svc.Orders,
		Items:      svc.Items,
		Revisions:  svc.Revisions,
		Exceptions: svc.Exceptions,
		Warehouse:  svc.Warehouse,
		Shipments:  svc.Shipments,
		Tasks:      svc.Runner,
	}, webhookRPS, webhookBurst)
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, svc: svc, order: view}
}

func (h *harness) do(t *testing.T, method, path string, actor *models.Actor, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(headerActorID, actor.ID)
		req.Header.Set(headerActorRole, string(actor.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// shipItem walks the order's item to quality_check_passed, which plans its shipment.
func (h *harness) shipItem(t *testing.T) (itemID, shipmentID uuid.UUID) {
	t.Helper()
	h.svc.Runner.RunOnce(context.Background())
	itemID = h.order.Items[0].ID

	resp, _ := h.do(t, http.MethodPost, "/v1/items/"+itemID.String()+"/receive", &staff, map[string]any{"warehouse_id": "wh-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := h.do(t, http.MethodPost, "/v1/items/"+itemID.String()+"/quality-check", &staff, map[string]any{"passed": true, "notes": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(models.ItemQualityCheckPassed), body["Status"])

	it, err := h.svc.Items.Get(context.Background(), itemID)
	require.NoError(t, err)
	require.NotNil(t, it.ShipmentID)
	return itemID, *it.ShipmentID
}

func TestAPI_RequiresActorHeaders(t *testing.T) {
	h := newHarness(t, 0, 0)
	resp, body := h.do(t, http.MethodGet, "/v1/orders/"+h.order.Order.ID.String(), nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "forbidden", body["kind"])
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestAPI_BadIDAndNotFound(t *testing.T) {
	h := newHarness(t, 0, 0)

	resp, body := h.do(t, http.MethodGet, "/v1/orders/not-a-uuid", &admin, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_input", body["kind"])

	resp, body = h.do(t, http.MethodGet, "/v1/tasks/"+uuid.NewString(), &admin, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "not_found", body["kind"])
}

func TestAPI_GetOrder(t *testing.T) {
	h := newHarness(t, 0, 0)
	resp, body := h.do(t, http.MethodGet, "/v1/orders/"+h.order.Order.ID.String(), &customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["items"], 1)
}

func TestAPI_UpdateOrderSettings(t *testing.T) {
	h := newHarness(t, 0, 0)
	path := "/v1/orders/" + h.order.Order.ID.String() + "/settings"

	resp, _ := h.do(t, http.MethodPatch, path, &customer, map[string]any{"consolidation_preference": "wait_for_all"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(t, http.MethodPatch, path, &admin, map[string]any{"consolidation_preference": "sometimes"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "oneof")

	resp, _ = h.do(t, http.MethodPatch, path, &admin, map[string]any{"consolidation_preference": "wait_for_all", "max_consolidation_wait_days": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v, err := h.svc.Orders.Get(context.Background(), h.order.Order.ID)
	require.NoError(t, err)
	require.Equal(t, models.WaitForAll, v.Order.ConsolidationPreference)
	require.Equal(t, 7, v.Order.MaxConsolidationWaitDays)
}

func TestAPI_RejectsUnknownFields(t *testing.T) {
	h := newHarness(t, 0, 0)
	resp, _ := h.do(t, http.MethodPost, "/v1/items/"+h.order.Items[0].ID.String()+"/receive", &staff,
		map[string]any{"warehouse_id": "wh-1", "extra": true})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ForceStatus_AdminOnly(t *testing.T) {
	h := newHarness(t, 0, 0)
	path := "/v1/items/" + h.order.Items[0].ID.String() + "/force-status"
	req := map[string]any{"status": "cancelled", "note": "customer called"}

	resp, _ := h.do(t, http.MethodPost, path, &staff, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, path, &admin, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["Status"])
}

func TestAPI_RespondRevision_Validation(t *testing.T) {
	h := newHarness(t, 0, 0)
	path := "/v1/revisions/" + uuid.NewString() + "/respond"

	resp, body := h.do(t, http.MethodPost, path, &customer, map[string]any{"note": "ok"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "Approve required")

	resp, _ = h.do(t, http.MethodPost, path, &customer, map[string]any{"approve": true})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_QualityFailure_ExceptionDismissedByAdmin(t *testing.T) {
	h := newHarness(t, 0, 0)
	h.svc.Runner.RunOnce(context.Background())
	itemID := h.order.Items[0].ID.String()

	resp, _ := h.do(t, http.MethodPost, "/v1/items/"+itemID+"/receive", &staff, map[string]any{"warehouse_id": "wh-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/items/"+itemID+"/quality-check", &staff,
		map[string]any{"passed": false, "notes": "scratched", "photo_urls": []string{"not a url"}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = h.do(t, http.MethodPost, "/v1/items/"+itemID+"/quality-check", &staff,
		map[string]any{"passed": false, "notes": "scratched", "photo_urls": []string{"https://cdn.example/1.jpg"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/items/"+itemID+"/exceptions", &staff,
		map[string]any{"type": "quality_check_failed", "description": "dup report"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	exID := body["ID"].(string)

	resp, _ = h.do(t, http.MethodGet, "/v1/exceptions/"+exID, &customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/exceptions/"+exID+"/respond", &stranger, map[string]any{"resolution": "refund"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/v1/exceptions/"+exID+"/dismiss", &admin, map[string]any{"note": "false alarm"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/v1/exceptions/"+exID+"/dismiss", &admin, map[string]any{"note": "again"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "already_resolved", body["kind"])
}

func TestAPI_ShipmentLifecycle(t *testing.T) {
	h := newHarness(t, 0, 0)
	itemID, shID := h.shipItem(t)
	base := "/v1/shipments/" + shID.String()

	resp, body := h.do(t, http.MethodGet, base, &staff, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(models.ShipmentReadyForDispatch), body["CurrentStatus"])

	resp, body = h.do(t, http.MethodGet, base+"/items", &staff, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["items"], 1)

	resp, _ = h.do(t, http.MethodPost, base+"/tracking", &staff,
		map[string]any{"tier": "international", "carrier_code": "dhl", "tracking_number": "DHL-9"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, base+"/measurements", &staff,
		map[string]any{"weight_kg": "3", "length_cm": "50", "width_cm": "40", "height_cm": "30"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "12", body["BillableWeight"])

	ev := map[string]any{
		"tracking_number": "DHL-9",
		"tier":            "international",
		"status":          "dispatched_internationally",
		"external_id":     "dhl-1",
		"event_time":      time.Now().UTC().Format(time.RFC3339),
	}
	undated := map[string]any{}
	for k, v := range ev {
		if k != "event_time" {
			undated[k] = v
		}
	}
	resp, _ = h.do(t, http.MethodPost, "/v1/webhooks/tracking", nil, undated)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/v1/webhooks/tracking", nil, ev)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, body["projected"])

	resp, body = h.do(t, http.MethodPost, "/v1/webhooks/tracking", nil, ev)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["duplicate"])

	it, err := h.svc.Items.Get(context.Background(), itemID)
	require.NoError(t, err)
	require.Equal(t, models.ItemShipped, it.Status)

	resp, body = h.do(t, http.MethodGet, base+"/events?limit=10", &customer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["events"], 1)

	resp, _ = h.do(t, http.MethodPost, base+"/status", &customer, map[string]any{"status": "in_transit"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_WebhookThrottled(t *testing.T) {
	h := newHarness(t, 0.001, 1)
	ev := map[string]any{"tracking_number": "X", "tier": "local", "status": "delivered", "external_id": "e"}

	resp, _ := h.do(t, http.MethodPost, "/v1/webhooks/tracking", nil, ev)
	require.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/webhooks/tracking", nil, ev)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "rate_limited", body["kind"])
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
}
