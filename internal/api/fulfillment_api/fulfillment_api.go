// Package fulfillment_api exposes the human-facing operations over chi+JSON: approvals,
// warehouse staff actions, admin edits and carrier webhooks.
package fulfillment_api

import (
	"net/http"

	"github.com/BearBump/Fulfillment/internal/services/automation"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/services/revisions"
	"github.com/BearBump/Fulfillment/internal/services/shipments"
	"github.com/BearBump/Fulfillment/internal/services/warehouse"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"
)

type Services struct {
	Orders     *orders.Service
	Items      *items.Service
	Revisions  *revisions.Service
	Exceptions *exceptions.Service
	Warehouse  *warehouse.Service
	Shipments  *shipments.Service
	Tasks      *automation.Runner
}

type FulfillmentAPI struct {
	svc      Services
	validate *validator.Validate
	webhooks *rate.Limiter
}

// New builds the API. webhookRPS <= 0 disables webhook throttling.
func New(svc Services, webhookRPS float64, webhookBurst int) *FulfillmentAPI {
	a := &FulfillmentAPI{svc: svc, validate: validator.New()}
	if webhookRPS > 0 {
		if webhookBurst <= 0 {
			webhookBurst = int(webhookRPS) + 1
		}
		a.webhooks = rate.NewLimiter(rate.Limit(webhookRPS), webhookBurst)
	}
	return a
}

func (a *FulfillmentAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(Logging)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/orders/{id}", a.getOrder)
		r.Patch("/orders/{id}/settings", a.updateOrderSettings)
		r.Post("/orders/{id}/close", a.closeOrder)

		r.Get("/items/{id}", a.getItem)
		r.Post("/items/{id}/force-status", a.forceItemStatus)
		r.Post("/items/{id}/receive", a.receiveItem)
		r.Post("/items/{id}/quality-check", a.qualityCheck)
		r.Post("/items/{id}/exceptions", a.reportException)

		r.Get("/revisions/{id}", a.getRevision)
		r.Post("/revisions/{id}/respond", a.respondRevision)

		r.Get("/exceptions/{id}", a.getException)
		r.Post("/exceptions/{id}/respond", a.respondException)
		r.Post("/exceptions/{id}/dismiss", a.dismissException)

		r.Get("/tasks/{id}", a.getTask)
		r.Post("/tasks/{id}/complete", a.completeTask)

		r.Get("/shipments/{id}", a.getShipment)
		r.Get("/shipments/{id}/events", a.listShipmentEvents)
		r.Get("/shipments/{id}/items", a.listShipmentItems)
		r.Post("/shipments/{id}/status", a.setShipmentStatus)
		r.Post("/shipments/{id}/tracking", a.registerTracking)
		r.Post("/shipments/{id}/measurements", a.recordMeasurement)

		r.With(a.throttleWebhooks).Post("/webhooks/tracking", a.trackingWebhook)
	})
	return r
}

func (a *FulfillmentAPI) throttleWebhooks(next http.Handler) http.Handler {
	if a.webhooks == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.webhooks.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many webhook calls", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
