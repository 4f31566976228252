package fulfillment_api

import (
	"net/http"

	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/warehouse"
	"github.com/google/uuid"
)

// request is the common prelude: actor, path id and optional body.
func (a *FulfillmentAPI) request(w http.ResponseWriter, r *http.Request, body any) (models.Actor, uuid.UUID, bool) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return actor, uuid.Nil, false
	}
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return actor, uuid.Nil, false
	}
	if body != nil {
		if err := a.decode(r, body); err != nil {
			writeError(w, r, err)
			return actor, uuid.Nil, false
		}
	}
	return actor, id, true
}

// orders

func (a *FulfillmentAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	v, err := a.svc.Orders.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *FulfillmentAPI) updateOrderSettings(w http.ResponseWriter, r *http.Request) {
	var req orderSettingsRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	v, err := a.svc.Orders.UpdateSettings(r.Context(), actor, id, req.toUpdate())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *FulfillmentAPI) closeOrder(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	v, err := a.svc.Orders.Close(r.Context(), actor, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// items

func (a *FulfillmentAPI) getItem(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	it, err := a.svc.Items.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *FulfillmentAPI) forceItemStatus(w http.ResponseWriter, r *http.Request) {
	var req forceStatusRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	it, err := a.svc.Items.ForceStatus(r.Context(), actor, id, models.ItemStatus(req.Status), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *FulfillmentAPI) receiveItem(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	it, err := a.svc.Warehouse.Receive(r.Context(), actor, id, req.WarehouseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *FulfillmentAPI) qualityCheck(w http.ResponseWriter, r *http.Request) {
	var req qualityCheckRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	it, err := a.svc.Warehouse.QualityCheck(r.Context(), actor, warehouse.QualityResult{
		ItemID:    id,
		Passed:    *req.Passed,
		Notes:     req.Notes,
		PhotoURLs: req.PhotoURLs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *FulfillmentAPI) reportException(w http.ResponseWriter, r *http.Request) {
	var req reportExceptionRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	ex, err := a.svc.Warehouse.ReportException(r.Context(), actor, exceptions.RaiseInput{
		ItemID:          id,
		ShipmentID:      req.ShipmentID,
		Type:            models.ExceptionType(req.Type),
		Description:     req.Description,
		FinancialImpact: req.FinancialImpact,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

// approvals

func (a *FulfillmentAPI) getRevision(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	rev, err := a.svc.Revisions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *FulfillmentAPI) respondRevision(w http.ResponseWriter, r *http.Request) {
	var req respondRevisionRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	rev, err := a.svc.Revisions.Respond(r.Context(), actor, id, *req.Approve, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (a *FulfillmentAPI) getException(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	ex, err := a.svc.Exceptions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (a *FulfillmentAPI) respondException(w http.ResponseWriter, r *http.Request) {
	var req respondExceptionRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	ex, err := a.svc.Exceptions.Respond(r.Context(), actor, id, models.Resolution(req.Resolution), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (a *FulfillmentAPI) dismissException(w http.ResponseWriter, r *http.Request) {
	var req dismissExceptionRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	ex, err := a.svc.Exceptions.Dismiss(r.Context(), actor, id, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// tasks

func (a *FulfillmentAPI) getTask(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	t, err := a.svc.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *FulfillmentAPI) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeTaskRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	t, err := a.svc.Tasks.CompleteManually(r.Context(), actor, id, req.Result, req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// shipments

func (a *FulfillmentAPI) getShipment(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	sh, err := a.svc.Shipments.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *FulfillmentAPI) listShipmentEvents(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	limit, offset := pageParams(r)
	evs, err := a.svc.Shipments.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *FulfillmentAPI) listShipmentItems(w http.ResponseWriter, r *http.Request) {
	_, id, ok := a.request(w, r, nil)
	if !ok {
		return
	}
	links, err := a.svc.Shipments.ListItems(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": links})
}

func (a *FulfillmentAPI) setShipmentStatus(w http.ResponseWriter, r *http.Request) {
	var req shipmentStatusRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	sh, err := a.svc.Shipments.ManualStatus(r.Context(), actor, id, models.ShipmentStatus(req.Status), req.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *FulfillmentAPI) registerTracking(w http.ResponseWriter, r *http.Request) {
	var req registerTrackingRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	sh, err := a.svc.Shipments.RegisterTracking(r.Context(), actor, id, models.Tier(req.Tier), req.CarrierCode, req.TrackingNumber)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (a *FulfillmentAPI) recordMeasurement(w http.ResponseWriter, r *http.Request) {
	var req measurementRequest
	actor, id, ok := a.request(w, r, &req)
	if !ok {
		return
	}
	sh, err := a.svc.Shipments.RecordMeasurement(r.Context(), actor, id, req.WeightKG, req.dimensions())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

// Carriers authenticate upstream of this service; the webhook acts as the system.
var webhookActor = models.SystemActor("carrier-webhook")

func (a *FulfillmentAPI) trackingWebhook(w http.ResponseWriter, r *http.Request) {
	var msg messages.TrackingEvent
	if err := a.decode(r, &msg); err != nil {
		writeError(w, r, err)
		return
	}
	if msg.Source == "" {
		msg.Source = string(models.SourceWebhook)
	}
	res, err := a.svc.Shipments.Ingest(r.Context(), webhookActor, msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, ingestResponse{
		Shipment:  res.Shipment,
		Event:     res.Event,
		Duplicate: res.Duplicate,
		Projected: res.Projected,
	})
}
