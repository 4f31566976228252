package fulfillment_api

import (
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type orderSettingsRequest struct {
	PrimaryWarehouseID       *string `json:"primary_warehouse_id" validate:"omitempty,min=1"`
	ConsolidationPreference  *string `json:"consolidation_preference" validate:"omitempty,oneof=ship_as_ready wait_for_all partial_groups"`
	MaxConsolidationWaitDays *int    `json:"max_consolidation_wait_days" validate:"omitempty,min=1,max=90"`
}

func (r orderSettingsRequest) toUpdate() models.OrderSettingsUpdate {
	upd := models.OrderSettingsUpdate{
		PrimaryWarehouseID:       r.PrimaryWarehouseID,
		MaxConsolidationWaitDays: r.MaxConsolidationWaitDays,
	}
	if r.ConsolidationPreference != nil {
		p := models.ConsolidationPreference(*r.ConsolidationPreference)
		upd.ConsolidationPreference = &p
	}
	return upd
}

type forceStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"required"`
}

type receiveRequest struct {
	WarehouseID string `json:"warehouse_id" validate:"required"`
}

type qualityCheckRequest struct {
	Passed    *bool    `json:"passed" validate:"required"`
	Notes     string   `json:"notes" validate:"max=2000"`
	PhotoURLs []string `json:"photo_urls" validate:"dive,url"`
}

type reportExceptionRequest struct {
	Type            string          `json:"type" validate:"required"`
	Description     string          `json:"description" validate:"required,max=2000"`
	FinancialImpact decimal.Decimal `json:"financial_impact"`
	ShipmentID      *uuid.UUID      `json:"shipment_id"`
}

type respondRevisionRequest struct {
	Approve *bool   `json:"approve" validate:"required"`
	Note    *string `json:"note" validate:"omitempty,max=2000"`
}

type respondExceptionRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=refund replacement alternative_source store_credit partial_refund_keep accept_as_is pay_duties return_to_sender manual_placement"`
	Note       string `json:"note" validate:"max=2000"`
}

type dismissExceptionRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

type completeTaskRequest struct {
	Result *models.TaskResult `json:"result"`
	Note   string             `json:"note" validate:"required,max=2000"`
}

type shipmentStatusRequest struct {
	Status string `json:"status" validate:"required"`
	Note   string `json:"note" validate:"max=2000"`
}

type registerTrackingRequest struct {
	Tier           string `json:"tier" validate:"required,oneof=seller international local"`
	CarrierCode    string `json:"carrier_code" validate:"required,max=64"`
	TrackingNumber string `json:"tracking_number" validate:"required,max=128"`
}

type measurementRequest struct {
	WeightKG decimal.Decimal  `json:"weight_kg"`
	LengthCM *decimal.Decimal `json:"length_cm"`
	WidthCM  *decimal.Decimal `json:"width_cm"`
	HeightCM *decimal.Decimal `json:"height_cm"`
}

func (r measurementRequest) dimensions() *models.Dimensions {
	if r.LengthCM == nil || r.WidthCM == nil || r.HeightCM == nil {
		return nil
	}
	return &models.Dimensions{LengthCM: *r.LengthCM, WidthCM: *r.WidthCM, HeightCM: *r.HeightCM}
}

type ingestResponse struct {
	Shipment  *models.Shipment      `json:"shipment"`
	Event     *models.TrackingEvent `json:"event"`
	Duplicate bool                  `json:"duplicate"`
	Projected bool                  `json:"projected"`
}
