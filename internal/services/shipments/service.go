// Package shipments owns the shipment status projection over its three tracking tiers and
// propagates dispatch, delivery and return to the linked items.
package shipments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/integrations/carrier"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Repository interface {
	CreateShipment(ctx context.Context, sh *models.Shipment, links []models.ShipmentItem) error
	GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error)
	FindShipmentByTracking(ctx context.Context, tier models.Tier, trackingNumber string) (*models.Shipment, error)
	ListShipmentItems(ctx context.Context, shipmentID uuid.UUID) ([]models.ShipmentItem, error)
	SetShipmentTracking(ctx context.Context, id uuid.UUID, tier models.Tier, trackingNumber string) error
	UpdateShipmentMeasurements(ctx context.Context, id uuid.UUID, m models.MeasurementUpdate) error
	AppendTrackingEvent(ctx context.Context, ev *models.TrackingEvent, proj *models.ShipmentProjection) (bool, error)
	ListTrackingEvents(ctx context.Context, shipmentID uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error)
}

type ItemService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.OrderItem, error)
	Apply(ctx context.Context, ch items.Change) (*models.OrderItem, error)
}

type OrderRecorder interface {
	RecordDelivery(ctx context.Context, orderID uuid.UUID, at time.Time) error
}

type ExceptionRaiser interface {
	Raise(ctx context.Context, in exceptions.RaiseInput) (*models.Exception, error)
}

type Notifier interface {
	Notify(ctx context.Context, n messages.CustomerNotification) error
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

const maxAttempts = 3

type Service struct {
	repo       Repository
	items      ItemService
	orders     OrderRecorder
	exceptions ExceptionRaiser
	notifier   Notifier
	carrier    carrier.Client

	cache      BytesCache
	currentTTL time.Duration

	now func() time.Time
}

func New(repo Repository, itemSvc ItemService, orders OrderRecorder, ex ExceptionRaiser, notifier Notifier) *Service {
	return &Service{
		repo:       repo,
		items:      itemSvc,
		orders:     orders,
		exceptions: ex,
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithCache(c BytesCache, currentTTL time.Duration) *Service {
	s.cache = c
	s.currentTTL = currentTTL
	return s
}

func (s *Service) WithCarrier(c carrier.Client) *Service {
	s.carrier = c
	return s
}

type CreateInput struct {
	OrderID     uuid.UUID
	WarehouseID string
	Kind        models.ShipmentKind
	ItemIDs     []uuid.UUID
}

// Create opens a shipment at ready_for_dispatch for quality-passed items of one order.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Shipment, error) {
	if len(in.ItemIDs) == 0 {
		return nil, apperr.Invalid("shipment needs at least one item")
	}
	if in.Kind == "" {
		in.Kind = models.ShipmentDirect
	}

	now := s.now()
	sh := &models.Shipment{
		ID:            uuid.New(),
		OrderID:       in.OrderID,
		WarehouseID:   in.WarehouseID,
		Kind:          in.Kind,
		CurrentTier:   models.TierInternational,
		CurrentStatus: models.ShipmentReadyForDispatch,
		StatusAt:      &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	links := make([]models.ShipmentItem, 0, len(in.ItemIDs))
	weight := decimal.Zero
	for _, id := range in.ItemIDs {
		it, err := s.items.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if it.OrderID != in.OrderID {
			return nil, apperr.Invalid("item " + id.String() + " belongs to another order")
		}
		if it.Status != models.ItemQualityCheckPassed {
			return nil, errors.Wrapf(apperr.ErrInvalidTransition, "item %s is %s", id, it.Status)
		}
		if it.ShipmentID != nil {
			return nil, errors.Wrapf(apperr.ErrConflict, "item %s already shipped in %s", id, it.ShipmentID)
		}
		if sh.WarehouseID == "" {
			sh.WarehouseID = it.WarehouseID
		}
		weight = weight.Add(it.CurrentWeight.Mul(decimal.NewFromInt(int64(it.Quantity))))
		links = append(links, models.ShipmentItem{
			ShipmentID:    sh.ID,
			ItemID:        it.ID,
			Condition:     condition(it),
			DeclaredValue: it.LineTotal(),
		})
	}
	sh.DeclaredWeight = weight

	if err := s.repo.CreateShipment(ctx, sh, links); err != nil {
		return nil, err
	}
	slog.Info("shipment created", "shipment_id", sh.ID, "order_id", sh.OrderID, "kind", sh.Kind, "items", len(links))
	return sh, nil
}

func condition(it *models.OrderItem) string {
	if it.QualityNotes != nil && strings.TrimSpace(*it.QualityNotes) != "" {
		return *it.QualityNotes
	}
	return "quality_check_passed"
}

// Get serves the current state from cache when possible.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	if s.cache != nil && s.currentTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, currentKey(id)); err == nil && ok {
			var sh models.Shipment
			if json.Unmarshal(b, &sh) == nil {
				return &sh, nil
			}
		}
	}
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.cache != nil && s.currentTTL > 0 {
		b, _ := json.Marshal(sh)
		_ = s.cache.Set(ctx, currentKey(id), b, s.currentTTL)
	}
	return sh, nil
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, currentKey(id)); err != nil {
		slog.Warn("shipment cache invalidate", "shipment_id", id, "error", err.Error())
	}
}

func (s *Service) ListItems(ctx context.Context, id uuid.UUID) ([]models.ShipmentItem, error) {
	if _, err := s.repo.GetShipment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListShipmentItems(ctx, id)
}

func (s *Service) ListEvents(ctx context.Context, id uuid.UUID, limit, offset int) ([]*models.TrackingEvent, error) {
	if _, err := s.repo.GetShipment(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTrackingEvents(ctx, id, limit, offset)
}

type ApplyResult struct {
	Shipment  *models.Shipment
	Event     *models.TrackingEvent
	Duplicate bool
	Projected bool
}

// Ingest resolves a carrier update to its shipment and applies it.
func (s *Service) Ingest(ctx context.Context, actor models.Actor, msg messages.TrackingEvent) (*ApplyResult, error) {
	if !actor.Can(models.CapIngest) {
		return nil, errors.Wrap(apperr.ErrForbidden, "ingest tracking event")
	}
	tier := models.Tier(msg.Tier)
	if !tier.IsValid() {
		return nil, apperr.Invalid("unknown tier " + msg.Tier)
	}
	status := models.ShipmentStatus(msg.Status)
	if !status.IsValid() {
		return nil, apperr.Invalid("unknown status " + msg.Status)
	}
	if msg.ExternalID == "" {
		return nil, apperr.Invalid("external_id is required")
	}
	source := models.DataSource(msg.Source)
	if source == "" {
		source = models.SourceWebhook
	}
	if !source.IsValid() {
		return nil, apperr.Invalid("unknown source " + msg.Source)
	}

	var shipmentID uuid.UUID
	switch {
	case msg.ShipmentID != nil:
		shipmentID = *msg.ShipmentID
	case msg.TrackingNumber != "":
		sh, err := s.repo.FindShipmentByTracking(ctx, tier, msg.TrackingNumber)
		if err != nil {
			return nil, err
		}
		shipmentID = sh.ID
	default:
		return nil, apperr.Invalid("shipment_id or tracking_number is required")
	}

	// event time is part of the dedup key, so it can never be filled in here
	if msg.EventTime.IsZero() {
		return nil, apperr.Invalid("event_time is required")
	}
	return s.ApplyEvent(ctx, &models.TrackingEvent{
		ShipmentID: shipmentID,
		Tier:       tier,
		EventType:  status,
		StatusRaw:  msg.StatusRaw,
		ExternalID: msg.ExternalID,
		EventTime:  msg.EventTime.UTC(),
		Location:   msg.Location,
		Message:    msg.Message,
		Source:     source,
		Payload:    msg.Payload,
	})
}

// ApplyEvent appends ev to the shipment log and, unless it would move the shipment backwards,
// projects it onto the current status in the same write. Replays of an already stored
// (external id, event time) change nothing.
func (s *Service) ApplyEvent(ctx context.Context, ev *models.TrackingEvent) (*ApplyResult, error) {
	return s.apply(ctx, ev, false)
}

func (s *Service) apply(ctx context.Context, ev *models.TrackingEvent, manual bool) (*ApplyResult, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sh, err := s.repo.GetShipment(ctx, ev.ShipmentID)
		if err != nil {
			return nil, err
		}

		e := *ev
		proj := s.project(sh, &e, manual)
		inserted, err := s.repo.AppendTrackingEvent(ctx, &e, proj)
		if errors.Is(err, apperr.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		if !inserted {
			return &ApplyResult{Shipment: sh, Event: &e, Duplicate: true}, nil
		}

		if proj == nil {
			return &ApplyResult{Shipment: sh, Event: &e}, nil
		}
		s.invalidate(ctx, sh.ID)
		prev := sh.CurrentStatus
		sh.CurrentStatus, sh.CurrentTier = proj.Status, proj.Tier
		at := proj.StatusAt
		sh.StatusAt = &at
		if proj.Status == models.ShipmentDelivered {
			sh.DeliveredAt = &at
		}
		slog.Info("shipment status changed",
			"shipment_id", sh.ID, "from", prev, "to", sh.CurrentStatus, "tier", sh.CurrentTier, "source", e.Source)

		if err := s.propagate(ctx, sh, prev); err != nil {
			return &ApplyResult{Shipment: sh, Event: &e, Projected: true}, err
		}
		return &ApplyResult{Shipment: sh, Event: &e, Projected: true}, nil
	}
	return nil, errors.Wrap(lastErr, "apply tracking event")
}

// project decides the status write for ev; nil means the event is only logged.
func (s *Service) project(sh *models.Shipment, ev *models.TrackingEvent, manual bool) *models.ShipmentProjection {
	cur := sh.CurrentStatus
	next := ev.EventType

	if cur.IsTerminal() {
		slog.Warn("event for closed shipment logged only",
			"shipment_id", sh.ID, "status", cur, "event", next, "external_id", ev.ExternalID)
		return nil
	}
	if next == cur {
		return nil
	}

	tier := ev.Tier
	if next.Tier() == "" {
		tier = sh.CurrentTier
	} else if next.Tier().Rank() > tier.Rank() {
		tier = next.Tier()
	}

	if manual {
		if !cur.CanTransitionTo(next) {
			return nil
		}
	} else if s.regresses(sh, ev, tier) {
		ev.OutOfOrder = true
		slog.Warn("out-of-order tracking event logged without status change",
			"shipment_id", sh.ID,
			"current_status", cur, "current_tier", sh.CurrentTier,
			"event", next, "event_tier", ev.Tier, "external_id", ev.ExternalID)
		return nil
	}

	return &models.ShipmentProjection{
		ExpectStatus: cur,
		ExpectTier:   sh.CurrentTier,
		Status:       next,
		Tier:         tier,
		StatusAt:     ev.EventTime,
	}
}

// regresses reports whether applying the event would move the shipment back along its route.
func (s *Service) regresses(sh *models.Shipment, ev *models.TrackingEvent, tier models.Tier) bool {
	if ev.Tier.Rank() < sh.CurrentTier.Rank() || tier.Rank() < sh.CurrentTier.Rank() {
		return true
	}
	next := ev.EventType
	if next.Tier() == "" {
		return false
	}
	switch sh.CurrentStatus {
	case models.ShipmentException, models.ShipmentCustomsHold, models.ShipmentDeliveryAttempted:
		return false
	}
	return next.Rank() < sh.CurrentStatus.Rank()
}

func (s *Service) propagate(ctx context.Context, sh *models.Shipment, prev models.ShipmentStatus) error {
	links, err := s.repo.ListShipmentItems(ctx, sh.ID)
	if err != nil {
		return errors.Wrap(err, "list shipment items")
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	switch {
	case sh.CurrentStatus == models.ShipmentDelivered:
		at := s.now()
		if sh.StatusAt != nil {
			at = *sh.StatusAt
		}
		for _, l := range links {
			keep(s.moveItem(ctx, l.ItemID, models.ItemShipped))
			keep(s.moveItem(ctx, l.ItemID, models.ItemDelivered))
		}
		if s.orders != nil {
			keep(s.orders.RecordDelivery(ctx, sh.OrderID, at))
		}
		s.notify(ctx, sh, messages.NotifyDelivered)

	case sh.CurrentStatus.DispatchedOrLater() && !prev.DispatchedOrLater():
		for _, l := range links {
			keep(s.moveItem(ctx, l.ItemID, models.ItemShipped))
		}
	}

	switch sh.CurrentStatus {
	case models.ShipmentCustomsHold:
		for _, l := range links {
			_, err := s.exceptions.Raise(ctx, exceptions.RaiseInput{
				ItemID:          l.ItemID,
				ShipmentID:      &sh.ID,
				Type:            models.ExceptionCustomsHold,
				DetectedBy:      models.DetectedByCarrier,
				Description:     "shipment held at customs",
				FinancialImpact: l.DeclaredValue,
			})
			keep(err)
		}
		s.notify(ctx, sh, messages.NotifyStatusChanged)
	case models.ShipmentReturnedToSender:
		for _, l := range links {
			keep(s.moveItem(ctx, l.ItemID, models.ItemReturned))
		}
	case models.ShipmentOutForDelivery, models.ShipmentDeliveryAttempted:
		s.notify(ctx, sh, messages.NotifyStatusChanged)
	}
	return firstErr
}

// moveItem skips items that already left the path (terminal, or without the edge).
func (s *Service) moveItem(ctx context.Context, itemID uuid.UUID, to models.ItemStatus) error {
	it, err := s.items.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if it.Status == to || !it.Status.CanTransitionTo(to, models.CauseShipment) {
		if it.Status != to {
			slog.Warn("item not moved with its shipment", "item_id", itemID, "status", it.Status, "target", to)
		}
		return nil
	}
	_, err = s.items.Apply(ctx, items.Change{ItemID: itemID, To: to, Cause: models.CauseShipment})
	return err
}

func (s *Service) notify(ctx context.Context, sh *models.Shipment, kind messages.NotificationKind) {
	if s.notifier == nil {
		return
	}
	id := sh.ID
	n := messages.CustomerNotification{
		Kind:       kind,
		OrderID:    sh.OrderID,
		ShipmentID: &id,
		Status:     string(sh.CurrentStatus),
		Payload:    map[string]string{"tier": string(sh.CurrentTier)},
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		slog.Error("notify shipment", "shipment_id", sh.ID, "kind", kind, "error", err.Error())
	}
}

// ManualStatus lets warehouse staff move a shipment along the manual transition table.
func (s *Service) ManualStatus(ctx context.Context, actor models.Actor, id uuid.UUID, to models.ShipmentStatus, note string) (*models.Shipment, error) {
	if !actor.Can(models.CapWarehouse) {
		return nil, errors.Wrap(apperr.ErrForbidden, "set shipment status")
	}
	if !to.IsValid() {
		return nil, apperr.Invalid("unknown status " + string(to))
	}
	sh, err := s.repo.GetShipment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sh.CurrentStatus.CanTransitionTo(to) {
		return nil, errors.Wrapf(apperr.ErrInvalidTransition, "shipment %s -> %s", sh.CurrentStatus, to)
	}

	tier := to.Tier()
	if tier == "" {
		tier = sh.CurrentTier
	}
	now := s.now()
	ev := &models.TrackingEvent{
		ShipmentID: id,
		Tier:       tier,
		EventType:  to,
		StatusRaw:  string(to),
		ExternalID: fmt.Sprintf("manual:%s:%s", actor.ID, uuid.NewString()),
		EventTime:  now,
		Source:     models.SourceManual,
	}
	if note != "" {
		ev.Message = &note
	}
	res, err := s.apply(ctx, ev, true)
	if err != nil && res == nil {
		return nil, err
	}
	if !res.Projected {
		return nil, errors.Wrapf(apperr.ErrConflict, "shipment moved to %s concurrently", res.Shipment.CurrentStatus)
	}
	return res.Shipment, err
}

// RegisterTracking stores a tier tracking number and subscribes it with the carrier aggregator.
func (s *Service) RegisterTracking(ctx context.Context, actor models.Actor, id uuid.UUID, tier models.Tier, carrierCode, number string) (*models.Shipment, error) {
	if !actor.Can(models.CapWarehouse) && !actor.Can(models.CapIngest) {
		return nil, errors.Wrap(apperr.ErrForbidden, "register tracking")
	}
	if !tier.IsValid() {
		return nil, apperr.Invalid("unknown tier " + string(tier))
	}
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, apperr.Invalid("tracking number is required")
	}
	if err := s.repo.SetShipmentTracking(ctx, id, tier, number); err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)

	if s.carrier != nil {
		err := s.carrier.RegisterTracking(ctx, carrier.Registration{
			ShipmentID: id, Tier: tier, CarrierCode: carrierCode, TrackingNumber: number,
		})
		if err != nil {
			return nil, errors.Wrap(err, "register with carrier")
		}
	}
	slog.Info("tracking registered", "shipment_id", id, "tier", tier, "carrier", carrierCode)
	return s.repo.GetShipment(ctx, id)
}

// RecordMeasurement stores the weighed parcel; billable weight is the larger of measured
// and volumetric weight.
func (s *Service) RecordMeasurement(ctx context.Context, actor models.Actor, id uuid.UUID, weight decimal.Decimal, dims *models.Dimensions) (*models.Shipment, error) {
	if !actor.Can(models.CapWarehouse) {
		return nil, errors.Wrap(apperr.ErrForbidden, "record measurement")
	}
	if !weight.IsPositive() {
		return nil, apperr.Invalid("weight must be positive")
	}
	billable := weight
	if dims != nil {
		if dims.LengthCM.IsNegative() || dims.WidthCM.IsNegative() || dims.HeightCM.IsNegative() {
			return nil, apperr.Invalid("dimensions must not be negative")
		}
		if v := dims.VolumetricWeight(); v.GreaterThan(billable) {
			billable = v
		}
	}
	err := s.repo.UpdateShipmentMeasurements(ctx, id, models.MeasurementUpdate{
		MeasuredWeight: weight,
		Dimensions:     dims,
		BillableWeight: billable,
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return s.repo.GetShipment(ctx, id)
}

func currentKey(id uuid.UUID) string {
	return fmt.Sprintf("shipment:%s:current", id)
}
