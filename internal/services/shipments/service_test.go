package shipments

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/cache/rediscache"
	carrierfake "github.com/BearBump/Fulfillment/internal/integrations/carrier/fake"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/services/notify/notifytest"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	staff  = models.Actor{ID: "staff-1", Role: models.RoleStaff}
	system = models.SystemActor("carrier-hook")
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type env struct {
	repo    *memfulfillment.Storage
	rec     *notifytest.Recorder
	clk     *clock
	carrier *carrierfake.Client
	svc     *Service
	order   *models.Order
	items   []*models.OrderItem
}

func newEnv(t *testing.T, n int) *env {
	t.Helper()
	e := &env{
		repo:    memfulfillment.New(),
		rec:     &notifytest.Recorder{},
		clk:     &clock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
		carrier: carrierfake.New(),
	}
	ord := orders.New(e.repo, nil, nil, e.rec, orders.Config{}).WithClock(e.clk.now)
	itemSvc := items.New(e.repo, ord, e.rec).WithClock(e.clk.now)
	ex := exceptions.New(e.repo, itemSvc, nil, e.rec, 48*time.Hour).WithClock(e.clk.now)
	e.svc = New(e.repo, itemSvc, ord, ex, e.rec).WithClock(e.clk.now).WithCarrier(e.carrier)

	e.order = &models.Order{
		ID: uuid.New(), QuoteID: uuid.NewString(), CustomerID: "cust-1",
		Status: models.OrderStatusProcessing, CreatedAt: e.clk.t,
	}
	notes := "box slightly dented"
	for i := 0; i < n; i++ {
		it := &models.OrderItem{
			ID:            uuid.New(),
			OrderID:       e.order.ID,
			ProductURL:    "https://shop.example/p",
			Quantity:      2,
			OriginalPrice: decimal.NewFromInt(40),
			CurrentPrice:  decimal.NewFromInt(45),
			CurrentWeight: decimal.RequireFromString("1.5"),
			WarehouseID:   "wh-de",
			Status:        models.ItemQualityCheckPassed,
			CreatedAt:     e.clk.t.Add(time.Duration(i) * time.Second),
		}
		if i == 0 {
			it.QualityNotes = &notes
		}
		e.items = append(e.items, it)
	}
	_, _, err := e.repo.CreateOrder(context.Background(), e.order, e.items)
	require.NoError(t, err)
	return e
}

func (e *env) itemIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.items))
	for _, it := range e.items {
		ids = append(ids, it.ID)
	}
	return ids
}

func (e *env) create(t *testing.T) *models.Shipment {
	t.Helper()
	sh, err := e.svc.Create(context.Background(), CreateInput{OrderID: e.order.ID, Kind: models.ShipmentConsolidated, ItemIDs: e.itemIDs()})
	require.NoError(t, err)
	return sh
}

func (e *env) event(sh *models.Shipment, tier models.Tier, st models.ShipmentStatus, ext string, at time.Time) *models.TrackingEvent {
	return &models.TrackingEvent{
		ShipmentID: sh.ID, Tier: tier, EventType: st, ExternalID: ext, EventTime: at, Source: models.SourceWebhook,
	}
}

func (e *env) itemStatus(t *testing.T, i int) models.ItemStatus {
	t.Helper()
	it, err := e.repo.GetItem(context.Background(), e.items[i].ID)
	require.NoError(t, err)
	return it.Status
}

func TestService_Create(t *testing.T) {
	e := newEnv(t, 2)
	sh := e.create(t)

	require.Equal(t, models.ShipmentReadyForDispatch, sh.CurrentStatus)
	require.Equal(t, models.TierInternational, sh.CurrentTier)
	require.Equal(t, "wh-de", sh.WarehouseID)
	require.True(t, sh.DeclaredWeight.Equal(decimal.NewFromInt(6)))

	links, err := e.svc.ListItems(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	require.True(t, links[0].DeclaredValue.Equal(decimal.NewFromInt(90)))
	require.Equal(t, "box slightly dented", links[0].Condition)
	require.Equal(t, "quality_check_passed", links[1].Condition)

	it, err := e.repo.GetItem(context.Background(), e.items[0].ID)
	require.NoError(t, err)
	require.Equal(t, sh.ID, *it.ShipmentID)

	_, err = e.svc.Create(context.Background(), CreateInput{OrderID: e.order.ID, ItemIDs: e.itemIDs()[:1]})
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestService_Create_RejectsUncheckedItems(t *testing.T) {
	e := newEnv(t, 1)
	_, err := e.repo.UpdateItem(context.Background(), e.items[0].ID, models.ItemQualityCheckPassed, models.ItemQualityCheckFailed, models.ItemPatch{})
	require.NoError(t, err)

	_, err = e.svc.Create(context.Background(), CreateInput{OrderID: e.order.ID, ItemIDs: e.itemIDs()})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = e.svc.Create(context.Background(), CreateInput{OrderID: uuid.New(), ItemIDs: e.itemIDs()})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestService_ApplyEvent_DispatchShipsItems(t *testing.T) {
	e := newEnv(t, 2)
	sh := e.create(t)

	res, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentDispatchedInternationally, "dhl-1", e.clk.t))
	require.NoError(t, err)
	require.True(t, res.Projected)
	require.Equal(t, models.ShipmentDispatchedInternationally, res.Shipment.CurrentStatus)
	require.Equal(t, models.ItemShipped, e.itemStatus(t, 0))
	require.Equal(t, models.ItemShipped, e.itemStatus(t, 1))

	o, err := e.repo.GetOrder(context.Background(), e.order.ID)
	require.NoError(t, err)
	require.Equal(t, 2, o.Counters.Shipped)
	require.Equal(t, models.OrderStatusShipped, o.Status)
}

func TestService_ApplyEvent_DuplicateIsNoop(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)
	ev := e.event(sh, models.TierInternational, models.ShipmentInTransitInternational, "dhl-2", e.clk.t)

	first, err := e.svc.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	again := *ev
	again.ID = uuid.Nil
	second, err := e.svc.ApplyEvent(context.Background(), &again)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, models.ShipmentInTransitInternational, second.Shipment.CurrentStatus)

	evs, err := e.svc.ListEvents(context.Background(), sh.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestService_ApplyEvent_OutOfOrderTierIsLoggedOnly(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)

	res, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierLocal, models.ShipmentLocalFacility, "post-1", e.clk.t.Add(2*time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Projected)
	require.Equal(t, models.TierLocal, res.Shipment.CurrentTier)

	late, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentInTransitInternational, "dhl-3", e.clk.t.Add(time.Hour)))
	require.NoError(t, err)
	require.False(t, late.Projected)
	require.True(t, late.Event.OutOfOrder)

	cur, err := e.svc.Get(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Equal(t, models.TierLocal, cur.CurrentTier)
	require.Equal(t, models.ShipmentLocalFacility, cur.CurrentStatus)

	evs, err := e.svc.ListEvents(context.Background(), sh.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.True(t, evs[0].OutOfOrder)
	require.False(t, evs[1].OutOfOrder)
}

func TestService_ApplyEvent_SameTierRegressionIsLoggedOnly(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)

	_, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentAtCustoms, "c-1", e.clk.t))
	require.NoError(t, err)
	res, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentDispatchedInternationally, "c-0", e.clk.t.Add(-time.Hour)))
	require.NoError(t, err)
	require.False(t, res.Projected)
	require.Equal(t, models.ShipmentAtCustoms, res.Shipment.CurrentStatus)
}

func TestService_ApplyEvent_DeliveredPropagates(t *testing.T) {
	e := newEnv(t, 2)
	sh := e.create(t)
	at := e.clk.t.Add(72 * time.Hour)

	_, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierLocal, models.ShipmentDelivered, "post-9", at))
	require.NoError(t, err)

	require.Equal(t, models.ItemDelivered, e.itemStatus(t, 0))
	require.Equal(t, models.ItemDelivered, e.itemStatus(t, 1))

	o, err := e.repo.GetOrder(context.Background(), e.order.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusDelivered, o.Status)
	require.Equal(t, 2, o.Counters.Delivered)
	require.True(t, o.Counters.Balanced())
	require.NotNil(t, o.LastDeliveryAt)
	require.True(t, at.Equal(*o.LastDeliveryAt))
	require.Contains(t, e.rec.Kinds(), messages.NotifyDelivered)

	cur, err := e.svc.Get(context.Background(), sh.ID)
	require.NoError(t, err)
	require.NotNil(t, cur.DeliveredAt)

	after, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierLocal, models.ShipmentOutForDelivery, "post-10", at.Add(time.Hour)))
	require.NoError(t, err)
	require.False(t, after.Projected)
	require.Equal(t, models.ShipmentDelivered, after.Shipment.CurrentStatus)
}

func TestService_ApplyEvent_CustomsHoldRaisesException(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)

	_, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentCustomsHold, "cus-1", e.clk.t))
	require.NoError(t, err)

	ex, err := e.repo.FindOpenException(context.Background(), e.items[0].ID, models.ExceptionCustomsHold)
	require.NoError(t, err)
	require.NotNil(t, ex)
	require.Equal(t, sh.ID, *ex.ShipmentID)
	require.Equal(t, models.DetectedByCarrier, ex.DetectedBy)

	res, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentCustomsCleared, "cus-2", e.clk.t.Add(time.Hour)))
	require.NoError(t, err)
	require.True(t, res.Projected)
}

func TestService_ApplyEvent_ReturnedToSender(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)
	_, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentDispatchedInternationally, "r-1", e.clk.t))
	require.NoError(t, err)

	res, err := e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentReturnedToSender, "r-2", e.clk.t.Add(time.Hour)))
	require.NoError(t, err)
	require.Equal(t, models.TierInternational, res.Shipment.CurrentTier)
	require.Equal(t, models.ItemReturned, e.itemStatus(t, 0))
}

func TestService_Ingest(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)
	_, err := e.svc.RegisterTracking(context.Background(), staff, sh.ID, models.TierInternational, "dhl", "JD014600")
	require.NoError(t, err)
	require.Len(t, e.carrier.Registrations(), 1)

	msg := messages.TrackingEvent{
		TrackingNumber: "JD014600", Tier: "international", Status: "in_transit_international",
		ExternalID: "evt-1", EventTime: e.clk.t,
	}
	_, err = e.svc.Ingest(context.Background(), models.Actor{ID: "c", Role: models.RoleCustomer}, msg)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	res, err := e.svc.Ingest(context.Background(), system, msg)
	require.NoError(t, err)
	require.True(t, res.Projected)
	require.Equal(t, models.SourceWebhook, res.Event.Source)

	msg.Status = "teleported"
	_, err = e.svc.Ingest(context.Background(), system, msg)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	msg.Status, msg.EventTime = "at_customs", time.Time{}
	_, err = e.svc.Ingest(context.Background(), system, msg)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	msg.EventTime = e.clk.t

	msg.Status, msg.TrackingNumber = "at_customs", "unknown"
	_, err = e.svc.Ingest(context.Background(), system, msg)
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestService_ManualStatus(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)

	_, err := e.svc.ManualStatus(context.Background(), models.Actor{ID: "c", Role: models.RoleCustomer}, sh.ID, models.ShipmentDispatchedInternationally, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := e.svc.ManualStatus(context.Background(), staff, sh.ID, models.ShipmentDispatchedInternationally, "handed to DHL")
	require.NoError(t, err)
	require.Equal(t, models.ShipmentDispatchedInternationally, got.CurrentStatus)
	require.Equal(t, models.ItemShipped, e.itemStatus(t, 0))

	_, err = e.svc.ManualStatus(context.Background(), staff, sh.ID, models.ShipmentReadyForDispatch, "")
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	evs, err := e.svc.ListEvents(context.Background(), sh.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, models.SourceManual, evs[0].Source)
	require.Equal(t, "handed to DHL", *evs[0].Message)
}

func TestService_RecordMeasurement(t *testing.T) {
	e := newEnv(t, 1)
	sh := e.create(t)

	dims := &models.Dimensions{
		LengthCM: decimal.NewFromInt(50), WidthCM: decimal.NewFromInt(40), HeightCM: decimal.NewFromInt(30),
	}
	got, err := e.svc.RecordMeasurement(context.Background(), staff, sh.ID, decimal.NewFromInt(2), dims)
	require.NoError(t, err)
	require.True(t, got.MeasuredWeight.Equal(decimal.NewFromInt(2)))
	require.True(t, got.BillableWeight.Equal(decimal.NewFromInt(12)))

	got, err = e.svc.RecordMeasurement(context.Background(), staff, sh.ID, decimal.NewFromInt(15), dims)
	require.NoError(t, err)
	require.True(t, got.BillableWeight.Equal(decimal.NewFromInt(15)))

	_, err = e.svc.RecordMeasurement(context.Background(), staff, sh.ID, decimal.Zero, nil)
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestService_Get_CachesCurrentState(t *testing.T) {
	mr := miniredis.RunT(t)
	c := rediscache.New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	e := newEnv(t, 1)
	e.svc.WithCache(c, time.Minute)
	sh := e.create(t)

	got, err := e.svc.Get(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentReadyForDispatch, got.CurrentStatus)
	require.True(t, mr.Exists("fulfillment:"+currentKey(sh.ID)))

	_, err = e.svc.ApplyEvent(context.Background(), e.event(sh, models.TierInternational, models.ShipmentDispatchedInternationally, "x", e.clk.t))
	require.NoError(t, err)
	require.False(t, mr.Exists("fulfillment:"+currentKey(sh.ID)))

	got, err = e.svc.Get(context.Background(), sh.ID)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentDispatchedInternationally, got.CurrentStatus)
}
