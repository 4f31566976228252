package pgfulfillment

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "fulfillment_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/fulfillment_test?sslmode=disable"
	var st *Storage
	// the port opens before postgres accepts connections
	require.Eventually(t, func() bool {
		st, err = New(dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(st.Close)
	return st
}

func newOrder(now time.Time) (*models.Order, []*models.OrderItem) {
	o := &models.Order{
		ID:                       uuid.New(),
		QuoteID:                  "Q-" + uuid.NewString(),
		CustomerID:               "cust-1",
		PaymentMethod:            "card",
		PaymentStatus:            "paid",
		Currency:                 "USD",
		PrimaryWarehouseID:       "WH-1",
		ConsolidationPreference:  models.WaitForAll,
		MaxConsolidationWaitDays: 14,
		Status:                   models.OrderStatusProcessing,
		OriginalTotal:            decimal.RequireFromString("30.00"),
		CurrentTotal:             decimal.RequireFromString("30.00"),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	it := &models.OrderItem{
		ID:                 uuid.New(),
		OrderID:            o.ID,
		ProductURL:         "https://shop.example/p/1",
		ProductName:        "Lamp",
		SellerPlatform:     "shop",
		OriginCountry:      "US",
		DestinationCountry: "KZ",
		Quantity:           1,
		OriginalPrice:      decimal.RequireFromString("30.00"),
		CurrentPrice:       decimal.RequireFromString("30.00"),
		OriginalWeight:     decimal.RequireFromString("1.500"),
		CurrentWeight:      decimal.RequireFromString("1.500"),
		WarehouseID:        "WH-1",
		Status:             models.ItemPendingOrderPlacement,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	return o, []*models.OrderItem{it}
}

func TestPGFulfillment_RepoFlow(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o, items := newOrder(now)
	created, ok, err := st.CreateOrder(ctx, o, items)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, o.ID, created.ID)

	// same quote id is idempotent
	dup, _ := newOrder(now)
	dup.QuoteID = o.QuoteID
	again, ok, err := st.CreateOrder(ctx, dup, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, o.ID, again.ID)

	item := items[0]

	// compare-and-swap on item status
	sellerID := "S-1"
	upd, err := st.UpdateItem(ctx, item.ID, models.ItemPendingOrderPlacement, models.ItemSellerOrderPlaced, models.ItemPatch{SellerOrderID: &sellerID})
	require.NoError(t, err)
	require.Equal(t, models.ItemSellerOrderPlaced, upd.Status)
	require.Equal(t, "S-1", *upd.SellerOrderID)

	_, err = st.UpdateItem(ctx, item.ID, models.ItemPendingOrderPlacement, models.ItemCancelled, models.ItemPatch{})
	require.ErrorIs(t, err, apperr.ErrConflict)
	_, err = st.UpdateItem(ctx, uuid.New(), models.ItemPendingOrderPlacement, models.ItemCancelled, models.ItemPatch{})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	// tasks: one waiting task per (item, type), claim skips running siblings
	task := &models.AutomationTask{
		ID:         uuid.New(),
		ItemID:     item.ID,
		Type:       models.TaskTrackingScrape,
		Status:     models.TaskQueued,
		Config:     models.TaskConfig{TrackingScrape: &models.TrackingScrapeConfig{SellerOrderID: "S-1"}},
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, ok, err = st.CreateTask(ctx, task)
	require.NoError(t, err)
	require.True(t, ok)

	twin := *task
	twin.ID = uuid.New()
	got, ok, err := st.CreateTask(ctx, &twin)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, task.ID, got.ID)

	claimed, err := st.ClaimDueTasks(ctx, now.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, models.TaskRunning, claimed[0].Status)
	require.Equal(t, "S-1", claimed[0].Config.TrackingScrape.SellerOrderID)

	// a new waiting task cannot be claimed while the first one runs
	third := *task
	third.ID = uuid.New()
	third.CreatedAt = now.Add(time.Second)
	_, ok, err = st.CreateTask(ctx, &third)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err = st.ClaimDueTasks(ctx, now.Add(time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// past the lease the abandoned run is handed out again, still one per (item, type)
	claimed, err = st.ClaimDueTasks(ctx, now.Add(2*time.Minute), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.ID, claimed[0].ID)
	require.Equal(t, models.TaskRunning, claimed[0].Status)

	success := true
	done, err := st.UpdateTask(ctx, task.ID, models.TaskRunning, models.TaskPatch{
		Status:  models.TaskCompleted,
		Success: &success,
		Result:  &models.TaskResult{TrackingScrape: &models.TrackingScrapeResult{TrackingNumber: "TN-1"}},
	})
	require.NoError(t, err)
	require.True(t, done.Success)
	require.Equal(t, "TN-1", done.Result.TrackingScrape.TrackingNumber)

	_, err = st.UpdateTask(ctx, task.ID, models.TaskRunning, models.TaskPatch{Status: models.TaskFailed})
	require.ErrorIs(t, err, apperr.ErrConflict)

	// shipments and tracking events
	tn := "TN-1"
	sh := &models.Shipment{
		ID:                   uuid.New(),
		OrderID:              o.ID,
		WarehouseID:          "WH-1",
		Kind:                 models.ShipmentDirect,
		CurrentTier:          models.TierInternational,
		CurrentStatus:        models.ShipmentReadyForDispatch,
		DeclaredWeight:       decimal.RequireFromString("1.500"),
		SellerTrackingNumber: &tn,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, st.CreateShipment(ctx, sh, []models.ShipmentItem{{ItemID: item.ID, DeclaredValue: decimal.RequireFromString("30.00")}}))

	other := *sh
	other.ID = uuid.New()
	err = st.CreateShipment(ctx, &other, []models.ShipmentItem{{ItemID: item.ID}})
	require.ErrorIs(t, err, apperr.ErrConflict)

	found, err := st.FindShipmentByTracking(ctx, models.TierSeller, "TN-1")
	require.NoError(t, err)
	require.Equal(t, sh.ID, found.ID)

	evTime := now.Add(time.Minute)
	ev := &models.TrackingEvent{
		ID:         uuid.New(),
		ShipmentID: sh.ID,
		Tier:       models.TierInternational,
		EventType:  models.ShipmentDispatchedInternationally,
		StatusRaw:  "DISPATCHED",
		ExternalID: "ext-1",
		EventTime:  evTime,
		Source:     models.SourceWebhook,
		CreatedAt:  now,
	}
	proj := &models.ShipmentProjection{
		ExpectStatus: models.ShipmentReadyForDispatch,
		ExpectTier:   models.TierInternational,
		Status:       models.ShipmentDispatchedInternationally,
		Tier:         models.TierInternational,
		StatusAt:     evTime,
	}
	inserted, err := st.AppendTrackingEvent(ctx, ev, proj)
	require.NoError(t, err)
	require.True(t, inserted)

	redelivered := *ev
	redelivered.ID = uuid.New()
	inserted, err = st.AppendTrackingEvent(ctx, &redelivered, proj)
	require.NoError(t, err)
	require.False(t, inserted)

	stale := *ev
	stale.ID = uuid.New()
	stale.ExternalID = "ext-2"
	_, err = st.AppendTrackingEvent(ctx, &stale, proj)
	require.ErrorIs(t, err, apperr.ErrConflict)

	evs, err := st.ListTrackingEvents(ctx, sh.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	cur, err := st.GetShipment(ctx, sh.ID)
	require.NoError(t, err)
	require.Equal(t, models.ShipmentDispatchedInternationally, cur.CurrentStatus)

	// exceptions: one open per (item, type), single resolver wins
	exc := &models.Exception{
		ID:                       uuid.New(),
		ItemID:                   item.ID,
		OrderID:                  o.ID,
		Type:                     models.ExceptionDamaged,
		Severity:                 models.SeverityHigh,
		DetectedBy:               models.DetectedByQualityCheck,
		AvailableResolutions:     []models.Resolution{models.ResolutionRefund, models.ResolutionReplacement},
		RecommendedResolution:    models.ResolutionRefund,
		CustomerResponseDeadline: now.Add(-time.Minute),
		ResolutionStatus:         models.ResolutionPending,
		FinancialImpact:          decimal.RequireFromString("30.00"),
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	require.NoError(t, st.CreateException(ctx, exc))
	open, err := st.FindOpenException(ctx, item.ID, models.ExceptionDamaged)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Len(t, open.AvailableResolutions, 2)

	expired, err := st.ListExpiredExceptions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	res := models.ExceptionResolution{
		Status:     models.ResolutionResolved,
		Method:     models.ResolutionRefund,
		ResolvedBy: "system",
		ResolvedAt: now,
	}
	closed, err := st.ResolveException(ctx, exc.ID, res)
	require.NoError(t, err)
	require.Equal(t, models.ResolutionRefund, *closed.ResolutionMethod)
	_, err = st.ResolveException(ctx, exc.ID, res)
	require.ErrorIs(t, err, apperr.ErrConflict)

	// revisions
	deadline := now.Add(-time.Second)
	rev := &models.Revision{
		ID:               uuid.New(),
		ItemID:           item.ID,
		OrderID:          o.ID,
		OriginalPrice:    decimal.RequireFromString("30.00"),
		NewPrice:         decimal.RequireFromString("80.00"),
		OriginalWeight:   decimal.RequireFromString("1.500"),
		NewWeight:        decimal.RequireFromString("1.500"),
		PriceDelta:       decimal.RequireFromString("50.00"),
		TotalCostImpact:  decimal.RequireFromString("50.00"),
		Breakdown:        models.CostBreakdown{PriceDelta: decimal.RequireFromString("50.00"), Total: decimal.RequireFromString("50.00")},
		ApprovalStatus:   models.ApprovalPending,
		ResponseDeadline: &deadline,
		DetectedBy:       models.DetectedByAutomation,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateRevision(ctx, rev))
	pending, err := st.FindPendingRevision(ctx, item.ID)
	require.NoError(t, err)
	require.True(t, pending.Breakdown.Total.Equal(decimal.RequireFromString("50")))

	revs, err := st.ListExpiredRevisions(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, revs, 1)

	decided, err := st.DecideRevision(ctx, rev.ID, models.RevisionDecision{Status: models.ApprovalExpired, RespondedBy: "system", RespondedAt: now})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalExpired, decided.ApprovalStatus)
	_, err = st.DecideRevision(ctx, rev.ID, models.RevisionDecision{Status: models.ApprovalApproved, RespondedBy: "c", RespondedAt: now})
	require.ErrorIs(t, err, apperr.ErrConflict)

	// rollup overwrites counters but never reopens a closed order
	require.NoError(t, st.CloseOrder(ctx, o.ID, now))
	require.NoError(t, st.SaveOrderRollup(ctx, o.ID, models.OrderRollup{
		Counters:     models.OrderCounters{Total: 1, Shipped: 1},
		Status:       models.OrderStatusShipped,
		CurrentTotal: decimal.RequireFromString("30.00"),
	}))
	final, err := st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusClosed, final.Status)
	require.Equal(t, 1, final.Counters.Shipped)
}
