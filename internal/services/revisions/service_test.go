package revisions

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/Fulfillment/internal/apperr"
	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/BearBump/Fulfillment/internal/services/exceptions"
	"github.com/BearBump/Fulfillment/internal/services/items"
	"github.com/BearBump/Fulfillment/internal/services/notify/notifytest"
	"github.com/BearBump/Fulfillment/internal/services/orders"
	"github.com/BearBump/Fulfillment/internal/storage/memfulfillment"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type env struct {
	repo *memfulfillment.Storage
	rec  *notifytest.Recorder
	clk  *clock
	ex   *exceptions.Service
	svc  *Service
}

var customer = models.Actor{ID: "cust-1", Role: models.RoleCustomer}

func newEnv(t *testing.T, price string, st models.ItemStatus) (*env, *models.OrderItem) {
	t.Helper()
	e := &env{
		repo: memfulfillment.New(),
		rec:  &notifytest.Recorder{},
		clk:  &clock{t: time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)},
	}
	ord := orders.New(e.repo, nil, nil, e.rec, orders.Config{})
	itemSvc := items.New(e.repo, ord, e.rec).WithClock(e.clk.now)
	e.ex = exceptions.New(e.repo, itemSvc, nil, e.rec, 48*time.Hour).WithClock(e.clk.now)
	e.svc = New(e.repo, itemSvc, e.ex, e.rec, DefaultConfig()).WithClock(e.clk.now)

	o := &models.Order{ID: uuid.New(), QuoteID: uuid.NewString(), CustomerID: "cust-1", CreatedAt: e.clk.t}
	it := &models.OrderItem{
		ID:             uuid.New(),
		OrderID:        o.ID,
		Quantity:       1,
		OriginalPrice:  decimal.RequireFromString(price),
		CurrentPrice:   decimal.RequireFromString(price),
		OriginalWeight: decimal.RequireFromString("1"),
		CurrentWeight:  decimal.RequireFromString("1"),
		Status:         st,
		CreatedAt:      e.clk.t,
	}
	_, _, err := e.repo.CreateOrder(context.Background(), o, []*models.OrderItem{it})
	require.NoError(t, err)
	return e, it
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func (e *env) item(t *testing.T, id uuid.UUID) *models.OrderItem {
	t.Helper()
	it, err := e.repo.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it
}

func TestService_Detect_WithinToleranceIsNoop(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)

	r, err := e.svc.Detect(context.Background(), DetectInput{ItemID: it.ID, NewPrice: dec("500.01"), NewWeight: dec("1.04")})
	require.NoError(t, err)
	require.Nil(t, r)
	require.Equal(t, models.ItemSellerOrderPlaced, e.item(t, it.ID).Status)
}

func TestService_Detect_AutoApproves(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)

	r, err := e.svc.Detect(context.Background(), DetectInput{ItemID: it.ID, NewPrice: dec("520")})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalAutoApproved, r.ApprovalStatus)
	require.True(t, r.AutoApprovalEligible)
	require.Nil(t, r.ResponseDeadline)

	got := e.item(t, it.ID)
	require.Equal(t, models.ItemRevisionApproved, got.Status)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(520)))
	require.True(t, got.OriginalPrice.Equal(decimal.NewFromInt(500)))
	require.False(t, got.RequiresCustomerApproval)
	require.NotContains(t, e.rec.Kinds(), messages.NotifyApprovalNeeded)
}

func TestService_Detect_RequiresApproval(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)

	r, err := e.svc.Detect(context.Background(), DetectInput{ItemID: it.ID, NewPrice: dec("530")})
	require.NoError(t, err)
	require.Equal(t, models.ApprovalPending, r.ApprovalStatus)
	require.Equal(t, e.clk.t.Add(48*time.Hour), *r.ResponseDeadline)

	got := e.item(t, it.ID)
	require.Equal(t, models.ItemRevisionPending, got.Status)
	require.True(t, got.RequiresCustomerApproval)
	require.True(t, got.CurrentPrice.Equal(decimal.NewFromInt(500)), "price waits for approval")
	require.Contains(t, e.rec.Kinds(), messages.NotifyApprovalNeeded)

	again, err := e.svc.Detect(context.Background(), DetectInput{ItemID: it.ID, NewPrice: dec("540")})
	require.NoError(t, err)
	require.Equal(t, r.ID, again.ID)
}

func TestService_Respond_Approve(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)
	ctx := context.Background()

	r, err := e.svc.Detect(ctx, DetectInput{ItemID: it.ID, NewPrice: dec("600")})
	require.NoError(t, err)

	_, err = e.svc.Respond(ctx, models.Actor{ID: "x", Role: models.RoleStaff}, r.ID, true, nil)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := e.svc.Respond(ctx, customer, r.ID, true, nil)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalApproved, got.ApprovalStatus)
	require.Equal(t, models.ItemRevisionApproved, e.item(t, it.ID).Status)
	require.True(t, e.item(t, it.ID).CurrentPrice.Equal(decimal.NewFromInt(600)))

	_, err = e.svc.Respond(ctx, customer, r.ID, false, nil)
	require.ErrorIs(t, err, apperr.ErrAlreadyResolved)
}

func TestService_Respond_RejectRaisesException(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)
	ctx := context.Background()

	r, err := e.svc.Detect(ctx, DetectInput{ItemID: it.ID, NewPrice: dec("600")})
	require.NoError(t, err)

	note := "too expensive"
	got, err := e.svc.Respond(ctx, customer, r.ID, false, &note)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalRejected, got.ApprovalStatus)
	require.Equal(t, models.ItemRevisionRejected, e.item(t, it.ID).Status)

	ex, err := e.repo.FindOpenException(ctx, it.ID, models.ExceptionRevisionRejected)
	require.NoError(t, err)
	require.NotNil(t, ex)
	require.True(t, ex.FinancialImpact.Equal(decimal.NewFromInt(100)))
	require.Equal(t, models.SeverityMedium, ex.Severity)
}

func TestService_Respond_AfterDeadline(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)
	ctx := context.Background()

	r, err := e.svc.Detect(ctx, DetectInput{ItemID: it.ID, NewPrice: dec("600")})
	require.NoError(t, err)

	e.clk.t = e.clk.t.Add(48*time.Hour + time.Second)
	_, err = e.svc.Respond(ctx, customer, r.ID, true, nil)
	require.ErrorIs(t, err, apperr.ErrDeadlinePassed)
}

func TestService_ExpireDue_EscalatesWithoutApproving(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemSellerOrderPlaced)
	ctx := context.Background()

	r, err := e.svc.Detect(ctx, DetectInput{ItemID: it.ID, NewPrice: dec("600")})
	require.NoError(t, err)

	n, err := e.svc.ExpireDue(ctx, e.clk.t.Add(48*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := e.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalExpired, got.ApprovalStatus)
	require.Equal(t, models.ItemRevisionPending, e.item(t, it.ID).Status)
	require.True(t, e.item(t, it.ID).CurrentPrice.Equal(decimal.NewFromInt(500)))

	ex, err := e.repo.FindOpenException(ctx, it.ID, models.ExceptionRevisionExpired)
	require.NoError(t, err)
	require.NotNil(t, ex)

	n, err = e.svc.ExpireDue(ctx, e.clk.t.Add(72*time.Hour), 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestService_Detect_NotAfterQualityCheck(t *testing.T) {
	e, it := newEnv(t, "500", models.ItemQualityCheckPassed)

	_, err := e.svc.Detect(context.Background(), DetectInput{ItemID: it.ID, NewPrice: dec("700")})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}
