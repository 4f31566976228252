package pgfulfillment

import (
	"context"
	"time"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const orderColumns = `
  id, quote_id, customer_id, payment_method, payment_status, currency,
  primary_warehouse_id, consolidation_preference, max_consolidation_wait_days,
  status, original_total, current_total, variance_amount,
  total_items, active_items, cancelled_items, refunded_items,
  revision_pending_items, shipped_items, delivered_items,
  last_delivery_at, closed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	c := &o.Counters
	err := row.Scan(
		&o.ID, &o.QuoteID, &o.CustomerID, &o.PaymentMethod, &o.PaymentStatus, &o.Currency,
		&o.PrimaryWarehouseID, &o.ConsolidationPreference, &o.MaxConsolidationWaitDays,
		&o.Status, &o.OriginalTotal, &o.CurrentTotal, &o.VarianceAmount,
		&c.Total, &c.Active, &c.Cancelled, &c.Refunded,
		&c.RevisionPending, &c.Shipped, &c.Delivered,
		&o.LastDeliveryAt, &o.ClosedAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOrder inserts the order with its items in one transaction. A second call with the
// same quote id returns the stored order and created=false.
func (s *Storage) CreateOrder(ctx context.Context, o *models.Order, items []*models.OrderItem) (*models.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
INSERT INTO orders (
  id, quote_id, customer_id, payment_method, payment_status, currency,
  primary_warehouse_id, consolidation_preference, max_consolidation_wait_days,
  status, original_total, current_total, variance_amount, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
ON CONFLICT (quote_id) DO NOTHING
`, o.ID, o.QuoteID, o.CustomerID, o.PaymentMethod, o.PaymentStatus, o.Currency,
		o.PrimaryWarehouseID, string(o.ConsolidationPreference), o.MaxConsolidationWaitDays,
		string(o.Status), o.OriginalTotal, o.CurrentTotal, o.VarianceAmount, o.CreatedAt.UTC())
	if err != nil {
		return nil, false, errors.Wrap(err, "insert order")
	}

	if tag.RowsAffected() == 0 {
		existing, err := scanOrder(tx.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE quote_id = $1`, o.QuoteID))
		if err != nil {
			return nil, false, notFoundOr(err, "select order by quote")
		}
		return existing, false, nil
	}

	for _, it := range items {
		if err := insertItem(ctx, tx, it); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.Wrap(err, "commit tx")
	}
	cp := *o
	return &cp, true, nil
}

func (s *Storage) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select order")
	}
	return o, nil
}

func (s *Storage) UpdateOrderSettings(ctx context.Context, id uuid.UUID, upd models.OrderSettingsUpdate) (*models.Order, error) {
	var pref *string
	if upd.ConsolidationPreference != nil {
		p := string(*upd.ConsolidationPreference)
		pref = &p
	}
	o, err := scanOrder(s.db.QueryRow(ctx, `
UPDATE orders
SET
  primary_warehouse_id = COALESCE($2, primary_warehouse_id),
  consolidation_preference = COALESCE($3, consolidation_preference),
  max_consolidation_wait_days = COALESCE($4, max_consolidation_wait_days),
  updated_at = now()
WHERE id = $1
RETURNING`+orderColumns, id, upd.PrimaryWarehouseID, pref, upd.MaxConsolidationWaitDays))
	if err != nil {
		return nil, notFoundOr(err, "update order settings")
	}
	return o, nil
}

// SaveOrderRollup overwrites the derived columns; it never increments.
func (s *Storage) SaveOrderRollup(ctx context.Context, id uuid.UUID, r models.OrderRollup) error {
	c := r.Counters
	tag, err := s.db.Exec(ctx, `
UPDATE orders
SET
  total_items = $2,
  active_items = $3,
  cancelled_items = $4,
  refunded_items = $5,
  revision_pending_items = $6,
  shipped_items = $7,
  delivered_items = $8,
  status = CASE WHEN status = 'closed' THEN status ELSE $9 END,
  current_total = $10,
  variance_amount = $11,
  last_delivery_at = COALESCE($12, last_delivery_at),
  updated_at = now()
WHERE id = $1
`, id, c.Total, c.Active, c.Cancelled, c.Refunded, c.RevisionPending, c.Shipped, c.Delivered,
		string(r.Status), r.CurrentTotal, r.VarianceAmount, r.LastDeliveryAt)
	if err != nil {
		return errors.Wrap(err, "save order rollup")
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "save order rollup")
	}
	return nil
}

func (s *Storage) CloseOrder(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE orders
SET status = 'closed', closed_at = COALESCE(closed_at, $2), updated_at = $2
WHERE id = $1
`, id, at.UTC())
	if err != nil {
		return errors.Wrap(err, "close order")
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "close order")
	}
	return nil
}

// ListOrdersWithReadyItems pages by order id; pass the last id of the previous page as after.
func (s *Storage) ListOrdersWithReadyItems(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT order_id
FROM order_items
WHERE status = 'quality_check_passed' AND shipment_id IS NULL AND order_id > $1
ORDER BY order_id
LIMIT $2
`, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select ready orders")
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan ready order")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
