package pgfulfillment

import (
	"context"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const itemColumns = `
  id, order_id, product_url, product_name, seller_platform,
  origin_country, destination_country, quantity,
  original_price, current_price, original_weight, current_weight,
  requires_customer_approval, warehouse_id, status,
  seller_order_id, seller_ordered_at, seller_tracking_number,
  received_at, quality_notes, quality_photo_urls,
  shipment_id, replaces_id, created_at, updated_at`

func scanItem(row pgx.Row) (*models.OrderItem, error) {
	var it models.OrderItem
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductURL, &it.ProductName, &it.SellerPlatform,
		&it.OriginCountry, &it.DestinationCountry, &it.Quantity,
		&it.OriginalPrice, &it.CurrentPrice, &it.OriginalWeight, &it.CurrentWeight,
		&it.RequiresCustomerApproval, &it.WarehouseID, &it.Status,
		&it.SellerOrderID, &it.SellerOrderedAt, &it.SellerTrackingNumber,
		&it.ReceivedAt, &it.QualityNotes, &it.QualityPhotoURLs,
		&it.ShipmentID, &it.ReplacesID, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func insertItem(ctx context.Context, tx pgx.Tx, it *models.OrderItem) error {
	_, err := tx.Exec(ctx, `
INSERT INTO order_items (
  id, order_id, product_url, product_name, seller_platform,
  origin_country, destination_country, quantity,
  original_price, current_price, original_weight, current_weight,
  requires_customer_approval, warehouse_id, status, replaces_id, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
`, it.ID, it.OrderID, it.ProductURL, it.ProductName, it.SellerPlatform,
		it.OriginCountry, it.DestinationCountry, it.Quantity,
		it.OriginalPrice, it.CurrentPrice, it.OriginalWeight, it.CurrentWeight,
		it.RequiresCustomerApproval, it.WarehouseID, string(it.Status), it.ReplacesID, it.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert order item")
	}
	return nil
}

func (s *Storage) AddItem(ctx context.Context, item *models.OrderItem) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertItem(ctx, tx, item); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) GetItem(ctx context.Context, id uuid.UUID) (*models.OrderItem, error) {
	it, err := scanItem(s.db.QueryRow(ctx, `SELECT`+itemColumns+` FROM order_items WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select item")
	}
	return it, nil
}

func (s *Storage) ListOrderItems(ctx context.Context, orderID uuid.UUID) ([]*models.OrderItem, error) {
	rows, err := s.db.Query(ctx, `SELECT`+itemColumns+` FROM order_items WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "select items")
	}
	defer rows.Close()

	var out []*models.OrderItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan item")
		}
		out = append(out, it)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// UpdateItem is the compare-and-swap entry point for item writes: the row is only touched
// while its status still equals from.
func (s *Storage) UpdateItem(ctx context.Context, id uuid.UUID, from, to models.ItemStatus, p models.ItemPatch) (*models.OrderItem, error) {
	it, err := scanItem(s.db.QueryRow(ctx, `
UPDATE order_items
SET
  status = $3,
  seller_order_id = COALESCE($4, seller_order_id),
  seller_ordered_at = COALESCE($5, seller_ordered_at),
  seller_tracking_number = COALESCE($6, seller_tracking_number),
  current_price = COALESCE($7, current_price),
  current_weight = COALESCE($8, current_weight),
  requires_customer_approval = COALESCE($9, requires_customer_approval),
  warehouse_id = COALESCE($10, warehouse_id),
  received_at = COALESCE($11, received_at),
  quality_notes = COALESCE($12, quality_notes),
  quality_photo_urls = COALESCE($13, quality_photo_urls),
  updated_at = now()
WHERE id = $1 AND status = $2
RETURNING`+itemColumns,
		id, string(from), string(to),
		p.SellerOrderID, p.SellerOrderedAt, p.SellerTrackingNumber,
		p.CurrentPrice, p.CurrentWeight, p.RequiresCustomerApproval,
		p.WarehouseID, p.ReceivedAt, p.QualityNotes, p.QualityPhotoURLs,
	))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "update item")
	}
	// Distinguish a missing row from a lost race.
	if _, err := s.GetItem(ctx, id); err != nil {
		return nil, err
	}
	return nil, conflict("item status")
}
