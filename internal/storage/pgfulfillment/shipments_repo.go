package pgfulfillment

import (
	"context"
	"encoding/json"

	"github.com/BearBump/Fulfillment/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, order_id, warehouse_id, kind, current_tier, current_status, status_at,
  declared_weight, measured_weight, billable_weight, dimensions,
  seller_tracking_number, international_tracking_number, local_tracking_number,
  delivered_at, created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var (
		sh   models.Shipment
		dims []byte
	)
	err := row.Scan(
		&sh.ID, &sh.OrderID, &sh.WarehouseID, &sh.Kind, &sh.CurrentTier, &sh.CurrentStatus, &sh.StatusAt,
		&sh.DeclaredWeight, &sh.MeasuredWeight, &sh.BillableWeight, &dims,
		&sh.SellerTrackingNumber, &sh.InternationalTrackingNumber, &sh.LocalTrackingNumber,
		&sh.DeliveredAt, &sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(dims) > 0 {
		var d models.Dimensions
		if err := json.Unmarshal(dims, &d); err != nil {
			return nil, errors.Wrap(err, "decode dimensions")
		}
		sh.Dimensions = &d
	}
	return &sh, nil
}

// CreateShipment inserts the shipment, its item links and stamps shipment_id on the items.
// An item that already belongs to a shipment fails the whole call with ErrConflict.
func (s *Storage) CreateShipment(ctx context.Context, sh *models.Shipment, links []models.ShipmentItem) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO shipments (
  id, order_id, warehouse_id, kind, current_tier, current_status, status_at,
  declared_weight, seller_tracking_number, international_tracking_number, local_tracking_number,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
`, sh.ID, sh.OrderID, sh.WarehouseID, string(sh.Kind), string(sh.CurrentTier), string(sh.CurrentStatus), sh.StatusAt,
		sh.DeclaredWeight, sh.SellerTrackingNumber, sh.InternationalTrackingNumber, sh.LocalTrackingNumber,
		sh.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert shipment")
	}

	for _, l := range links {
		tag, err := tx.Exec(ctx, `
UPDATE order_items SET shipment_id = $2, updated_at = now()
WHERE id = $1 AND shipment_id IS NULL
`, l.ItemID, sh.ID)
		if err != nil {
			return errors.Wrap(err, "link item")
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM order_items WHERE id = $1)`, l.ItemID).Scan(&exists); err != nil {
				return errors.Wrap(err, "check item")
			}
			if !exists {
				return notFoundOr(pgx.ErrNoRows, "item")
			}
			return conflict("item already in a shipment")
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO shipment_items (shipment_id, item_id, condition, declared_value)
VALUES ($1,$2,$3,$4)
`, sh.ID, l.ItemID, l.Condition, l.DeclaredValue); err != nil {
			return errors.Wrap(err, "insert shipment item")
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	sh, err := scanShipment(s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err, "select shipment")
	}
	return sh, nil
}

func trackingColumn(tier models.Tier) (string, error) {
	switch tier {
	case models.TierSeller:
		return "seller_tracking_number", nil
	case models.TierInternational:
		return "international_tracking_number", nil
	case models.TierLocal:
		return "local_tracking_number", nil
	}
	return "", errors.Errorf("unknown tier %q", tier)
}

func (s *Storage) FindShipmentByTracking(ctx context.Context, tier models.Tier, trackingNumber string) (*models.Shipment, error) {
	col, err := trackingColumn(tier)
	if err != nil {
		return nil, err
	}
	sh, err := scanShipment(s.db.QueryRow(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE `+col+` = $1
ORDER BY created_at DESC
LIMIT 1
`, trackingNumber))
	if err != nil {
		return nil, notFoundOr(err, "select shipment by tracking")
	}
	return sh, nil
}

func (s *Storage) ListShipmentItems(ctx context.Context, shipmentID uuid.UUID) ([]models.ShipmentItem, error) {
	rows, err := s.db.Query(ctx, `
SELECT shipment_id, item_id, condition, declared_value
FROM shipment_items
WHERE shipment_id = $1
ORDER BY item_id
`, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select shipment items")
	}
	defer rows.Close()

	var out []models.ShipmentItem
	for rows.Next() {
		var l models.ShipmentItem
		if err := rows.Scan(&l.ShipmentID, &l.ItemID, &l.Condition, &l.DeclaredValue); err != nil {
			return nil, errors.Wrap(err, "scan shipment item")
		}
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) SetShipmentTracking(ctx context.Context, id uuid.UUID, tier models.Tier, trackingNumber string) error {
	col, err := trackingColumn(tier)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `UPDATE shipments SET `+col+` = $2, updated_at = now() WHERE id = $1`, id, trackingNumber)
	if err != nil {
		return errors.Wrap(err, "set shipment tracking")
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "shipment")
	}
	return nil
}

func (s *Storage) UpdateShipmentMeasurements(ctx context.Context, id uuid.UUID, m models.MeasurementUpdate) error {
	var dims []byte
	if m.Dimensions != nil {
		b, err := json.Marshal(m.Dimensions)
		if err != nil {
			return errors.Wrap(err, "encode dimensions")
		}
		dims = b
	}
	tag, err := s.db.Exec(ctx, `
UPDATE shipments
SET measured_weight = $2, billable_weight = $3, dimensions = $4, updated_at = now()
WHERE id = $1
`, id, m.MeasuredWeight, m.BillableWeight, dims)
	if err != nil {
		return errors.Wrap(err, "update measurements")
	}
	if tag.RowsAffected() == 0 {
		return notFoundOr(pgx.ErrNoRows, "shipment")
	}
	return nil
}
