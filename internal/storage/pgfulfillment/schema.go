package pgfulfillment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id UUID PRIMARY KEY,
  quote_id TEXT NOT NULL UNIQUE,
  customer_id TEXT NOT NULL,
  payment_method TEXT NOT NULL,
  payment_status TEXT NOT NULL,
  currency TEXT NOT NULL,
  primary_warehouse_id TEXT NOT NULL DEFAULT '',
  consolidation_preference TEXT NOT NULL,
  max_consolidation_wait_days INT NOT NULL,
  status TEXT NOT NULL,
  original_total NUMERIC(14,2) NOT NULL,
  current_total NUMERIC(14,2) NOT NULL,
  variance_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
  total_items INT NOT NULL DEFAULT 0,
  active_items INT NOT NULL DEFAULT 0,
  cancelled_items INT NOT NULL DEFAULT 0,
  refunded_items INT NOT NULL DEFAULT 0,
  revision_pending_items INT NOT NULL DEFAULT 0,
  shipped_items INT NOT NULL DEFAULT 0,
  delivered_items INT NOT NULL DEFAULT 0,
  last_delivery_at TIMESTAMPTZ NULL,
  closed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS order_items (
  id UUID PRIMARY KEY,
  order_id UUID NOT NULL REFERENCES orders(id),
  product_url TEXT NOT NULL,
  product_name TEXT NOT NULL,
  seller_platform TEXT NOT NULL,
  origin_country TEXT NOT NULL,
  destination_country TEXT NOT NULL,
  quantity INT NOT NULL,
  original_price NUMERIC(14,2) NOT NULL,
  current_price NUMERIC(14,2) NOT NULL,
  original_weight NUMERIC(10,3) NOT NULL,
  current_weight NUMERIC(10,3) NOT NULL,
  requires_customer_approval BOOLEAN NOT NULL DEFAULT FALSE,
  warehouse_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  seller_order_id TEXT NULL,
  seller_ordered_at TIMESTAMPTZ NULL,
  seller_tracking_number TEXT NULL,
  received_at TIMESTAMPTZ NULL,
  quality_notes TEXT NULL,
  quality_photo_urls TEXT[] NULL,
  shipment_id UUID NULL,
  replaces_id UUID NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_ready ON order_items(order_id) WHERE status = 'quality_check_passed' AND shipment_id IS NULL`,
		`
CREATE TABLE IF NOT EXISTS automation_tasks (
  id UUID PRIMARY KEY,
  item_id UUID NOT NULL REFERENCES order_items(id),
  type TEXT NOT NULL,
  status TEXT NOT NULL,
  config JSONB NOT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  max_retries INT NOT NULL,
  next_retry_at TIMESTAMPTZ NULL,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  result JSONB NULL,
  last_error TEXT NULL,
  requires_human BOOLEAN NOT NULL DEFAULT FALSE,
  started_at TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_automation_tasks_due ON automation_tasks(next_retry_at) WHERE status IN ('queued','retry')`,
		// At most one running and one waiting task per (item, type).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_automation_tasks_running ON automation_tasks(item_id, type) WHERE status = 'running'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_automation_tasks_pending ON automation_tasks(item_id, type) WHERE status IN ('queued','retry')`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  order_id UUID NOT NULL REFERENCES orders(id),
  warehouse_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  current_tier TEXT NOT NULL,
  current_status TEXT NOT NULL,
  status_at TIMESTAMPTZ NULL,
  declared_weight NUMERIC(10,3) NOT NULL,
  measured_weight NUMERIC(10,3) NULL,
  billable_weight NUMERIC(10,3) NULL,
  dimensions JSONB NULL,
  seller_tracking_number TEXT NULL,
  international_tracking_number TEXT NULL,
  local_tracking_number TEXT NULL,
  delivered_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_seller_tn ON shipments(seller_tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_international_tn ON shipments(international_tracking_number)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_local_tn ON shipments(local_tracking_number)`,
		`
CREATE TABLE IF NOT EXISTS shipment_items (
  shipment_id UUID NOT NULL REFERENCES shipments(id),
  item_id UUID NOT NULL UNIQUE REFERENCES order_items(id),
  condition TEXT NOT NULL DEFAULT '',
  declared_value NUMERIC(14,2) NOT NULL,
  PRIMARY KEY (shipment_id, item_id)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id UUID PRIMARY KEY,
  shipment_id UUID NOT NULL REFERENCES shipments(id),
  tier TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status_raw TEXT NOT NULL,
  external_id TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  location TEXT NULL,
  message TEXT NULL,
  source TEXT NOT NULL,
  payload JSONB NULL,
  out_of_order BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment_time ON tracking_events(shipment_id, event_time)`,
		// Redelivered carrier updates collapse onto one row.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(shipment_id, external_id, event_time)`,
		`
CREATE TABLE IF NOT EXISTS exceptions (
  id UUID PRIMARY KEY,
  item_id UUID NOT NULL REFERENCES order_items(id),
  order_id UUID NOT NULL REFERENCES orders(id),
  shipment_id UUID NULL,
  type TEXT NOT NULL,
  severity TEXT NOT NULL,
  detected_by TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  available_resolutions TEXT[] NOT NULL,
  recommended_resolution TEXT NOT NULL,
  customer_resolution TEXT NULL,
  customer_response_deadline TIMESTAMPTZ NOT NULL,
  resolution_status TEXT NOT NULL,
  resolution_method TEXT NULL,
  resolution_notes TEXT NULL,
  resolved_by TEXT NULL,
  resolved_at TIMESTAMPTZ NULL,
  financial_impact NUMERIC(14,2) NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_exceptions_deadline ON exceptions(customer_response_deadline) WHERE resolution_status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_exceptions_open ON exceptions(item_id, type) WHERE resolution_status = 'pending'`,
		`
CREATE TABLE IF NOT EXISTS revisions (
  id UUID PRIMARY KEY,
  item_id UUID NOT NULL REFERENCES order_items(id),
  order_id UUID NOT NULL REFERENCES orders(id),
  original_price NUMERIC(14,2) NOT NULL,
  new_price NUMERIC(14,2) NOT NULL,
  original_weight NUMERIC(10,3) NOT NULL,
  new_weight NUMERIC(10,3) NOT NULL,
  price_delta NUMERIC(14,2) NOT NULL,
  price_delta_percent NUMERIC(9,4) NOT NULL,
  weight_delta NUMERIC(10,3) NOT NULL,
  weight_delta_percent NUMERIC(9,4) NOT NULL,
  total_cost_impact NUMERIC(14,2) NOT NULL,
  percentage_change NUMERIC(9,4) NOT NULL,
  breakdown JSONB NOT NULL,
  auto_approval_eligible BOOLEAN NOT NULL,
  approval_status TEXT NOT NULL,
  response_deadline TIMESTAMPTZ NULL,
  responded_by TEXT NULL,
  responded_at TIMESTAMPTZ NULL,
  customer_note TEXT NULL,
  detected_by TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_revisions_deadline ON revisions(response_deadline) WHERE approval_status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_revisions_pending ON revisions(item_id) WHERE approval_status = 'pending'`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
