package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TaskType string

const (
	TaskOrderPlacement TaskType = "order_placement"
	TaskTrackingScrape TaskType = "tracking_scrape"
	TaskStatusCheck    TaskType = "status_check"
)

func (t TaskType) IsValid() bool {
	switch t {
	case TaskOrderPlacement, TaskTrackingScrape, TaskStatusCheck:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskQueued         TaskStatus = "queued"
	TaskRunning        TaskStatus = "running"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
	TaskRetry          TaskStatus = "retry"
	TaskManualRequired TaskStatus = "manual_required"
)

func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskQueued:
		return target == TaskRunning || target == TaskFailed
	case TaskRunning:
		return target == TaskCompleted || target == TaskRetry || target == TaskManualRequired || target == TaskFailed
	case TaskRetry:
		return target == TaskRunning || target == TaskFailed
	case TaskManualRequired:
		// a human finished the action out-of-band
		return target == TaskCompleted
	}
	return false
}

// Pending tasks are waiting for a worker; in-flight includes the running one.
func (s TaskStatus) Pending() bool { return s == TaskQueued || s == TaskRetry }

func (s TaskStatus) InFlight() bool { return s == TaskRunning || s.Pending() }

type AutomationTask struct {
	ID     uuid.UUID
	ItemID uuid.UUID
	Type   TaskType
	Status TaskStatus

	Config TaskConfig

	RetryCount  int
	MaxRetries  int
	NextRetryAt *time.Time

	Success       bool
	Result        *TaskResult
	LastError     *string
	RequiresHuman bool

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskConfig is a tagged union keyed by the task type.
type TaskConfig struct {
	OrderPlacement *OrderPlacementConfig `json:"order_placement,omitempty"`
	TrackingScrape *TrackingScrapeConfig `json:"tracking_scrape,omitempty"`
	StatusCheck    *StatusCheckConfig    `json:"status_check,omitempty"`
}

type OrderPlacementConfig struct {
	ProductURL      string `json:"product_url"`
	Quantity        int    `json:"quantity"`
	ShipToWarehouse string `json:"ship_to_warehouse"`
}

type TrackingScrapeConfig struct {
	SellerOrderID string `json:"seller_order_id"`
	ProductURL    string `json:"product_url"`
}

type StatusCheckConfig struct {
	SellerOrderID string `json:"seller_order_id"`
}

// TaskResult mirrors TaskConfig; Raw keeps the collaborator payload verbatim.
type TaskResult struct {
	OrderPlacement *OrderPlacementResult `json:"order_placement,omitempty"`
	TrackingScrape *TrackingScrapeResult `json:"tracking_scrape,omitempty"`
	StatusCheck    *StatusCheckResult    `json:"status_check,omitempty"`
	Raw            json.RawMessage       `json:"raw,omitempty"`
}

type OrderPlacementResult struct {
	SellerOrderID string           `json:"seller_order_id"`
	OrderedAt     time.Time        `json:"ordered_at"`
	TotalPaid     *decimal.Decimal `json:"total_paid,omitempty"`
}

type TrackingScrapeResult struct {
	TrackingNumber string           `json:"tracking_number,omitempty"`
	Carrier        string           `json:"carrier,omitempty"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Weight         *decimal.Decimal `json:"weight,omitempty"`
	SellerStatus   string           `json:"seller_status,omitempty"`
}

type StatusCheckResult struct {
	SellerStatus string `json:"seller_status"`
	InStock      *bool  `json:"in_stock,omitempty"`
}

type TaskPatch struct {
	Status        TaskStatus
	RetryCount    *int
	NextRetryAt   *time.Time
	Success       *bool
	Result        *TaskResult
	LastError     *string
	RequiresHuman *bool
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

func (p TaskPatch) Apply(t *AutomationTask) {
	t.Status = p.Status
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.NextRetryAt != nil {
		t.NextRetryAt = p.NextRetryAt
	}
	if p.Success != nil {
		t.Success = *p.Success
	}
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.LastError != nil {
		t.LastError = p.LastError
	}
	if p.RequiresHuman != nil {
		t.RequiresHuman = *p.RequiresHuman
	}
	if p.StartedAt != nil {
		t.StartedAt = p.StartedAt
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
}
