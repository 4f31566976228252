// Package notify publishes customer notifications and refund requests to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Publisher struct {
	producer           Producer
	notificationsTopic string
	refundsTopic       string
	now                func() time.Time
}

func New(p Producer, notificationsTopic, refundsTopic string) *Publisher {
	if notificationsTopic == "" {
		notificationsTopic = "customer.notifications"
	}
	if refundsTopic == "" {
		refundsTopic = "payments.refunds"
	}
	return &Publisher{
		producer:           p,
		notificationsTopic: notificationsTopic,
		refundsTopic:       refundsTopic,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Notify(ctx context.Context, n messages.CustomerNotification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = p.now()
	}
	if err := p.publish(ctx, p.notificationsTopic, n.OrderID.String(), n); err != nil {
		return err
	}
	slog.Debug("customer notified", "kind", n.Kind, "order_id", n.OrderID, "status", n.Status)
	return nil
}

func (p *Publisher) RequestRefund(ctx context.Context, r messages.RefundRequested) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = p.now()
	}
	if err := p.publish(ctx, p.refundsTopic, r.OrderID.String(), r); err != nil {
		return err
	}
	slog.Info("refund requested", "order_id", r.OrderID, "item_id", r.ItemID, "amount", r.Amount.String(), "resolution", r.Resolution)
	return nil
}

func (p *Publisher) publish(ctx context.Context, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}
	return p.producer.Publish(ctx, topic, []byte(key), b)
}
