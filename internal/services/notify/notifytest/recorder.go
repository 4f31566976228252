// Package notifytest records published notifications for service tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/BearBump/Fulfillment/internal/broker/messages"
)

type Recorder struct {
	mu            sync.Mutex
	Notifications []messages.CustomerNotification
	Refunds       []messages.RefundRequested
}

func (r *Recorder) Notify(ctx context.Context, n messages.CustomerNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Notifications = append(r.Notifications, n)
	return nil
}

func (r *Recorder) RequestRefund(ctx context.Context, rr messages.RefundRequested) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Refunds = append(r.Refunds, rr)
	return nil
}

// Kinds returns the notification kinds in publish order.
func (r *Recorder) Kinds() []messages.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]messages.NotificationKind, 0, len(r.Notifications))
	for _, n := range r.Notifications {
		out = append(out, n.Kind)
	}
	return out
}

func (r *Recorder) RefundCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Refunds)
}
