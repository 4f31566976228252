package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/BearBump/Fulfillment/internal/broker/messages"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	topic string
	key   []byte
	value []byte
	calls int
	err   error
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.calls++
	p.topic, p.key, p.value = topic, key, value
	return p.err
}

func TestPublisher_Notify_FillsIDAndTime(t *testing.T) {
	fp := &fakeProducer{}
	p := New(fp, "n", "r")

	orderID := uuid.New()
	require.NoError(t, p.Notify(context.Background(), messages.CustomerNotification{
		Kind:    messages.NotifyStatusChanged,
		OrderID: orderID,
		Status:  "shipped",
	}))
	require.Equal(t, "n", fp.topic)
	require.Equal(t, orderID.String(), string(fp.key))

	var got messages.CustomerNotification
	require.NoError(t, json.Unmarshal(fp.value, &got))
	require.NotEqual(t, uuid.Nil, got.ID)
	require.False(t, got.CreatedAt.IsZero())
	require.Equal(t, "shipped", got.Status)
}

func TestPublisher_RequestRefund(t *testing.T) {
	fp := &fakeProducer{}
	p := New(fp, "", "")

	require.NoError(t, p.RequestRefund(context.Background(), messages.RefundRequested{
		OrderID:    uuid.New(),
		ItemID:     uuid.New(),
		Amount:     decimal.RequireFromString("12.50"),
		Resolution: "refund",
	}))
	require.Equal(t, "payments.refunds", fp.topic)

	var got messages.RefundRequested
	require.NoError(t, json.Unmarshal(fp.value, &got))
	require.True(t, got.Amount.Equal(decimal.RequireFromString("12.5")))
}

func TestPublisher_ProducerError(t *testing.T) {
	fp := &fakeProducer{err: errors.New("down")}
	p := New(fp, "n", "r")
	require.Error(t, p.Notify(context.Background(), messages.CustomerNotification{OrderID: uuid.New()}))
}
