package rabbit

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"github.com/stretchr/testify/assert"
)

type fakeAcknowledger struct {
	acked   int
	nacked  int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acked++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := outbox.Record{
		ID:        uuid.New(),
		EventType: outbox.EventOrderPaid,
		Payload:   []byte(`{"order_id":"x"}`),
		CreatedAt: at,
		DedupeKey: "order.paid:x",
	}
	msg := Message(rec)
	assert.Equal(t, "order.paid:x", msg.MessageId)
	assert.Equal(t, outbox.EventOrderPaid, msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, rec.Payload, msg.Body)
	assert.True(t, msg.Timestamp.Equal(at))
}

func TestConsumer_Dispatch(t *testing.T) {
	retryable := errors.New("transient")
	c := &Consumer{
		queue:   "payments",
		logger:  observability.NewNopLogger(),
		Requeue: func(err error) bool { return errors.Is(err, retryable) },
	}

	ack := &fakeAcknowledger{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: ack}, func(context.Context, []byte) error { return nil })
	assert.Equal(t, 1, ack.acked)

	ack = &fakeAcknowledger{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: ack}, func(context.Context, []byte) error { return retryable })
	assert.Equal(t, 1, ack.nacked)
	assert.True(t, ack.requeue)

	ack = &fakeAcknowledger{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: ack, Redelivered: true}, func(context.Context, []byte) error { return retryable })
	assert.False(t, ack.requeue, "a redelivered message is dropped on a second failure")

	ack = &fakeAcknowledger{}
	c.dispatch(context.Background(), amqp.Delivery{Acknowledger: ack}, func(context.Context, []byte) error { return errors.New("bad body") })
	assert.Equal(t, 1, ack.nacked)
	assert.False(t, ack.requeue)
}
