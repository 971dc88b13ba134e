package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
)

const Exchange = "tie.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish routes an outbox record by its event type. The dedupe key travels as the
// message id so consumers can drop redeliveries.
func (p *Publisher) Publish(ctx context.Context, rec outbox.Record) error {
	return p.ch.PublishWithContext(ctx, Exchange, rec.EventType, false, false, Message(rec))
}

func Message(rec outbox.Record) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    rec.DedupeKey,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    rec.CreatedAt,
		Type:         rec.EventType,
		Body:         rec.Payload,
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
