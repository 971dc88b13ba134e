package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

// Handler processes one delivery body. Returning a retryable error requeues the message.
type Handler func(ctx context.Context, body []byte) error

type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
	// Requeue decides whether a failed delivery goes back to the queue.
	Requeue func(err error) bool
}

func NewConsumer(conn *amqp.Connection, queue string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger, Requeue: func(error) bool { return false }}, nil
}

// Consume delivers messages to handle until ctx is done or the channel closes.
func (c *Consumer) Consume(ctx context.Context, handle Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.Newf("queue %s: delivery channel closed", c.queue)
			}
			c.dispatch(ctx, d, handle)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handle Handler) {
	log := c.logger.WithFields(map[string]interface{}{"queue": c.queue, "message_id": d.MessageId})
	err := handle(ctx, d.Body)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("ack delivery: ", ackErr)
		}
		return
	}
	requeue := c.Requeue(err) && !d.Redelivered
	log.WithFields(map[string]interface{}{"error": err.Error(), "requeue": requeue}).Warn("delivery rejected")
	if nackErr := d.Nack(false, requeue); nackErr != nil {
		log.Error("nack delivery: ", nackErr)
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
