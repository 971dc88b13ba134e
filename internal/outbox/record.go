package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
)

const (
	StatusNew       = "NEW"
	StatusPublished = "PUBLISHED"
)

const (
	EventOrderPaid     = "order.paid"
	EventOrderFailed   = "order.failed"
	EventOrderRefunded = "order.refunded"
)

// Record is a domain event written in the same transaction as the state change it describes.
type Record struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string
	DedupeKey     string
}

type OrderEvent struct {
	OrderID        uuid.UUID          `json:"order_id"`
	EventID        uuid.UUID          `json:"event_id"`
	Status         domain.OrderStatus `json:"status"`
	PurchaserEmail string             `json:"purchaser_email"`
	PurchaserName  string             `json:"purchaser_name,omitempty"`
	Total          string             `json:"total"`
	PaymentID      string             `json:"payment_id,omitempty"`
	TicketIDs      []uuid.UUID        `json:"ticket_ids,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// NewOrderRecord builds the outbox record for an order status change. The dedupe key is
// stable per order and event type so consumers can drop redeliveries.
func NewOrderRecord(eventType string, order domain.Order, tickets []domain.Ticket, at time.Time) (Record, error) {
	ev := OrderEvent{
		OrderID:        order.ID,
		EventID:        order.EventID,
		Status:         order.Status,
		PurchaserEmail: order.PurchaserEmail,
		PurchaserName:  order.PurchaserName,
		Total:          order.Total.StringFixed(2),
		PaymentID:      order.PaymentID,
		OccurredAt:     at,
	}
	for _, t := range tickets {
		ev.TicketIDs = append(ev.TicketIDs, t.ID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:            uuid.New(),
		AggregateType: "order",
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
		CreatedAt:     at,
		Status:        StatusNew,
		DedupeKey:     eventType + ":" + order.ID.String(),
	}, nil
}
