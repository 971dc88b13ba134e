package domain

import (
	"time"

	"github.com/google/uuid"
)

// StatusChange moves an order between statuses after payment. ReleaseInventory returns the
// order's units to its ticket types in the same unit of work; refunds also void issued tickets.
type StatusChange struct {
	OrderID          uuid.UUID
	From             OrderStatus
	To               OrderStatus
	ReleaseInventory bool
	At               time.Time
}

// Payment finalizes a pending order. PaymentID is unique across all orders.
type Payment struct {
	OrderID   uuid.UUID
	PaymentID string
	At        time.Time
}

type OrderFilter struct {
	EventID uuid.UUID
	Status  OrderStatus
}

func (f OrderFilter) Matches(o Order) bool {
	if f.EventID != uuid.Nil && o.EventID != f.EventID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return true
}
