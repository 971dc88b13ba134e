package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderRefunded OrderStatus = "refunded"
)

// CanTransition reports whether an order may move from s to next.
// Paid orders only ever move to refunded.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderPending:
		return next == OrderPaid || next == OrderFailed
	case OrderPaid:
		return next == OrderRefunded
	}
	return false
}

type TicketStatus string

const (
	TicketIssued  TicketStatus = "issued"
	TicketScanned TicketStatus = "scanned"
	TicketVoided  TicketStatus = "voided"
)

func (s TicketStatus) CanTransition(next TicketStatus) bool {
	return s == TicketIssued && (next == TicketScanned || next == TicketVoided)
}

type Event struct {
	ID       uuid.UUID
	Name     string
	Venue    string
	StartsAt time.Time
	EndsAt   time.Time
}

type TicketType struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	Name      string
	UnitPrice decimal.Decimal
	UnitFee   decimal.Decimal
	// TotalInventory is nil for unlimited capacity.
	TotalInventory *int
	TicketsSold    int
}

// Available returns the remaining capacity, or -1 when unlimited.
func (t TicketType) Available() int {
	if t.TotalInventory == nil {
		return -1
	}
	left := *t.TotalInventory - t.TicketsSold
	if left < 0 {
		return 0
	}
	return left
}

type LineItem struct {
	TicketTypeID uuid.UUID       `json:"ticket_type_id"`
	Quantity     int             `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitFee      decimal.Decimal `json:"unit_fee"`
	DisplayName  string          `json:"display_name"`
}

type Order struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	PurchaserEmail string
	PurchaserName  string
	Items          []LineItem
	Subtotal       decimal.Decimal
	Discount       decimal.Decimal
	Fees           decimal.Decimal
	Total          decimal.Decimal
	PromoCode      string
	Status         OrderStatus
	PaymentID      string
	ReservationID  uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Units is the number of tickets the order issues once paid.
func (o Order) Units() int {
	n := 0
	for _, item := range o.Items {
		n += item.Quantity
	}
	return n
}

type Ticket struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	TicketTypeID uuid.UUID
	EventID      uuid.UUID
	Token        string
	Signature    string
	Status       TicketStatus
	HumanID      string
	ExpiresAt    *time.Time
	IssuedAt     time.Time
	ScannedAt    *time.Time
}

// ReservationRequest asks for Quantity units of one ticket type.
type ReservationRequest struct {
	TicketTypeID uuid.UUID
	Quantity     int
}

// Reservation is the success token handed from inventory reservation to issuance.
type Reservation struct {
	ID         uuid.UUID
	EventID    uuid.UUID
	Items      []ReservationRequest
	ReservedAt time.Time
}
