package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PromoKind string

const (
	PromoPercent PromoKind = "percent"
	PromoFixed   PromoKind = "fixed"
)

type Promo struct {
	Code  string          `json:"code"`
	Kind  PromoKind       `json:"kind"`
	Value decimal.Decimal `json:"value"`
}

func (p Promo) Validate() error {
	if p.Value.IsNegative() {
		return InvalidSelectionf("promo %s: negative value", p.Code)
	}
	switch p.Kind {
	case PromoPercent:
		if p.Value.GreaterThan(decimal.NewFromInt(100)) {
			return InvalidSelectionf("promo %s: percentage above 100", p.Code)
		}
	case PromoFixed:
	default:
		return InvalidSelectionf("promo %s: unknown kind %q", p.Code, p.Kind)
	}
	return nil
}

type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Discount decimal.Decimal `json:"discount"`
	Fees     decimal.Decimal `json:"fees"`
	Total    decimal.Decimal `json:"total"`
}

var hundred = decimal.NewFromInt(100)

// ComputeTotals prices line items. A promo is applied to the subtotal first (never below zero)
// and fees follow the discounted subtotal proportionally. Subtotal is reported before discount.
func ComputeTotals(items []LineItem, promo *Promo) Totals {
	subtotal := decimal.Zero
	fees := decimal.Zero
	for _, item := range items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		subtotal = subtotal.Add(item.UnitPrice.Mul(qty))
		fees = fees.Add(item.UnitFee.Mul(qty))
	}

	if promo == nil || subtotal.IsZero() {
		return Totals{Subtotal: subtotal, Discount: decimal.Zero, Fees: fees, Total: subtotal.Add(fees)}
	}

	var discount decimal.Decimal
	switch promo.Kind {
	case PromoPercent:
		discount = subtotal.Mul(promo.Value).Div(hundred).Round(2)
	default:
		discount = promo.Value
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}
	discounted := subtotal.Sub(discount)
	fees = fees.Mul(discounted).Div(subtotal).Round(2)

	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Fees:     fees,
		Total:    discounted.Add(fees),
	}
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

type CheckoutRequest struct {
	EventID        uuid.UUID
	PurchaserEmail string
	PurchaserName  string
	Selection      Selection
	// PromoCode is resolved into Promo against the event's promotions before pricing.
	PromoCode      string
	Promo          *Promo
}

// ValidateCheckout rejects requests that must never reach inventory reservation.
func ValidateCheckout(req CheckoutRequest, items []LineItem) error {
	if req.EventID == uuid.Nil {
		return InvalidSelectionf("missing event id")
	}
	if !ValidEmail(req.PurchaserEmail) {
		return InvalidSelectionf("malformed purchaser email %q", req.PurchaserEmail)
	}
	if len(items) == 0 {
		return InvalidSelectionf("no ticket types selected")
	}
	if req.Promo != nil {
		return req.Promo.Validate()
	}
	return nil
}

func NewOrder(req CheckoutRequest, items []LineItem, totals Totals, now time.Time) Order {
	order := Order{
		ID:             uuid.New(),
		EventID:        req.EventID,
		PurchaserEmail: strings.TrimSpace(req.PurchaserEmail),
		PurchaserName:  req.PurchaserName,
		Items:          items,
		Subtotal:       totals.Subtotal,
		Discount:       totals.Discount,
		Fees:           totals.Fees,
		Total:          totals.Total,
		Status:         OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Promo != nil {
		order.PromoCode = req.Promo.Code
	}
	return order
}
