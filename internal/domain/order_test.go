package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectionToLineItems_DropsZeroAndKeepsOrder(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	sel := domain.Selection{
		{TicketTypeID: a, Name: "A", Quantity: 2},
		{TicketTypeID: b, Name: "B", Quantity: 0},
		{TicketTypeID: c, Name: "C", Quantity: 1},
	}

	items := domain.SelectionToLineItems(sel)

	require.Len(t, items, 2)
	assert.Equal(t, a, items[0].TicketTypeID)
	assert.Equal(t, 2, items[0].Quantity)
	assert.Equal(t, c, items[1].TicketTypeID)
	assert.Equal(t, "C", items[1].DisplayName)
}

func TestSelection_UnmarshalObjectPreservesKeyOrder(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	raw := `{"` + ids[2].String() + `": {"name": "VIP", "price": "120.00", "fee": 5, "quantity": 1},` +
		`"` + ids[0].String() + `": {"name": "GA", "price": 49.99, "fee": "2.50", "quantity": 0},` +
		`"` + ids[1].String() + `": {"name": "Balcony", "price": 30, "fee": 1, "quantity": 4}}`

	var sel domain.Selection
	require.NoError(t, json.Unmarshal([]byte(raw), &sel))

	require.Len(t, sel, 3)
	assert.Equal(t, ids[2], sel[0].TicketTypeID)
	assert.Equal(t, ids[0], sel[1].TicketTypeID)
	assert.Equal(t, ids[1], sel[2].TicketTypeID)
	assert.True(t, sel[1].Price.Equal(decimal.RequireFromString("49.99")))

	items := domain.SelectionToLineItems(sel)
	require.Len(t, items, 2)
	assert.Equal(t, "VIP", items[0].DisplayName)
	assert.Equal(t, "Balcony", items[1].DisplayName)
}

func TestSelection_UnmarshalRejectsBadShape(t *testing.T) {
	cases := map[string]string{
		"not an id":     `{"nope": {"quantity": 1}}`,
		"scalar":        `42`,
		"bad entry":     `{"` + uuid.NewString() + `": "x"}`,
		"array garbage": `[1, 2]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var sel domain.Selection
			err := json.Unmarshal([]byte(raw), &sel)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidSelection), "got %v", err)
		})
	}
}

func TestSelection_Validate(t *testing.T) {
	assert.NoError(t, domain.Selection{{TicketTypeID: uuid.New(), Quantity: 0}}.Validate())

	err := domain.Selection{{TicketTypeID: uuid.New(), Quantity: -1}}.Validate()
	assert.True(t, errors.Is(err, domain.ErrInvalidSelection))

	err = domain.Selection{{Quantity: 1}}.Validate()
	assert.True(t, errors.Is(err, domain.ErrInvalidSelection))
}

func TestComputeTotals(t *testing.T) {
	items := []domain.LineItem{
		{TicketTypeID: uuid.New(), Quantity: 3, UnitPrice: decimal.RequireFromString("49.99"), UnitFee: decimal.RequireFromString("2.50")},
	}

	totals := domain.ComputeTotals(items, nil)

	assert.Equal(t, "149.97", totals.Subtotal.StringFixed(2))
	assert.Equal(t, "7.50", totals.Fees.StringFixed(2))
	assert.Equal(t, "157.47", totals.Total.StringFixed(2))
	assert.True(t, totals.Discount.IsZero())
}

func TestComputeTotals_Promo(t *testing.T) {
	items := []domain.LineItem{
		{Quantity: 2, UnitPrice: decimal.NewFromInt(50), UnitFee: decimal.NewFromInt(5)},
	}

	t.Run("percent", func(t *testing.T) {
		totals := domain.ComputeTotals(items, &domain.Promo{Code: "HALF", Kind: domain.PromoPercent, Value: decimal.NewFromInt(50)})
		assert.Equal(t, "100.00", totals.Subtotal.StringFixed(2))
		assert.Equal(t, "50.00", totals.Discount.StringFixed(2))
		assert.Equal(t, "5.00", totals.Fees.StringFixed(2))
		assert.Equal(t, "55.00", totals.Total.StringFixed(2))
	})

	t.Run("fixed", func(t *testing.T) {
		totals := domain.ComputeTotals(items, &domain.Promo{Code: "TWENTY", Kind: domain.PromoFixed, Value: decimal.NewFromInt(20)})
		assert.Equal(t, "20.00", totals.Discount.StringFixed(2))
		assert.Equal(t, "8.00", totals.Fees.StringFixed(2))
		assert.Equal(t, "88.00", totals.Total.StringFixed(2))
	})

	t.Run("clamped to zero", func(t *testing.T) {
		totals := domain.ComputeTotals(items, &domain.Promo{Code: "FREE", Kind: domain.PromoFixed, Value: decimal.NewFromInt(500)})
		assert.Equal(t, "100.00", totals.Discount.StringFixed(2))
		assert.True(t, totals.Fees.IsZero())
		assert.True(t, totals.Total.IsZero())
	})
}

func TestValidateCheckout(t *testing.T) {
	items := []domain.LineItem{{TicketTypeID: uuid.New(), Quantity: 1}}
	req := domain.CheckoutRequest{EventID: uuid.New(), PurchaserEmail: "fan@example.com"}

	assert.NoError(t, domain.ValidateCheckout(req, items))

	for _, email := range []string{"", "fan", "fan@example", "fan @example.com", "@example.com"} {
		bad := req
		bad.PurchaserEmail = email
		err := domain.ValidateCheckout(bad, items)
		assert.True(t, errors.Is(err, domain.ErrInvalidSelection), "email %q", email)
	}

	err := domain.ValidateCheckout(req, nil)
	assert.True(t, errors.Is(err, domain.ErrInvalidSelection))

	bad := req
	bad.Promo = &domain.Promo{Code: "X", Kind: "bogus", Value: decimal.NewFromInt(1)}
	assert.True(t, errors.Is(domain.ValidateCheckout(bad, items), domain.ErrInvalidSelection))
}

func TestNewOrder(t *testing.T) {
	now := time.Now()
	req := domain.CheckoutRequest{EventID: uuid.New(), PurchaserEmail: " fan@example.com ", Promo: &domain.Promo{Code: "P"}}
	items := []domain.LineItem{{Quantity: 2}, {Quantity: 3}}

	order := domain.NewOrder(req, items, domain.Totals{}, now)

	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, "fan@example.com", order.PurchaserEmail)
	assert.Equal(t, "P", order.PromoCode)
	assert.Equal(t, 5, order.Units())
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, domain.OrderPending.CanTransition(domain.OrderPaid))
	assert.True(t, domain.OrderPending.CanTransition(domain.OrderFailed))
	assert.True(t, domain.OrderPaid.CanTransition(domain.OrderRefunded))
	assert.False(t, domain.OrderPaid.CanTransition(domain.OrderFailed))
	assert.False(t, domain.OrderRefunded.CanTransition(domain.OrderPaid))

	assert.True(t, domain.TicketIssued.CanTransition(domain.TicketScanned))
	assert.True(t, domain.TicketIssued.CanTransition(domain.TicketVoided))
	assert.False(t, domain.TicketScanned.CanTransition(domain.TicketIssued))
	assert.False(t, domain.TicketVoided.CanTransition(domain.TicketScanned))
}

func TestErrorTaxonomy(t *testing.T) {
	inv := &domain.InsufficientInventoryError{Shortages: []domain.Shortage{{Name: "VIP", Requested: 3, Available: 1}}}
	wrapped := errors.Wrap(inv, "reserve")
	assert.True(t, errors.Is(wrapped, domain.ErrInsufficientInventory))
	assert.Contains(t, wrapped.Error(), "VIP: requested 3, available 1")
	assert.False(t, domain.IsRetryable(wrapped))

	var rl error = &domain.RateLimitedError{Policy: "orders", RetryAfter: time.Second}
	assert.True(t, errors.Is(rl, domain.ErrRateLimited))

	assert.True(t, domain.IsRetryable(errors.Wrap(domain.ErrQueryTimeout, "list")))
	assert.True(t, domain.IsRetryable(domain.ErrConstraintViolation))
	assert.False(t, domain.IsRetryable(domain.ErrDuplicateConfirmation))
	assert.False(t, domain.IsRetryable(domain.ErrSignatureMismatch))
}
