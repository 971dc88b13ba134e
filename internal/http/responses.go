package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/tickets"
)

type errorBody struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Shortages []domain.Shortage `json:"shortages,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.IsAny(err, domain.ErrInsufficientInventory, domain.ErrDuplicateConfirmation, domain.ErrInvalidTransition, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSignatureMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.IsAny(err, domain.ErrSerializationFailure, domain.ErrConstraintViolation):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, domain.ErrDuplicateConfirmation):
		return "duplicate_confirmation"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, domain.ErrQueryTimeout):
		return "query_timeout"
	case domain.IsRetryable(err):
		return "retry"
	}
	return "internal"
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Code: codeFor(err)}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}

	var inv *domain.InsufficientInventoryError
	if errors.As(err, &inv) {
		body.Shortages = inv.Shortages
	}
	var rl *domain.RateLimitedError
	if errors.As(err, &rl) {
		w.Header().Set("Retry-After", retryAfterSeconds(rl.RetryAfter))
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

type orderResponse struct {
	ID             uuid.UUID          `json:"id"`
	EventID        uuid.UUID          `json:"event_id"`
	Status         domain.OrderStatus `json:"status"`
	PurchaserEmail string             `json:"purchaser_email"`
	PurchaserName  string             `json:"purchaser_name,omitempty"`
	Items          []domain.LineItem  `json:"items"`
	Subtotal       string             `json:"subtotal"`
	Discount       string             `json:"discount"`
	Fees           string             `json:"fees"`
	Total          string             `json:"total"`
	PromoCode      string             `json:"promo_code,omitempty"`
	PaymentID      string             `json:"payment_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	Tickets        []ticketResponse   `json:"tickets,omitempty"`
}

// newOrderResponse renders the buyer's view of an order; issued tickets carry their credential.
func newOrderResponse(o domain.Order, issued []domain.Ticket) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		EventID:        o.EventID,
		Status:         o.Status,
		PurchaserEmail: o.PurchaserEmail,
		PurchaserName:  o.PurchaserName,
		Items:          o.Items,
		Subtotal:       o.Subtotal.StringFixed(2),
		Discount:       o.Discount.StringFixed(2),
		Fees:           o.Fees.StringFixed(2),
		Total:          o.Total.StringFixed(2),
		PromoCode:      o.PromoCode,
		PaymentID:      o.PaymentID,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	for _, t := range issued {
		resp.Tickets = append(resp.Tickets, newTicketResponse(t, true))
	}
	return resp
}

type ticketResponse struct {
	ID           uuid.UUID           `json:"id"`
	OrderID      uuid.UUID           `json:"order_id"`
	TicketTypeID uuid.UUID           `json:"ticket_type_id"`
	EventID      uuid.UUID           `json:"event_id"`
	HumanID      string              `json:"human_id"`
	Status       domain.TicketStatus `json:"status"`
	Credential   string              `json:"credential,omitempty"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	IssuedAt     time.Time           `json:"issued_at"`
	ScannedAt    *time.Time          `json:"scanned_at,omitempty"`
}

func newTicketResponse(t domain.Ticket, withCredential bool) ticketResponse {
	resp := ticketResponse{
		ID:           t.ID,
		OrderID:      t.OrderID,
		TicketTypeID: t.TicketTypeID,
		EventID:      t.EventID,
		HumanID:      t.HumanID,
		Status:       t.Status,
		ExpiresAt:    t.ExpiresAt,
		IssuedAt:     t.IssuedAt,
		ScannedAt:    t.ScannedAt,
	}
	if withCredential && t.Status == domain.TicketIssued {
		resp.Credential = tickets.Credential(t)
	}
	return resp
}
