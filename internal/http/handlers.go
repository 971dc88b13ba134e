package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/checkout"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/query"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"github.com/robertarktes/ticket-issuance-engine/internal/tickets"
)

const (
	maxBodyBytes  = 1 << 20
	defaultQRSize = 256
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	svc      *checkout.Service
	scanner  *tickets.Scanner
	policies *rateLimit.Policies
	metrics  *observability.Metrics
	logger   observability.Logger
	ready    []Pinger
}

func NewHandlers(svc *checkout.Service, scanner *tickets.Scanner, policies *rateLimit.Policies, metrics *observability.Metrics, logger observability.Logger, ready ...Pinger) *Handlers {
	return &Handlers{
		svc:      svc,
		scanner:  scanner,
		policies: policies,
		metrics:  metrics,
		logger:   logger,
		ready:    ready,
	}
}

// decode reads a JSON body. Selection decode errors already carry the taxonomy.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, domain.ErrInvalidSelection) {
		return err
	}
	return domain.InvalidSelectionf("malformed request body: %v", err)
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.InvalidSelectionf("invalid %s", name)
	}
	return id, nil
}

type checkoutRequest struct {
	PurchaserEmail string           `json:"purchaser_email"`
	PurchaserName  string           `json:"purchaser_name"`
	PromoCode      string           `json:"promo_code"`
	Selection      domain.Selection `json:"selection"`
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuidParam(r, "eventID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req checkoutRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	order, err := h.svc.Checkout(r.Context(), domain.CheckoutRequest{
		EventID:        eventID,
		PurchaserEmail: req.PurchaserEmail,
		PurchaserName:  req.PurchaserName,
		PromoCode:      req.PromoCode,
		Selection:      req.Selection,
	}, CallerMetadata(r))
	if err != nil {
		h.logFailure(r, err, "checkout")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderResponse(order, nil))
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	issued, err := h.svc.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(issued.Order, issued.Tickets))
}

// PaymentWebhook takes a settled payment from the payment collaborator.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var c checkout.Confirmation
	if err := decode(w, r, &c); err != nil {
		writeError(w, err)
		return
	}
	if c.OrderID == uuid.Nil || c.PaymentID == "" {
		writeError(w, domain.InvalidSelectionf("order_id and payment_id are required"))
		return
	}

	issued, err := h.svc.HandlePayment(r.Context(), c)
	if err != nil {
		h.logFailure(r, err, "payment webhook")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(issued.Order, issued.Tickets))
}

type scanRequest struct {
	Credential string `json:"credential"`
	Token      string `json:"token"`
	Signature  string `json:"signature"`
	Gate       string `json:"gate"`
	DeviceID   string `json:"device_id"`
}

type scanResponse struct {
	Outcome   tickets.Outcome `json:"outcome"`
	Ticket    *ticketResponse `json:"ticket,omitempty"`
	ScannedAt time.Time       `json:"scanned_at"`
}

// ScanTicket admits a ticket at the door. Rejections are reported in the outcome with 200.
func (h *Handlers) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token, sig := req.Token, req.Signature
	if req.Credential != "" {
		var err error
		if token, sig, err = tickets.ParseCredential(req.Credential); err != nil {
			writeJSON(w, http.StatusOK, scanResponse{Outcome: tickets.OutcomeInvalid, ScannedAt: time.Now().UTC()})
			return
		}
	}

	meta := tickets.ScanMeta{Gate: req.Gate, DeviceID: req.DeviceID, IP: CallerMetadata(r).IP}
	res, err := h.scanner.Scan(r.Context(), token, sig, meta)
	if err != nil {
		writeError(w, err)
		return
	}
	out := scanResponse{Outcome: res.Outcome, ScannedAt: res.ScannedAt}
	if res.Ticket != nil {
		t := newTicketResponse(*res.Ticket, false)
		out.Ticket = &t
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) TicketQR(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	size := defaultQRSize
	if raw := r.URL.Query().Get("size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil || size < 64 || size > 1024 {
			writeError(w, domain.InvalidSelectionf("size must be between 64 and 1024"))
			return
		}
	}

	t, err := h.svc.GetTicket(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status == domain.TicketVoided {
		writeError(w, errors.Wrapf(domain.ErrNotFound, "ticket %s is voided", id))
		return
	}
	png, err := tickets.QRCode(t, size)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

type orderListResponse struct {
	Items []orderResponse `json:"items"`
	Page  query.PageInfo  `json:"page"`
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.OrderFilter
	if raw := q.Get("event_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, domain.InvalidSelectionf("invalid event_id"))
			return
		}
		filter.EventID = id
	}
	if raw := q.Get("status"); raw != "" {
		filter.Status = domain.OrderStatus(raw)
	}
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))

	result, err := h.svc.ListOrders(r.Context(), filter, page, size)
	if err != nil {
		writeError(w, err)
		return
	}
	out := orderListResponse{Items: make([]orderResponse, 0, len(result.Items)), Page: result.Page}
	for _, o := range result.Items {
		out.Items = append(out.Items, newOrderResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) ListEventTickets(w http.ResponseWriter, r *http.Request) {
	eventID, err := uuidParam(r, "eventID")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	dir, err := query.ParseDirection(q.Get("direction"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.svc.ListTickets(r.Context(), eventID, q.Get("cursor"), dir, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := query.CursorPage[ticketResponse]{
		Items:          make([]ticketResponse, 0, len(page.Items)),
		NextCursor:     page.NextCursor,
		PreviousCursor: page.PreviousCursor,
		HasMore:        page.HasMore,
	}
	for _, t := range page.Items {
		out.Items = append(out.Items, newTicketResponse(t, false))
	}
	writeJSON(w, http.StatusOK, out)
}

type policyReport struct {
	rateLimit.Stats
	Limit            int                   `json:"limit"`
	Window           string                `json:"window"`
	RecentViolations []rateLimit.Violation `json:"recent_violations"`
}

// RateLimits reports every policy's tracked keys and violations within ?period (default 1h).
func (h *Handlers) RateLimits(w http.ResponseWriter, r *http.Request) {
	period := time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, domain.InvalidSelectionf("invalid period %q", raw))
			return
		}
		period = d
	}

	reports := make([]policyReport, 0)
	for _, l := range h.policies.All() {
		if l == nil {
			continue
		}
		stats, err := l.Stats(r.Context(), period)
		if err != nil {
			writeError(w, err)
			return
		}
		if h.metrics != nil {
			h.metrics.SetTrackedKeys(l.Name(), stats.TrackedKeys)
		}
		cfg := l.Config()
		violations := l.Violations(20)
		if violations == nil {
			violations = []rateLimit.Violation{}
		}
		reports = append(reports, policyReport{
			Stats:            stats,
			Limit:            cfg.Max,
			Window:           cfg.Window.String(),
			RecentViolations: violations,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": reports})
}

// RefundOrder voids a paid order's tickets and returns its inventory.
func (h *Handlers) RefundOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	order, err := h.svc.Refund(r.Context(), id)
	if err != nil {
		h.logFailure(r, err, "refund")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order, nil))
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range h.ready {
		if err := p.Ping(ctx); err != nil {
			LoggerFrom(r.Context(), h.logger).Warn("readiness check failed: ", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func (h *Handlers) logFailure(r *http.Request, err error, op string) {
	log := LoggerFrom(r.Context(), h.logger).WithField("op", op)
	if statusFor(err) >= http.StatusInternalServerError {
		log.Error(err)
		return
	}
	log.WithField("error", err.Error()).Info("request rejected")
}
