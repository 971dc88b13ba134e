package checkout

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/idempotency"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"github.com/robertarktes/ticket-issuance-engine/internal/query"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"github.com/robertarktes/ticket-issuance-engine/internal/reservation"
	"github.com/robertarktes/ticket-issuance-engine/internal/tickets"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const mintAttempts = 3

type Repository interface {
	TicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
	FinalizeOrder(ctx context.Context, p domain.Payment, tickets []domain.Ticket, rec outbox.Record) (domain.Order, error)
	TransitionOrder(ctx context.Context, change domain.StatusChange, rec outbox.Record) (domain.Order, error)
	PendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter, offset, limit int) ([]domain.Order, int, error)
	TicketsForOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error)
	GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error)
	ListTickets(ctx context.Context, eventID, after uuid.UUID, backward bool, limit int) ([]domain.Ticket, error)
}

type Catalog interface {
	Event(ctx context.Context, id uuid.UUID) (domain.Event, error)
	Promo(ctx context.Context, eventID uuid.UUID, code string) (domain.Promo, error)
}

type Auditor interface {
	LogOrder(ctx context.Context, action string, order domain.Order) error
}

type Deps struct {
	Repo     Repository
	Catalog  Catalog
	Reserver *reservation.Reserver
	Issuer   *tickets.Issuer
	Replay   *idempotency.Idempotency
	// Limiter gates order creation; nil disables it.
	Limiter *rateLimit.Limiter
	Guard   *query.Guard
	Audit   Auditor
	Logger  observability.Logger
	Metrics *observability.Metrics
	Limits  query.Limits
}

type Service struct {
	repo     Repository
	catalog  Catalog
	reserver *reservation.Reserver
	issuer   *tickets.Issuer
	replay   *idempotency.Idempotency
	limiter  *rateLimit.Limiter
	guard    *query.Guard
	audit    Auditor
	logger   observability.Logger
	metrics  *observability.Metrics
	limits   query.Limits
	tracer   trace.Tracer
	now      func() time.Time
}

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = observability.NewNopLogger()
	}
	if d.Guard == nil {
		d.Guard = query.NewGuard(d.Logger, d.Metrics, 0, 0)
	}
	return &Service{
		repo:     d.Repo,
		catalog:  d.Catalog,
		reserver: d.Reserver,
		issuer:   d.Issuer,
		replay:   d.Replay,
		limiter:  d.Limiter,
		guard:    d.Guard,
		audit:    d.Audit,
		logger:   d.Logger,
		metrics:  d.Metrics,
		limits:   d.Limits,
		tracer:   observability.Tracer("checkout"),
		now:      time.Now,
	}
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Checkout prices the selection, reserves inventory for the whole order and stores it as pending.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest, caller rateLimit.Metadata) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Checkout", trace.WithAttributes(attribute.String("event.id", req.EventID.String())))
	defer span.End()

	start := s.now()
	order, err := s.checkout(ctx, req, caller)
	if s.metrics != nil {
		s.metrics.ObserveCheckout(s.now().Sub(start))
	}
	if err != nil {
		span.RecordError(err)
		if s.metrics != nil {
			s.metrics.RecordOrderFailed(failureReason(err))
		}
		return domain.Order{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordOrderCreated()
	}
	s.auditOrder(ctx, "order.created", order)
	s.logger.WithFields(map[string]interface{}{
		"order_id": order.ID,
		"event_id": order.EventID,
		"units":    order.Units(),
		"total":    order.Total.StringFixed(2),
	}).Info("order created")
	return order, nil
}

func (s *Service) checkout(ctx context.Context, req domain.CheckoutRequest, caller rateLimit.Metadata) (domain.Order, error) {
	if s.limiter != nil {
		if _, err := s.limiter.Allow(ctx, caller.Identity(), caller); err != nil {
			return domain.Order{}, err
		}
	}

	if err := req.Selection.Validate(); err != nil {
		return domain.Order{}, err
	}
	items := domain.SelectionToLineItems(req.Selection)

	if req.PromoCode != "" && req.Promo == nil {
		promo, err := s.catalog.Promo(ctx, req.EventID, req.PromoCode)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, domain.InvalidSelectionf("unknown promo code %q", req.PromoCode)
		}
		if err != nil {
			return domain.Order{}, err
		}
		req.Promo = &promo
	}
	if err := domain.ValidateCheckout(req, items); err != nil {
		return domain.Order{}, err
	}

	items, err := s.price(ctx, req.EventID, items)
	if err != nil {
		return domain.Order{}, err
	}
	totals := domain.ComputeTotals(items, req.Promo)

	res, err := s.reserver.Reserve(ctx, req.EventID, domain.ReservationRequests(items))
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.NewOrder(req, items, totals, s.now())
	order.ReservationID = res.ID
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		if relErr := s.reserver.Release(ctx, res); relErr != nil {
			s.logger.WithFields(map[string]interface{}{
				"reservation_id": res.ID,
				"error":          relErr.Error(),
			}).Error("release reservation after failed order insert")
		}
		return domain.Order{}, errors.Wrap(err, "store order")
	}
	return order, nil
}

// price replaces client-supplied prices with the stored ones. Unknown ticket types and
// ticket types of another event are rejected.
func (s *Service) price(ctx context.Context, eventID uuid.UUID, items []domain.LineItem) ([]domain.LineItem, error) {
	types, err := s.repo.TicketTypes(ctx, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "load ticket types")
	}
	byID := make(map[uuid.UUID]domain.TicketType, len(types))
	for _, tt := range types {
		byID[tt.ID] = tt
	}

	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		tt, ok := byID[item.TicketTypeID]
		if !ok {
			return nil, domain.InvalidSelectionf("ticket type %s is not on sale for event %s", item.TicketTypeID, eventID)
		}
		item.UnitPrice = tt.UnitPrice
		item.UnitFee = tt.UnitFee
		item.DisplayName = tt.Name
		out[i] = item
	}
	return out, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, domain.ErrInsufficientInventory):
		return "insufficient_inventory"
	case errors.Is(err, domain.ErrQueryTimeout):
		return "timeout"
	}
	return "error"
}

func (s *Service) auditOrder(ctx context.Context, action string, order domain.Order) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogOrder(ctx, action, order); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"order_id": order.ID,
			"action":   action,
			"error":    err.Error(),
		}).Warn("audit order")
	}
}
