package checkout

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type PaymentResult string

const (
	PaymentSucceeded PaymentResult = "succeeded"
	PaymentFailed    PaymentResult = "failed"
)

// Confirmation is what the payment collaborator delivers once it settles an order.
type Confirmation struct {
	OrderID   uuid.UUID     `json:"order_id"`
	PaymentID string        `json:"payment_id"`
	Result    PaymentResult `json:"result"`
}

type Issued struct {
	Order   domain.Order    `json:"order"`
	Tickets []domain.Ticket `json:"tickets"`
}

// HandlePayment applies a confirmation from the webhook or the payment queue.
func (s *Service) HandlePayment(ctx context.Context, c Confirmation) (Issued, error) {
	switch c.Result {
	case PaymentSucceeded, "":
		return s.ConfirmPayment(ctx, c.OrderID, c.PaymentID)
	case PaymentFailed:
		order, err := s.FailOrder(ctx, c.OrderID, c.PaymentID)
		return Issued{Order: order}, err
	}
	return Issued{}, domain.InvalidSelectionf("unknown payment result %q", c.Result)
}

// ConfirmPayment issues one ticket per unit and marks the order paid in one unit of work.
// A payment id seen before within the replay window fails with domain.ErrDuplicateConfirmation.
func (s *Service) ConfirmPayment(ctx context.Context, orderID uuid.UUID, paymentID string) (Issued, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.ConfirmPayment", trace.WithAttributes(attribute.String("order.id", orderID.String())))
	defer span.End()

	issued, err := s.confirm(ctx, orderID, paymentID)
	if err != nil {
		span.RecordError(err)
		return Issued{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordPayment(true)
		total, _ := issued.Order.Total.Float64()
		s.metrics.RecordTicketsSold(len(issued.Tickets), total)
	}
	s.auditOrder(ctx, "order.paid", issued.Order)
	s.logger.WithFields(map[string]interface{}{
		"order_id":   orderID,
		"payment_id": paymentID,
		"tickets":    len(issued.Tickets),
	}).Info("order paid")
	return issued, nil
}

func (s *Service) confirm(ctx context.Context, orderID uuid.UUID, paymentID string) (issued Issued, err error) {
	if err := s.replay.Claim(ctx, paymentID); err != nil {
		return Issued{}, err
	}
	defer func() {
		if err != nil && !errors.Is(err, domain.ErrDuplicateConfirmation) {
			if relErr := s.replay.Release(ctx, paymentID); relErr != nil {
				s.logger.WithField("error", relErr.Error()).Warn("release payment claim")
			}
		}
	}()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return Issued{}, err
	}
	if order.Status == domain.OrderPaid && order.PaymentID == paymentID {
		return Issued{}, errors.Wrapf(domain.ErrDuplicateConfirmation, "order %s already paid by %s", orderID, paymentID)
	}
	if !order.Status.CanTransition(domain.OrderPaid) {
		return Issued{}, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", orderID, order.Status)
	}

	expiresAt, err := s.ticketExpiry(ctx, order.EventID)
	if err != nil {
		return Issued{}, err
	}

	now := s.now()
	paid := order
	paid.Status = domain.OrderPaid
	paid.PaymentID = paymentID
	paid.UpdatedAt = now

	for attempt := 1; ; attempt++ {
		minted, err := s.issuer.Mint(order, expiresAt)
		if err != nil {
			return Issued{}, err
		}
		rec, err := outbox.NewOrderRecord(outbox.EventOrderPaid, paid, minted, now)
		if err != nil {
			return Issued{}, err
		}
		final, err := s.repo.FinalizeOrder(ctx, domain.Payment{OrderID: orderID, PaymentID: paymentID, At: now}, minted, rec)
		if err == nil {
			return Issued{Order: final, Tickets: minted}, nil
		}
		if !errors.Is(err, domain.ErrConstraintViolation) || attempt >= mintAttempts {
			return Issued{}, err
		}
		s.logger.WithFields(map[string]interface{}{
			"order_id": orderID,
			"attempt":  attempt,
		}).Warn("ticket token collision, minting again")
	}
}

// ticketExpiry is the end of the event. A missing catalog entry issues tickets without expiry.
func (s *Service) ticketExpiry(ctx context.Context, eventID uuid.UUID) (*time.Time, error) {
	ev, err := s.catalog.Event(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.WithField("event_id", eventID).Warn("event missing from catalog, tickets issued without expiry")
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load event")
	}
	if ev.EndsAt.IsZero() {
		return nil, nil
	}
	endsAt := ev.EndsAt
	return &endsAt, nil
}

// FailOrder records a declined payment and returns the order's inventory.
func (s *Service) FailOrder(ctx context.Context, orderID uuid.UUID, paymentID string) (order domain.Order, err error) {
	if paymentID != "" {
		key := paymentID + ":failed"
		if err := s.replay.Claim(ctx, key); err != nil {
			return domain.Order{}, err
		}
		defer func() {
			if err != nil && !errors.Is(err, domain.ErrDuplicateConfirmation) {
				if relErr := s.replay.Release(ctx, key); relErr != nil {
					s.logger.WithField("error", relErr.Error()).Warn("release payment claim")
				}
			}
		}()
	}
	order, err = s.transition(ctx, orderID, domain.OrderPending, domain.OrderFailed, outbox.EventOrderFailed)
	if err != nil {
		return domain.Order{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordPayment(false)
		s.metrics.RecordOrderFailed("payment_failed")
	}
	return order, nil
}

// Refund voids the order's issued tickets and returns its inventory.
func (s *Service) Refund(ctx context.Context, orderID uuid.UUID) (domain.Order, error) {
	return s.transition(ctx, orderID, domain.OrderPaid, domain.OrderRefunded, outbox.EventOrderRefunded)
}

func (s *Service) transition(ctx context.Context, orderID uuid.UUID, from, to domain.OrderStatus, eventType string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status != from {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s, not %s", orderID, order.Status, from)
	}

	now := s.now()
	next := order
	next.Status = to
	next.UpdatedAt = now
	rec, err := outbox.NewOrderRecord(eventType, next, nil, now)
	if err != nil {
		return domain.Order{}, err
	}
	updated, err := s.repo.TransitionOrder(ctx, domain.StatusChange{
		OrderID:          orderID,
		From:             from,
		To:               to,
		ReleaseInventory: true,
		At:               now,
	}, rec)
	if err != nil {
		return domain.Order{}, err
	}
	s.auditOrder(ctx, eventType, updated)
	s.logger.WithFields(map[string]interface{}{"order_id": orderID, "status": to}).Info("order status changed")
	return updated, nil
}

// ExpirePending fails pending orders created before olderThan ago and releases their
// inventory. Orders that moved on concurrently are skipped.
func (s *Service) ExpirePending(ctx context.Context, olderThan time.Duration, batch int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	orders, err := s.repo.PendingOrdersBefore(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	expired := make([]bool, len(orders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, order := range orders {
		i, order := i, order
		g.Go(func() error {
			_, err := s.transition(gctx, order.ID, domain.OrderPending, domain.OrderFailed, outbox.EventOrderFailed)
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil
			}
			if err != nil {
				return errors.Wrapf(err, "expire order %s", order.ID)
			}
			expired[i] = true
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range expired {
		if ok {
			n++
		}
	}
	if s.metrics != nil && n > 0 {
		s.metrics.OrdersFailed.WithLabelValues("expired").Add(float64(n))
	}
	return n, err
}
