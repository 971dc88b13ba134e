package reservation

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

// Store applies a whole reservation in one atomic unit of work. Reserve must either
// increment tickets_sold for every request or for none, and report shortages as
// *domain.InsufficientInventoryError.
type Store interface {
	Reserve(ctx context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error
	Release(ctx context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error
}

type Reserver struct {
	store       Store
	logger      observability.Logger
	metrics     *observability.Metrics
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
}

type Option func(*Reserver)

// WithRetry sets how many times a serialization failure is retried and the base backoff.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(r *Reserver) {
		r.maxAttempts = maxAttempts
		r.backoff = backoff
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reserver) { r.now = now }
}

func NewReserver(store Store, logger observability.Logger, metrics *observability.Metrics, opts ...Option) *Reserver {
	r := &Reserver{
		store:       store,
		logger:      logger,
		metrics:     metrics,
		maxAttempts: 5,
		backoff:     20 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	return r
}

// Reserve allocates capacity for every request or none of them.
func (r *Reserver) Reserve(ctx context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) (domain.Reservation, error) {
	start := r.now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ObserveReservation(r.now().Sub(start))
		}
	}()

	merged, err := Normalize(reqs)
	if err != nil {
		return domain.Reservation{}, err
	}

	for attempt := 1; ; attempt++ {
		err = r.store.Reserve(ctx, eventID, merged)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrSerializationFailure) || attempt >= r.maxAttempts {
			return domain.Reservation{}, err
		}
		r.logger.WithFields(map[string]interface{}{
			"event_id": eventID,
			"attempt":  attempt,
		}).Warn("reservation serialization failure, retrying")

		select {
		case <-ctx.Done():
			return domain.Reservation{}, ctx.Err()
		case <-time.After(r.backoff * time.Duration(1<<(attempt-1))):
		}
	}

	return domain.Reservation{
		ID:         uuid.New(),
		EventID:    eventID,
		Items:      merged,
		ReservedAt: r.now(),
	}, nil
}

// Release returns a reservation's capacity, e.g. when the order could not be stored.
func (r *Reserver) Release(ctx context.Context, res domain.Reservation) error {
	if len(res.Items) == 0 {
		return nil
	}
	if err := r.store.Release(ctx, res.EventID, res.Items); err != nil {
		return errors.Wrapf(err, "release reservation %s", res.ID)
	}
	return nil
}

// Normalize merges duplicate ticket types and sorts requests by ticket type id so that
// concurrent reservations touch rows in the same order.
func Normalize(reqs []domain.ReservationRequest) ([]domain.ReservationRequest, error) {
	if len(reqs) == 0 {
		return nil, domain.InvalidSelectionf("nothing to reserve")
	}
	totals := make(map[uuid.UUID]int, len(reqs))
	for _, req := range reqs {
		if req.TicketTypeID == uuid.Nil {
			return nil, domain.InvalidSelectionf("missing ticket type id")
		}
		if req.Quantity <= 0 {
			return nil, domain.InvalidSelectionf("ticket type %s: quantity must be positive", req.TicketTypeID)
		}
		totals[req.TicketTypeID] += req.Quantity
	}

	out := make([]domain.ReservationRequest, 0, len(totals))
	for id, qty := range totals {
		out = append(out, domain.ReservationRequest{TicketTypeID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].TicketTypeID[:], out[j].TicketTypeID[:]) < 0
	})
	return out, nil
}
