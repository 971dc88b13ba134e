package memory

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
)

// Store keeps every repository in process memory behind one mutex. It backs the
// memory storage driver and service tests.
type Store struct {
	mu sync.Mutex

	events      map[uuid.UUID]domain.Event
	promos      map[string]domain.Promo
	ticketTypes map[uuid.UUID]*domain.TicketType
	orders      map[uuid.UUID]*domain.Order
	payments    map[string]uuid.UUID
	tickets     map[uuid.UUID]*domain.Ticket
	tokens      map[string]uuid.UUID
	outbox      []*outbox.Record
}

func NewStore() *Store {
	return &Store{
		events:      make(map[uuid.UUID]domain.Event),
		promos:      make(map[string]domain.Promo),
		ticketTypes: make(map[uuid.UUID]*domain.TicketType),
		orders:      make(map[uuid.UUID]*domain.Order),
		payments:    make(map[string]uuid.UUID),
		tickets:     make(map[uuid.UUID]*domain.Ticket),
		tokens:      make(map[string]uuid.UUID),
	}
}

func promoKey(eventID uuid.UUID, code string) string {
	return eventID.String() + "/" + strings.ToUpper(code)
}

func (s *Store) AddEvent(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

func (s *Store) AddPromo(eventID uuid.UUID, p domain.Promo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promos[promoKey(eventID, p.Code)] = p
}

func (s *Store) AddTicketType(tt domain.TicketType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := tt
	s.ticketTypes[tt.ID] = &cp
}

func (s *Store) Event(_ context.Context, id uuid.UUID) (domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	return ev, nil
}

func (s *Store) Promo(_ context.Context, eventID uuid.UUID, code string) (domain.Promo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promos[promoKey(eventID, code)]
	if !ok {
		return domain.Promo{}, errors.Wrapf(domain.ErrNotFound, "promo %s", code)
	}
	return p, nil
}

func (s *Store) TicketType(_ context.Context, id uuid.UUID) (domain.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.ticketTypes[id]
	if !ok {
		return domain.TicketType{}, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return *tt, nil
}

func (s *Store) TicketTypes(_ context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TicketType
	for _, tt := range s.ticketTypes {
		if tt.EventID == eventID {
			out = append(out, *tt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

// Reserve checks every request and only then applies them, all under the store mutex.
func (s *Store) Reserve(_ context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var shortages []domain.Shortage
	for _, req := range reqs {
		tt, ok := s.ticketTypes[req.TicketTypeID]
		if !ok || tt.EventID != eventID {
			return domain.InvalidSelectionf("ticket type %s does not belong to event %s", req.TicketTypeID, eventID)
		}
		if tt.TotalInventory != nil && tt.TicketsSold+req.Quantity > *tt.TotalInventory {
			shortages = append(shortages, domain.Shortage{
				TicketTypeID: tt.ID,
				Name:         tt.Name,
				Requested:    req.Quantity,
				Available:    tt.Available(),
			})
		}
	}
	if len(shortages) > 0 {
		return &domain.InsufficientInventoryError{Shortages: shortages}
	}

	for _, req := range reqs {
		s.ticketTypes[req.TicketTypeID].TicketsSold += req.Quantity
	}
	return nil
}

func (s *Store) Release(_ context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(eventID, reqs)
	return nil
}

func (s *Store) releaseLocked(eventID uuid.UUID, reqs []domain.ReservationRequest) {
	for _, req := range reqs {
		tt, ok := s.ticketTypes[req.TicketTypeID]
		if !ok || tt.EventID != eventID {
			continue
		}
		tt.TicketsSold -= req.Quantity
		if tt.TicketsSold < 0 {
			tt.TicketsSold = 0
		}
	}
}

func copyOrder(o *domain.Order) domain.Order {
	cp := *o
	cp.Items = append([]domain.LineItem(nil), o.Items...)
	return cp
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return errors.Wrapf(domain.ErrConflict, "order %s", order.ID)
	}
	cp := copyOrder(&order)
	s.orders[order.ID] = &cp
	return nil
}

func (s *Store) GetOrder(_ context.Context, id uuid.UUID) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return copyOrder(o), nil
}

// FinalizeOrder marks a pending order paid and stores its tickets and outbox record together.
func (s *Store) FinalizeOrder(_ context.Context, p domain.Payment, tickets []domain.Ticket, rec outbox.Record) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[p.OrderID]
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", p.OrderID)
	}
	if owner, used := s.payments[p.PaymentID]; used {
		return domain.Order{}, errors.Wrapf(domain.ErrDuplicateConfirmation, "payment %s already applied to order %s", p.PaymentID, owner)
	}
	if !o.Status.CanTransition(domain.OrderPaid) {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", o.ID, o.Status)
	}
	for _, t := range tickets {
		if _, dup := s.tokens[t.Token]; dup {
			return domain.Order{}, errors.Wrapf(domain.ErrConstraintViolation, "ticket token collision")
		}
	}

	for i := range tickets {
		t := tickets[i]
		s.tickets[t.ID] = &t
		s.tokens[t.Token] = t.ID
	}
	s.payments[p.PaymentID] = o.ID
	o.Status = domain.OrderPaid
	o.PaymentID = p.PaymentID
	o.UpdatedAt = p.At
	s.appendOutbox(rec)
	return copyOrder(o), nil
}

func (s *Store) TransitionOrder(_ context.Context, change domain.StatusChange, rec outbox.Record) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[change.OrderID]
	if !ok {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", change.OrderID)
	}
	if o.Status != change.From || !change.From.CanTransition(change.To) {
		return domain.Order{}, errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s, cannot move to %s", o.ID, o.Status, change.To)
	}

	if change.To == domain.OrderRefunded {
		for _, t := range s.tickets {
			if t.OrderID == o.ID && t.Status == domain.TicketIssued {
				t.Status = domain.TicketVoided
			}
		}
	}
	if change.ReleaseInventory {
		s.releaseLocked(o.EventID, domain.ReservationRequests(o.Items))
	}
	o.Status = change.To
	o.UpdatedAt = change.At
	s.appendOutbox(rec)
	return copyOrder(o), nil
}

func (s *Store) PendingOrdersBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderPending && o.CreatedAt.Before(cutoff) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListOrders returns one page of orders, newest first, and the total number matching the filter.
func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter, offset, limit int) ([]domain.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.Order
	for _, o := range s.orders {
		if filter.Matches(*o) {
			all = append(all, copyOrder(o))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return bytes.Compare(all[i].ID[:], all[j].ID[:]) < 0
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (s *Store) TicketByToken(_ context.Context, token string) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	if !ok {
		return domain.Ticket{}, errors.Wrap(domain.ErrNotFound, "ticket")
	}
	return *s.tickets[id], nil
}

func (s *Store) GetTicket(_ context.Context, id uuid.UUID) (domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.Ticket{}, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	return *t, nil
}

func (s *Store) TicketsForOrder(_ context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.OrderID == orderID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HumanID < out[j].HumanID })
	return out, nil
}

// MarkScanned flips an issued ticket to scanned and reports false if it was not issued.
func (s *Store) MarkScanned(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return false, errors.Wrapf(domain.ErrNotFound, "ticket %s", id)
	}
	if t.Status != domain.TicketIssued {
		return false, nil
	}
	t.Status = domain.TicketScanned
	t.ScannedAt = &at
	return true, nil
}

// ListTickets returns up to limit rows of an event's tickets ordered by id, starting after
// (or, backward, before) the given id. Backward rows come in descending id order.
func (s *Store) ListTickets(_ context.Context, eventID, after uuid.UUID, backward bool, limit int) ([]domain.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Ticket
	for _, t := range s.tickets {
		if t.EventID != eventID {
			continue
		}
		if after != uuid.Nil {
			cmp := bytes.Compare(t.ID[:], after[:])
			if (!backward && cmp <= 0) || (backward && cmp >= 0) {
				continue
			}
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		less := bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
		if backward {
			return !less
		}
		return less
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) appendOutbox(rec outbox.Record) {
	if rec.ID == uuid.Nil {
		return
	}
	cp := rec
	s.outbox = append(s.outbox, &cp)
}

func (s *Store) GetUnpublishedOutbox(_ context.Context, limit int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.Status != outbox.StatusNew {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkPublished(_ context.Context, rec outbox.Record, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.outbox {
		if r.ID == rec.ID {
			r.Status = outbox.StatusPublished
			r.PublishedAt = &publishedAt
			return nil
		}
	}
	return errors.Wrapf(domain.ErrNotFound, "outbox record %s", rec.ID)
}
