package checkout

import (
	"context"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/query"
)

type OrderPage struct {
	Items []domain.Order `json:"items"`
	Page  query.PageInfo `json:"page"`
}

// GetOrder returns an order with whatever tickets it has been issued.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (Issued, error) {
	return query.Run(ctx, s.guard, "get order with tickets", "orders", func(ctx context.Context) (Issued, int, error) {
		order, err := s.repo.GetOrder(ctx, id)
		if err != nil {
			return Issued{}, 0, err
		}
		issued, err := s.repo.TicketsForOrder(ctx, id)
		if err != nil {
			return Issued{}, 0, err
		}
		return Issued{Order: order, Tickets: issued}, 1 + len(issued), nil
	})
}

func (s *Service) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return query.Run(ctx, s.guard, "get ticket", "tickets", func(ctx context.Context) (domain.Ticket, int, error) {
		t, err := s.repo.GetTicket(ctx, id)
		return t, 1, err
	})
}

func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter, page, size int) (OrderPage, error) {
	p := query.NewOffsetPage(page, size, s.limits)
	return query.Run(ctx, s.guard, "list orders", "admin", func(ctx context.Context) (OrderPage, int, error) {
		orders, total, err := s.repo.ListOrders(ctx, filter, p.Offset, p.PageSize)
		if err != nil {
			return OrderPage{}, 0, err
		}
		if orders == nil {
			orders = []domain.Order{}
		}
		return OrderPage{Items: orders, Page: p.Info(total)}, len(orders), nil
	}, query.WithFields(map[string]interface{}{
		"event_id": filter.EventID,
		"status":   filter.Status,
		"page":     p.Page,
	}))
}

// ListTickets pages through an event's tickets ordered by id.
func (s *Service) ListTickets(ctx context.Context, eventID uuid.UUID, cursor string, dir query.Direction, limit int) (query.CursorPage[domain.Ticket], error) {
	raw, err := query.DecodeCursor(cursor)
	if err != nil {
		return query.CursorPage[domain.Ticket]{}, err
	}
	after := uuid.Nil
	if raw != "" {
		if after, err = uuid.Parse(raw); err != nil {
			return query.CursorPage[domain.Ticket]{}, domain.InvalidSelectionf("malformed cursor")
		}
	}
	limit = query.NewOffsetPage(1, limit, s.limits).PageSize

	return query.Run(ctx, s.guard, "list event tickets", "admin", func(ctx context.Context) (query.CursorPage[domain.Ticket], int, error) {
		rows, err := s.repo.ListTickets(ctx, eventID, after, dir == query.Backward, limit+1)
		if err != nil {
			return query.CursorPage[domain.Ticket]{}, 0, err
		}
		page := query.PaginateCursor(rows, limit, cursor, dir, func(t domain.Ticket) string { return t.ID.String() })
		return page, len(rows), nil
	}, query.WithFields(map[string]interface{}{"event_id": eventID}))
}
