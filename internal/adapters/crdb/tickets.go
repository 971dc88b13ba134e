package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
)

const ticketColumns = `id, order_id, ticket_type_id, event_id, token, signature, status, human_id, expires_at, issued_at, scanned_at`

func scanTicket(row pgx.Row) (domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(&t.ID, &t.OrderID, &t.TicketTypeID, &t.EventID, &t.Token, &t.Signature, &t.Status,
		&t.HumanID, &t.ExpiresAt, &t.IssuedAt, &t.ScannedAt)
	return t, err
}

func collectTickets(rows pgx.Rows) ([]domain.Ticket, error) {
	defer rows.Close()
	var out []domain.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) ticketWhere(ctx context.Context, where string, arg any) (domain.Ticket, error) {
	t, err := scanTicket(r.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Ticket{}, errors.Wrap(domain.ErrNotFound, "ticket")
	}
	return t, err
}

func (r *Repository) TicketByToken(ctx context.Context, token string) (domain.Ticket, error) {
	return r.ticketWhere(ctx, `token = $1`, token)
}

func (r *Repository) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	return r.ticketWhere(ctx, `id = $1`, id)
}

func (r *Repository) TicketsForOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE order_id = $1 ORDER BY human_id`, orderID)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// MarkScanned is a conditional update; of two concurrent scans only one sees a row change.
func (r *Repository) MarkScanned(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE tickets SET status = $2, scanned_at = $3 WHERE id = $1 AND status = $4
	`, id, domain.TicketScanned, at, domain.TicketIssued)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := r.GetTicket(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ListTickets returns up to limit tickets of an event after (or, backward, before) the given id.
func (r *Repository) ListTickets(ctx context.Context, eventID, after uuid.UUID, backward bool, limit int) ([]domain.Ticket, error) {
	cmp, order := ">", "ASC"
	if backward {
		cmp, order = "<", "DESC"
	}
	var cursor *uuid.UUID
	if after != uuid.Nil {
		cursor = &after
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE event_id = $1 AND ($2::UUID IS NULL OR id `+cmp+` $2)
		ORDER BY id `+order+` LIMIT $3
	`, eventID, cursor, limit)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}
