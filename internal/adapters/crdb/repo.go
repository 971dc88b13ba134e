package crdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	CheckViolationCode       = "23514"

	paymentIDConstraint = "orders_payment_id_key"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	return mapPgError(tx.Commit(ctx))
}

// mapPgError marks storage errors with the domain taxonomy. A violated inventory check is
// authoritative; a unique violation on tokens is a retryable collision.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case SerializationFailureCode:
		return errors.Mark(err, domain.ErrSerializationFailure)
	case UniqueViolationCode:
		if pgErr.ConstraintName == paymentIDConstraint {
			return errors.Mark(err, domain.ErrDuplicateConfirmation)
		}
		return errors.Mark(err, domain.ErrConstraintViolation)
	case CheckViolationCode:
		return errors.Mark(err, domain.ErrInsufficientInventory)
	}
	return err
}

func (r *Repository) CreateTicketType(ctx context.Context, tt domain.TicketType) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ticket_types (id, event_id, name, unit_price, unit_fee, total_inventory, tickets_sold)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tt.ID, tt.EventID, tt.Name, tt.UnitPrice, tt.UnitFee, tt.TotalInventory, tt.TicketsSold)
	return mapPgError(err)
}

const ticketTypeColumns = `id, event_id, name, unit_price, unit_fee, total_inventory, tickets_sold`

func scanTicketType(row pgx.Row) (domain.TicketType, error) {
	var tt domain.TicketType
	err := row.Scan(&tt.ID, &tt.EventID, &tt.Name, &tt.UnitPrice, &tt.UnitFee, &tt.TotalInventory, &tt.TicketsSold)
	return tt, err
}

func (r *Repository) TicketType(ctx context.Context, id uuid.UUID) (domain.TicketType, error) {
	tt, err := scanTicketType(r.pool.QueryRow(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketType{}, errors.Wrapf(domain.ErrNotFound, "ticket type %s", id)
	}
	return tt, err
}

func (r *Repository) TicketTypes(ctx context.Context, eventID uuid.UUID) ([]domain.TicketType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ticketTypeColumns+` FROM ticket_types WHERE event_id = $1 ORDER BY id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TicketType
	for rows.Next() {
		tt, err := scanTicketType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}

// Reserve increments tickets_sold for every request in one serializable transaction. Each
// increment is conditional on remaining capacity; any miss rolls the whole transaction back.
func (r *Repository) Reserve(ctx context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		var shortages []domain.Shortage
		for _, req := range reqs {
			result, err := tx.Exec(ctx, `
				UPDATE ticket_types SET tickets_sold = tickets_sold + $1
				WHERE id = $2 AND event_id = $3
				AND (total_inventory IS NULL OR tickets_sold + $1 <= total_inventory)
			`, req.Quantity, req.TicketTypeID, eventID)
			if err != nil {
				return err
			}
			if result.RowsAffected() == 1 {
				continue
			}

			var name string
			var total *int
			var sold int
			err = tx.QueryRow(ctx, `
				SELECT name, total_inventory, tickets_sold FROM ticket_types WHERE id = $1 AND event_id = $2
			`, req.TicketTypeID, eventID).Scan(&name, &total, &sold)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.InvalidSelectionf("ticket type %s does not belong to event %s", req.TicketTypeID, eventID)
			}
			if err != nil {
				return err
			}
			tt := domain.TicketType{TotalInventory: total, TicketsSold: sold}
			shortages = append(shortages, domain.Shortage{
				TicketTypeID: req.TicketTypeID,
				Name:         name,
				Requested:    req.Quantity,
				Available:    tt.Available(),
			})
		}
		if len(shortages) > 0 {
			return &domain.InsufficientInventoryError{Shortages: shortages}
		}
		return nil
	})
}

func (r *Repository) Release(ctx context.Context, eventID uuid.UUID, reqs []domain.ReservationRequest) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		return releaseInventory(ctx, tx, eventID, reqs)
	})
}

func releaseInventory(ctx context.Context, q querier, eventID uuid.UUID, reqs []domain.ReservationRequest) error {
	for _, req := range reqs {
		_, err := q.Exec(ctx, `
			UPDATE ticket_types SET tickets_sold = greatest(tickets_sold - $1, 0)
			WHERE id = $2 AND event_id = $3
		`, req.Quantity, req.TicketTypeID, eventID)
		if err != nil {
			return err
		}
	}
	return nil
}

const orderColumns = `id, event_id, purchaser_email, purchaser_name, items, subtotal, discount, fees, total,
	promo_code, status, payment_id, reservation_id, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var items []byte
	var paymentID *string
	err := row.Scan(&o.ID, &o.EventID, &o.PurchaserEmail, &o.PurchaserName, &items, &o.Subtotal, &o.Discount,
		&o.Fees, &o.Total, &o.PromoCode, &o.Status, &paymentID, &o.ReservationID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	if paymentID != nil {
		o.PaymentID = *paymentID
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return domain.Order{}, errors.Wrapf(err, "decode items of order %s", o.ID)
	}
	return o, nil
}

func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14, $15)
	`, order.ID, order.EventID, order.PurchaserEmail, order.PurchaserName, items, order.Subtotal, order.Discount,
		order.Fees, order.Total, order.PromoCode, order.Status, order.PaymentID, order.ReservationID,
		order.CreatedAt, order.UpdatedAt)
	return mapPgError(err)
}

func getOrder(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (domain.Order, error) {
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, errors.Wrapf(domain.ErrNotFound, "order %s", id)
	}
	return o, err
}

func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

// FinalizeOrder moves a pending order to paid, inserts its tickets and the outbox record in
// one transaction. The unique payment_id and token constraints back up the checks.
func (r *Repository) FinalizeOrder(ctx context.Context, p domain.Payment, tickets []domain.Ticket, rec outbox.Record) (domain.Order, error) {
	var final domain.Order
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, payment_id = $3, updated_at = $4
			WHERE id = $1 AND status = $5
		`, p.OrderID, domain.OrderPaid, p.PaymentID, p.At, domain.OrderPending)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			current, err := getOrder(ctx, tx, p.OrderID, false)
			if err != nil {
				return err
			}
			if current.Status == domain.OrderPaid && current.PaymentID == p.PaymentID {
				return errors.Wrapf(domain.ErrDuplicateConfirmation, "order %s already paid by %s", p.OrderID, p.PaymentID)
			}
			return errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s", p.OrderID, current.Status)
		}

		batch := &pgx.Batch{}
		for _, t := range tickets {
			batch.Queue(`
				INSERT INTO tickets (id, order_id, ticket_type_id, event_id, token, signature, status, human_id, expires_at, issued_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, t.ID, t.OrderID, t.TicketTypeID, t.EventID, t.Token, t.Signature, t.Status, t.HumanID, t.ExpiresAt, t.IssuedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		if err := r.InsertOutbox(ctx, tx, rec); err != nil {
			return err
		}
		final, err = getOrder(ctx, tx, p.OrderID, false)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return final, nil
}

func (r *Repository) TransitionOrder(ctx context.Context, change domain.StatusChange, rec outbox.Record) (domain.Order, error) {
	var updated domain.Order
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		order, err := getOrder(ctx, tx, change.OrderID, true)
		if err != nil {
			return err
		}
		if order.Status != change.From || !change.From.CanTransition(change.To) {
			return errors.Wrapf(domain.ErrInvalidTransition, "order %s is %s, cannot move to %s", order.ID, order.Status, change.To)
		}

		if change.To == domain.OrderRefunded {
			_, err := tx.Exec(ctx, `
				UPDATE tickets SET status = $2 WHERE order_id = $1 AND status = $3
			`, order.ID, domain.TicketVoided, domain.TicketIssued)
			if err != nil {
				return err
			}
		}
		if change.ReleaseInventory {
			if err := releaseInventory(ctx, tx, order.EventID, domain.ReservationRequests(order.Items)); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, order.ID, change.To, change.At); err != nil {
			return err
		}
		if rec.ID != uuid.Nil {
			if err := r.InsertOutbox(ctx, tx, rec); err != nil {
				return err
			}
		}
		order.Status = change.To
		order.UpdatedAt = change.At
		updated = order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

func (r *Repository) PendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND created_at < $2 ORDER BY created_at LIMIT $3
	`, domain.OrderPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListOrders returns one page of orders, newest first, and the total matching the filter.
func (r *Repository) ListOrders(ctx context.Context, filter domain.OrderFilter, offset, limit int) ([]domain.Order, int, error) {
	where := ` WHERE ($1::UUID IS NULL OR event_id = $1) AND ($2 = '' OR status = $2)`
	var eventID *uuid.UUID
	if filter.EventID != uuid.Nil {
		eventID = &filter.EventID
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM orders`+where, eventID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders`+where+`
		ORDER BY created_at DESC, id LIMIT $3 OFFSET $4
	`, eventID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	orders, err := collectOrders(rows)
	return orders, total, err
}
