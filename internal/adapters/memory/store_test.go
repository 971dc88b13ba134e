package memory_test

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/adapters/memory"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(store *memory.Store, eventID uuid.UUID, name string, total int) domain.TicketType {
	tt := domain.TicketType{ID: uuid.New(), EventID: eventID, Name: name, TotalInventory: &total}
	store.AddTicketType(tt)
	return tt
}

func TestReserve_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eventID := uuid.New()
	ga := seed(store, eventID, "GA", 10)
	vip := seed(store, eventID, "VIP", 1)

	err := store.Reserve(ctx, eventID, []domain.ReservationRequest{{TicketTypeID: ga.ID, Quantity: 4}, {TicketTypeID: vip.ID, Quantity: 2}})
	var inv *domain.InsufficientInventoryError
	require.True(t, errors.As(err, &inv))
	require.Len(t, inv.Shortages, 1)
	assert.Equal(t, "VIP", inv.Shortages[0].Name)
	assert.Equal(t, 1, inv.Shortages[0].Available)

	got, _ := store.TicketType(ctx, ga.ID)
	assert.Equal(t, 0, got.TicketsSold)

	err = store.Reserve(ctx, uuid.New(), []domain.ReservationRequest{{TicketTypeID: ga.ID, Quantity: 1}})
	assert.True(t, errors.Is(err, domain.ErrInvalidSelection))

	require.NoError(t, store.Release(ctx, eventID, []domain.ReservationRequest{{TicketTypeID: ga.ID, Quantity: 3}}))
	got, _ = store.TicketType(ctx, ga.ID)
	assert.Equal(t, 0, got.TicketsSold)
}

func TestReserve_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eventID := uuid.New()
	ga := seed(store, eventID, "GA", 15)

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Reserve(ctx, eventID, []domain.ReservationRequest{{TicketTypeID: ga.ID, Quantity: 2}}) == nil {
				atomic.AddInt32(&ok, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(7), ok)
	got, _ := store.TicketType(ctx, ga.ID)
	assert.Equal(t, 14, got.TicketsSold)
}

func TestFinalizeOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()
	order := domain.Order{ID: uuid.New(), EventID: uuid.New(), Status: domain.OrderPending, CreatedAt: now}
	require.NoError(t, store.CreateOrder(ctx, order))
	assert.True(t, errors.Is(store.CreateOrder(ctx, order), domain.ErrConflict))

	ticket := domain.Ticket{ID: uuid.New(), OrderID: order.ID, EventID: order.EventID, Token: "tok-1", Status: domain.TicketIssued}
	rec := outbox.Record{ID: uuid.New(), EventType: outbox.EventOrderPaid, CreatedAt: now, Status: outbox.StatusNew}

	paid, err := store.FinalizeOrder(ctx, domain.Payment{OrderID: order.ID, PaymentID: "pay_1", At: now}, []domain.Ticket{ticket}, rec)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, paid.Status)

	_, err = store.FinalizeOrder(ctx, domain.Payment{OrderID: order.ID, PaymentID: "pay_1", At: now}, nil, outbox.Record{})
	assert.True(t, errors.Is(err, domain.ErrDuplicateConfirmation))
	_, err = store.FinalizeOrder(ctx, domain.Payment{OrderID: order.ID, PaymentID: "pay_2", At: now}, nil, outbox.Record{})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	byToken, err := store.TicketByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, byToken.ID)

	pending, err := store.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, store.MarkPublished(ctx, pending[0], now))
	pending, _ = store.GetUnpublishedOutbox(ctx, 10)
	assert.Empty(t, pending)
}

func TestListTickets_OrderedByID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	eventID := uuid.New()
	now := time.Now().UTC()

	var tickets []domain.Ticket
	for i := 0; i < 5; i++ {
		tickets = append(tickets, domain.Ticket{ID: uuid.New(), EventID: eventID, Token: uuid.NewString(), Status: domain.TicketIssued})
	}
	order := domain.Order{ID: uuid.New(), EventID: eventID, Status: domain.OrderPending, CreatedAt: now}
	require.NoError(t, store.CreateOrder(ctx, order))
	_, err := store.FinalizeOrder(ctx, domain.Payment{OrderID: order.ID, PaymentID: "pay_list", At: now}, tickets, outbox.Record{})
	require.NoError(t, err)

	forward, err := store.ListTickets(ctx, eventID, uuid.Nil, false, 3)
	require.NoError(t, err)
	require.Len(t, forward, 3)
	for i := 1; i < len(forward); i++ {
		assert.Negative(t, bytes.Compare(forward[i-1].ID[:], forward[i].ID[:]))
	}

	rest, err := store.ListTickets(ctx, eventID, forward[2].ID, false, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	back, err := store.ListTickets(ctx, eventID, forward[2].ID, true, 10)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, forward[1].ID, back[0].ID)
	assert.Equal(t, forward[0].ID, back[1].ID)
}
