package redis

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/robertarktes/ticket-issuance-engine/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitStore_IncrementStartsWindow(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRateLimitStore(client, "orders")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectIncr("rl:orders:order:1.2.3.4").SetVal(1)
	mock.ExpectPTTL("rl:orders:order:1.2.3.4").SetVal(time.Duration(-1))
	mock.ExpectPExpire("rl:orders:order:1.2.3.4", time.Minute).SetVal(true)

	w, err := store.Increment(ctx, "order:1.2.3.4", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Count)
	assert.Equal(t, now.Add(time.Minute), w.ResetAt)
	assert.Equal(t, now, w.Start)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitStore_IncrementKeepsExistingWindow(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRateLimitStore(client, "orders")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectIncr("rl:orders:k").SetVal(4)
	mock.ExpectPTTL("rl:orders:k").SetVal(20 * time.Second)

	w, err := store.Increment(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 4, w.Count)
	assert.Equal(t, now.Add(20*time.Second), w.ResetAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimitStore_GetMissingKey(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRateLimitStore(client, "api")
	now := time.Now()

	mock.ExpectGet("rl:api:k").RedisNil()
	mock.ExpectPTTL("rl:api:k").SetVal(time.Duration(-2))

	w, err := store.Get(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count)
	assert.Equal(t, now.Add(time.Minute), w.ResetAt)
}

func TestRateLimitStore_CountScansNamespace(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewRateLimitStore(client, "api")

	mock.ExpectScan(0, "rl:api:*", 500).SetVal([]string{"rl:api:a", "rl:api:b"}, 0)

	n, err := store.Count(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_Claim(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewIdempotency(client)

	mock.ExpectSetNX("replay:pay_1", 1, time.Hour).SetVal(true)
	mock.ExpectSetNX("replay:pay_1", 1, time.Hour).SetVal(false)

	ok, err := store.Claim(ctx, "pay_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "pay_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_GetMissingAndStored(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	store := NewIdempotency(client)

	mock.ExpectGet("idemp:a").RedisNil()
	mock.ExpectGet("idemp:b").SetVal(`{"Status":201,"ContentType":"application/json","Result":"e30="}`)

	resp, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, resp)

	resp, err = store.Get(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, idempotency.Response{Status: 201, ContentType: "application/json", Result: []byte("{}")}, *resp)
}
