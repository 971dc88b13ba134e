package idempotency

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
)

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

// Store backs both response replay for client retries and replay protection for
// payment confirmations.
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Set(ctx context.Context, key string, resp Response, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	if key == "" {
		return nil, nil
	}
	return i.store.Get(ctx, key)
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	if key == "" {
		return nil
	}
	return i.store.Set(ctx, key, resp, i.ttl)
}

// Claim records a confirmation identifier for the replay window. A second claim of the same
// identifier inside the window fails with domain.ErrDuplicateConfirmation.
func (i *Idempotency) Claim(ctx context.Context, key string) error {
	if key == "" {
		return domain.InvalidSelectionf("missing confirmation identifier")
	}
	ok, err := i.store.Claim(ctx, key, i.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(domain.ErrDuplicateConfirmation, "confirmation %s already processed", key)
	}
	return nil
}

// Release forgets a claim so a confirmation that failed to apply can be redelivered.
func (i *Idempotency) Release(ctx context.Context, key string) error {
	return i.store.Release(ctx, key)
}
