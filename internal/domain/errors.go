package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var (
	ErrSerializationFailure = errors.New("serialization failure")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidTransition    = errors.New("invalid status transition")
)

var (
	ErrInvalidSelection      = errors.New("invalid selection")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrSignatureMismatch     = errors.New("signature mismatch")
	ErrRateLimited           = errors.New("rate limited")
	ErrQueryTimeout          = errors.New("query timeout")
	ErrDuplicateConfirmation = errors.New("duplicate confirmation")
	ErrConstraintViolation   = errors.New("constraint violation")
)

type Shortage struct {
	TicketTypeID uuid.UUID `json:"ticket_type_id"`
	Name         string    `json:"name"`
	Requested    int       `json:"requested"`
	Available    int       `json:"available"`
}

// InsufficientInventoryError names every ticket type of a request that could not be satisfied.
type InsufficientInventoryError struct {
	Shortages []Shortage
}

func (e *InsufficientInventoryError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		name := s.Name
		if name == "" {
			name = s.TicketTypeID.String()
		}
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", name, s.Requested, s.Available))
	}
	return "insufficient inventory (" + strings.Join(parts, "; ") + ")"
}

func (e *InsufficientInventoryError) Is(target error) bool {
	return target == ErrInsufficientInventory
}

type RateLimitedError struct {
	Policy     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by %s policy, retry after %s", e.Policy, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// InvalidSelectionf wraps ErrInvalidSelection with a caller-facing reason.
func InvalidSelectionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidSelection, format, args...)
}

// IsRetryable reports whether err is transient and may be retried with backoff.
// Inventory shortages, signature mismatches and duplicates are authoritative.
func IsRetryable(err error) bool {
	return errors.IsAny(err, ErrQueryTimeout, ErrConstraintViolation, ErrSerializationFailure)
}
