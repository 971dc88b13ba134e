package checkout

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
)

// HandlePaymentMessage applies a queued payment confirmation. A duplicate delivery is
// acknowledged as done since the first delivery already settled the order.
func (s *Service) HandlePaymentMessage(ctx context.Context, body []byte) error {
	var c Confirmation
	if err := json.Unmarshal(body, &c); err != nil {
		return domain.InvalidSelectionf("malformed payment message: %v", err)
	}
	if c.OrderID == uuid.Nil || c.PaymentID == "" {
		return domain.InvalidSelectionf("payment message needs order_id and payment_id")
	}

	_, err := s.HandlePayment(ctx, c)
	if errors.Is(err, domain.ErrDuplicateConfirmation) {
		s.logger.WithFields(map[string]interface{}{
			"order_id":   c.OrderID,
			"payment_id": c.PaymentID,
		}).Info("duplicate payment message dropped")
		return nil
	}
	return err
}
