package tickets

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

type Outcome string

const (
	OutcomeValid          Outcome = "valid"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeAlreadyScanned Outcome = "already_scanned"
	OutcomeVoided         Outcome = "voided"
	OutcomeExpired        Outcome = "expired"
)

type Store interface {
	TicketByToken(ctx context.Context, token string) (domain.Ticket, error)
	// MarkScanned moves an issued ticket to scanned; false means it was no longer issued.
	MarkScanned(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

type ScanMeta struct {
	Gate     string `json:"gate,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	IP       string `json:"-"`
}

type ScanRecord struct {
	TicketID uuid.UUID
	EventID  uuid.UUID
	Outcome  Outcome
	At       time.Time
	Meta     ScanMeta
}

type ScanAuditor interface {
	LogScan(ctx context.Context, rec ScanRecord) error
}

type ScanResult struct {
	Outcome   Outcome        `json:"outcome"`
	Ticket    *domain.Ticket `json:"ticket,omitempty"`
	ScannedAt time.Time      `json:"scanned_at"`
}

type Scanner struct {
	issuer  *Issuer
	store   Store
	logger  observability.Logger
	metrics *observability.Metrics
	audit   ScanAuditor
	now     func() time.Time
}

func NewScanner(issuer *Issuer, store Store, logger observability.Logger, metrics *observability.Metrics, audit ScanAuditor) *Scanner {
	return &Scanner{issuer: issuer, store: store, logger: logger, metrics: metrics, audit: audit, now: time.Now}
}

func (s *Scanner) SetClock(now func() time.Time) {
	s.now = now
}

// Scan admits a ticket at the door. Every rejection is reported as its own outcome; the
// error is only set when storage fails.
func (s *Scanner) Scan(ctx context.Context, token, signature string, meta ScanMeta) (ScanResult, error) {
	ctx, span := observability.Tracer("tickets").Start(ctx, "tickets.Scan")
	defer span.End()

	now := s.now()
	res, err := s.scan(ctx, token, signature, now)
	if err != nil {
		span.RecordError(err)
		return ScanResult{}, err
	}
	res.ScannedAt = now
	span.SetAttributes(attribute.String("scan.outcome", string(res.Outcome)))

	if s.metrics != nil {
		s.metrics.RecordScan(string(res.Outcome))
	}
	log := s.logger.WithFields(map[string]interface{}{"outcome": res.Outcome, "gate": meta.Gate})
	if res.Ticket != nil {
		log = log.WithField("ticket_id", res.Ticket.ID)
		if s.audit != nil {
			rec := ScanRecord{TicketID: res.Ticket.ID, EventID: res.Ticket.EventID, Outcome: res.Outcome, At: now, Meta: meta}
			if err := s.audit.LogScan(ctx, rec); err != nil {
				log.WithField("error", err.Error()).Warn("audit scan")
			}
		}
	}
	log.Info("ticket scanned")
	return res, nil
}

func (s *Scanner) scan(ctx context.Context, token, signature string, now time.Time) (ScanResult, error) {
	if err := s.issuer.Validate(token, signature); err != nil {
		return ScanResult{Outcome: OutcomeInvalid}, nil
	}

	t, err := s.store.TicketByToken(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return ScanResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return ScanResult{}, err
	}

	switch t.Status {
	case domain.TicketVoided:
		return ScanResult{Outcome: OutcomeVoided, Ticket: &t}, nil
	case domain.TicketScanned:
		return ScanResult{Outcome: OutcomeAlreadyScanned, Ticket: &t}, nil
	}
	if t.ExpiresAt != nil && now.After(*t.ExpiresAt) {
		return ScanResult{Outcome: OutcomeExpired, Ticket: &t}, nil
	}

	ok, err := s.store.MarkScanned(ctx, t.ID, now)
	if err != nil {
		return ScanResult{}, err
	}
	if !ok {
		// lost a race with another scan or a refund
		current, err := s.store.TicketByToken(ctx, token)
		if err != nil {
			return ScanResult{}, err
		}
		if current.Status == domain.TicketVoided {
			return ScanResult{Outcome: OutcomeVoided, Ticket: &current}, nil
		}
		return ScanResult{Outcome: OutcomeAlreadyScanned, Ticket: &current}, nil
	}
	t.Status = domain.TicketScanned
	t.ScannedAt = &now
	return ScanResult{Outcome: OutcomeValid, Ticket: &t}, nil
}
