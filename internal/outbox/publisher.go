package outbox

import (
	"context"
	"time"

	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
)

type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, rec Record, publishedAt time.Time) error
}

type Sink interface {
	Publish(ctx context.Context, rec Record) error
}

type Publisher struct {
	source   Source
	sink     Sink
	logger   observability.Logger
	metrics  *observability.Metrics
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		source:   source,
		sink:     sink,
		logger:   logger,
		metrics:  metrics,
		interval: 5 * time.Second,
		batch:    10,
		now:      time.Now,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.PublishBatch(ctx); err != nil {
				p.logger.WithField("error", err.Error()).Error("outbox batch failed")
			}
		}
	}
}

// PublishBatch publishes one batch of pending records and returns how many were published.
// A record that fails to publish stays pending for the next batch.
func (p *Publisher) PublishBatch(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	now := p.now()
	for i, rec := range records {
		if i == 0 && p.metrics != nil {
			p.metrics.SetOutboxLag(now.Sub(rec.CreatedAt))
		}
		log := p.logger.WithFields(map[string]interface{}{
			"outbox_id":  rec.ID,
			"event_type": rec.EventType,
		})
		if err := p.sink.Publish(ctx, rec); err != nil {
			log.WithField("error", err.Error()).Warn("publish outbox record")
			p.record(rec, false)
			continue
		}
		if err := p.source.MarkPublished(ctx, rec, p.now()); err != nil {
			log.WithField("error", err.Error()).Error("mark outbox record published")
			continue
		}
		p.record(rec, true)
		published++
	}
	return published, nil
}

func (p *Publisher) record(rec Record, ok bool) {
	if p.metrics == nil {
		return
	}
	if !ok {
		p.metrics.RecordPublishFailure()
	}
	// order.paid is the hand-off to ticket delivery
	if rec.EventType == EventOrderPaid {
		p.metrics.RecordEmail(ok)
	}
}
