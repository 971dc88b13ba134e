package crdb

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/ticket-issuance-engine/internal/outbox"
)

func (r *Repository) InsertOutbox(ctx context.Context, tx pgx.Tx, record outbox.Record) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload_json, created_at, status, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload, record.CreatedAt, outbox.StatusNew, record.DedupeKey)
	return err
}

// OutboxLease is how long a fetched record stays hidden from other publishers.
// A record whose publish failed becomes visible again once its lease runs out.
const OutboxLease = 30 * time.Second

// GetUnpublishedOutbox leases up to limit pending records, oldest first. Rows locked or
// leased by another publisher are skipped, so concurrent publishers get disjoint batches.
func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]outbox.Record, error) {
	now := time.Now().UTC()
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox SET lease_until = $4
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = $1 AND (lease_until IS NULL OR lease_until <= $3)
			ORDER BY created_at ASC LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_type, aggregate_id, event_type, payload_json, created_at, published_at, status, dedupe_key
	`, outbox.StatusNew, limit, now, now.Add(OutboxLease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		err := rows.Scan(&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status, &rec.DedupeKey)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, rec outbox.Record, publishedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox SET status = $2, published_at = $3 WHERE id = $1 AND status = $4
	`, rec.ID, outbox.StatusPublished, publishedAt, outbox.StatusNew)
	return err
}
