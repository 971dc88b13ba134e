package crdb

import "context"

const Schema = `
CREATE TABLE IF NOT EXISTS ticket_types (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	name STRING NOT NULL,
	unit_price DECIMAL(12,2) NOT NULL DEFAULT 0,
	unit_fee DECIMAL(12,2) NOT NULL DEFAULT 0,
	total_inventory INT8 NULL,
	tickets_sold INT8 NOT NULL DEFAULT 0,
	CONSTRAINT ticket_types_sold_within_inventory CHECK (total_inventory IS NULL OR tickets_sold <= total_inventory),
	CONSTRAINT ticket_types_sold_non_negative CHECK (tickets_sold >= 0),
	INDEX ticket_types_event_idx (event_id)
);

CREATE TABLE IF NOT EXISTS orders (
	id UUID PRIMARY KEY,
	event_id UUID NOT NULL,
	purchaser_email STRING NOT NULL,
	purchaser_name STRING NOT NULL DEFAULT '',
	items JSONB NOT NULL,
	subtotal DECIMAL(12,2) NOT NULL,
	discount DECIMAL(12,2) NOT NULL DEFAULT 0,
	fees DECIMAL(12,2) NOT NULL,
	total DECIMAL(12,2) NOT NULL,
	promo_code STRING NOT NULL DEFAULT '',
	status STRING NOT NULL,
	payment_id STRING NULL,
	reservation_id UUID NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT orders_payment_id_key UNIQUE (payment_id),
	INDEX orders_status_created_idx (status, created_at),
	INDEX orders_event_created_idx (event_id, created_at)
);

CREATE TABLE IF NOT EXISTS tickets (
	id UUID PRIMARY KEY,
	order_id UUID NOT NULL REFERENCES orders (id),
	ticket_type_id UUID NOT NULL REFERENCES ticket_types (id),
	event_id UUID NOT NULL,
	token STRING NOT NULL,
	signature STRING NOT NULL,
	status STRING NOT NULL,
	human_id STRING NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	scanned_at TIMESTAMPTZ NULL,
	CONSTRAINT tickets_token_key UNIQUE (token),
	INDEX tickets_order_idx (order_id),
	INDEX tickets_event_idx (event_id, id)
);

CREATE TABLE IF NOT EXISTS outbox (
	id UUID PRIMARY KEY,
	aggregate_type STRING NOT NULL,
	aggregate_id UUID NOT NULL,
	event_type STRING NOT NULL,
	payload_json JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at TIMESTAMPTZ NULL,
	status STRING NOT NULL DEFAULT 'NEW',
	dedupe_key STRING NOT NULL,
	lease_until TIMESTAMPTZ NULL,
	INDEX outbox_status_created_idx (status, created_at)
);

ALTER TABLE outbox ADD COLUMN IF NOT EXISTS lease_until TIMESTAMPTZ NULL;
`

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}
