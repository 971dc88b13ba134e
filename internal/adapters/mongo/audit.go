package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/robertarktes/ticket-issuance-engine/internal/rateLimit"
	"github.com/robertarktes/ticket-issuance-engine/internal/tickets"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger appends order transitions, door scans and rate limit violations to audit_logs.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	Subject   string    `bson:"subject"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) insert(ctx context.Context, action, subject string, at time.Time, data bson.M) error {
	entry := AuditLog{
		ID:        uuid.NewString(),
		Action:    action,
		Subject:   subject,
		Timestamp: at,
		Data:      data,
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if err != nil {
		a.logger.WithField("action", action).Error("failed to insert audit log: ", err)
		return err
	}
	return nil
}

func (a *AuditLogger) LogOrder(ctx context.Context, action string, order domain.Order) error {
	items := make([]bson.M, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, bson.M{
			"ticket_type_id": item.TicketTypeID.String(),
			"quantity":       item.Quantity,
			"unit_price":     item.UnitPrice.StringFixed(2),
		})
	}
	return a.insert(ctx, action, order.ID.String(), order.UpdatedAt, bson.M{
		"event_id":   order.EventID.String(),
		"status":     string(order.Status),
		"total":      order.Total.StringFixed(2),
		"payment_id": order.PaymentID,
		"items":      items,
	})
}

func (a *AuditLogger) LogScan(ctx context.Context, rec tickets.ScanRecord) error {
	return a.insert(ctx, "ticket.scan", rec.TicketID.String(), rec.At, bson.M{
		"event_id":  rec.EventID.String(),
		"outcome":   string(rec.Outcome),
		"gate":      rec.Meta.Gate,
		"device_id": rec.Meta.DeviceID,
		"ip":        rec.Meta.IP,
	})
}

// RecordViolation makes the audit log a rateLimit.ViolationSink.
func (a *AuditLogger) RecordViolation(ctx context.Context, v rateLimit.Violation) error {
	return a.insert(ctx, "rate_limit.violation", v.Key, v.At, bson.M{
		"policy":     v.Policy,
		"count":      v.Count,
		"ip":         v.Metadata.IP,
		"user_id":    v.Metadata.UserID,
		"endpoint":   v.Metadata.Endpoint,
		"user_agent": v.Metadata.UserAgent,
	})
}
