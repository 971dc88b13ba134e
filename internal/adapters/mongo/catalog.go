package mongo

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
	"github.com/robertarktes/ticket-issuance-engine/internal/observability"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type CatalogRepository struct {
	events *mongo.Collection
	promos *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		events: db.Collection("events"),
		promos: db.Collection("promos"),
		logger: logger,
	}
}

type EventDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Venue     string    `bson:"venue"`
	StartsAt  time.Time `bson:"starts_at"`
	EndsAt    time.Time `bson:"ends_at"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// PromoDoc is keyed by event and upper-cased code. Value is kept as a decimal string.
type PromoDoc struct {
	ID      string `bson:"_id"`
	EventID string `bson:"event_id"`
	Code    string `bson:"code"`
	Kind    string `bson:"kind"`
	Value   string `bson:"value"`
}

func promoID(eventID uuid.UUID, code string) string {
	return eventID.String() + "/" + strings.ToUpper(code)
}

func (c *CatalogRepository) Event(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var doc EventDoc
	err := c.events.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.Error("failed to get event", err)
		return domain.Event{}, err
	}
	return domain.Event{
		ID:       id,
		Name:     doc.Name,
		Venue:    doc.Venue,
		StartsAt: doc.StartsAt,
		EndsAt:   doc.EndsAt,
	}, nil
}

// CreateEvent upserts the event document.
func (c *CatalogRepository) CreateEvent(ctx context.Context, ev domain.Event) error {
	now := time.Now().UTC()
	doc := EventDoc{
		ID:        ev.ID.String(),
		Name:      ev.Name,
		Venue:     ev.Venue,
		StartsAt:  ev.StartsAt,
		EndsAt:    ev.EndsAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := c.events.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.Error("failed to create event", err)
		return err
	}
	return nil
}

func (c *CatalogRepository) Promo(ctx context.Context, eventID uuid.UUID, code string) (domain.Promo, error) {
	var doc PromoDoc
	err := c.promos.FindOne(ctx, bson.M{"_id": promoID(eventID, code)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Promo{}, errors.Wrapf(domain.ErrNotFound, "promo %s", code)
	}
	if err != nil {
		c.logger.Error("failed to get promo", err)
		return domain.Promo{}, err
	}
	value, err := decimal.NewFromString(doc.Value)
	if err != nil {
		return domain.Promo{}, errors.Wrapf(err, "promo %s value", doc.Code)
	}
	return domain.Promo{Code: doc.Code, Kind: domain.PromoKind(doc.Kind), Value: value}, nil
}

func (c *CatalogRepository) CreatePromo(ctx context.Context, eventID uuid.UUID, p domain.Promo) error {
	if err := p.Validate(); err != nil {
		return err
	}
	doc := PromoDoc{
		ID:      promoID(eventID, p.Code),
		EventID: eventID.String(),
		Code:    strings.ToUpper(p.Code),
		Kind:    string(p.Kind),
		Value:   p.Value.String(),
	}
	_, err := c.promos.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.Error("failed to create promo", err)
		return err
	}
	return nil
}
