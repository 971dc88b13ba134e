package domain

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SelectionEntry is what the storefront sends for one ticket type. Price and fee are
// informational; checkout re-prices from stored ticket types.
type SelectionEntry struct {
	TicketTypeID uuid.UUID       `json:"ticket_type_id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Quantity     int             `json:"quantity"`
}

// Selection maps ticket type ids to entries in the order the buyer picked them.
type Selection []SelectionEntry

// UnmarshalJSON accepts either an array of entries or an object keyed by ticket type id.
// Object key order is preserved.
func (s *Selection) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var entries []SelectionEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return InvalidSelectionf("decode selection: %v", err)
		}
		*s = entries
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return InvalidSelectionf("decode selection: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return InvalidSelectionf("selection must be an object or an array")
	}

	var out Selection
	seen := make(map[uuid.UUID]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return InvalidSelectionf("decode selection: %v", err)
		}
		key, _ := tok.(string)
		id, err := uuid.Parse(key)
		if err != nil {
			return InvalidSelectionf("ticket type id %q: %v", key, err)
		}
		if _, dup := seen[id]; dup {
			return InvalidSelectionf("ticket type %s selected twice", id)
		}
		seen[id] = struct{}{}

		var entry SelectionEntry
		if err := dec.Decode(&entry); err != nil {
			return InvalidSelectionf("ticket type %s: %v", id, err)
		}
		entry.TicketTypeID = id
		out = append(out, entry)
	}
	if _, err := dec.Token(); err != nil {
		return InvalidSelectionf("decode selection: %v", err)
	}
	*s = out
	return nil
}

// Validate checks the shape of every entry before it reaches the core.
func (s Selection) Validate() error {
	for _, e := range s {
		if e.TicketTypeID == uuid.Nil {
			return InvalidSelectionf("missing ticket type id")
		}
		if e.Quantity < 0 {
			return InvalidSelectionf("ticket type %s: negative quantity %d", e.TicketTypeID, e.Quantity)
		}
		if e.Price.IsNegative() || e.Fee.IsNegative() {
			return InvalidSelectionf("ticket type %s: negative price or fee", e.TicketTypeID)
		}
	}
	return nil
}

// SelectionToLineItems drops entries with no quantity and keeps the rest in selection order.
func SelectionToLineItems(sel Selection) []LineItem {
	items := make([]LineItem, 0, len(sel))
	for _, e := range sel {
		if e.Quantity <= 0 {
			continue
		}
		items = append(items, LineItem{
			TicketTypeID: e.TicketTypeID,
			Quantity:     e.Quantity,
			UnitPrice:    e.Price,
			UnitFee:      e.Fee,
			DisplayName:  e.Name,
		})
	}
	return items
}

// ReservationRequests converts line items into reservation requests.
func ReservationRequests(items []LineItem) []ReservationRequest {
	reqs := make([]ReservationRequest, len(items))
	for i, item := range items {
		reqs[i] = ReservationRequest{TicketTypeID: item.TicketTypeID, Quantity: item.Quantity}
	}
	return reqs
}
