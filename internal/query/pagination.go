package query

import (
	"encoding/base64"

	"github.com/robertarktes/ticket-issuance-engine/internal/domain"
)

type Limits struct {
	DefaultSize int
	MaxSize     int
}

type OffsetPage struct {
	Page     int
	PageSize int
	Offset   int
}

// NewOffsetPage clamps page to >= 1 and size to [1, MaxSize]; a missing size takes the default.
func NewOffsetPage(page, size int, limits Limits) OffsetPage {
	if limits.MaxSize < 1 {
		limits.MaxSize = 100
	}
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = limits.DefaultSize
	}
	if size < 1 {
		size = 1
	}
	if size > limits.MaxSize {
		size = limits.MaxSize
	}
	return OffsetPage{Page: page, PageSize: size, Offset: (page - 1) * size}
}

type PageInfo struct {
	Page            int  `json:"page"`
	PageSize        int  `json:"page_size"`
	TotalItems      int  `json:"total_items"`
	TotalPages      int  `json:"total_pages"`
	HasNextPage     bool `json:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page"`
	StartIndex      int  `json:"start_index"`
	EndIndex        int  `json:"end_index"`
}

func (p OffsetPage) Info(totalItems int) PageInfo {
	info := PageInfo{
		Page:            p.Page,
		PageSize:        p.PageSize,
		TotalItems:      totalItems,
		TotalPages:      (totalItems + p.PageSize - 1) / p.PageSize,
		HasPreviousPage: p.Page > 1,
	}
	info.HasNextPage = p.Page < info.TotalPages
	if p.Offset < totalItems {
		info.StartIndex = p.Offset + 1
		info.EndIndex = p.Offset + p.PageSize
		if info.EndIndex > totalItems {
			info.EndIndex = totalItems
		}
	}
	return info
}

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "", Forward:
		return Forward, nil
	case Backward:
		return Backward, nil
	}
	return "", domain.InvalidSelectionf("unknown direction %q", s)
}

type CursorPage[T any] struct {
	Items          []T     `json:"items"`
	NextCursor     *string `json:"next_cursor"`
	PreviousCursor *string `json:"previous_cursor"`
	HasMore        bool    `json:"has_more"`
}

func EncodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func DecodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", domain.InvalidSelectionf("malformed cursor")
	}
	return string(raw), nil
}

// PaginateCursor shapes rows fetched with limit+1. Cursors follow fetch order; backward
// pages are reversed afterwards so they read in forward order.
func PaginateCursor[T any](rows []T, limit int, incoming string, dir Direction, idOf func(T) string) CursorPage[T] {
	if limit < 1 {
		limit = 1
	}
	page := CursorPage[T]{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
	}
	if page.HasMore && len(rows) > 0 {
		next := EncodeCursor(idOf(rows[len(rows)-1]))
		page.NextCursor = &next
	}
	if incoming != "" && len(rows) > 0 {
		prev := EncodeCursor(idOf(rows[0]))
		page.PreviousCursor = &prev
	}

	items := make([]T, len(rows))
	copy(items, rows)
	if dir == Backward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	page.Items = items
	return page
}
