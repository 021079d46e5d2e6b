// Package pagination parses limit/offset query parameters and wraps list
// results in a paged envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset, clamping limit to [1, MaxLimit].
// Malformed values fall back to the defaults.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

// Page is the list response envelope.
type Page[T any] struct {
	Data    []T  `json:"data"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResponse builds a page. A nil slice is encoded as an empty array.
func NewResponse[T any](items []T, total, limit, offset int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	return &Page[T]{
		Data:    items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}
}
