package pagination

import (
	"net/http"
	"strconv"
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Params holds page-based pagination parameters.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Offset  int `json:"-"`
}

// DefaultParams returns the first page at the default size.
func DefaultParams() Params {
	return Params{Page: 1, PerPage: DefaultPerPage}
}

// New clamps page and perPage into range and derives the offset. Values
// below 1 fall back to the defaults. perPage above MaxPerPage is capped.
func New(page, perPage int) Params {
	if page < 1 {
		page = 1
	}
	switch {
	case perPage < 1:
		perPage = DefaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	return Params{Page: page, PerPage: perPage, Offset: (page - 1) * perPage}
}

// FromRequest reads the page and per_page query parameters. Unparseable
// values are treated as absent.
func FromRequest(r *http.Request) Params {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	return New(page, perPage)
}

// Limit is the page size as a SQL LIMIT.
func (p Params) Limit() int {
	return p.PerPage
}

// Result is one page of items plus the counts a client needs to navigate.
type Result[T any] struct {
	Items      []T  `json:"items"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewResult builds a Result. A nil items slice is rendered as [].
func NewResult[T any](items []T, totalCount int, params Params) Result[T] {
	if items == nil {
		items = []T{}
	}
	perPage := params.PerPage
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	totalPages := (totalCount + perPage - 1) / perPage

	return Result[T]{
		Items:      items,
		TotalCount: totalCount,
		Page:       params.Page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    params.Page < totalPages,
		HasPrev:    params.Page > 1,
	}
}
