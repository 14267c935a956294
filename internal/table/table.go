// Package table filters, sorts and pages an already-fetched slice.
//
// It backs the device list of the local API: the registry is small and
// fully in memory, so every query runs over a copy of the whole slice.
package table

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Page size bounds.
const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// ErrUnknownColumn is returned when a sort key names no column.
var ErrUnknownColumn = errors.New("table: unknown sort column")

// Compare orders two rows. It returns a negative number when a sorts
// before b, zero when they are equal and a positive number otherwise.
type Compare[T any] func(a, b T) int

// Query describes one view over the rows.
type Query[T any] struct {
	// Filter keeps rows for which it returns true. Nil keeps all rows.
	Filter func(T) bool

	// Sort orders the rows. Nil keeps the input order.
	Sort Compare[T]
	Desc bool

	// Page is 1-based. Values below 1 select the first page.
	Page     int
	PageSize int
}

// Page is one page of query results.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
	Pages    int `json:"pages"`
}

// Apply runs q over rows. rows is not modified. Sorting is stable, so rows
// that compare equal keep their input order in both directions.
func Apply[T any](rows []T, q Query[T]) Page[T] {
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		if q.Filter == nil || q.Filter(r) {
			out = append(out, r)
		}
	}

	if q.Sort != nil {
		cmp := q.Sort
		if q.Desc {
			cmp = func(a, b T) int { return q.Sort(b, a) }
		}
		slices.SortStableFunc(out, cmp)
	}

	size := q.PageSize
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	page := max(q.Page, 1)

	total := len(out)
	pages := (total + size - 1) / size

	// A page past the end is empty.
	start := total
	if page <= pages {
		start = (page - 1) * size
	}
	end := min(start+size, total)

	return Page[T]{
		Items:    out[start:end:end],
		Total:    total,
		Page:     page,
		PageSize: size,
		Pages:    pages,
	}
}

// Columns maps sort keys to comparators.
type Columns[T any] map[string]Compare[T]

// Sort resolves a sort expression such as "name" or "-name". A leading
// "-" requests descending order. An empty key returns a nil comparator.
func (c Columns[T]) Sort(expr string) (cmp Compare[T], desc bool, err error) {
	key, desc := strings.CutPrefix(strings.TrimSpace(expr), "-")
	if key == "" {
		return nil, false, nil
	}
	cmp, ok := c[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownColumn, key)
	}
	return cmp, desc, nil
}

// MatchText reports whether any field contains query, ignoring case.
// An empty query matches everything.
func MatchText(query string, fields ...string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}
