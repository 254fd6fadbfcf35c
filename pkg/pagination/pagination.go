// Package pagination extracts limit/offset windows from list requests and
// shapes the paged response envelope.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds the window extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads the limit and offset query parameters, clamped to
// sane bounds.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Window clips the half-open index range [start, end) of the current page
// against a list of n items.
func (p Params) Window(n int) (start, end int) {
	start = p.Offset
	if start > n {
		start = n
	}
	end = start + p.Limit
	if end > n {
		end = n
	}
	return start, end
}

// HasMore reports whether results exist past the current page.
func (p Params) HasMore(total int) bool {
	return p.Offset+p.Limit < total
}
