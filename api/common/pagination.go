package common

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	FromKey  = "from"
	LimitKey = "limit"

	DefaultLimit = uint64(20)
	DefaultFrom  = uint64(0)

	MaximumLimit = uint64(100)
)

// Pagination is a page of a feed, counted from its top.
type Pagination struct {
	From  uint64
	Limit uint64
}

// NewPagination extracts pagination parameters from an http request.
// Limits above maxLimit are clamped; a zero maxLimit means MaximumLimit.
func NewPagination(r *http.Request, maxLimit uint64) (Pagination, error) {
	if maxLimit == 0 {
		maxLimit = MaximumLimit
	}
	values := r.URL.Query()

	p := Pagination{From: DefaultFrom, Limit: DefaultLimit}
	if v := values.Get(LimitKey); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil || limit == 0 {
			return p, fmt.Errorf("%w: limit must be a positive integer", ErrBadRequest)
		}
		p.Limit = limit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if v := values.Get(FromKey); v != "" {
		from, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, fmt.Errorf("%w: from must be a non-negative integer", ErrBadRequest)
		}
		p.From = from
	}
	return p, nil
}
