// Package pagination implements limit/offset windows for list endpoints.
package pagination

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a limit/offset window over a listing.
type Params struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset from the query string. Missing values take
// the defaults and limit is capped at MaxLimit. Malformed or negative values
// are an error.
func Parse(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Params{}, fmt.Errorf("limit must be a positive integer, got %q", raw)
		}
		p.Limit = n
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	if raw := c.QueryParam("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("offset must be a non-negative integer, got %q", raw)
		}
		p.Offset = n
	}
	return p, nil
}

func (p Params) next(total int) (Params, bool) {
	if p.Offset+p.Limit >= total {
		return p, false
	}
	return Params{Limit: p.Limit, Offset: p.Offset + p.Limit}, true
}

func (p Params) previous() (Params, bool) {
	if p.Offset == 0 {
		return p, false
	}
	prev := p.Offset - p.Limit
	if prev < 0 {
		prev = 0
	}
	return Params{Limit: p.Limit, Offset: prev}, true
}

// Response is the envelope of every list endpoint.
type Response struct {
	Data    interface{}       `json:"data"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	HasMore bool              `json:"has_more"`
	Links   map[string]string `json:"links,omitempty"`
}

func NewResponse(data interface{}, total int, p Params) *Response {
	_, more := p.next(total)
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: more,
	}
}

// WithLinks adds self, next and previous links relative to u. Query
// parameters other than limit and offset are carried over, so filters
// survive paging.
func (r *Response) WithLinks(u *url.URL) *Response {
	p := Params{Limit: r.Limit, Offset: r.Offset}
	r.Links = map[string]string{"self": pageURL(u, p)}
	if n, ok := p.next(r.Total); ok {
		r.Links["next"] = pageURL(u, n)
	}
	if prev, ok := p.previous(); ok {
		r.Links["previous"] = pageURL(u, prev)
	}
	return r
}

func pageURL(u *url.URL, p Params) string {
	q := u.Query()
	q.Set("limit", strconv.Itoa(p.Limit))
	q.Set("offset", strconv.Itoa(p.Offset))
	return u.Path + "?" + q.Encode()
}
