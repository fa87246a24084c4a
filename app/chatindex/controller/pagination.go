package controller

import (
	"net/http"
	"strconv"
)

// maxLimit caps an explicit limit. Without one the whole sequence is returned.
const maxLimit = 100

type pageSpec struct {
	Limit           int
	Offset          int
	IncludePayments bool
}

func parsePageSpec(r *http.Request) (pageSpec, error) {
	qs := r.URL.Query()
	var limit int
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return pageSpec{}, errInvalidLimit
		}
		limit = min(n, maxLimit)
	}

	var offset int
	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pageSpec{}, errInvalidOffset
		}
		offset = n
	}

	// A bare ?withPayments turns payments on.
	var payments bool
	if vs, ok := qs["withPayments"]; ok {
		switch vs[0] {
		case "", "true", "1":
			payments = true
		case "false", "0":
		default:
			return pageSpec{}, errInvalidWithPayments
		}
	}

	return pageSpec{Limit: limit, Offset: offset, IncludePayments: payments}, nil
}

var (
	errInvalidLimit        = &parseError{msg: "invalid limit"}
	errInvalidOffset       = &parseError{msg: "invalid offset"}
	errInvalidWithPayments = &parseError{msg: "invalid withPayments, must be 'true' or 'false'"}
)

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
