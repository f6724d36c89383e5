package httpapi

import (
	"fmt"
	"net/http"

	"bucketd/internal/keyvalue"
)

// StatusPolicy decides which HTTP status a bucket error becomes.
type StatusPolicy int

const (
	// Collapsed maps every bucket error to 500.
	Collapsed StatusPolicy = iota
	// Typed maps NoSuchStore to 404, AccessDenied to 403 and Other to 500.
	Typed
)

// ParseStatusPolicy accepts "collapsed" (or "") and "typed".
func ParseStatusPolicy(s string) (StatusPolicy, error) {
	switch s {
	case "", "collapsed":
		return Collapsed, nil
	case "typed":
		return Typed, nil
	}
	return Collapsed, fmt.Errorf("unknown error status policy %q", s)
}

func (p StatusPolicy) String() string {
	if p == Typed {
		return "typed"
	}
	return "collapsed"
}

// Status returns the response status for an error of kind k.
func (p StatusPolicy) Status(k keyvalue.Kind) int {
	if p == Typed {
		switch k {
		case keyvalue.KindNoSuchStore:
			return http.StatusNotFound
		case keyvalue.KindAccessDenied:
			return http.StatusForbidden
		}
	}
	return http.StatusInternalServerError
}
