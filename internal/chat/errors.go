package chat

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("not a participant of this room")
	ErrNotFound         = errors.New("room not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrTransient        = errors.New("store unavailable")
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionClosed = errors.New("connection closed")
)

// StatusCode maps an error from this package onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Code is the short error code carried in acks and JSON error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	}
	return "internal"
}

// publicError hides internal detail from anything that is not part of the taxonomy.
func publicError(err error) string {
	switch Code(err) {
	case "internal":
		return "internal error"
	case "unavailable":
		return "store unavailable, try again"
	}
	return err.Error()
}
