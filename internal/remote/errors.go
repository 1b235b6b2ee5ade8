package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized       = errors.New("remote: unauthorized")
	ErrNotFound           = errors.New("remote: not found")
	ErrConflict           = errors.New("remote: conflict")
	ErrCursorExpired      = errors.New("remote: delta cursor expired")
	ErrPreconditionFailed = errors.New("remote: precondition failed")
	ErrRateLimited        = errors.New("remote: rate limited")
	ErrTransient          = errors.New("remote: transient failure")
	ErrRequest            = errors.New("remote: request rejected")
)

// APIError is a non-2xx answer of the remote service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("remote api %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("remote api %d: %s", e.StatusCode, msg)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrCursorExpired
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	if e.StatusCode >= 500 {
		return ErrTransient
	}
	return ErrRequest
}

// graphError is the error envelope of the remote service.
type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// IsRetryableStatus reports whether status is worth another attempt.
// Status 0 stands for a transport failure.
func IsRetryableStatus(status int) bool {
	switch status {
	case 0, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
