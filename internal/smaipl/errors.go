package smaipl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// StatusError is returned for non-2xx responses. Body holds the whole
// response body (up to the read cap); Error shows only its head.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("smaipl non-success status=%d body=%s", e.Code, truncate(e.Body, 400))
}

// IsTransient reports whether err is worth retrying: timeouts, transport
// failures, 5xx and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsRejection reports whether the backend refused the request (4xx other
// than 429). Rejections are never retried.
func IsRejection(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// Classify maps an error to a short class name used in logs and events.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsRejection(err):
		return "backend_rejection"
	case IsTransient(err):
		return "backend_transient"
	default:
		return "backend_error"
	}
}
