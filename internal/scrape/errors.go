package scrape

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// ErrTimeout indicates a timeout while talking to the collaborator.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the collaborator throttled the request (HTTP 429).
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrUnavailable indicates a 5xx answer from the collaborator.
type ErrUnavailable struct {
	Err error
}

func (e ErrUnavailable) Error() string {
	return fmt.Errorf("unavailable: %w", e.Err).Error()
}

func (e ErrUnavailable) Unwrap() error {
	return e.Err
}

// ErrRejected indicates the collaborator refused the request (4xx other than 429).
// Sending it again will not help.
type ErrRejected struct {
	StatusCode int
	Err        error
}

func (e ErrRejected) Error() string {
	return fmt.Errorf("rejected (%d): %w", e.StatusCode, e.Err).Error()
}

func (e ErrRejected) Unwrap() error {
	return e.Err
}

// ClassifyError wraps err (and/or a non-2xx status) in one of the typed errors above.
func ClassifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrUnavailable{Err: wrapped}
		case statusCode >= http.StatusBadRequest:
			return ErrRejected{StatusCode: statusCode, Err: wrapped}
		}
	}
	return err
}

// FailureKind maps a collaborator error onto the pipeline's failure taxonomy. Anything not
// known to be permanent is treated as transient.
func FailureKind(err error) constants.FailureKind {
	var rejected ErrRejected
	if errors.As(err, &rejected) {
		return constants.FailurePermanent
	}
	return constants.FailureTransient
}

// ErrorLabel returns a short metrics label for err.
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var unavailable ErrUnavailable
	if errors.As(err, &unavailable) {
		return "unavailable"
	}
	var rejected ErrRejected
	if errors.As(err, &rejected) {
		return "rejected"
	}
	return "other"
}
