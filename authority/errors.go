package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mtd-connect/errhandler"
)

var (
	// ErrRequestNotSent marks failures that happened before the request left
	// the process.
	ErrRequestNotSent = errors.New("request not sent to authority")

	// ErrCircuitOpen is returned while the breaker is open.
	ErrCircuitOpen = fmt.Errorf("authority circuit breaker open: %w", ErrRequestNotSent)

	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found at authority")
)

// ErrorBody is the authority's structured error document.
type ErrorBody struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// FieldError is one entry of ErrorBody.Errors.
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// IsNotSent reports whether err guarantees the authority never saw the request.
func IsNotSent(err error) bool {
	return errors.Is(err, ErrRequestNotSent)
}

// Rejection extracts the structured body of a 4xx business rejection. It
// reports false for transport errors, 401, 429 and 5xx.
func Rejection(err error) (*ErrorBody, bool) {
	var he *errhandler.HTTPError
	if !errors.As(err, &he) {
		return nil, false
	}
	if he.StatusCode < 400 || he.StatusCode >= 500 || he.StatusCode == http.StatusTooManyRequests || he.StatusCode == http.StatusUnauthorized {
		return nil, false
	}
	body := &ErrorBody{Code: he.Code, Message: he.Message}
	if len(he.Body) > 0 {
		_ = json.Unmarshal(he.Body, body)
	}
	return body, true
}

func circuitOpenError(endpoint string) error {
	return &errhandler.OAuthError{
		Type:      errhandler.TypeServerError,
		Code:      errhandler.CodeCircuitOpen,
		Message:   "authority temporarily unavailable",
		Status:    http.StatusServiceUnavailable,
		Retryable: true,
		Recovery:  errhandler.RecoveryWaitAndRetry,
		Context:   map[string]any{"endpoint": endpoint},
		Cause:     ErrCircuitOpen,
	}
}
