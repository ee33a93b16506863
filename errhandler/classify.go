package errhandler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/security"
)

// maxLoggedBody bounds how much of an authority body is kept in Context.
const maxLoggedBody = 2048

// ErrorContext carries request metadata into classification.
type ErrorContext struct {
	UserID    string
	RequestID string
	Operation string
	IPAddress string
	Extra     map[string]any
}

// classify maps err to an OAuthError without request metadata.
func classify(err error) *OAuthError {
	if err == nil {
		return nil
	}

	var oe *OAuthError
	if errors.As(err, &oe) {
		cp := *oe
		cp.Context = copyContext(oe.Context)
		return &cp
	}

	out := &OAuthError{Cause: err, Context: map[string]any{}}

	var re *oauth2.RetrieveError
	var he *HTTPError
	var ne net.Error
	var ue *url.Error

	switch {
	case errors.Is(err, ErrNotConfigured):
		out.Type = TypeUnknown
		out.Code = CodeNotConfigured
		out.Message = ErrNotConfigured.Error()
		out.Status = http.StatusServiceUnavailable

	case security.IsStateError(err):
		out.Type = TypeInvalidState
		out.Message = err.Error()
		out.Status = http.StatusBadRequest

	case errors.Is(err, ErrInvalidSession):
		out.Type = TypeInvalidSession
		out.Message = err.Error()
		out.Status = http.StatusUnauthorized

	case errors.As(err, &re):
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		out.Code = re.ErrorCode
		out.Message = re.ErrorDescription
		if out.Message == "" {
			out.Message = "token endpoint request failed"
		}
		applyStatus(out, status)
		if len(re.Body) > 0 {
			out.Context["authority_body"] = util.SafeTruncate(string(re.Body), maxLoggedBody)
		}

	case errors.As(err, &he):
		out.Code = he.Code
		out.Message = he.Message
		if out.Message == "" {
			out.Message = http.StatusText(he.StatusCode)
		}
		applyStatus(out, he.StatusCode)
		if he.Endpoint != "" {
			out.Context["endpoint"] = he.Endpoint
		}
		if he.RetryAfter > 0 {
			out.Context["retry_after"] = he.RetryAfter
		}
		if len(he.Body) > 0 {
			out.Context["authority_body"] = util.SafeTruncate(string(he.Body), maxLoggedBody)
		}

	case errors.Is(err, context.DeadlineExceeded):
		out.Type = TypeServerError
		out.Code = CodeTimeout
		out.Message = "request timed out"
		out.Status = http.StatusGatewayTimeout
		out.Retryable = true

	case errors.Is(err, context.Canceled):
		out.Type = TypeUnknown
		out.Code = CodeCanceled
		out.Message = "request canceled"

	case errors.As(err, &ne):
		out.Type = TypeServerError
		out.Code = CodeNetworkError
		if ne.Timeout() {
			out.Code = CodeTimeout
		}
		out.Message = err.Error()
		out.Status = http.StatusBadGateway
		out.Retryable = true

	case errors.As(err, &ue):
		// url.Error without a net.Error inside, e.g. a refused dial on some platforms
		out.Type = TypeServerError
		out.Code = CodeNetworkError
		out.Message = err.Error()
		out.Status = http.StatusBadGateway
		out.Retryable = true

	default:
		out.Type = TypeUnknown
		out.Message = err.Error()
		out.Status = http.StatusInternalServerError
	}

	out.Recovery = recoveryFor(out)
	return out
}

// applyStatus maps an HTTP status to a type. Only 5xx is retryable.
func applyStatus(e *OAuthError, status int) {
	e.Status = status
	switch {
	case status == http.StatusTooManyRequests:
		e.Type = TypeRateLimitExceeded
	case status >= 500:
		e.Type = TypeServerError
		e.Retryable = true
	case status >= 400:
		e.Type = TypeInvalidRequest
	default:
		e.Type = TypeUnknown
	}
}

func recoveryFor(e *OAuthError) RecoveryAction {
	switch e.Code {
	case CodeInvalidGrant, CodeInvalidToken:
		return RecoveryReconnect
	case CodeNotConfigured:
		return RecoveryContactSupport
	}
	switch e.Type {
	case TypeServerError, TypeRateLimitExceeded:
		return RecoveryWaitAndRetry
	case TypeInvalidState:
		return RecoveryRestartFlow
	case TypeInvalidSession:
		return RecoverySignIn
	case TypeInvalidRequest:
		if e.Status == http.StatusUnauthorized {
			return RecoveryReconnect
		}
		return RecoveryContactSupport
	}
	return RecoveryRetry
}

func copyContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// withMetadata fills request metadata that is not already set.
func withMetadata(e *OAuthError, ec ErrorContext, now time.Time) *OAuthError {
	if e.UserID == "" {
		e.UserID = ec.UserID
	}
	if e.RequestID == "" {
		e.RequestID = ec.RequestID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	if ec.Operation != "" {
		e.Context["operation"] = ec.Operation
	}
	if ec.IPAddress != "" {
		e.Context["ip_address"] = ec.IPAddress
	}
	for k, v := range ec.Extra {
		e.Context[k] = v
	}
	return e
}
