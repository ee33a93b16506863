package errhandler

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType is the coarse class of a failure.
type ErrorType string

const (
	TypeInvalidRequest    ErrorType = "INVALID_REQUEST"
	TypeInvalidState      ErrorType = "INVALID_STATE"
	TypeRateLimitExceeded ErrorType = "RATE_LIMIT_EXCEEDED"
	TypeServerError       ErrorType = "SERVER_ERROR"
	TypeInvalidSession    ErrorType = "INVALID_SESSION"
	TypeUnknown           ErrorType = "UNKNOWN_ERROR"
)

// Error codes attached to classified errors. OAuth codes returned by the
// token endpoint are passed through unchanged.
const (
	CodeInvalidGrant        = "invalid_grant"
	CodeInvalidToken        = "invalid_token"
	CodeAccessDenied        = "access_denied"
	CodeTimeout             = "timeout"
	CodeNetworkError        = "network_error"
	CodeNotConfigured       = "not_configured"
	CodeDuplicateSubmission = "DUPLICATE_SUBMISSION"
	CodeCircuitOpen         = "circuit_open"
	CodeCanceled            = "canceled"
)

// RecoveryAction tells the caller what can be done about an error.
type RecoveryAction string

const (
	RecoveryRetry          RecoveryAction = "retry"
	RecoveryWaitAndRetry   RecoveryAction = "wait_and_retry"
	RecoveryReconnect      RecoveryAction = "reconnect"
	RecoveryRestartFlow    RecoveryAction = "restart_flow"
	RecoverySignIn         RecoveryAction = "sign_in"
	RecoveryContactSupport RecoveryAction = "contact_support"
)

var (
	// ErrNotConfigured means the authority credentials are missing. It is
	// fatal for the integration and never retried.
	ErrNotConfigured = errors.New("integration not configured")

	// ErrInvalidSession means the request carried no authenticated user.
	ErrInvalidSession = errors.New("invalid session")
)

// OAuthError is a classified failure. Message is for operators; end users
// get UserMessage().
type OAuthError struct {
	Type      ErrorType
	Code      string
	Message   string
	Status    int
	Retryable bool
	Recovery  RecoveryAction
	UserID    string
	RequestID string
	Context   map[string]any
	Timestamp time.Time
	Cause     error
}

func (e *OAuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *OAuthError) Unwrap() error {
	return e.Cause
}

// UserMessage returns the text that may be shown to the end user.
func (e *OAuthError) UserMessage() string {
	switch e.Code {
	case CodeInvalidGrant, CodeInvalidToken:
		return msgReconnect
	case CodeNotConfigured:
		return msgNotConfigured
	case CodeAccessDenied:
		return msgAccessDenied
	}
	return UserFriendlyMessage(e.Type)
}

// RetryAfter returns the server-advised wait, or zero.
func (e *OAuthError) RetryAfter() time.Duration {
	if d, ok := e.Context["retry_after"].(time.Duration); ok {
		return d
	}
	return 0
}

// HTTPError is a non-2xx response from the authority API.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Message    string
	Body       []byte
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authority %s returned %d %s: %s", e.Endpoint, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("authority %s returned %d", e.Endpoint, e.StatusCode)
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool {
	return classify(err).Retryable
}

// IsType reports whether err classifies as t.
func IsType(err error, t ErrorType) bool {
	return err != nil && classify(err).Type == t
}

const (
	msgInvalidRequest = "There was a problem with the request to HMRC. Please try again or contact support."
	msgInvalidState   = "Your connection attempt could not be verified. Please start connecting to HMRC again."
	msgRateLimited    = "Too many attempts. Please wait a moment and try again."
	msgServerError    = "HMRC service is experiencing technical difficulties. Please try again later."
	msgInvalidSession = "Your session has expired. Please sign in and try again."
	msgUnknown        = "An unexpected error occurred with the HMRC connection. Please try again or contact support."
	msgReconnect      = "Your authorization to access HMRC has expired or been revoked. Please reconnect to HMRC."
	msgNotConfigured  = "HMRC integration is not available at the moment. Please contact support."
	msgAccessDenied   = "Access to HMRC was denied. Please try connecting again."
)

// UserFriendlyMessage maps an error type to end-user text.
func UserFriendlyMessage(t ErrorType) string {
	switch t {
	case TypeInvalidRequest:
		return msgInvalidRequest
	case TypeInvalidState:
		return msgInvalidState
	case TypeRateLimitExceeded:
		return msgRateLimited
	case TypeServerError:
		return msgServerError
	case TypeInvalidSession:
		return msgInvalidSession
	default:
		return msgUnknown
	}
}
