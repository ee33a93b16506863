package submission

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidTaxYear is returned for tax years not in YYYY-YY form.
	ErrInvalidTaxYear = errors.New("invalid tax year")

	// ErrCalculatorRequired is returned by New without a Calculator.
	ErrCalculatorRequired = errors.New("submission calculator is required")
)

// Business error codes.
const (
	CodeInvalidSubmissionType = "INVALID_SUBMISSION_TYPE"
	CodeInvalidTaxYear        = "INVALID_TAX_YEAR"
	CodeReasonRequired        = "AMENDMENT_REASON_REQUIRED"
	CodeNotAmendable          = "ORIGINAL_NOT_AMENDABLE"
	CodeAlreadyAmended        = "ORIGINAL_ALREADY_AMENDED"
	CodeDeadlinePassed        = "AMENDMENT_DEADLINE_PASSED"
	CodeNotRetryable          = "SUBMISSION_NOT_RETRYABLE"
	CodeRetryLimit            = "RETRY_LIMIT_EXCEEDED"
	CodeNothingToReconcile    = "NOTHING_TO_RECONCILE"
	CodeAmendmentInProgress   = "AMENDMENT_IN_PROGRESS"
	CodeInvalidIdempotencyKey = "INVALID_IDEMPOTENCY_KEY"
	CodeIdempotencyConflict   = "IDEMPOTENCY_KEY_CONFLICT"
)

// BusinessError is a precondition the caller violated. It is never
// retryable and maps to a 400-class response.
type BusinessError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus is the status a handler should answer with.
func (e *BusinessError) HTTPStatus() int {
	switch e.Code {
	case CodeAlreadyAmended, CodeAmendmentInProgress, CodeIdempotencyConflict:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

// AsBusinessError unwraps a *BusinessError from err.
func AsBusinessError(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

func businessError(code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}
