package mtd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/mtd-connect/auth"
	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
	"github.com/giantswarm/mtd-connect/submission"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// IdempotencyKeyHeader carries a client-chosen submission id. A repeated
// submit or amend with the same key returns the stored submission.
const IdempotencyKeyHeader = "Idempotency-Key"

// Redirect parameters appended to Config.AppRedirectURL after the callback.
const (
	ParamConnected  = "hmrc_connected"
	ParamError      = "hmrc_error"
	ParamRequestID  = "request_id"
	ParamRetryAfter = "retry_after"
)

// Error codes for failures the service layer does not classify.
const (
	ErrorCodeUnauthorized      = "unauthorized"
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeNotFound          = "not_found"
	ErrorCodeNotConnected      = "hmrc_not_connected"
	ErrorCodeReconnectRequired = "hmrc_reconnect_required"
	ErrorCodeInternalError     = "internal_error"
)

const (
	msgNotConnected             = "Connect your HMRC account to continue."
	msgReconnectRequired        = "Your HMRC connection has expired. Please reconnect your HMRC account."
	msgSubmissionNotFound       = "Submission not found."
	msgNotFoundAtAuthority      = "HMRC has no record matching this request."
	msgMalformedBody            = "The request body could not be read."
	msgProviderDeniedConnection = "The HMRC connection was not completed."
)

// Handler is the HTTP surface of a Connector. The application's session
// middleware must run in front of it so Config.SessionUser can identify the
// user.
type Handler struct {
	connector *Connector
	logger    *slog.Logger
	tracer    trace.Tracer
	mux       *http.ServeMux
	handler   http.Handler
	now       func() time.Time
}

// NewHandler creates the handler and registers its routes.
func NewHandler(c *Connector) *Handler {
	h := &Handler{
		connector: c,
		logger:    c.logger,
		tracer:    instrumentation.TracerOrNoop(c.inst, "http"),
		mux:       http.NewServeMux(),
		now:       time.Now,
	}
	h.RegisterRoutes(h.mux)
	h.handler = security.RequestIDMiddleware(h.withClientIP(h.mux))
	return h
}

// RegisterRoutes registers every endpoint on mux under /hmrc/.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /hmrc/connect", h.ServeConnect)
	mux.HandleFunc("GET /hmrc/callback", h.ServeCallback)
	mux.HandleFunc("POST /hmrc/disconnect", h.ServeDisconnect)
	mux.HandleFunc("GET /hmrc/connection", h.ServeConnectionStatus)

	mux.HandleFunc("GET /hmrc/obligations", h.ServeObligations)
	mux.HandleFunc("GET /hmrc/calculations", h.ServeCalculation)
	mux.HandleFunc("POST /hmrc/calculations", h.ServeTriggerCalculation)
	mux.HandleFunc("GET /hmrc/returns", h.ServeReturns)
	mux.HandleFunc("GET /hmrc/amendment-deadline", h.ServeAmendmentDeadline)

	mux.HandleFunc("POST /hmrc/validate", h.ServeValidate)
	mux.HandleFunc("POST /hmrc/submissions", h.ServeSubmit)
	mux.HandleFunc("GET /hmrc/submissions/{id}", h.ServeSubmissionStatus)
	mux.HandleFunc("GET /hmrc/submissions/{id}/receipts", h.ServeReceipts)
	mux.HandleFunc("POST /hmrc/submissions/{id}/amend", h.ServeAmend)
	mux.HandleFunc("POST /hmrc/submissions/{id}/retry", h.ServeRetry)
	mux.HandleFunc("POST /hmrc/submissions/{id}/sync", h.ServeSync)
	mux.HandleFunc("GET /hmrc/submissions/{id}/reconcile", h.ServeReconcile)
}

// ServeHTTP assigns a request id and client IP, then dispatches.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) withClientIP(next http.Handler) http.Handler {
	rl := h.connector.config.RateLimit
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.GetClientIP(r, rl.TrustProxy, rl.TrustedProxyCount)
		next.ServeHTTP(w, r.WithContext(security.WithClientIP(r.Context(), ip)))
	})
}

func (h *Handler) sessionUser(r *http.Request) string {
	return h.connector.config.SessionUser(r)
}

// checkRateLimit applies the sliding window to the client IP for connect
// and callback requests.
func (h *Handler) checkRateLimit(ctx context.Context, endpoint, userID string) errhandler.RateLimitResult {
	ip := security.ClientIPFromContext(ctx)
	res := h.connector.errs.CheckRateLimit(endpoint + ":" + ip)
	if !res.Allowed {
		h.connector.auditor.LogRateLimitExceeded(ctx, ip, userID, res.RetryAfter)
		h.logger.Warn("Rate limit exceeded",
			"endpoint", endpoint,
			"ip", ip,
			"retry_after", res.RetryAfter)
	}
	return res
}

// ServeConnect starts a connection for the session user and redirects the
// browser to the authority's consent page.
func (h *Handler) ServeConnect(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.connect")
	defer span.End()
	security.SetSecurityHeaders(w, r)

	userID := h.sessionUser(r)
	if userID == "" {
		instrumentation.SetSpanError(span, "no session")
		h.writeError(w, r, http.StatusUnauthorized, &ErrorResponse{
			Error:            ErrorCodeUnauthorized,
			ErrorDescription: errhandler.UserFriendlyMessage(errhandler.TypeInvalidSession),
		})
		return
	}

	if rl := h.checkRateLimit(ctx, "connect", userID); !rl.Allowed {
		instrumentation.SetSpanError(span, "rate limited")
		h.redirectToApp(w, r, url.Values{
			ParamError:      {errhandler.UserFriendlyMessage(errhandler.TypeRateLimitExceeded)},
			ParamRetryAfter: {retryAfterSeconds(rl.RetryAfter)},
		})
		return
	}

	authURL, _, err := h.connector.auth.BuildAuthorizationURL(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.redirectError(w, r, err)
		return
	}

	instrumentation.SetSpanSuccess(span)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback completes the consent round trip and sends the browser back
// to the application with hmrc_connected or hmrc_error.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.callback")
	defer span.End()
	security.SetSecurityHeaders(w, r)

	userID := h.sessionUser(r)
	if rl := h.checkRateLimit(ctx, "callback", userID); !rl.Allowed {
		instrumentation.SetSpanError(span, "rate limited")
		h.redirectToApp(w, r, url.Values{
			ParamError:      {errhandler.UserFriendlyMessage(errhandler.TypeRateLimitExceeded)},
			ParamRetryAfter: {retryAfterSeconds(rl.RetryAfter)},
		})
		return
	}

	query := r.URL.Query()
	state := query.Get("state")
	code := query.Get("code")

	// Check for provider errors
	if errorParam := query.Get("error"); errorParam != "" {
		oe := h.connector.errs.Classify(&errhandler.OAuthError{
			Type:    errhandler.TypeInvalidRequest,
			Code:    errorParam,
			Message: util.SafeTruncate(query.Get("error_description"), 256),
			Status:  http.StatusBadRequest,
		}, h.errorContext(ctx, userID, "callback"))
		if oe.Message == "" {
			oe.Message = msgProviderDeniedConnection
		}
		h.connector.errs.LogError(ctx, oe)
		h.connector.inst.Metrics().RecordCallback(ctx, "provider_error")
		instrumentation.SetSpanError(span, errorParam)
		h.redirectError(w, r, oe)
		return
	}

	// A callback without state cannot be tied to a connect request.
	if state == "" {
		oe := h.connector.errs.Classify(&errhandler.OAuthError{
			Type:    errhandler.TypeInvalidState,
			Message: "state parameter is missing",
			Status:  http.StatusBadRequest,
		}, h.errorContext(ctx, userID, "callback"))
		h.connector.errs.LogError(ctx, oe)
		h.connector.inst.Metrics().RecordCallback(ctx, "invalid_state")
		instrumentation.SetSpanError(span, "missing state")
		h.redirectError(w, r, oe)
		return
	}
	if code == "" {
		oe := h.connector.errs.Classify(&errhandler.OAuthError{
			Type:    errhandler.TypeInvalidRequest,
			Message: "code is required",
			Status:  http.StatusBadRequest,
		}, h.errorContext(ctx, userID, "callback"))
		h.connector.errs.LogError(ctx, oe)
		h.connector.inst.Metrics().RecordCallback(ctx, "invalid_request")
		instrumentation.SetSpanError(span, "missing code")
		h.redirectError(w, r, oe)
		return
	}

	rec, err := h.connector.auth.HandleCallback(ctx, userID, code, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		h.redirectError(w, r, err)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.StringSlice(instrumentation.AttrScope, rec.Scope))
	instrumentation.SetSpanSuccess(span)
	h.redirectToApp(w, r, url.Values{ParamConnected: {"true"}})
}

// ServeDisconnect revokes and deletes the session user's connection.
func (h *Handler) ServeDisconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if err := h.connector.auth.Revoke(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, userID, "disconnect", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &ConnectionResponse{Connected: false})
}

// ServeConnectionStatus reports whether the session user is connected.
func (h *Handler) ServeConnectionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	st, err := h.connector.auth.ConnectionStatus(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, userID, "connection_status", err)
		return
	}
	resp := &ConnectionResponse{
		Connected:    st.Connected,
		Scope:        st.Scope,
		NeedsRefresh: st.NeedsRefresh,
	}
	if !st.ExpiresAt.IsZero() {
		resp.ExpiresAt = &st.ExpiresAt
	}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = &st.UpdatedAt
	}
	h.writeJSON(w, r, http.StatusOK, resp)
}

// ServeObligations answers GET /hmrc/obligations?taxYear=.
func (h *Handler) ServeObligations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.connector.submissions.GetObligations(r.Context(), userID, r.URL.Query().Get("taxYear"))
	if err != nil {
		h.writeServiceError(w, r, userID, "get_obligations", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, newObligationsResponse(res))
}

// ServeCalculation answers GET /hmrc/calculations?taxYear=[&calculationId=].
func (h *Handler) ServeCalculation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	res, err := h.connector.submissions.GetCalculation(r.Context(), userID, q.Get("taxYear"), q.Get("calculationId"))
	if err != nil {
		h.writeServiceError(w, r, userID, "get_calculation", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &CalculationResponse{
		Calculation: res.Calculation,
		Available:   res.Available,
		FromCache:   res.FromCache,
		Warning:     res.Warning,
	})
}

// ServeTriggerCalculation asks the authority for a new calculation.
func (h *Handler) ServeTriggerCalculation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req TriggerCalculationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	id, err := h.connector.submissions.TriggerCalculation(r.Context(), userID, req.TaxYear)
	if err != nil {
		h.writeServiceError(w, r, userID, "trigger_calculation", err)
		return
	}
	h.writeJSON(w, r, http.StatusAccepted, map[string]string{"calculationId": id})
}

// ServeReturns answers GET /hmrc/returns?taxYear=.
func (h *Handler) ServeReturns(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.connector.submissions.ListReturns(r.Context(), userID, r.URL.Query().Get("taxYear"))
	if err != nil {
		h.writeServiceError(w, r, userID, "list_returns", err)
		return
	}
	returns := res.Returns
	if returns == nil {
		returns = []authority.ReturnRecord{}
	}
	h.writeJSON(w, r, http.StatusOK, &ReturnsResponse{Returns: returns, FromCache: res.FromCache, Warning: res.Warning})
}

// ServeAmendmentDeadline answers GET /hmrc/amendment-deadline?taxYear=.
func (h *Handler) ServeAmendmentDeadline(w http.ResponseWriter, r *http.Request) {
	taxYear := r.URL.Query().Get("taxYear")
	deadline, err := h.connector.submissions.AmendmentDeadline(taxYear)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{
			Error:            submission.CodeInvalidTaxYear,
			ErrorDescription: err.Error(),
		})
		return
	}
	h.writeJSON(w, r, http.StatusOK, &DeadlineResponse{
		TaxYear:  taxYear,
		Deadline: deadline,
		Open:     !h.now().After(deadline),
	})
}

// ServeValidate runs validation without storing or sending anything.
func (h *Handler) ServeValidate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	var req SubmitRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	h.writeJSON(w, r, http.StatusOK, submission.Validate(req.SubmissionType, req.TaxYear, req.Payload))
}

// ServeSubmit files a new return.
func (h *Handler) ServeSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	res, err := h.connector.submissions.Submit(r.Context(), userID, submission.SubmitRequest{
		ID:             r.Header.Get(IdempotencyKeyHeader),
		TaxYear:        req.TaxYear,
		SubmissionType: req.SubmissionType,
		Payload:        req.Payload,
	})
	h.writeSubmitResult(w, r, userID, "submit", res, err)
}

// ServeAmend files an amendment of the submission in the path.
func (h *Handler) ServeAmend(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req AmendRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	res, err := h.connector.submissions.Amend(r.Context(), userID, r.PathValue("id"), submission.AmendRequest{
		ID:      r.Header.Get(IdempotencyKeyHeader),
		Payload: req.Payload,
		Reason:  req.Reason,
	})
	h.writeSubmitResult(w, r, userID, "amend", res, err)
}

// ServeRetry resubmits a failed submission.
func (h *Handler) ServeRetry(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.connector.submissions.RetrySubmission(r.Context(), userID, r.PathValue("id"))
	h.writeSubmitResult(w, r, userID, "retry", res, err)
}

// ServeSync refreshes a submission's status from the authority.
func (h *Handler) ServeSync(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.connector.submissions.SyncStatus(r.Context(), userID, r.PathValue("id"))
	h.writeSubmitResult(w, r, userID, "sync", res, err)
}

// ServeSubmissionStatus returns the status history.
func (h *Handler) ServeSubmissionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	events, err := h.connector.submissions.GetStatus(r.Context(), id, userID)
	if err != nil {
		h.writeServiceError(w, r, userID, "get_status", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &StatusResponse{SubmissionID: id, Events: events})
}

// ServeReceipts returns the stored authority receipts.
func (h *Handler) ServeReceipts(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	receipts, err := h.connector.submissions.GetReceipts(r.Context(), id, userID)
	if err != nil {
		h.writeServiceError(w, r, userID, "get_receipts", err)
		return
	}
	if receipts == nil {
		receipts = []*storage.Receipt{}
	}
	h.writeJSON(w, r, http.StatusOK, &ReceiptsResponse{SubmissionID: id, Receipts: receipts})
}

// ServeReconcile compares the submission's liability with the authority's
// calculation.
func (h *Handler) ServeReconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.connector.submissions.ReconcileCalculation(r.Context(), userID, r.PathValue("id"), r.URL.Query().Get("calculationId"))
	if err != nil {
		h.writeServiceError(w, r, userID, "reconcile", err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, newReconcileResponse(res))
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.sessionUser(r)
	if userID == "" {
		h.writeError(w, r, http.StatusUnauthorized, &ErrorResponse{
			Error:            ErrorCodeUnauthorized,
			ErrorDescription: errhandler.UserFriendlyMessage(errhandler.TypeInvalidSession),
			Recovery:         string(errhandler.RecoverySignIn),
		})
		return "", false
	}
	return userID, true
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.logger.Debug("Rejected request body", "path", r.URL.Path, "error", err)
		h.writeError(w, r, http.StatusBadRequest, &ErrorResponse{
			Error:            ErrorCodeInvalidRequest,
			ErrorDescription: msgMalformedBody,
		})
		return false
	}
	return true
}

// outcomeStatus maps a business outcome to the response status.
func outcomeStatus(o submission.Outcome) int {
	switch o {
	case submission.OutcomeSubmitted, submission.OutcomeAccepted:
		return http.StatusOK
	case submission.OutcomeUnconfirmed:
		return http.StatusAccepted
	case submission.OutcomeInvalid, submission.OutcomeRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) writeSubmitResult(w http.ResponseWriter, r *http.Request, userID, op string, res *submission.SubmitResult, err error) {
	if err != nil {
		h.writeServiceError(w, r, userID, op, err)
		return
	}
	resp := &SubmissionResponse{
		Outcome:    res.Outcome,
		Submission: res.Submission,
		Validation: res.Validation,
		Rejection:  res.Rejection,
		RequestID:  res.RequestID,
	}
	status := outcomeStatus(res.Outcome)
	if res.Error != nil {
		resp.Error = errorResponse(res.Error)
		if ce := connectionError(res.Error); ce != nil {
			resp.Error = ce
			status = http.StatusConflict
		}
	}
	if resp.RequestID == "" {
		resp.RequestID = security.GetRequestID(r.Context())
	}
	h.writeJSON(w, r, status, resp)
}

// writeServiceError maps err from a component to a JSON error. Errors the
// components already classified are not logged again.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, userID, op string, err error) {
	ctx := r.Context()

	if be, ok := submission.AsBusinessError(err); ok {
		h.writeError(w, r, be.HTTPStatus(), &ErrorResponse{
			Error:            be.Code,
			ErrorDescription: be.Message,
			Details:          be.Details,
		})
		return
	}

	switch {
	case errors.Is(err, storage.ErrSubmissionNotFound):
		h.writeError(w, r, http.StatusNotFound, &ErrorResponse{Error: ErrorCodeNotFound, ErrorDescription: msgSubmissionNotFound})
		return
	case errors.Is(err, authority.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, &ErrorResponse{Error: ErrorCodeNotFound, ErrorDescription: msgNotFoundAtAuthority})
		return
	}
	if resp := connectionError(err); resp != nil {
		h.writeError(w, r, http.StatusConflict, resp)
		return
	}

	var oe *errhandler.OAuthError
	if !errors.As(err, &oe) {
		oe = h.connector.errs.Classify(err, h.errorContext(ctx, userID, op))
		h.connector.errs.LogError(ctx, oe)
	}
	h.writeError(w, r, statusFor(oe), errorResponse(oe))
}

// connectionError describes a missing or unusable connection, or returns nil.
func connectionError(err error) *ErrorResponse {
	switch {
	case errors.Is(err, auth.ErrNotConnected):
		return &ErrorResponse{
			Error:            ErrorCodeNotConnected,
			ErrorDescription: msgNotConnected,
			Recovery:         string(errhandler.RecoveryReconnect),
		}
	case errors.Is(err, auth.ErrReconnectRequired):
		return &ErrorResponse{
			Error:            ErrorCodeReconnectRequired,
			ErrorDescription: msgReconnectRequired,
			Recovery:         string(errhandler.RecoveryReconnect),
		}
	}
	return nil
}

func (h *Handler) errorContext(ctx context.Context, userID, op string) errhandler.ErrorContext {
	return errhandler.ErrorContext{
		UserID:    userID,
		RequestID: security.GetRequestID(ctx),
		Operation: op,
		IPAddress: security.ClientIPFromContext(ctx),
	}
}

func statusFor(oe *errhandler.OAuthError) int {
	if oe.Status >= 400 {
		return oe.Status
	}
	switch oe.Type {
	case errhandler.TypeInvalidSession:
		return http.StatusUnauthorized
	case errhandler.TypeRateLimitExceeded:
		return http.StatusTooManyRequests
	case errhandler.TypeInvalidRequest, errhandler.TypeInvalidState:
		return http.StatusBadRequest
	case errhandler.TypeServerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(oe *errhandler.OAuthError) *ErrorResponse {
	code := oe.Code
	if code == "" {
		code = strings.ToLower(string(oe.Type))
	}
	return &ErrorResponse{
		Error:            code,
		ErrorDescription: oe.UserMessage(),
		Retryable:        oe.Retryable,
		Recovery:         string(oe.Recovery),
		RetryAfter:       int(math.Ceil(oe.RetryAfter().Seconds())),
		RequestID:        oe.RequestID,
	}
}

// writeError writes a JSON error with security headers.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, resp *ErrorResponse) {
	if resp.RequestID == "" {
		resp.RequestID = security.GetRequestID(r.Context())
	}
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(time.Duration(resp.RetryAfter)*time.Second))
	}
	h.writeJSON(w, r, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	security.SetSecurityHeaders(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", "path", r.URL.Path, "error", err)
	}
}

// redirectError sends the browser back to the application with the
// user-safe message for err.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, err error) {
	var oe *errhandler.OAuthError
	if !errors.As(err, &oe) {
		oe = h.connector.errs.Classify(err, h.errorContext(r.Context(), h.sessionUser(r), "callback"))
		h.connector.errs.LogError(r.Context(), oe)
	}
	params := url.Values{ParamError: {oe.UserMessage()}}
	if d := oe.RetryAfter(); d > 0 {
		params.Set(ParamRetryAfter, retryAfterSeconds(d))
	}
	h.redirectToApp(w, r, params)
}

// redirectToApp redirects to Config.AppRedirectURL with params and the
// request id merged into its query.
func (h *Handler) redirectToApp(w http.ResponseWriter, r *http.Request, params url.Values) {
	target, err := url.Parse(h.connector.config.AppRedirectURL)
	if err != nil {
		// Validate rejects unparsable URLs; this is unreachable in practice.
		h.writeError(w, r, http.StatusInternalServerError, &ErrorResponse{Error: ErrorCodeInternalError})
		return
	}
	q := target.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set(ParamRequestID, security.GetRequestID(r.Context()))
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
