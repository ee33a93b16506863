package mtd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mtd-connect/authority"
	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/internal/testutil"
	"github.com/giantswarm/mtd-connect/providers/mock"
	"github.com/giantswarm/mtd-connect/security"
	"github.com/giantswarm/mtd-connect/storage"
	"github.com/giantswarm/mtd-connect/storage/memory"
	storagemock "github.com/giantswarm/mtd-connect/storage/mock"
	"github.com/giantswarm/mtd-connect/submission"
)

const (
	testUser   = "user-1"
	userHeader = "X-Test-User"
)

// flatCalculator charges 20% on profit after expenses.
func flatCalculator(in submission.CalculationInput) (submission.CalculationOutput, error) {
	profit := in.Income.Sub(in.Expenses)
	if profit.IsNegative() {
		profit = decimal.Zero
	}
	tax := profit.Mul(decimal.RequireFromString("0.2"))
	out := submission.CalculationOutput{
		TotalIncome:       in.Income,
		AllowableExpenses: in.Expenses,
		TaxableProfit:     profit,
		TotalTaxDue:       tax,
	}
	if in.SubmissionType == storage.SubmissionTypeCompany {
		out.CorporationTax = tax
	} else {
		out.IncomeTax = tax
	}
	return out, nil
}

var errUnexpected = errors.New("unexpected authority call")

// fakeAuthority answers the API calls the handler tests make.
type fakeAuthority struct {
	mu          sync.Mutex
	obligations func() (*authority.ObligationsResponse, error)
	submits     int
}

var _ submission.Authority = (*fakeAuthority)(nil)

func (f *fakeAuthority) GetObligations(context.Context, authority.Caller, string) (*authority.ObligationsResponse, error) {
	if f.obligations == nil {
		return nil, errUnexpected
	}
	return f.obligations()
}

func (f *fakeAuthority) ListCalculations(context.Context, authority.Caller, string) (*authority.CalculationsResponse, error) {
	return nil, errUnexpected
}

func (f *fakeAuthority) GetCalculation(context.Context, authority.Caller, string) (*authority.Calculation, error) {
	return nil, errUnexpected
}

func (f *fakeAuthority) TriggerCalculation(context.Context, authority.Caller, string) (*authority.TriggerCalculationResponse, error) {
	return &authority.TriggerCalculationResponse{CalculationID: "calc-1"}, nil
}

func (f *fakeAuthority) ListReturns(context.Context, authority.Caller, string) (*authority.ReturnsResponse, error) {
	return nil, errUnexpected
}

func (f *fakeAuthority) FindReturnByIdempotencyKey(context.Context, authority.Caller, string) (*authority.ReturnRecord, error) {
	return nil, authority.ErrNotFound
}

func (f *fakeAuthority) GetReturn(context.Context, authority.Caller, string) (*authority.ReturnRecord, error) {
	return nil, errUnexpected
}

func (f *fakeAuthority) SubmitReturn(_ context.Context, _ authority.Caller, _ string, _ *authority.ReturnPayload) (*authority.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return &authority.SubmitResponse{Reference: "REF-1", Receipt: json.RawMessage(`{"reference":"REF-1"}`)}, nil
}

func (f *fakeAuthority) AmendReturn(_ context.Context, _ authority.Caller, reference, _ string, _ *authority.AmendmentPayload) (*authority.SubmitResponse, error) {
	return &authority.SubmitResponse{Reference: reference + "-A"}, nil
}

type testEnv struct {
	connector *Connector
	handler   *Handler
	provider  *mock.MockProvider
	authority *fakeAuthority
	store     *memory.Store
}

func setupTestHandler(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)
	store.SetEncryptor(testutil.NewTestEncryptor(t))

	env := &testEnv{
		provider:  mock.NewMockProvider(),
		authority: &fakeAuthority{},
		store:     store,
	}

	config := validConfig()
	config.Logger = testutil.DiscardLogger()
	config.Provider = env.provider
	config.AuthorityClient = env.authority
	config.Storage.Stores = &Stores{Tokens: store, AuthStates: store, Submissions: store}
	config.SessionUser = func(r *http.Request) string { return r.Header.Get(userHeader) }
	for _, m := range mutate {
		m(&config)
	}

	c, err := New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	env.connector = c
	env.handler = NewHandler(c)
	return env
}

func (e *testEnv) do(method, target, user, body string) *response {
	req := testutil.NewHTTPRequest(method, target)
	if user != "" {
		req = req.WithHeader(userHeader, user)
	}
	if body != "" {
		req = req.WithHeader("Content-Type", "application/json").WithBody(body)
	}
	rr := req.Do(e.handler)
	return &response{Code: rr.Code, Header: rr.Header(), Body: rr.Body.Bytes()}
}

type response struct {
	Code   int
	Header http.Header
	Body   []byte
}

func (r *response) location(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(r.Header.Get("Location"))
	require.NoError(t, err)
	return u
}

// connect runs the consent round trip for user and returns the state.
func (e *testEnv) connect(t *testing.T, user string) string {
	t.Helper()
	resp := e.do(http.MethodGet, "/hmrc/connect", user, "")
	require.Equal(t, http.StatusFound, resp.Code)
	state := resp.location(t).Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

func TestHandler_ConnectRedirectsToAuthority(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodGet, "/hmrc/connect", testUser, "")

	if resp.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", resp.Code, http.StatusFound)
	}
	loc := resp.location(t)
	assert.Equal(t, "mock.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("state"))
	assert.NotEmpty(t, loc.Query().Get("code_challenge"), "PKCE challenge is sent")
	assert.NotEmpty(t, resp.Header.Get(security.RequestIDHeader))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestHandler_ConnectRequiresSession(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodGet, "/hmrc/connect", "", "")

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", resp.Code, http.StatusUnauthorized)
	}
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body, &errResp))
	assert.Equal(t, ErrorCodeUnauthorized, errResp.Error)
	assert.Equal(t, resp.Header.Get(security.RequestIDHeader), errResp.RequestID)
	assert.Equal(t, 0, env.provider.CallCount("AuthorizationURL"))
}

func TestHandler_CallbackConnects(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)

	resp := env.do(http.MethodGet, "/hmrc/callback?code=auth-code&state="+url.QueryEscape(state), testUser, "")

	require.Equal(t, http.StatusFound, resp.Code)
	loc := resp.location(t)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "/settings", loc.Path)
	assert.Equal(t, "true", loc.Query().Get(ParamConnected))
	assert.Empty(t, loc.Query().Get(ParamError))
	assert.Equal(t, resp.Header.Get(security.RequestIDHeader), loc.Query().Get(ParamRequestID))

	status := env.do(http.MethodGet, "/hmrc/connection", testUser, "")
	require.Equal(t, http.StatusOK, status.Code)
	var conn ConnectionResponse
	require.NoError(t, json.Unmarshal(status.Body, &conn))
	assert.True(t, conn.Connected)
	assert.NotNil(t, conn.ExpiresAt)
	assert.Equal(t, env.provider.ScopeList, conn.Scope)
}

func TestHandler_CallbackFailures(t *testing.T) {
	tests := []struct {
		name    string
		query   func(state string) string
		user    string
		wantMsg string
	}{
		{
			name:    "state issued to another user",
			query:   func(state string) string { return "code=c&state=" + url.QueryEscape(state) },
			user:    "user-2",
			wantMsg: errhandler.UserFriendlyMessage(errhandler.TypeInvalidState),
		},
		{
			name:    "tampered state",
			query:   func(state string) string { return "code=c&state=" + url.QueryEscape(state+"x") },
			user:    testUser,
			wantMsg: errhandler.UserFriendlyMessage(errhandler.TypeInvalidState),
		},
		{
			name:    "missing state",
			query:   func(string) string { return "code=c" },
			user:    testUser,
			wantMsg: errhandler.UserFriendlyMessage(errhandler.TypeInvalidState),
		},
		{
			name:    "missing code",
			query:   func(state string) string { return "state=" + url.QueryEscape(state) },
			user:    testUser,
			wantMsg: errhandler.UserFriendlyMessage(errhandler.TypeInvalidRequest),
		},
		{
			name:    "consent denied",
			query:   func(string) string { return "error=access_denied&error_description=user+said+no" },
			user:    testUser,
			wantMsg: (&errhandler.OAuthError{Code: errhandler.CodeAccessDenied}).UserMessage(),
		},
		{
			name:    "no session",
			query:   func(state string) string { return "code=c&state=" + url.QueryEscape(state) },
			user:    "",
			wantMsg: errhandler.UserFriendlyMessage(errhandler.TypeInvalidSession),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t)
			state := env.connect(t, testUser)

			resp := env.do(http.MethodGet, "/hmrc/callback?"+tt.query(state), tt.user, "")

			require.Equal(t, http.StatusFound, resp.Code)
			q := resp.location(t).Query()
			assert.Empty(t, q.Get(ParamConnected))
			assert.Equal(t, tt.wantMsg, q.Get(ParamError))
			assert.NotEmpty(t, q.Get(ParamRequestID))
			assert.Equal(t, 0, env.provider.CallCount("ExchangeCode"), "no code exchange on a failed callback")

			_, err := env.store.GetToken(context.Background(), testUser)
			assert.ErrorIs(t, err, storage.ErrTokenNotFound)
		})
	}
}

func TestHandler_CallbackMissingStateIsAudited(t *testing.T) {
	var logs bytes.Buffer
	env := setupTestHandler(t, func(c *Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
		c.Security.EnableAuditLogging = true
	})

	resp := env.do(http.MethodGet, "/hmrc/callback?code=c", testUser, "")

	require.Equal(t, http.StatusFound, resp.Code)
	assert.Equal(t, errhandler.UserFriendlyMessage(errhandler.TypeInvalidState), resp.location(t).Query().Get(ParamError))
	assert.Equal(t, 0, env.provider.CallCount("ExchangeCode"))

	var audited bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		if entry["msg"] == "security_audit" && entry["event_type"] == security.EventInvalidState {
			audited = true
		}
	}
	assert.True(t, audited, "missing state not audited:\n%s", logs.String())
}

func TestHandler_CallbackReplay(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	target := "/hmrc/callback?code=c&state=" + url.QueryEscape(state)

	first := env.do(http.MethodGet, target, testUser, "")
	require.Equal(t, "true", first.location(t).Query().Get(ParamConnected))

	second := env.do(http.MethodGet, target, testUser, "")
	q := second.location(t).Query()
	assert.Empty(t, q.Get(ParamConnected))
	assert.Equal(t, errhandler.UserFriendlyMessage(errhandler.TypeInvalidState), q.Get(ParamError))
	assert.Equal(t, 1, env.provider.CallCount("ExchangeCode"))
}

func TestHandler_CallbackRateLimited(t *testing.T) {
	env := setupTestHandler(t, func(c *Config) { c.RateLimit.CallbackLimit = 2 })

	for i := 0; i < 2; i++ {
		resp := env.do(http.MethodGet, "/hmrc/callback?state=s", testUser, "")
		require.Empty(t, resp.location(t).Query().Get(ParamRetryAfter))
	}

	resp := env.do(http.MethodGet, "/hmrc/callback?state=s", testUser, "")
	require.Equal(t, http.StatusFound, resp.Code)
	q := resp.location(t).Query()
	assert.Equal(t, errhandler.UserFriendlyMessage(errhandler.TypeRateLimitExceeded), q.Get(ParamError))
	assert.NotEmpty(t, q.Get(ParamRetryAfter))
}

func TestHandler_Disconnect(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	env.do(http.MethodGet, "/hmrc/callback?code=c&state="+url.QueryEscape(state), testUser, "")

	resp := env.do(http.MethodPost, "/hmrc/disconnect", testUser, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, env.provider.CallCount("RevokeToken"))

	status := env.do(http.MethodGet, "/hmrc/connection", testUser, "")
	var conn ConnectionResponse
	require.NoError(t, json.Unmarshal(status.Body, &conn))
	assert.False(t, conn.Connected)
}

func TestHandler_ObligationsNotConnected(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodGet, "/hmrc/obligations?taxYear=2024-25", testUser, "")

	require.Equal(t, http.StatusConflict, resp.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body, &errResp))
	assert.Equal(t, ErrorCodeNotConnected, errResp.Error)
	assert.Equal(t, string(errhandler.RecoveryReconnect), errResp.Recovery)
}

func TestHandler_ObligationsInvalidTaxYear(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodGet, "/hmrc/obligations?taxYear=2024", testUser, "")

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body, &errResp))
	assert.Equal(t, submission.CodeInvalidTaxYear, errResp.Error)
}

func TestHandler_Obligations(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	env.do(http.MethodGet, "/hmrc/callback?code=c&state="+url.QueryEscape(state), testUser, "")

	env.authority.obligations = func() (*authority.ObligationsResponse, error) {
		return &authority.ObligationsResponse{Obligations: []authority.Obligation{
			{PeriodKey: "2024-25", Status: authority.ObligationOpen, Due: authority.NewDate(2099, 1, 31)},
		}}, nil
	}

	resp := env.do(http.MethodGet, "/hmrc/obligations?taxYear=2024-25", testUser, "")

	require.Equal(t, http.StatusOK, resp.Code)
	var body ObligationsResponse
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	require.Len(t, body.Obligations, 1)
	assert.True(t, body.Obligations[0].CanSubmit)
	assert.False(t, body.Obligations[0].IsOverdue)
	assert.Equal(t, 1, body.Summary.Open)
	assert.False(t, body.FromCache)
}

const personalBody = `{
	"taxYear": "2023-24",
	"submissionType": "personal",
	"payload": {
		"personalDetails": {"firstName": "Ada", "lastName": "Lovelace", "niNumber": "AB123456C", "utr": "1234567891", "address": "1 Analytical Row"},
		"income": {"totalIncome": "25000", "totalExpenses": "5000.50"}
	}
}`

func TestHandler_SubmitAndInspect(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	env.do(http.MethodGet, "/hmrc/callback?code=c&state="+url.QueryEscape(state), testUser, "")

	resp := env.do(http.MethodPost, "/hmrc/submissions", testUser, personalBody)

	require.Equal(t, http.StatusOK, resp.Code, "body = %s", resp.Body)
	var sub SubmissionResponse
	require.NoError(t, json.Unmarshal(resp.Body, &sub))
	assert.Equal(t, submission.OutcomeSubmitted, sub.Outcome)
	require.NotNil(t, sub.Submission)
	assert.Equal(t, "REF-1", sub.Submission.HMRCReference)
	assert.Equal(t, resp.Header.Get(security.RequestIDHeader), sub.RequestID)

	id := sub.Submission.ID
	status := env.do(http.MethodGet, "/hmrc/submissions/"+id, testUser, "")
	require.Equal(t, http.StatusOK, status.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(status.Body, &st))
	require.NotEmpty(t, st.Events)
	assert.Equal(t, storage.StatusSubmitted, st.Events[len(st.Events)-1].Status)

	receipts := env.do(http.MethodGet, "/hmrc/submissions/"+id+"/receipts", testUser, "")
	require.Equal(t, http.StatusOK, receipts.Code)
	var rc ReceiptsResponse
	require.NoError(t, json.Unmarshal(receipts.Body, &rc))
	assert.Len(t, rc.Receipts, 1)

	other := env.do(http.MethodGet, "/hmrc/submissions/"+id, "user-2", "")
	assert.Equal(t, http.StatusNotFound, other.Code, "submissions are private to their owner")
}

func TestHandler_SubmitIdempotencyKey(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	env.do(http.MethodGet, "/hmrc/callback?code=c&state="+url.QueryEscape(state), testUser, "")

	submit := func(user string) *httptest.ResponseRecorder {
		return testutil.NewHTTPRequest(http.MethodPost, "/hmrc/submissions").
			WithHeader(userHeader, user).
			WithHeader(IdempotencyKeyHeader, "retry-safe-1").
			WithHeader("Content-Type", "application/json").
			WithBody(personalBody).
			Do(env.handler)
	}

	first := submit(testUser)
	require.Equal(t, http.StatusOK, first.Code, "body = %s", first.Body)
	second := submit(testUser)
	require.Equal(t, http.StatusOK, second.Code, "body = %s", second.Body)

	var a, b SubmissionResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, "retry-safe-1", a.Submission.ID)
	assert.Equal(t, a.Submission.ID, b.Submission.ID)
	assert.Equal(t, 1, env.authority.submits)

	conflict := submit("user-2")
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Contains(t, conflict.Body.String(), submission.CodeIdempotencyConflict)
}

func TestHandler_SubmitInvalid(t *testing.T) {
	env := setupTestHandler(t)
	body := strings.Replace(personalBody, `"AB123456C"`, `""`, 1)

	resp := env.do(http.MethodPost, "/hmrc/submissions", testUser, body)

	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	var sub SubmissionResponse
	require.NoError(t, json.Unmarshal(resp.Body, &sub))
	assert.Equal(t, submission.OutcomeInvalid, sub.Outcome)
	require.NotNil(t, sub.Validation)
	assert.False(t, sub.Validation.Valid)
	assert.Equal(t, 0, env.authority.submits)
}

func TestHandler_SubmitNotConnected(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodPost, "/hmrc/submissions", testUser, personalBody)

	require.Equal(t, http.StatusConflict, resp.Code)
	var sub SubmissionResponse
	require.NoError(t, json.Unmarshal(resp.Body, &sub))
	assert.Equal(t, submission.OutcomeFailed, sub.Outcome)
	require.NotNil(t, sub.Error)
	assert.Equal(t, ErrorCodeNotConnected, sub.Error.Error)
	assert.Equal(t, 0, env.authority.submits)
}

func TestHandler_MalformedBody(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodPost, "/hmrc/submissions", testUser, `{"taxYear":`)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body, &errResp))
	assert.Equal(t, ErrorCodeInvalidRequest, errResp.Error)
}

func TestHandler_AmendBusinessError(t *testing.T) {
	env := setupTestHandler(t)
	state := env.connect(t, testUser)
	env.do(http.MethodGet, "/hmrc/callback?code=c&state="+url.QueryEscape(state), testUser, "")

	resp := env.do(http.MethodPost, "/hmrc/submissions", testUser, personalBody)
	var sub SubmissionResponse
	require.NoError(t, json.Unmarshal(resp.Body, &sub))

	amend := env.do(http.MethodPost, "/hmrc/submissions/"+sub.Submission.ID+"/amend", testUser,
		`{"amendmentReason": " ", "payload": {}}`)

	require.Equal(t, http.StatusBadRequest, amend.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(amend.Body, &errResp))
	assert.Equal(t, submission.CodeReasonRequired, errResp.Error)
}

func TestHandler_Validate(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodPost, "/hmrc/validate", testUser, personalBody)

	require.Equal(t, http.StatusOK, resp.Code)
	var vr submission.ValidationResult
	require.NoError(t, json.Unmarshal(resp.Body, &vr))
	assert.True(t, vr.Valid)
	assert.Equal(t, 100, vr.Completeness)
}

func TestHandler_AmendmentDeadline(t *testing.T) {
	env := setupTestHandler(t)
	env.handler.now = func() time.Time { return time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC) }

	resp := env.do(http.MethodGet, "/hmrc/amendment-deadline?taxYear=2022-23", "", "")

	require.Equal(t, http.StatusOK, resp.Code)
	var body DeadlineResponse
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "2022-23", body.TaxYear)
	assert.False(t, body.Open)

	bad := env.do(http.MethodGet, "/hmrc/amendment-deadline?taxYear=22-23", "", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	env := setupTestHandler(t)

	resp := env.do(http.MethodPost, "/hmrc/connect", testUser, "")

	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestHandler_StorageFailures(t *testing.T) {
	errBackend := errors.New("backend unavailable")
	tokens := storagemock.NewMockTokenStore()
	tokens.GetTokenFunc = func(context.Context, string) (*storage.TokenRecord, error) {
		return nil, errBackend
	}
	subs := storagemock.NewMockSubmissionStore()
	t.Cleanup(subs.Stop)
	subs.CreateSubmissionFunc = func(context.Context, *storage.Submission) (*storage.Submission, bool, error) {
		return nil, false, errBackend
	}

	env := setupTestHandler(t, func(c *Config) {
		c.Storage.Stores = &Stores{
			Tokens:      tokens,
			AuthStates:  storagemock.NewMockAuthStateStore(),
			Submissions: subs,
		}
	})

	status := env.do(http.MethodGet, "/hmrc/connection", testUser, "")
	assert.GreaterOrEqual(t, status.Code, http.StatusInternalServerError)
	assert.NotContains(t, string(status.Body), errBackend.Error(), "backend detail must not leak")

	submit := env.do(http.MethodPost, "/hmrc/submissions", testUser, personalBody)
	assert.GreaterOrEqual(t, submit.Code, http.StatusInternalServerError)
	assert.Equal(t, 1, tokens.CallCount("GetToken"))
}
