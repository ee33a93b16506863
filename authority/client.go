package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/giantswarm/mtd-connect/errhandler"
	"github.com/giantswarm/mtd-connect/instrumentation"
	"github.com/giantswarm/mtd-connect/internal/util"
	"github.com/giantswarm/mtd-connect/security"
)

const (
	// DefaultTimeout is the per-call timeout.
	DefaultTimeout = 20 * time.Second

	// MinTimeout and MaxTimeout bound Config.Timeout.
	MinTimeout = 10 * time.Second
	MaxTimeout = 30 * time.Second

	// DefaultRequestsPerSecond matches the authority's per-application limit.
	DefaultRequestsPerSecond = 3

	// AcceptHeader selects version 2.0 of the API.
	AcceptHeader = "application/vnd.hmrc.2.0+json"

	maxResponseBody = 1 << 20
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://test-api.service.hmrc.gov.uk.
	BaseURL string

	// Timeout bounds each call; clamped to [MinTimeout, MaxTimeout].
	Timeout time.Duration

	// RequestsPerSecond paces outbound calls; Burst defaults to the same value.
	// Negative disables pacing.
	RequestsPerSecond float64
	Burst             int

	Breaker BreakerConfig
	Fraud   FraudPreventionConfig

	HTTPClient      *http.Client
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Client calls the authority API.
type Client struct {
	baseURL    *url.URL
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *CircuitBreaker
	fraud      FraudPreventionConfig
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	tracer     trace.Tracer
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("authority base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid authority base URL %q", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	switch {
	case timeout <= 0:
		timeout = DefaultTimeout
	case timeout < MinTimeout:
		timeout = MinTimeout
	case timeout > MaxTimeout:
		timeout = MaxTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond >= 0 {
		rps := cfg.RequestsPerSecond
		if rps == 0 {
			rps = DefaultRequestsPerSecond
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(rps)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.Logger == nil {
		breakerCfg.Logger = logger
	}

	return &Client{
		baseURL:    base,
		timeout:    timeout,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    NewCircuitBreaker(breakerCfg),
		fraud:      cfg.Fraud.withDefaults(),
		logger:     logger,
		metrics:    cfg.Instrumentation.Metrics(),
		tracer:     instrumentation.TracerOrNoop(cfg.Instrumentation, "authority"),
	}, nil
}

// Breaker exposes the circuit breaker for health reporting and tests.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Timeout returns the effective per-call timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// call describes one API request.
type call struct {
	endpoint       string // metric and span label
	method         string
	path           string
	query          url.Values
	body           any
	idempotencyKey string
}

// do executes c and decodes a 2xx JSON body into out. It returns the raw
// body alongside.
func (c *Client) do(ctx context.Context, caller Caller, req call, out any) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "authority."+req.endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrEndpoint, req.endpoint),
			attribute.String(instrumentation.AttrUserIDHash, util.HashForLogging(caller.UserID)),
		))
	defer span.End()

	raw, status, err := c.execute(ctx, caller, req, out)
	span.SetAttributes(
		attribute.Int(instrumentation.AttrHTTPStatus, status),
		attribute.String(instrumentation.AttrCircuitState, c.breaker.State().String()),
	)
	if err != nil {
		instrumentation.RecordError(span, err)
		return raw, err
	}
	instrumentation.SetSpanSuccess(span)
	return raw, nil
}

func (c *Client) execute(ctx context.Context, caller Caller, req call, out any) ([]byte, int, error) {
	if caller.AccessToken == "" {
		return nil, 0, fmt.Errorf("%w: access token is required", ErrRequestNotSent)
	}

	if !c.breaker.Allow() {
		c.metrics.RecordCircuitRejection(ctx, req.endpoint)
		return nil, 0, circuitOpenError(req.endpoint)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			c.metrics.RecordRateLimitExceeded(ctx, "authority")
			return nil, 0, fmt.Errorf("%w: %w", ErrRequestNotSent, err)
		}
	}

	httpReq, err := c.newRequest(ctx, caller, req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrRequestNotSent, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordAuthorityCall(ctx, req.endpoint, 0, elapsed)
		c.logger.Warn("Authority call failed",
			"endpoint", req.endpoint,
			"request_id", security.GetRequestID(ctx),
			"error", err)
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	c.metrics.RecordAuthorityCall(ctx, req.endpoint, resp.StatusCode, elapsed)

	if resp.StatusCode >= 500 || readErr != nil {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	if readErr != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read authority response: %w", readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.StatusCode, httpError(req.endpoint, resp, body)
	}

	if out != nil && len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return body, resp.StatusCode, fmt.Errorf("failed to decode %s response: %w", req.endpoint, err)
		}
	}
	return body, resp.StatusCode, nil
}

func (c *Client) newRequest(ctx context.Context, caller Caller, req call) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + req.path
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		b, err := json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", req.endpoint, err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return nil, err
	}

	h := httpReq.Header
	h.Set("Authorization", "Bearer "+caller.AccessToken)
	h.Set("Accept", AcceptHeader)
	if body != nil {
		h.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		h.Set("Idempotency-Key", req.idempotencyKey)
	}
	if id := security.GetRequestID(ctx); id != "" {
		h.Set(security.RequestIDHeader, id)
	}
	clientIP := caller.ClientIP
	if clientIP == "" {
		clientIP = security.ClientIPFromContext(ctx)
	}
	c.fraud.apply(h, caller.UserID, clientIP)
	return httpReq, nil
}

// httpError builds the error for a non-2xx response.
func httpError(endpoint string, resp *http.Response, body []byte) *errhandler.HTTPError {
	he := &errhandler.HTTPError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       body,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	var eb ErrorBody
	if json.Unmarshal(body, &eb) == nil {
		he.Code = eb.Code
		he.Message = eb.Message
	}
	if resp.StatusCode == http.StatusForbidden && he.Code == errhandler.CodeDuplicateSubmission && he.Message == "" {
		he.Message = "a return with this idempotency key was already filed"
	}
	return he
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
