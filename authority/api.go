package authority

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/mtd-connect/errhandler"
)

// Endpoint labels used for metrics, spans and HTTPError.Endpoint.
const (
	EndpointObligations      = "obligations"
	EndpointListCalculations = "calculations.list"
	EndpointGetCalculation   = "calculations.get"
	EndpointTrigger          = "calculations.trigger"
	EndpointListReturns      = "returns.list"
	EndpointGetReturn        = "returns.get"
	EndpointSubmit           = "returns.submit"
	EndpointAmend            = "returns.amend"
)

// GetObligations lists the filing obligations for taxYear (YYYY-YY).
func (c *Client) GetObligations(ctx context.Context, caller Caller, taxYear string) (*ObligationsResponse, error) {
	var out ObligationsResponse
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointObligations,
		method:   http.MethodGet,
		path:     "/obligations",
		query:    url.Values{"taxYear": {taxYear}},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCalculations lists the authority's calculations for taxYear.
func (c *Client) ListCalculations(ctx context.Context, caller Caller, taxYear string) (*CalculationsResponse, error) {
	var out CalculationsResponse
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointListCalculations,
		method:   http.MethodGet,
		path:     "/calculations",
		query:    url.Values{"taxYear": {taxYear}},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCalculation fetches one calculation.
func (c *Client) GetCalculation(ctx context.Context, caller Caller, calculationID string) (*Calculation, error) {
	if calculationID == "" {
		return nil, fmt.Errorf("%w: calculation id is required", ErrRequestNotSent)
	}
	var out Calculation
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointGetCalculation,
		method:   http.MethodGet,
		path:     "/calculations/" + url.PathEscape(calculationID),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerCalculation asks the authority to compute taxYear.
func (c *Client) TriggerCalculation(ctx context.Context, caller Caller, taxYear string) (*TriggerCalculationResponse, error) {
	var out TriggerCalculationResponse
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointTrigger,
		method:   http.MethodPost,
		path:     "/calculations",
		body:     map[string]string{"taxYear": taxYear},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReturns lists the returns filed for taxYear.
func (c *Client) ListReturns(ctx context.Context, caller Caller, taxYear string) (*ReturnsResponse, error) {
	var out ReturnsResponse
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointListReturns,
		method:   http.MethodGet,
		path:     "/self-assessment",
		query:    url.Values{"taxYear": {taxYear}},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindReturnByIdempotencyKey looks up a return by the key it was filed
// with. ErrNotFound means the authority confirmed no such return exists.
func (c *Client) FindReturnByIdempotencyKey(ctx context.Context, caller Caller, key string) (*ReturnRecord, error) {
	var out ReturnsResponse
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointListReturns,
		method:   http.MethodGet,
		path:     "/self-assessment",
		query:    url.Values{"idempotencyKey": {key}},
	}, &out)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	for i := range out.Returns {
		r := out.Returns[i]
		if r.IdempotencyKey == "" || r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// GetReturn fetches a filed return by its authority reference.
func (c *Client) GetReturn(ctx context.Context, caller Caller, reference string) (*ReturnRecord, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: reference is required", ErrRequestNotSent)
	}
	var out ReturnRecord
	_, err := c.do(ctx, caller, call{
		endpoint: EndpointGetReturn,
		method:   http.MethodGet,
		path:     "/self-assessment/" + url.PathEscape(reference),
	}, &out)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// SubmitReturn files a return. The call is never retried here; a transport
// error leaves the outcome unknown until FindReturnByIdempotencyKey answers.
func (c *Client) SubmitReturn(ctx context.Context, caller Caller, idempotencyKey string, payload *ReturnPayload) (*SubmitResponse, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrRequestNotSent)
	}
	var out SubmitResponse
	raw, err := c.do(ctx, caller, call{
		endpoint:       EndpointSubmit,
		method:         http.MethodPost,
		path:           "/self-assessment",
		body:           payload,
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

// AmendReturn files an amendment against reference.
func (c *Client) AmendReturn(ctx context.Context, caller Caller, reference, idempotencyKey string, payload *AmendmentPayload) (*SubmitResponse, error) {
	if reference == "" || payload == nil {
		return nil, fmt.Errorf("%w: reference and payload are required", ErrRequestNotSent)
	}
	var out SubmitResponse
	raw, err := c.do(ctx, caller, call{
		endpoint:       EndpointAmend,
		method:         http.MethodPost,
		path:           "/self-assessment/" + url.PathEscape(reference) + "/amend",
		body:           payload,
		idempotencyKey: idempotencyKey,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.Raw = raw
	return &out, nil
}

func isStatus(err error, status int) bool {
	var he *errhandler.HTTPError
	return errors.As(err, &he) && he.StatusCode == status
}
