// Package authority is the typed client for the tax authority's
// Making-Tax-Digital API.
//
// Every call carries its own timeout, waits on an outbound rate limiter,
// passes through a circuit breaker, and sends the fraud-prevention headers
// the authority requires. Non-2xx responses are returned as
// *errhandler.HTTPError so callers classify them with errhandler. Calls
// refused before anything reached the network wrap ErrRequestNotSent, which
// lets the submission service tell "definitely not filed" apart from
// "outcome unknown".
package authority
