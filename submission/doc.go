// Package submission files tax returns and amendments with the authority and
// keeps an auditable record of each attempt.
//
// A submission walks pending, validating, submitting, submitted and then
// accepted or rejected, with failed as the early exit. Each step is written
// to the status history before the submission row changes. The submission id
// is generated before any network call and sent as the idempotency key; a
// submit whose outcome is unknown is never re-posted, it is looked up by that
// key instead.
//
// Expected business outcomes (invalid payload, authority rejection, unknown
// outcome) are reported in SubmitResult. Preconditions the caller violated
// are *BusinessError values. Everything else is a system error.
package submission
