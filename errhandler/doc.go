// Package errhandler classifies failures from the authority, the OAuth
// token endpoint and the callback into a small taxonomy, throttles OAuth
// entry points per client, and writes one structured log record per
// classified error.
//
// Classify is the single entry point for turning an arbitrary error into an
// *OAuthError:
//
//	oe := h.Classify(err, errhandler.ErrorContext{UserID: uid, Operation: "refresh"})
//	if oe.Retryable {
//	    // back off and try again
//	}
//	h.LogError(ctx, oe)
//
// Only SERVER_ERROR (5xx and network failures, timeouts included) is
// retryable.
package errhandler
