package security

// Audit event types.
const (
	// Connection lifecycle

	// EventAuthorizationStarted is logged when a user is sent to the authority's consent page.
	EventAuthorizationStarted = "authorization_started"

	// EventTokenStored is logged when a callback exchange stores new credentials.
	EventTokenStored = "token_stored" //nolint:gosec // G101: event name, not a credential

	// EventTokenRefreshed is logged after a successful refresh.
	EventTokenRefreshed = "token_refreshed" //nolint:gosec // G101: event name, not a credential

	// EventTokenRefreshFailed is logged when refresh gives up.
	EventTokenRefreshFailed = "token_refresh_failed" //nolint:gosec // G101: event name, not a credential

	// EventReconnectRequired is logged when the authority rejects a refresh token.
	EventReconnectRequired = "reconnect_required"

	// EventTokenRevoked is logged on disconnect.
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event name, not a credential

	// EventRemoteRevocationFailed is logged when the revoke endpoint call fails.
	EventRemoteRevocationFailed = "remote_revocation_failed"

	// Callback integrity

	// EventInvalidState is logged for any state that fails verification.
	EventInvalidState = "invalid_state"

	// EventOAuthUserMismatch is logged when state and session disagree on the user.
	EventOAuthUserMismatch = "oauth_user_mismatch"

	// EventStateReplay is logged when a state nonce is presented twice.
	EventStateReplay = "state_replay"

	// EventRateLimitExceeded is logged when a client key is throttled.
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Filing

	// EventReturnTransmitted is logged when the authority acknowledges a return.
	EventReturnTransmitted = "return_transmitted"

	// EventAmendmentTransmitted is logged when the authority acknowledges an amendment.
	EventAmendmentTransmitted = "amendment_transmitted"
)
