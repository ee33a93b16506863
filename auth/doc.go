// Package auth connects users to the tax authority and keeps their access
// tokens valid.
//
// The Manager owns the authorization code flow (signed state, PKCE, single-use
// nonce), proactive refresh of tokens close to expiry, and revocation. Refresh
// is serialized per user inside the process by a reference-counted mutex and
// across processes by TokenStore.CompareAndSwapToken, so a refresh token is
// never spent twice:
//
//	token, err := manager.GetValidAccessToken(ctx, userID)
//	switch {
//	case errors.Is(err, auth.ErrNotConnected):
//	    // send the user through BuildAuthorizationURL
//	case errors.Is(err, auth.ErrReconnectRequired):
//	    // the authority rejected the refresh token; the record is gone
//	}
package auth
