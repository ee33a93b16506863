// Package hmrc implements providers.Provider for the tax authority's OAuth
// endpoints (/oauth/authorize, /oauth/token, /oauth/revoke).
//
// The token endpoint expects client credentials in the form body, so the
// oauth2 config uses AuthStyleInParams. Refresh failures surface as
// *oauth2.RetrieveError, which errhandler classifies by status and error code.
package hmrc
