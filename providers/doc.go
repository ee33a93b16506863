// Package providers defines the OAuth provider interface used to connect a
// user to the tax authority, and PKCE and token helpers shared by
// implementations.
//
// Implementations are provided in subpackages:
//   - providers/hmrc: the authority's /oauth endpoints via golang.org/x/oauth2
//   - providers/mock: function-field mock for tests
//
// Example usage:
//
//	provider, err := hmrc.NewProvider(&hmrc.Config{
//	    ClientID:     "your-client-id",
//	    ClientSecret: "your-client-secret",
//	    RedirectURL:  "https://app.example.com/hmrc/callback",
//	    BaseURL:      hmrc.SandboxBaseURL,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	pkce := providers.GeneratePKCE()
//	redirect := provider.AuthorizationURL(state, pkce.Challenge)
package providers
