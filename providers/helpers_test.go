package providers

import (
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestGeneratePKCE(t *testing.T) {
	a := GeneratePKCE()
	b := GeneratePKCE()

	if a.Verifier == b.Verifier {
		t.Error("GeneratePKCE() returned the same verifier twice")
	}
	if len(a.Verifier) < 43 {
		t.Errorf("verifier length = %d, want >= 43", len(a.Verifier))
	}
	if got := oauth2.S256ChallengeFromVerifier(a.Verifier); got != a.Challenge {
		t.Errorf("Challenge = %q, want %q", a.Challenge, got)
	}
}

func TestTokenScopes(t *testing.T) {
	requested := []string{"read:self-assessment"}

	withScope := (&oauth2.Token{AccessToken: "x"}).WithExtra(map[string]any{"scope": "a b"})
	if got := TokenScopes(withScope, requested); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("TokenScopes() = %v, want [a b]", got)
	}

	got := TokenScopes(&oauth2.Token{}, requested)
	if len(got) != 1 || got[0] != "read:self-assessment" {
		t.Errorf("TokenScopes() fallback = %v, want %v", got, requested)
	}
	got[0] = "mutated"
	if requested[0] != "read:self-assessment" {
		t.Error("TokenScopes() aliased the requested slice")
	}
}

func TestTokenExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	if got := TokenExpiry(&oauth2.Token{}, now, 4*time.Hour); !got.Equal(now.Add(4 * time.Hour)) {
		t.Errorf("TokenExpiry() = %v, want now+4h", got)
	}
	exp := now.Add(time.Hour)
	if got := TokenExpiry(&oauth2.Token{Expiry: exp}, now, 4*time.Hour); !got.Equal(exp) {
		t.Errorf("TokenExpiry() = %v, want %v", got, exp)
	}
}
