package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIdentityRoundTrip(t *testing.T) {
	verifier := NewIdentityVerifier("idp-secret", "https://idp.example.org", "conclave")
	token, err := verifier.SignIdentity(Identity{ID: "uid-7", Email: "Ana@Example.org", DisplayName: "Ana", PhotoURL: "https://img/ana.png"}, time.Minute)
	if err != nil {
		t.Fatalf("SignIdentity() error = %v", err)
	}
	identity, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.ID != "uid-7" || identity.Email != "Ana@Example.org" || identity.PhotoURL != "https://img/ana.png" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestIdentityRejections(t *testing.T) {
	verifier := NewIdentityVerifier("idp-secret", "https://idp.example.org", "conclave")
	otherAudience := NewIdentityVerifier("idp-secret", "https://idp.example.org", "someone-else")
	otherSecret := NewIdentityVerifier("forged", "https://idp.example.org", "conclave")

	expired, _ := verifier.SignIdentity(Identity{ID: "uid-1", Email: "a@example.org"}, -time.Minute)
	wrongAudience, _ := otherAudience.SignIdentity(Identity{ID: "uid-1", Email: "a@example.org"}, time.Minute)
	forged, _ := otherSecret.SignIdentity(Identity{ID: "uid-1", Email: "a@example.org"}, time.Minute)
	noEmail, _ := verifier.SignIdentity(Identity{ID: "uid-1"}, time.Minute)

	cases := map[string]string{
		"empty":          "",
		"garbage":        "abc.def",
		"expired":        expired,
		"wrong audience": wrongAudience,
		"forged":         forged,
		"missing email":  noEmail,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidIdentity) {
				t.Fatalf("expected ErrInvalidIdentity, got %v", err)
			}
		})
	}
}
