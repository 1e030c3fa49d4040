package oauthflow_test

import (
	"testing"

	"github.com/linkshitup/link-broker/pkg/oauthflow"
)

func TestS256ChallengeKnownVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := oauthflow.S256Challenge(verifier); got != want {
		t.Fatalf("challenge = %s, want %s", got, want)
	}
}

func TestNewPKCE(t *testing.T) {
	pkce, err := oauthflow.NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if n := len(pkce.Verifier); n < 43 || n > 128 {
		t.Fatalf("verifier length %d outside RFC 7636 window", n)
	}
	if pkce.Challenge != oauthflow.S256Challenge(pkce.Verifier) {
		t.Fatal("challenge does not match verifier")
	}

	other, err := oauthflow.NewPKCE()
	if err != nil {
		t.Fatalf("NewPKCE: %v", err)
	}
	if other.Verifier == pkce.Verifier {
		t.Fatal("two verifiers collided")
	}
}

func TestNewStateToken(t *testing.T) {
	a, err := oauthflow.NewStateToken()
	if err != nil {
		t.Fatalf("NewStateToken: %v", err)
	}
	b, err := oauthflow.NewStateToken()
	if err != nil {
		t.Fatalf("NewStateToken: %v", err)
	}
	if a == b {
		t.Fatal("state tokens collided")
	}
	// 32 bytes of entropy encode to 43 base64url chars.
	if len(a) != 43 {
		t.Fatalf("token length = %d", len(a))
	}
}
