package apikey_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/linkshitup/link-broker/pkg/apikey"
)

func TestCanonicalPayload(t *testing.T) {
	got := apikey.CanonicalPayload(1700000000, []byte(`{"x":1}`))
	want := `1700000000.{"x":1}`
	if string(got) != want {
		t.Fatalf("payload = %q, want %q", got, want)
	}

	// No body: the body portion is the empty string.
	got = apikey.CanonicalPayload(1700000000, nil)
	if string(got) != "1700000000." {
		t.Fatalf("empty-body payload = %q", got)
	}
}

func TestComputeSignatureVector(t *testing.T) {
	// The documented client-side recipe, computed independently here.
	mac := hmac.New(sha256.New, []byte("sk_test_BBBB"))
	mac.Write([]byte(`1700000000.{"x":1}`))
	want := hex.EncodeToString(mac.Sum(nil))

	got := apikey.ComputeSignature("sk_test_BBBB", 1700000000, []byte(`{"x":1}`))
	if got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := apikey.ComputeSignature("secret", 1700000000, body)

	if !apikey.VerifySignature("secret", 1700000000, body, sig) {
		t.Fatal("valid signature rejected")
	}
	if apikey.VerifySignature("other-secret", 1700000000, body, sig) {
		t.Fatal("signature under wrong secret accepted")
	}
	if apikey.VerifySignature("secret", 1700000001, body, sig) {
		t.Fatal("signature with shifted timestamp accepted")
	}
	// A single flipped body byte must break verification: the exact bytes
	// the client signed are what the verifier recomputes.
	if apikey.VerifySignature("secret", 1700000000, []byte(`{"x":2}`), sig) {
		t.Fatal("signature over different body accepted")
	}
}

func TestValidatePublicKeyFormat(t *testing.T) {
	pair, err := apikey.GeneratePair("test")
	if err != nil {
		t.Fatalf("GeneratePair: %v", err)
	}
	if !apikey.ValidatePublicKeyFormat(pair.PublicKey) {
		t.Fatalf("generated key %q rejected", pair.PublicKey)
	}

	bad := []string{
		"",
		"pk_test_short",
		"sk_test_AAAAAAAAAAAAAAAAAAAAAAAA",
		"pk_staging_AAAAAAAAAAAAAAAAAAAAAAAA",
		"pk_live",
	}
	for _, key := range bad {
		if apikey.ValidatePublicKeyFormat(key) {
			t.Errorf("ValidatePublicKeyFormat(%q) = true", key)
		}
	}
}
