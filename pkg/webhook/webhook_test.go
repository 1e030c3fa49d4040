package webhook_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/linkshitup/link-broker/pkg/webhook"
)

func TestSignFormat(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"connection.created"}`)
	sig := webhook.Sign("whsec_test", body)

	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q lacks sha256= prefix", sig)
	}

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Fatalf("signature = %s, want %s", sig, want)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := webhook.Sign("secret", body)

	if !webhook.VerifySignature("secret", body, sig) {
		t.Fatal("valid signature rejected")
	}
	if webhook.VerifySignature("other", body, sig) {
		t.Fatal("wrong secret accepted")
	}
	if webhook.VerifySignature("secret", []byte(`{"id":"evt_2"}`), sig) {
		t.Fatal("tampered body accepted")
	}
}

func TestSubscribed(t *testing.T) {
	sub := &webhook.Subscription{Events: []string{"connection.created", "connection.revoked"}}
	if !sub.Subscribed("connection.created") {
		t.Fatal("subscribed event not matched")
	}
	if sub.Subscribed("connection.expired") {
		t.Fatal("unsubscribed event matched")
	}

	all := &webhook.Subscription{Events: []string{"*"}}
	if !all.Subscribed("connection.error") {
		t.Fatal("wildcard did not match")
	}
}
