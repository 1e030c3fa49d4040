package apikey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// CanonicalPayload is the byte sequence both sides sign:
// "<timestamp>." followed by the raw request body, verbatim. No
// re-serialization happens on either side, so bodies round-trip byte-exact.
func CanonicalPayload(timestamp int64, body []byte) []byte {
	ts := strconv.FormatInt(timestamp, 10)
	payload := make([]byte, 0, len(ts)+1+len(body))
	payload = append(payload, ts...)
	payload = append(payload, '.')
	payload = append(payload, body...)
	return payload
}

// ComputeSignature returns lowercase-hex HMAC-SHA-256 of the canonical
// payload under the secret key.
func ComputeSignature(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(CanonicalPayload(timestamp, body))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the expected signature and compares in constant
// time.
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := ComputeSignature(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
