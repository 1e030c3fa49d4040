package oauthflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"github.com/linkshitup/link-broker/pkg/errx"
)

// PKCE is an RFC 7636 verifier/challenge pair. The verifier stays on the
// state row; only the S256 challenge travels to the provider.
type PKCE struct {
	Verifier  string
	Challenge string
}

// verifierBytes yields an 86-char base64url verifier, inside the RFC's
// 43-128 char window.
const verifierBytes = 64

// NewPKCE generates a verifier and its S256 challenge.
func NewPKCE() (*PKCE, error) {
	buf := make([]byte, verifierBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, errx.Wrap(err, "failed to generate PKCE verifier", errx.TypeInternal)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return &PKCE{
		Verifier:  verifier,
		Challenge: S256Challenge(verifier),
	}, nil
}

// S256Challenge computes base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
