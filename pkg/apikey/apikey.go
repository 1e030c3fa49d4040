// Package apikey authenticates project-originated requests: key-pair
// generation and lookup, HMAC request signing, and the Fiber middleware that
// guards every signed endpoint.
package apikey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Status of a key pair.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// APIKey is a project's credential pair. The public key travels in request
// headers; the secret only ever exists client-side and as an encrypted
// column here, decrypted per request to recompute the HMAC.
type APIKey struct {
	ID              string             `db:"id" json:"id"`
	ProjectID       kernel.ProjectID   `db:"project_id" json:"project_id"`
	PublicKey       string             `db:"public_key" json:"public_key"`
	EncryptedSecret string             `db:"encrypted_secret" json:"-"`
	Environment     kernel.Environment `db:"environment" json:"environment"`
	Status          Status             `db:"status" json:"status"`
	LastUsedAt      *time.Time         `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the key may authenticate requests.
func (k *APIKey) IsActive() bool {
	return k.Status == StatusActive
}

// Revoke marks the key revoked.
func (k *APIKey) Revoke() {
	k.Status = StatusRevoked
	k.UpdatedAt = time.Now().UTC()
}

const keyTokenBytes = 18 // 24 base64url chars

// GeneratedPair is the one-time view of a fresh key pair; the raw secret is
// never shown again.
type GeneratedPair struct {
	PublicKey string
	SecretKey string
}

// GeneratePair mints a "pk_{env}_<24 chars>" / "sk_{env}_<24 chars>" pair.
func GeneratePair(env kernel.Environment) (*GeneratedPair, error) {
	pub, err := randomToken()
	if err != nil {
		return nil, err
	}
	sec, err := randomToken()
	if err != nil {
		return nil, err
	}
	return &GeneratedPair{
		PublicKey: fmt.Sprintf("pk_%s_%s", env, pub),
		SecretKey: fmt.Sprintf("sk_%s_%s", env, sec),
	}, nil
}

func randomToken() (string, error) {
	buf := make([]byte, keyTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errx.Wrap(err, "failed to generate key material", errx.TypeInternal)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidatePublicKeyFormat checks the "pk_{test|live}_…" shape before any
// store lookup.
func ValidatePublicKeyFormat(key string) bool {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != "pk" {
		return false
	}
	if !kernel.Environment(parts[1]).Valid() {
		return false
	}
	return len(parts[2]) == 24
}

var errRegistry = errx.NewRegistry("")

var (
	codeInvalidAPIKey    = errRegistry.Register("INVALID_API_KEY", errx.TypeAuthorization, http.StatusUnauthorized, "Unknown or revoked API key")
	codeTimestampExpired = errRegistry.Register("TIMESTAMP_EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Request timestamp outside the permitted window")
	codeInvalidSignature = errRegistry.Register("INVALID_SIGNATURE", errx.TypeAuthorization, http.StatusUnauthorized, "Request signature mismatch")
)

func ErrInvalidAPIKey() *errx.Error {
	return errRegistry.New(codeInvalidAPIKey)
}

func ErrTimestampExpired() *errx.Error {
	return errRegistry.New(codeTimestampExpired)
}

func ErrInvalidSignature() *errx.Error {
	return errRegistry.New(codeInvalidSignature)
}
