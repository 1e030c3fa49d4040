// Package oauthflow implements the authorization-code state machine: state
// issuance with PKCE, the single-use callback guard, and the redirect-back
// contract to the project.
package oauthflow

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// StateTTL is how long an issued state stays consumable.
const StateTTL = 10 * time.Minute

// stateTokenBytes sets the entropy of the opaque state token.
const stateTokenBytes = 32

// OAuthState is a single-use authorization-in-progress record. Consumption
// is guarded by a conditional update on used_at in the store.
type OAuthState struct {
	ID           string              `db:"id" json:"id"`
	Token        string              `db:"token" json:"token"`
	ProjectID    kernel.ProjectID    `db:"project_id" json:"project_id"`
	Provider     kernel.ProviderName `db:"provider" json:"provider"`
	EndUserID    kernel.EndUserID    `db:"end_user_id" json:"end_user_id"`
	RedirectURI  string              `db:"redirect_uri" json:"redirect_uri"`
	Scopes       pq.StringArray      `db:"scopes" json:"scopes"`
	CodeVerifier string              `db:"code_verifier" json:"-"`
	ExpiresAt    time.Time           `db:"expires_at" json:"expires_at"`
	UsedAt       *time.Time          `db:"used_at" json:"used_at,omitempty"`
	CreatedAt    time.Time           `db:"created_at" json:"created_at"`
}

// Consumable reports whether the state could still win the callback race.
// The store's conditional update remains the authority under concurrency.
func (s *OAuthState) Consumable(now time.Time) bool {
	return s.UsedAt == nil && now.Before(s.ExpiresAt)
}

// NewStateToken mints the opaque random token carried through the provider.
func NewStateToken() (string, error) {
	buf := make([]byte, stateTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errx.Wrap(err, "failed to generate state token", errx.TypeInternal)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var errRegistry = errx.NewRegistry("")

var (
	codeInvalidState    = errRegistry.Register("INVALID_STATE", errx.TypeValidation, http.StatusBadRequest, "OAuth state missing, consumed, or expired")
	codeValidationError = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, http.StatusBadRequest, "Invalid request")
)

func ErrInvalidState() *errx.Error {
	return errRegistry.New(codeInvalidState)
}

func ErrValidation(message string) *errx.Error {
	return errRegistry.NewWithMessage(codeValidationError, message)
}
