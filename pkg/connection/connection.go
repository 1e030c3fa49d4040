// Package connection owns the long-lived credential record and its status
// machine. Token columns are first written by the OAuth callback's upsert;
// after that the token manager in connection/tokensrv is their only writer,
// apart from the key-rotation sweep that re-encrypts stored secrets in place.
package connection

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Status is the connection lifecycle state.
//
//	pending ──(callback success)──► active ◄──(refresh ok)──┐
//	                                  │                     │
//	                                  ├─(refresh: expired)─► expired
//	                                  ├─(refresh: revoked)─► revoked
//	                                  └─(provider 4xx)─────► error
//	active/error/expired ──(user re-connects)──► active
//	any ──(developer deletes)──► revoked
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusError   Status = "error"
)

// Terminal reports whether the status fails dispatches fast, without a
// provider round-trip.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// Connection is one end user's authorization at one provider. Token columns
// hold cryptox envelopes, never plaintext.
type Connection struct {
	ID                    kernel.ConnectionID `db:"id" json:"id"`
	ProjectID             kernel.ProjectID    `db:"project_id" json:"project_id"`
	Provider              kernel.ProviderName `db:"provider" json:"provider"`
	EndUserID             kernel.EndUserID    `db:"end_user_id" json:"end_user_id"`
	ProviderUserID        string              `db:"provider_user_id" json:"provider_user_id,omitempty"`
	ProviderEmail         string              `db:"provider_email" json:"provider_email,omitempty"`
	EncryptedAccessToken  string              `db:"encrypted_access_token" json:"-"`
	EncryptedRefreshToken *string             `db:"encrypted_refresh_token" json:"-"`
	TokenType             string              `db:"token_type" json:"token_type,omitempty"`
	ExpiresAt             *time.Time          `db:"expires_at" json:"expires_at,omitempty"`
	Scopes                pq.StringArray      `db:"scopes" json:"scopes"`
	Status                Status              `db:"status" json:"status"`
	ErrorMessage          *string             `db:"error_message" json:"error_message,omitempty"`
	LastUsedAt            *time.Time          `db:"last_used_at" json:"last_used_at,omitempty"`
	CreatedAt             time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time           `db:"updated_at" json:"updated_at"`
}

// NewID mints a "conn_<uuid>" identifier.
func NewID() kernel.ConnectionID {
	return kernel.NewConnectionID("conn_" + uuid.NewString())
}

var errRegistry = errx.NewRegistry("")

var (
	codeNotFound = errRegistry.Register("CONNECTION_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Connection not found")
	codeExpired  = errRegistry.Register("CONNECTION_EXPIRED", errx.TypeAuthorization, http.StatusUnauthorized, "Connection credentials expired; the user must re-connect")
	codeRevoked  = errRegistry.Register("CONNECTION_REVOKED", errx.TypeAuthorization, http.StatusUnauthorized, "Connection credentials were revoked")
	codePending  = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, http.StatusBadRequest, "Connection authorization has not completed")
)

func ErrConnectionNotFound() *errx.Error {
	return errRegistry.New(codeNotFound)
}

func ErrConnectionExpired() *errx.Error {
	return errRegistry.New(codeExpired)
}

func ErrConnectionRevoked() *errx.Error {
	return errRegistry.New(codeRevoked)
}

func ErrConnectionPending() *errx.Error {
	return errRegistry.New(codePending)
}
