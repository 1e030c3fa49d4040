package apikey

import "context"

// APIKeyRepository persists key pairs. The broker core only reads and bumps
// last_used_at; creation and revocation belong to the dashboard.
type APIKeyRepository interface {
	FindByPublicKey(ctx context.Context, publicKey string) (*APIKey, error)
	UpdateLastUsed(ctx context.Context, id string) error
}
