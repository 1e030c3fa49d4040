package provider

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Descriptor is the stored configuration of one provider: endpoints, scope
// policy, and the broker's encrypted client secret. Rows are seeded at
// startup and rarely change.
type Descriptor struct {
	Name                  kernel.ProviderName `db:"name" json:"name"`
	AuthorizationEndpoint string              `db:"authorization_endpoint" json:"authorization_endpoint"`
	TokenEndpoint         string              `db:"token_endpoint" json:"token_endpoint"`
	PermittedScopes       pq.StringArray      `db:"permitted_scopes" json:"permitted_scopes"`
	DefaultScopes         pq.StringArray      `db:"default_scopes" json:"default_scopes"`
	ClientID              string              `db:"client_id" json:"client_id"`
	EncryptedClientSecret string              `db:"encrypted_client_secret" json:"-"`
	Enabled               bool                `db:"enabled" json:"enabled"`
	UpdatedAt             time.Time           `db:"updated_at" json:"updated_at"`
}

// PermitsAll reports whether every requested scope is in the permitted set.
// An empty permitted set permits everything (the adapter's scope map is then
// the only policy).
func (d *Descriptor) PermitsAll(scopes []string) bool {
	if len(d.PermittedScopes) == 0 {
		return true
	}
	permitted := make(map[string]struct{}, len(d.PermittedScopes))
	for _, s := range d.PermittedScopes {
		permitted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := permitted[s]; !ok {
			return false
		}
	}
	return true
}

// DescriptorRepository persists provider descriptors.
type DescriptorRepository interface {
	FindByName(ctx context.Context, name kernel.ProviderName) (*Descriptor, error)
	ListEnabled(ctx context.Context) ([]*Descriptor, error)
	// UpsertSeed inserts or refreshes a descriptor at startup.
	UpsertSeed(ctx context.Context, d *Descriptor) error
}
