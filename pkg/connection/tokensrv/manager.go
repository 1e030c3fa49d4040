// Package tokensrv owns token freshness: the hot-path access-token read,
// single-flight refresh coalescing, and refresh-failure classification.
package tokensrv

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// ExpirySkew is the buffer subtracted from expires_at: a token inside its
// last minute counts as stale so callers never hand adapters a token that
// dies mid-request.
const ExpirySkew = 60 * time.Second

// Lease is a fresh, decrypted access token plus the connection it belongs
// to, handed to the dispatcher for exactly one verb invocation.
type Lease struct {
	Token      string
	TokenType  string
	Scopes     []string
	Connection *connection.Connection
}

// Emitter is the webhook surface the manager needs: lifecycle events only.
type Emitter interface {
	Emit(ctx context.Context, projectID kernel.ProjectID, eventType string, data map[string]interface{})
}

// Manager implements getValidAccessToken.
type Manager struct {
	conns    connection.ConnectionRepository
	registry *provider.Registry
	cipher   *cryptox.Cipher
	emitter  Emitter
	group    singleflight.Group
	now      func() time.Time
}

func NewManager(conns connection.ConnectionRepository, registry *provider.Registry, cipher *cryptox.Cipher, emitter Emitter) *Manager {
	return &Manager{
		conns:    conns,
		registry: registry,
		cipher:   cipher,
		emitter:  emitter,
		now:      time.Now,
	}
}

// GetValidAccessToken returns a lease on a fresh access token, refreshing
// through the provider when the stored one is stale. Concurrent callers for
// the same connection observe exactly one refresh round-trip.
func (m *Manager) GetValidAccessToken(ctx context.Context, id kernel.ConnectionID) (*Lease, error) {
	conn, err := m.conns.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if lease, err := m.leaseFromRow(conn); err != nil || lease != nil {
		return lease, err
	}

	// Stale: exactly one goroutine runs the refresh; the rest wait on the
	// same result. Entries drop out of the map once the leader returns.
	result, err, _ := m.group.Do(id.String(), func() (interface{}, error) {
		return m.refresh(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Lease), nil
}

// leaseFromRow resolves the fast paths: terminal statuses fail immediately
// and a fresh token returns without provider traffic. (nil, nil) means the
// caller must take the refresh path.
func (m *Manager) leaseFromRow(conn *connection.Connection) (*Lease, error) {
	switch conn.Status {
	case connection.StatusRevoked:
		return nil, connection.ErrConnectionRevoked()
	case connection.StatusExpired:
		return nil, connection.ErrConnectionExpired()
	case connection.StatusPending:
		return nil, connection.ErrConnectionPending()
	}

	if m.fresh(conn) {
		token, err := m.cipher.DecryptString(conn.EncryptedAccessToken)
		if err != nil {
			return nil, errx.Wrap(err, "failed to decrypt access token", errx.TypeInternal).
				WithDetail("connection_id", conn.ID.String())
		}
		return &Lease{
			Token:      token,
			TokenType:  conn.TokenType,
			Scopes:     conn.Scopes,
			Connection: conn,
		}, nil
	}
	return nil, nil
}

// fresh applies the skew buffer; a nil expires_at never expires.
func (m *Manager) fresh(conn *connection.Connection) bool {
	if conn.ExpiresAt == nil {
		return true
	}
	return conn.ExpiresAt.After(m.now().Add(ExpirySkew))
}

// refresh runs under both the process-local single-flight and the
// cross-process advisory lock. After acquiring the lock it re-reads the
// row: a sibling process may have refreshed while this one waited, in which
// case the fresh value returns without a second round-trip.
func (m *Manager) refresh(ctx context.Context, id kernel.ConnectionID) (*Lease, error) {
	var lease *Lease

	err := m.conns.WithRefreshLock(ctx, id, func(ctx context.Context) error {
		conn, err := m.conns.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if l, err := m.leaseFromRow(conn); err != nil {
			return err
		} else if l != nil {
			lease = l
			return nil
		}

		adapter, ok := m.registry.Get(conn.Provider)
		if !ok {
			return provider.ErrProviderNotFound().WithDetail("provider", conn.Provider.String())
		}

		if conn.EncryptedRefreshToken == nil {
			// Nothing to refresh with; the token's expiry is the
			// connection's expiry.
			return m.transition(ctx, conn, connection.StatusExpired, nil)
		}
		refreshToken, err := m.cipher.DecryptString(*conn.EncryptedRefreshToken)
		if err != nil {
			return errx.Wrap(err, "failed to decrypt refresh token", errx.TypeInternal).
				WithDetail("connection_id", conn.ID.String())
		}

		set, err := adapter.Refresh(ctx, refreshToken)
		if err != nil {
			return m.classifyFailure(ctx, conn, err)
		}

		update := connection.TokenUpdate{
			TokenType: set.TokenType,
			ExpiresAt: set.ExpiresAt,
			Scopes:    set.Scopes,
		}
		update.EncryptedAccessToken, err = m.cipher.EncryptString(set.AccessToken)
		if err != nil {
			return errx.Wrap(err, "failed to encrypt access token", errx.TypeInternal)
		}
		if set.RefreshToken != "" {
			// Provider rotated the refresh token; persist the new one.
			sealed, err := m.cipher.EncryptString(set.RefreshToken)
			if err != nil {
				return errx.Wrap(err, "failed to encrypt refresh token", errx.TypeInternal)
			}
			update.EncryptedRefreshToken = &sealed
		}
		if err := m.conns.UpdateTokens(ctx, conn.ID, update); err != nil {
			return err
		}

		conn.Status = connection.StatusActive
		conn.ExpiresAt = set.ExpiresAt
		if set.TokenType != "" {
			conn.TokenType = set.TokenType
		}
		if len(set.Scopes) > 0 {
			conn.Scopes = set.Scopes
		}
		lease = &Lease{
			Token:      set.AccessToken,
			TokenType:  conn.TokenType,
			Scopes:     conn.Scopes,
			Connection: conn,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// classifyFailure applies the refresh-failure table: terminal kinds move the
// status and emit a lifecycle webhook; transient faults leave the row alone.
func (m *Manager) classifyFailure(ctx context.Context, conn *connection.Connection, refreshErr error) error {
	var re *provider.RefreshError
	if !errx.As(refreshErr, &re) {
		logx.WithError(refreshErr).
			WithField("connection_id", conn.ID.String()).
			Warn("unclassified refresh failure")
		return provider.ErrProviderError().WithDetail("stage", "refresh")
	}

	switch re.Kind {
	case provider.RefreshRevoked:
		return m.transition(ctx, conn, connection.StatusRevoked, nil)
	case provider.RefreshExpired:
		return m.transition(ctx, conn, connection.StatusExpired, nil)
	case provider.RefreshTransient:
		return provider.ErrProviderError().
			WithDetail("stage", "refresh").
			WithDetail("transient", true)
	default: // RefreshDenied
		msg := re.OAuthCode
		if re.Description != "" {
			msg += ": " + re.Description
		}
		if err := m.conns.UpdateStatus(ctx, conn.ID, connection.StatusError, &msg); err != nil {
			return err
		}
		m.emitLifecycle(ctx, conn, "connection.error")
		return provider.ErrProviderError().
			WithDetail("stage", "refresh").
			WithDetail("provider_error", msg)
	}
}

// transition moves a connection into a terminal status, emits the matching
// lifecycle event, and returns the error subsequent calls will see.
func (m *Manager) transition(ctx context.Context, conn *connection.Connection, status connection.Status, errorMessage *string) error {
	if err := m.conns.UpdateStatus(ctx, conn.ID, status, errorMessage); err != nil {
		return err
	}
	switch status {
	case connection.StatusRevoked:
		m.emitLifecycle(ctx, conn, "connection.revoked")
		return connection.ErrConnectionRevoked()
	case connection.StatusExpired:
		m.emitLifecycle(ctx, conn, "connection.expired")
		return connection.ErrConnectionExpired()
	}
	return nil
}

func (m *Manager) emitLifecycle(ctx context.Context, conn *connection.Connection, eventType string) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, conn.ProjectID, eventType, map[string]interface{}{
		"connectionId": conn.ID.String(),
		"provider":     conn.Provider.String(),
		"endUserId":    conn.EndUserID.String(),
		"scopes":       []string(conn.Scopes),
	})
}
