// Package dispatch routes the uniform verbs to provider adapters: ownership
// check, token lease, adapter invocation, error normalization, and the API
// log trail. The dispatcher holds no per-request state and never caches
// provider responses.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/linkshitup/link-broker/pkg/asyncx"
	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/connection/tokensrv"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// Service executes verbs against connections.
type Service struct {
	conns    connection.ConnectionRepository
	registry *provider.Registry
	tokens   *tokensrv.Manager
	logs     APILogRepository
	now      func() time.Time
}

func NewService(conns connection.ConnectionRepository, registry *provider.Registry, tokens *tokensrv.Manager, logs APILogRepository) *Service {
	return &Service{
		conns:    conns,
		registry: registry,
		tokens:   tokens,
		logs:     logs,
		now:      time.Now,
	}
}

// Dispatch runs one verb. providerName guards against a connection id from a
// different provider being passed to a provider-scoped endpoint; the generic
// /execute endpoint passes the provider named in its body, and an empty
// providerName skips the check.
func (s *Service) Dispatch(ctx context.Context, projectID kernel.ProjectID, connID kernel.ConnectionID, providerName kernel.ProviderName, verb provider.Verb, params provider.Params) (interface{}, error) {
	started := s.now()

	// Ownership first: a foreign connection id reads as not-found before
	// anything else happens.
	conn, err := s.conns.FindByIDForProject(ctx, connID, projectID)
	if err != nil {
		return nil, err
	}
	if !providerName.IsEmpty() && conn.Provider != providerName {
		return nil, connection.ErrConnectionNotFound().
			WithDetail("reason", "connection belongs to a different provider")
	}

	adapter, ok := s.registry.Get(conn.Provider)
	if !ok {
		return nil, provider.ErrProviderNotFound().WithDetail("provider", conn.Provider.String())
	}

	lease, err := s.tokens.GetValidAccessToken(ctx, connID)
	if err != nil {
		s.writeLog(conn, verb, started, statusOf(err))
		return nil, err
	}

	handle := provider.Handle{
		ConnectionID:   conn.ID,
		ProjectID:      conn.ProjectID,
		ProviderUserID: conn.ProviderUserID,
		AccessToken:    lease.Token,
		TokenType:      lease.TokenType,
		Scopes:         lease.Scopes,
	}

	result, err := provider.Invoke(ctx, adapter, verb, handle, params)
	if err != nil {
		// Adapters normalize their own failures; anything else maps
		// through the provider's hook before surfacing.
		var coded *errx.Error
		if !errx.As(err, &coded) {
			err = adapter.NormalizeError(err)
		}
		s.writeLog(conn, verb, started, statusOf(err))
		return nil, err
	}

	s.writeLog(conn, verb, started, 200)
	asyncx.Do(func() {
		if err := s.conns.UpdateLastUsed(context.Background(), conn.ID); err != nil {
			logx.WithError(err).WithField("connection_id", conn.ID.String()).
				Warn("failed to bump connection last_used_at")
		}
	})
	return result, nil
}

// Logs lists a project's recent API log rows.
func (s *Service) Logs(ctx context.Context, projectID kernel.ProjectID, connectionID kernel.ConnectionID, limit int) ([]*APILog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.logs.ListByProject(ctx, projectID, connectionID, limit)
}

func (s *Service) writeLog(conn *connection.Connection, verb provider.Verb, started time.Time, status int) {
	if s.logs == nil {
		return
	}
	entry := &APILog{
		ID:           uuid.NewString(),
		ProjectID:    conn.ProjectID,
		Provider:     conn.Provider,
		ConnectionID: conn.ID,
		Endpoint:     "/" + conn.Provider.String() + "/" + string(verb),
		Method:       "POST",
		StatusCode:   status,
		LatencyMs:    s.now().Sub(started).Milliseconds(),
		CreatedAt:    s.now().UTC(),
	}
	asyncx.Do(func() {
		if err := s.logs.Insert(context.Background(), entry); err != nil {
			logx.WithError(err).Warn("failed to write api log")
		}
	})
}

func statusOf(err error) int {
	var coded *errx.Error
	if errx.As(err, &coded) {
		return coded.HTTPStatus
	}
	return 500
}

var errRegistry = errx.NewRegistry("")

var codeValidation = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, 400, "Invalid request")

func ErrValidation(message string) *errx.Error {
	return errRegistry.NewWithMessage(codeValidation, message)
}
