package oauthflowsrv

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/oauthflow"
	"github.com/linkshitup/link-broker/pkg/project"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// sweepInterval paces the background deletion of dead states.
const sweepInterval = time.Hour

// sweepRetention keeps expired unused states around for a day before the
// sweep removes them; consumed states are never swept.
const sweepRetention = 24 * time.Hour

// Emitter is the lifecycle-event surface the flow needs.
type Emitter interface {
	Emit(ctx context.Context, projectID kernel.ProjectID, eventType string, data map[string]interface{})
}

// Service drives the authorization-code flow end to end.
type Service struct {
	states      oauthflow.StateRepository
	endUsers    project.EndUserRepository
	descriptors provider.DescriptorRepository
	registry    *provider.Registry
	conns       connection.ConnectionRepository
	cipher      *cryptox.Cipher
	emitter     Emitter
	callbackURL string
	now         func() time.Time
}

func NewService(
	states oauthflow.StateRepository,
	endUsers project.EndUserRepository,
	descriptors provider.DescriptorRepository,
	registry *provider.Registry,
	conns connection.ConnectionRepository,
	cipher *cryptox.Cipher,
	emitter Emitter,
	callbackURL string,
) *Service {
	return &Service{
		states:      states,
		endUsers:    endUsers,
		descriptors: descriptors,
		registry:    registry,
		conns:       conns,
		cipher:      cipher,
		emitter:     emitter,
		callbackURL: callbackURL,
		now:         time.Now,
	}
}

// InitiateRequest is the POST /oauth/connect body.
type InitiateRequest struct {
	Provider    string   `json:"provider"`
	UserID      string   `json:"userId"`
	RedirectURI string   `json:"redirectUri"`
	Scopes      []string `json:"scopes,omitempty"`
}

// InitiateResult is returned to the project for the front-channel redirect.
type InitiateResult struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Initiate resolves the end user, issues a state with PKCE, and builds the
// provider's consent URL. The provider redirects back to the broker's own
// callback; the caller's redirectUri is remembered on the state row for the
// final hop.
func (s *Service) Initiate(ctx context.Context, projectID kernel.ProjectID, req InitiateRequest) (*InitiateResult, error) {
	if req.Provider == "" || req.UserID == "" || req.RedirectURI == "" {
		return nil, oauthflow.ErrValidation("provider, userId and redirectUri are required")
	}
	if u, err := url.Parse(req.RedirectURI); err != nil || !u.IsAbs() {
		return nil, oauthflow.ErrValidation("redirectUri must be an absolute URL")
	}

	providerName := kernel.NewProviderName(req.Provider)
	adapter, ok := s.registry.Get(providerName)
	if !ok {
		return nil, provider.ErrProviderNotFound().WithDetail("provider", req.Provider)
	}
	descriptor, err := s.descriptors.FindByName(ctx, providerName)
	if err != nil {
		return nil, err
	}
	if !descriptor.Enabled {
		return nil, provider.ErrProviderNotFound().WithDetail("provider", req.Provider).
			WithDetail("reason", "disabled")
	}

	if !descriptor.PermitsAll(req.Scopes) {
		return nil, oauthflow.ErrValidation("requested scopes exceed the provider's permitted set").
			WithDetail("permitted", []string(descriptor.PermittedScopes))
	}
	scopes := provider.Union(descriptor.DefaultScopes, req.Scopes)

	endUser, err := s.endUsers.FindOrCreate(ctx, projectID, req.UserID)
	if err != nil {
		return nil, err
	}

	token, err := oauthflow.NewStateToken()
	if err != nil {
		return nil, err
	}
	pkce, err := oauthflow.NewPKCE()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	state := &oauthflow.OAuthState{
		ID:           uuid.NewString(),
		Token:        token,
		ProjectID:    projectID,
		Provider:     providerName,
		EndUserID:    endUser.ID,
		RedirectURI:  req.RedirectURI,
		Scopes:       scopes,
		CodeVerifier: pkce.Verifier,
		ExpiresAt:    now.Add(oauthflow.StateTTL),
		CreatedAt:    now,
	}
	if err := s.states.Create(ctx, state); err != nil {
		return nil, err
	}

	authURL, err := adapter.BuildAuthorizationURL(s.callbackURL, scopes, token, pkce.Challenge)
	if err != nil {
		return nil, err
	}

	return &InitiateResult{
		AuthorizationURL: authURL,
		State:            token,
		ExpiresAt:        state.ExpiresAt,
	}, nil
}

// CallbackResult carries the 302 target back to the HTTP layer. RedirectURL
// is empty only when the state itself could not be resolved, leaving nowhere
// to send the user.
type CallbackResult struct {
	RedirectURL  string
	ConnectionID kernel.ConnectionID
	Err          error
}

// HandleCallback consumes the state exactly once, exchanges the code, and
// persists the connection. Whatever happens after the state resolves, the
// user ends up 302'd back to the project with either a connection id or an
// error code.
func (s *Service) HandleCallback(ctx context.Context, code, stateToken string) CallbackResult {
	if code == "" || stateToken == "" {
		return CallbackResult{Err: oauthflow.ErrInvalidState()}
	}

	state, err := s.states.FindByToken(ctx, stateToken)
	if err != nil {
		return CallbackResult{Err: err}
	}

	// The conditional update is the single-use arbiter: under concurrent
	// callbacks with the same state exactly one caller passes this gate.
	won, err := s.states.Consume(ctx, stateToken, s.now())
	if err != nil {
		return CallbackResult{Err: err}
	}
	if !won {
		return s.errorRedirect(state, oauthflow.ErrInvalidState())
	}

	adapter, ok := s.registry.Get(state.Provider)
	if !ok {
		return s.errorRedirect(state, provider.ErrProviderNotFound())
	}

	tokens, err := adapter.ExchangeCode(ctx, code, state.CodeVerifier, s.callbackURL)
	if err != nil {
		// The state stays consumed: the code is single-use at the provider,
		// so a retry must start from scratch.
		return s.errorRedirect(state, err)
	}

	conn := &connection.Connection{
		ID:        connection.NewID(),
		ProjectID: state.ProjectID,
		Provider:  state.Provider,
		EndUserID: state.EndUserID,
		TokenType: tokens.TokenType,
		ExpiresAt: tokens.ExpiresAt,
		Scopes:    state.Scopes,
		Status:    connection.StatusActive,
	}
	if len(tokens.Scopes) > 0 {
		conn.Scopes = tokens.Scopes
	}

	if identity, ok := adapter.(provider.IdentityAdapter); ok {
		if info, err := identity.UserInfo(ctx, tokens.AccessToken); err != nil {
			logx.WithError(err).WithField("provider", state.Provider.String()).
				Warn("user-info lookup failed; connection proceeds without identity")
		} else if info != nil {
			conn.ProviderUserID = info.ProviderUserID
			conn.ProviderEmail = info.Email
			if info.Email != "" {
				email := info.Email
				if err := s.endUsers.UpdateProfile(ctx, state.EndUserID, &email, nil); err != nil {
					logx.WithError(err).Warn("failed to update end-user profile")
				}
			}
		}
	}

	conn.EncryptedAccessToken, err = s.cipher.EncryptString(tokens.AccessToken)
	if err != nil {
		return s.errorRedirect(state, errx.Wrap(err, "failed to encrypt access token", errx.TypeInternal))
	}
	if tokens.RefreshToken != "" {
		sealed, err := s.cipher.EncryptString(tokens.RefreshToken)
		if err != nil {
			return s.errorRedirect(state, errx.Wrap(err, "failed to encrypt refresh token", errx.TypeInternal))
		}
		conn.EncryptedRefreshToken = &sealed
	}

	stored, err := s.conns.Upsert(ctx, conn)
	if err != nil {
		return s.errorRedirect(state, err)
	}

	if s.emitter != nil {
		s.emitter.Emit(ctx, state.ProjectID, "connection.created", map[string]interface{}{
			"connectionId": stored.ID.String(),
			"provider":     state.Provider.String(),
			"endUserId":    state.EndUserID.String(),
			"scopes":       []string(stored.Scopes),
		})
	}

	return CallbackResult{
		RedirectURL:  appendQuery(state.RedirectURI, map[string]string{"connection_id": stored.ID.String(), "status": "success"}),
		ConnectionID: stored.ID,
	}
}

func (s *Service) errorRedirect(state *oauthflow.OAuthState, err error) CallbackResult {
	code := "PROVIDER_ERROR"
	var coded *errx.Error
	if errx.As(err, &coded) {
		code = coded.Code
	}
	return CallbackResult{
		RedirectURL: appendQuery(state.RedirectURI, map[string]string{"status": "error", "error_code": code}),
		Err:         err,
	}
}

// appendQuery adds params to a redirect target, preserving whatever query
// the project already put there.
func appendQuery(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// StartSweeper deletes expired unused states on an hourly cadence until ctx
// ends.
func (s *Service) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := s.now().Add(-sweepRetention)
				deleted, err := s.states.DeleteExpiredUnused(ctx, cutoff)
				if err != nil {
					logx.WithError(err).Error("oauth state sweep failed")
					continue
				}
				if deleted > 0 {
					logx.WithField("deleted", deleted).Info("swept expired oauth states")
				}
			}
		}
	}()
}
