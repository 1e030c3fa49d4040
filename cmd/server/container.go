// Root composition. Owns infrastructure (DB, Redis, cipher) and wires the
// module graph: repos → services → handlers → middleware. This is the only
// place that knows about every module at once.
package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apikey/apikeyinfra"
	"github.com/linkshitup/link-broker/pkg/apikey/apikeysrv"
	"github.com/linkshitup/link-broker/pkg/config"
	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/connection/connectionapi"
	"github.com/linkshitup/link-broker/pkg/connection/conninfra"
	"github.com/linkshitup/link-broker/pkg/connection/tokensrv"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/dispatch"
	"github.com/linkshitup/link-broker/pkg/dispatch/dispatchapi"
	"github.com/linkshitup/link-broker/pkg/dispatch/dispatchinfra"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/notify"
	"github.com/linkshitup/link-broker/pkg/notify/notifyses"
	"github.com/linkshitup/link-broker/pkg/oauthflow/oauthflowapi"
	"github.com/linkshitup/link-broker/pkg/oauthflow/oauthflowinfra"
	"github.com/linkshitup/link-broker/pkg/oauthflow/oauthflowsrv"
	"github.com/linkshitup/link-broker/pkg/project/projectinfra"
	"github.com/linkshitup/link-broker/pkg/provider"
	"github.com/linkshitup/link-broker/pkg/provider/docusign"
	"github.com/linkshitup/link-broker/pkg/provider/gcal"
	"github.com/linkshitup/link-broker/pkg/provider/gmail"
	"github.com/linkshitup/link-broker/pkg/provider/providerinfra"
	"github.com/linkshitup/link-broker/pkg/ratelimit"
	"github.com/linkshitup/link-broker/pkg/webhook/webhookapi"
	"github.com/linkshitup/link-broker/pkg/webhook/webhookinfra"
	"github.com/linkshitup/link-broker/pkg/webhook/webhooksrv"
)

// Container holds shared infrastructure and the composed modules.
type Container struct {
	Config *config.Config

	DB     *sqlx.DB
	Redis  *redis.Client
	Cipher *cryptox.Cipher

	Registry *provider.Registry

	// Middleware
	AuthMiddleware      *apikey.Middleware
	RateLimitMiddleware *ratelimit.Middleware

	// Handlers
	OAuthHandlers      *oauthflowapi.Handlers
	ConnectionHandlers *connectionapi.Handlers
	WebhookHandlers    *webhookapi.Handlers
	DispatchHandlers   *dispatchapi.Handlers

	// Background services
	WebhookDispatcher *webhooksrv.Dispatcher
	OAuthService      *oauthflowsrv.Service
	RotationSweeper   *cryptox.RotationSweeper

	descriptors provider.DescriptorRepository
}

func NewContainer(cfg *config.Config) *Container {
	logx.Info("initializing container")

	c := &Container{Config: cfg}
	c.initInfrastructure()
	c.initProviders()
	c.initModules()

	logx.Info("container initialized")
	return c
}

func (c *Container) initInfrastructure() {
	db, err := sqlx.Connect("postgres", c.Config.Database.URL)
	if err != nil {
		logx.Fatalf("failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
	c.DB = db
	logx.Info("database connected")

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("failed to connect to redis: %v", err)
	}
	logx.Info("redis connected")

	cipher, err := cryptox.NewCipher(c.Config.Crypto.Keys, c.Config.Crypto.CurrentVersion)
	if err != nil {
		logx.Fatalf("failed to build cipher: %v", err)
	}
	c.Cipher = cipher
}

// providerSeed pairs an adapter with the descriptor row it seeds.
type providerSeed struct {
	adapter    provider.Adapter
	descriptor *provider.Descriptor
}

// initProviders registers an adapter for every provider with configured
// credentials and seeds its descriptor row.
func (c *Container) initProviders() {
	c.Registry = provider.NewRegistry()
	c.descriptors = providerinfra.NewPostgresDescriptorRepository(c.DB)

	var seeds []providerSeed

	if creds, ok := c.Config.Providers["gmail"]; ok {
		seeds = append(seeds, providerSeed{
			adapter: gmail.New(gmail.Config{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}),
			descriptor: &provider.Descriptor{
				Name:                  "gmail",
				AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
				TokenEndpoint:         "https://oauth2.googleapis.com/token",
				PermittedScopes:       []string{"email.read", "email.send", "email.modify"},
				DefaultScopes:         []string{"email.read"},
				ClientID:              creds.ClientID,
				Enabled:               true,
			},
		})
	}

	if creds, ok := c.Config.Providers["gcal"]; ok {
		seeds = append(seeds, providerSeed{
			adapter: gcal.New(gcal.Config{ClientID: creds.ClientID, ClientSecret: creds.ClientSecret}),
			descriptor: &provider.Descriptor{
				Name:                  "gcal",
				AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
				TokenEndpoint:         "https://oauth2.googleapis.com/token",
				PermittedScopes:       []string{"calendar.read", "calendar.write"},
				DefaultScopes:         []string{"calendar.read"},
				ClientID:              creds.ClientID,
				Enabled:               true,
			},
		})
	}

	if creds, ok := c.Config.Providers["docusign"]; ok {
		adapter, err := docusign.New(docusign.Config{
			ClientID:      creds.ClientID,
			ClientSecret:  creds.ClientSecret,
			PrivateKeyPEM: []byte(creds.PrivateKey),
		})
		if err != nil {
			logx.Fatalf("failed to build docusign adapter: %v", err)
		}
		seeds = append(seeds, providerSeed{
			adapter: adapter,
			descriptor: &provider.Descriptor{
				Name:                  "docusign",
				AuthorizationEndpoint: "https://account.docusign.com/oauth/auth",
				TokenEndpoint:         "https://account.docusign.com/oauth/token",
				PermittedScopes:       []string{"document.read", "document.write"},
				DefaultScopes:         []string{"document.read"},
				ClientID:              creds.ClientID,
				Enabled:               true,
			},
		})
	}

	for _, seed := range seeds {
		c.Registry.Register(seed.adapter)

		if secret := c.Config.Providers[seed.adapter.Name().String()].ClientSecret; secret != "" {
			sealed, err := c.Cipher.EncryptString(secret)
			if err != nil {
				logx.Fatalf("failed to encrypt client secret for %s: %v", seed.adapter.Name(), err)
			}
			seed.descriptor.EncryptedClientSecret = sealed
		}
		if err := c.descriptors.UpsertSeed(context.Background(), seed.descriptor); err != nil {
			logx.WithError(err).WithField("provider", seed.adapter.Name().String()).
				Error("failed to seed provider descriptor")
		}
	}
	c.Registry.Seal()
	logx.WithField("providers", c.Registry.Names()).Info("adapter registry sealed")
}

func (c *Container) initModules() {
	// Repositories
	projectRepo := projectinfra.NewPostgresProjectRepository(c.DB)
	endUserRepo := projectinfra.NewPostgresEndUserRepository(c.DB)
	apiKeyRepo := apikeyinfra.NewPostgresAPIKeyRepository(c.DB)
	connRepo := conninfra.NewPostgresConnectionRepository(c.DB)
	logRepo := dispatchinfra.NewPostgresAPILogRepository(c.DB)
	subRepo := webhookinfra.NewPostgresSubscriptionRepository(c.DB)
	eventRepo := webhookinfra.NewPostgresEventRepository(c.DB)

	// Notifier
	var notifier notify.Notifier = notify.NewConsoleNotifier()
	if c.Config.Notify.Backend == "ses" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(c.Config.Notify.AWSRegion))
		if err != nil {
			logx.Fatalf("failed to load AWS config: %v", err)
		}
		notifier = notifyses.NewSESNotifier(ses.NewFromConfig(awsCfg), projectRepo, c.Config.Notify.FromAddress)
		logx.Info("SES notifier configured")
	}

	// Webhook dispatcher
	c.WebhookDispatcher = webhooksrv.NewDispatcher(
		subRepo, eventRepo,
		webhookinfra.NewRedisQueue(c.Redis),
		c.Cipher, notifier,
		webhooksrv.Config{
			Workers:        c.Config.Webhook.Workers,
			ConnectTimeout: c.Config.Webhook.ConnectTimeout,
			TotalTimeout:   c.Config.Webhook.TotalTimeout,
			PollInterval:   c.Config.Webhook.PollInterval,
		},
	)

	// Token manager and dispatcher
	tokenManager := tokensrv.NewManager(connRepo, c.Registry, c.Cipher, c.WebhookDispatcher)
	dispatchSvc := dispatch.NewService(connRepo, c.Registry, tokenManager, logRepo)

	// OAuth flow
	c.OAuthService = oauthflowsrv.NewService(
		oauthflowinfra.NewPostgresStateRepository(c.DB),
		endUserRepo,
		c.descriptors,
		c.Registry,
		connRepo,
		c.Cipher,
		c.WebhookDispatcher,
		c.Config.Broker.CallbackURL,
	)

	// Authentication + rate limiting
	verifier := apikeysrv.NewVerifierService(apiKeyRepo, c.Cipher)
	c.AuthMiddleware = apikey.NewMiddleware(verifier)

	var limiter ratelimit.Limiter = ratelimit.NewRedisLimiter(c.Redis)
	if c.Config.RateLimit.Backend == "memory" {
		limiter = ratelimit.NewMemoryLimiter()
	}
	c.RateLimitMiddleware = ratelimit.NewMiddleware(limiter, projectRepo, ratelimit.Limits{
		PerMinute: c.Config.RateLimit.PerMinute,
		PerDay:    c.Config.RateLimit.PerDay,
	})

	// Handlers
	c.OAuthHandlers = oauthflowapi.NewHandlers(c.OAuthService)
	c.ConnectionHandlers = connectionapi.NewHandlers(connRepo, c.WebhookDispatcher)
	c.WebhookHandlers = webhookapi.NewHandlers(subRepo, c.Cipher)
	c.DispatchHandlers = dispatchapi.NewHandlers(dispatchSvc)

	c.RotationSweeper = cryptox.NewRotationSweeper(c.DB, c.Cipher)
}

// StartBackgroundServices launches the workers that outlive requests.
func (c *Container) StartBackgroundServices(ctx context.Context) {
	c.WebhookDispatcher.Start(ctx)
	c.OAuthService.StartSweeper(ctx)
	c.RotationSweeper.Start(ctx)
	logx.Info("background services started")
}

func (c *Container) Cleanup() {
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			logx.Errorf("error closing database: %v", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			logx.Errorf("error closing redis: %v", err)
		}
	}
}

// Emitter adapters: connectionapi and oauthflowsrv each declare their own
// emitter interface; the webhook dispatcher satisfies both, plus
// tokensrv.Emitter, with the same Emit method.
var (
	_ tokensrv.Emitter      = (*webhooksrv.Dispatcher)(nil)
	_ oauthflowsrv.Emitter  = (*webhooksrv.Dispatcher)(nil)
	_ connectionapi.Emitter = (*webhooksrv.Dispatcher)(nil)
	_ connection.ConnectionRepository = (*conninfra.PostgresConnectionRepository)(nil)
)
