package webhookapi

import (
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/webhook"
)

// Handlers serves /v1/webhooks subscription management.
type Handlers struct {
	subs   webhook.SubscriptionRepository
	cipher *cryptox.Cipher
}

func NewHandlers(subs webhook.SubscriptionRepository, cipher *cryptox.Cipher) *Handlers {
	return &Handlers{subs: subs, cipher: cipher}
}

func (h *Handlers) RegisterRoutes(app *fiber.App, auth ...fiber.Handler) {
	group := app.Group("/v1/webhooks", auth...)
	group.Post("/", h.create)
	group.Get("/", h.list)
	group.Delete("/:id", h.remove)
}

type createRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// create registers a subscription. The signing secret appears in this
// response and never again.
func (h *Handlers) create(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apix.Error(c, webhook.ErrValidation("request body is not valid JSON"))
	}
	if u, err := url.Parse(req.URL); err != nil || !u.IsAbs() || (u.Scheme != "https" && u.Scheme != "http") {
		return apix.Error(c, webhook.ErrValidation("url must be an absolute http(s) URL"))
	}
	if len(req.Events) == 0 {
		req.Events = webhook.KnownEventTypes
	}
	for _, e := range req.Events {
		if e != "*" && !knownEvent(e) {
			return apix.Error(c, webhook.ErrValidation("unknown event type").WithDetail("event", e))
		}
	}

	secret, err := webhook.NewSigningSecret()
	if err != nil {
		return apix.Error(c, err)
	}
	sealed, err := h.cipher.EncryptString(secret)
	if err != nil {
		return apix.Error(c, err)
	}

	sub := &webhook.Subscription{
		ID:              webhook.NewSubscriptionID(),
		ProjectID:       pc.ProjectID,
		URL:             req.URL,
		EncryptedSecret: sealed,
		Events:          req.Events,
		Enabled:         true,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.subs.Create(c.Context(), sub); err != nil {
		return apix.Error(c, err)
	}

	return apix.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"subscription": sub,
		"secret":       secret,
	})
}

func (h *Handlers) list(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	subs, err := h.subs.ListByProject(c.Context(), pc.ProjectID)
	if err != nil {
		return apix.Error(c, err)
	}
	if subs == nil {
		subs = []*webhook.Subscription{}
	}
	return apix.Success(c, fiber.Map{"webhooks": subs, "total": len(subs)})
}

func (h *Handlers) remove(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	deleted, err := h.subs.Delete(c.Context(), c.Params("id"), pc.ProjectID)
	if err != nil {
		return apix.Error(c, err)
	}
	if !deleted {
		return apix.Error(c, webhook.ErrSubscriptionNotFound())
	}
	return apix.Success(c, fiber.Map{"deleted": true})
}

func knownEvent(eventType string) bool {
	for _, known := range webhook.KnownEventTypes {
		if known == eventType {
			return true
		}
	}
	return false
}
