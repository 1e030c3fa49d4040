package oauthflowapi

import (
	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/oauthflow"
	"github.com/linkshitup/link-broker/pkg/oauthflow/oauthflowsrv"
)

// Handlers serves the two OAuth endpoints. The connect leg is a signed
// project call; the callback is authenticated by its state token alone.
type Handlers struct {
	svc *oauthflowsrv.Service
}

func NewHandlers(svc *oauthflowsrv.Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) RegisterRoutes(app *fiber.App, auth ...fiber.Handler) {
	app.Post("/v1/oauth/connect", append(auth, h.connect)...)
	app.Get("/v1/oauth/callback", h.callback)
}

func (h *Handlers) connect(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	var req oauthflowsrv.InitiateRequest
	if err := c.BodyParser(&req); err != nil {
		return apix.Error(c, oauthflow.ErrValidation("request body is not valid JSON"))
	}

	result, err := h.svc.Initiate(c.Context(), pc.ProjectID, req)
	if err != nil {
		return apix.Error(c, err)
	}
	return apix.Success(c, result)
}

func (h *Handlers) callback(c *fiber.Ctx) error {
	result := h.svc.HandleCallback(c.Context(), c.Query("code"), c.Query("state"))

	if result.RedirectURL == "" {
		// The state never resolved, so there is no project to send the
		// user back to.
		return apix.Error(c, result.Err)
	}
	if result.Err != nil {
		logx.WithError(result.Err).Warn("oauth callback failed; redirecting with error code")
	}
	return c.Redirect(result.RedirectURL, fiber.StatusFound)
}
