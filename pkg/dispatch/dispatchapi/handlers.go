package dispatchapi

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/dispatch"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// Handlers serves the verb endpoints and the log listing.
type Handlers struct {
	svc *dispatch.Service
}

func NewHandlers(svc *dispatch.Service) *Handlers {
	return &Handlers{svc: svc}
}

// RegisterRoutes mounts /v1/execute, /v1/logs and the provider-scoped verb
// routes. The parameterized route must be registered after every static /v1
// route in the app, or it would shadow them.
func (h *Handlers) RegisterRoutes(app *fiber.App, auth ...fiber.Handler) {
	app.Post("/v1/execute", append(auth, h.execute)...)
	app.Get("/v1/logs", append(auth, h.logs)...)
	app.Post("/v1/:provider/:verb", append(auth, h.providerVerb)...)
}

// parseBody decodes the JSON request body into a free-form map; an empty
// body yields an empty map.
func parseBody(c *fiber.Ctx) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if len(c.Body()) == 0 {
		return body, nil
	}
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return nil, dispatch.ErrValidation("request body is not valid JSON")
	}
	return body, nil
}

func (h *Handlers) providerVerb(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	verb, ok := provider.ParseVerb(c.Params("verb"))
	if !ok {
		return apix.Error(c, dispatch.ErrValidation("verb must be one of fetch, create, update, delete"))
	}

	body, err := parseBody(c)
	if err != nil {
		return apix.Error(c, err)
	}
	connID, _ := body["connectionId"].(string)
	if connID == "" {
		return apix.Error(c, dispatch.ErrValidation("connectionId is required"))
	}
	delete(body, "connectionId")

	result, err := h.svc.Dispatch(c.Context(), pc.ProjectID,
		kernel.NewConnectionID(connID), kernel.NewProviderName(c.Params("provider")), verb, body)
	if err != nil {
		return apix.Error(c, err)
	}
	return apix.Success(c, result)
}

// execute is the generic dispatch: the provider comes from the body and the
// connection row is the authority on which adapter runs.
func (h *Handlers) execute(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	body, err := parseBody(c)
	if err != nil {
		return apix.Error(c, err)
	}

	connID, _ := body["connectionId"].(string)
	providerName, _ := body["provider"].(string)
	action, _ := body["action"].(string)
	if connID == "" || action == "" {
		return apix.Error(c, dispatch.ErrValidation("connectionId and action are required"))
	}
	verb, ok := provider.ParseVerb(action)
	if !ok {
		return apix.Error(c, dispatch.ErrValidation("action must be one of fetch, create, update, delete"))
	}

	params := provider.Params{}
	if raw, ok := body["params"].(map[string]interface{}); ok {
		params = raw
	}

	result, err := h.svc.Dispatch(c.Context(), pc.ProjectID,
		kernel.NewConnectionID(connID), kernel.NewProviderName(providerName), verb, params)
	if err != nil {
		return apix.Error(c, err)
	}
	return apix.Success(c, result)
}

func (h *Handlers) logs(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, apikey.ErrInvalidAPIKey())
	}

	logs, err := h.svc.Logs(c.Context(), pc.ProjectID,
		kernel.NewConnectionID(c.Query("connectionId")), c.QueryInt("limit"))
	if err != nil {
		return apix.Error(c, err)
	}
	if logs == nil {
		logs = []*dispatch.APILog{}
	}
	return apix.Success(c, fiber.Map{"logs": logs, "total": len(logs)})
}
