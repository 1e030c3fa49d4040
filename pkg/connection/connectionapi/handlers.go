package connectionapi

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Emitter mirrors tokensrv.Emitter for the developer-initiated revoke.
type Emitter interface {
	Emit(ctx context.Context, projectID kernel.ProjectID, eventType string, data map[string]interface{})
}

// Handlers serves /v1/connections.
type Handlers struct {
	conns   connection.ConnectionRepository
	emitter Emitter
}

func NewHandlers(conns connection.ConnectionRepository, emitter Emitter) *Handlers {
	return &Handlers{conns: conns, emitter: emitter}
}

// RegisterRoutes mounts the connection endpoints behind the signed-request
// middleware chain.
func (h *Handlers) RegisterRoutes(app *fiber.App, auth ...fiber.Handler) {
	group := app.Group("/v1/connections", auth...)
	group.Get("/", h.list)
	group.Get("/:id", h.get)
	group.Delete("/:id", h.revoke)
}

func (h *Handlers) list(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, connection.ErrConnectionNotFound())
	}

	filter := connection.ListFilter{
		ExternalUserID: c.Query("userId"),
		Provider:       kernel.NewProviderName(c.Query("provider")),
		Status:         connection.Status(c.Query("status")),
	}

	conns, err := h.conns.List(c.Context(), pc.ProjectID, filter)
	if err != nil {
		return apix.Error(c, err)
	}
	if conns == nil {
		conns = []*connection.Connection{}
	}
	return apix.Success(c, fiber.Map{"connections": conns, "total": len(conns)})
}

func (h *Handlers) get(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, connection.ErrConnectionNotFound())
	}

	conn, err := h.conns.FindByIDForProject(c.Context(), kernel.NewConnectionID(c.Params("id")), pc.ProjectID)
	if err != nil {
		return apix.Error(c, err)
	}
	return apix.Success(c, conn)
}

// revoke is the developer-initiated delete: any status transitions to
// revoked and the lifecycle event fires.
func (h *Handlers) revoke(c *fiber.Ctx) error {
	pc, ok := apikey.ProjectFromCtx(c)
	if !ok {
		return apix.Error(c, connection.ErrConnectionNotFound())
	}

	id := kernel.NewConnectionID(c.Params("id"))
	conn, err := h.conns.FindByIDForProject(c.Context(), id, pc.ProjectID)
	if err != nil {
		return apix.Error(c, err)
	}

	changed, err := h.conns.Revoke(c.Context(), id, pc.ProjectID)
	if err != nil {
		return apix.Error(c, err)
	}
	if changed && h.emitter != nil {
		h.emitter.Emit(c.Context(), pc.ProjectID, "connection.revoked", map[string]interface{}{
			"connectionId": id.String(),
			"provider":     conn.Provider.String(),
			"endUserId":    conn.EndUserID.String(),
			"scopes":       []string(conn.Scopes),
		})
	}
	return apix.Success(c, fiber.Map{"id": id.String(), "status": string(connection.StatusRevoked)})
}
