package apikey

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Request headers carrying the signature triple.
const (
	HeaderPublicKey = "X-Link-Public-Key"
	HeaderTimestamp = "X-Link-Timestamp"
	HeaderSignature = "X-Link-Signature"
)

// Verifier is what the middleware needs from the verification service.
type Verifier interface {
	Verify(ctx context.Context, publicKey, timestamp, signature string, body []byte) (*kernel.ProjectContext, error)
}

// Middleware guards signed endpoints.
type Middleware struct {
	verifier Verifier
}

func NewMiddleware(verifier Verifier) *Middleware {
	return &Middleware{verifier: verifier}
}

// Authenticate verifies the signature triple against the raw request body
// and injects the ProjectContext into Fiber locals.
func (m *Middleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		publicKey := c.Get(HeaderPublicKey)
		timestamp := c.Get(HeaderTimestamp)
		signature := c.Get(HeaderSignature)

		if publicKey == "" || timestamp == "" || signature == "" {
			return apix.Error(c, ErrInvalidAPIKey().WithDetail("reason", "missing authentication headers"))
		}

		// c.Body() is the unmodified payload; signing never re-serializes.
		pc, err := m.verifier.Verify(c.Context(), publicKey, timestamp, signature, c.Body())
		if err != nil {
			return apix.Error(c, err)
		}

		c.Locals(string(kernel.ProjectContextKey), pc)
		return c.Next()
	}
}

// ProjectFromCtx reads the authenticated context a handler runs under.
func ProjectFromCtx(c *fiber.Ctx) (*kernel.ProjectContext, bool) {
	pc, ok := c.Locals(string(kernel.ProjectContextKey)).(*kernel.ProjectContext)
	if !ok || !pc.IsValid() {
		return nil, false
	}
	return pc, true
}
