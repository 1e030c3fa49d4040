package apikey_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

type stubVerifier struct {
	gotBody []byte
	fail    error
}

func (v *stubVerifier) Verify(_ context.Context, publicKey, timestamp, signature string, body []byte) (*kernel.ProjectContext, error) {
	v.gotBody = append([]byte(nil), body...)
	if v.fail != nil {
		return nil, v.fail
	}
	return &kernel.ProjectContext{
		ProjectID:   "proj-1",
		APIKeyID:    "key-1",
		Environment: kernel.EnvTest,
	}, nil
}

func newApp(v apikey.Verifier) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: apix.ErrorHandler})
	mw := apikey.NewMiddleware(v)
	app.Post("/probe", mw.Authenticate(), func(c *fiber.Ctx) error {
		pc, ok := apikey.ProjectFromCtx(c)
		if !ok {
			return apix.Error(c, apikey.ErrInvalidAPIKey())
		}
		return apix.Success(c, fiber.Map{"project": pc.ProjectID.String()})
	})
	return app
}

func TestMiddlewarePassesRawBody(t *testing.T) {
	v := &stubVerifier{}
	app := newApp(v)

	// Whitespace and key order must reach the verifier byte-exact.
	rawBody := `{"b": 2,   "a":1}`
	req := httptest.NewRequest("POST", "/probe", strings.NewReader(rawBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apikey.HeaderPublicKey, "pk_test_AAAAAAAAAAAAAAAAAAAAAAAA")
	req.Header.Set(apikey.HeaderTimestamp, "1700000000")
	req.Header.Set(apikey.HeaderSignature, "sig")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if string(v.gotBody) != rawBody {
		t.Fatalf("verifier saw %q, want %q", v.gotBody, rawBody)
	}
}

func TestMiddlewareMissingHeaders(t *testing.T) {
	app := newApp(&stubVerifier{})

	req := httptest.NewRequest("POST", "/probe", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "INVALID_API_KEY") {
		t.Fatalf("body = %s", body)
	}
}

func TestMiddlewareVerifierRejection(t *testing.T) {
	app := newApp(&stubVerifier{fail: apikey.ErrTimestampExpired()})

	req := httptest.NewRequest("POST", "/probe", strings.NewReader("{}"))
	req.Header.Set(apikey.HeaderPublicKey, "pk_test_AAAAAAAAAAAAAAAAAAAAAAAA")
	req.Header.Set(apikey.HeaderTimestamp, "1700000000")
	req.Header.Set(apikey.HeaderSignature, "sig")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "TIMESTAMP_EXPIRED") {
		t.Fatalf("body = %s", body)
	}
}
