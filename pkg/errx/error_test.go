package errx_test

import (
	"errors"
	"testing"

	"github.com/linkshitup/link-broker/pkg/errx"
)

func TestRegistryCodes(t *testing.T) {
	r := errx.NewRegistry("TEST")
	code := r.Register("SOMETHING_BROKE", errx.TypeExternal, 502, "Something broke")

	err := r.New(code)
	if err.Code != "TEST_SOMETHING_BROKE" || err.HTTPStatus != 502 {
		t.Fatalf("err = %+v", err)
	}

	// An empty prefix leaves codes bare; the public taxonomy uses this.
	bare := errx.NewRegistry("")
	code = bare.Register("RATE_LIMITED", errx.TypeRateLimit, 429, "Slow down")
	if got := bare.New(code).Code; got != "RATE_LIMITED" {
		t.Fatalf("code = %q", got)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	r := errx.NewRegistry("")
	code := r.Register("CONNECTION_REVOKED", errx.TypeAuthorization, 401, "Revoked")
	inner := r.New(code)

	wrapped := errx.Wrap(inner, "while dispatching", errx.TypeInternal)
	if wrapped.Code != "CONNECTION_REVOKED" || wrapped.HTTPStatus != 401 {
		t.Fatalf("wrapped = %+v", wrapped)
	}
	if !errors.Is(wrapped, inner) {
		t.Fatal("wrapped error lost its chain")
	}

	var coded *errx.Error
	if !errx.As(wrapped, &coded) {
		t.Fatal("As failed")
	}
}

func TestWrapNil(t *testing.T) {
	if errx.Wrap(nil, "nothing", errx.TypeInternal) != nil {
		t.Fatal("wrapping nil produced an error")
	}
}

func TestWithDetail(t *testing.T) {
	err := errx.Validation("bad input").WithDetail("field", "redirectUri")
	if err.Details["field"] != "redirectUri" {
		t.Fatalf("details = %v", err.Details)
	}
	if err.HTTPStatus != 400 {
		t.Fatalf("status = %d", err.HTTPStatus)
	}
}
