package provider

import (
	"net/http"

	"github.com/linkshitup/link-broker/pkg/errx"
)

var errRegistry = errx.NewRegistry("")

var (
	codeProviderError        = errRegistry.Register("PROVIDER_ERROR", errx.TypeExternal, http.StatusBadGateway, "Provider request failed")
	codeScopeInsufficient    = errRegistry.Register("SCOPE_INSUFFICIENT", errx.TypeForbidden, http.StatusForbidden, "Provider rejected the request for missing scope")
	codeProviderNotFound     = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, http.StatusBadRequest, "Unknown provider")
	codeProviderNotSupported = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, http.StatusBadRequest, "Operation not supported by this provider")
	codeNotFound             = errRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Provider resource not found")
)

func ErrProviderError() *errx.Error {
	return errRegistry.New(codeProviderError)
}

func ErrScopeInsufficient() *errx.Error {
	return errRegistry.New(codeScopeInsufficient)
}

func ErrProviderNotFound() *errx.Error {
	return errRegistry.New(codeProviderNotFound)
}

func ErrProviderNotSupported() *errx.Error {
	return errRegistry.New(codeProviderNotSupported)
}

func ErrResourceNotFound() *errx.Error {
	return errRegistry.New(codeNotFound)
}

// NormalizeHTTPStatus is the shared error-normalization fallback adapters
// use when a provider response carries no richer signal than its status.
func NormalizeHTTPStatus(status int, body string) error {
	switch {
	case status == http.StatusForbidden:
		return ErrScopeInsufficient().WithDetail("provider_body", truncate(body, 512))
	case status == http.StatusNotFound:
		return ErrResourceNotFound()
	case status >= 500, status == http.StatusTooManyRequests:
		return ErrProviderError().
			WithDetail("provider_status", status).
			WithDetail("transient", true)
	default:
		return ErrProviderError().
			WithDetail("provider_status", status).
			WithDetail("provider_body", truncate(body, 512))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
