// Package apperr defines the error taxonomy shared by every component:
// authentication, validation, not-found, upstream and configuration failures.
// Each error carries an HTTP status and a stable text code so transport layers
// can map it without string matching.
package apperr

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to every error built by this package.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeValidation    = "VALIDATION_FAILED"
	CodeNotFound      = "NOT_FOUND"
	CodeUpstream      = "UPSTREAM_FAILURE"
	CodeParse         = "PARSE_ERROR"
	CodeConfiguration = "CONFIGURATION"
)

func build(category goerrors.Category, status int, textCode, format string, args []any) *goerrors.Error {
	return goerrors.New(fmt.Sprintf(format, args...), category).
		WithCode(status).
		WithTextCode(textCode)
}

// Authentication reports a missing or invalid signature or credential.
func Authentication(format string, args ...any) error {
	return build(goerrors.CategoryAuth, http.StatusUnauthorized, CodeUnauthorized, format, args)
}

// Validation reports a malformed or incomplete input.
func Validation(format string, args ...any) error {
	return build(goerrors.CategoryValidation, http.StatusBadRequest, CodeValidation, format, args)
}

// NotFound reports a missing record.
func NotFound(format string, args ...any) error {
	return build(goerrors.CategoryNotFound, http.StatusNotFound, CodeNotFound, format, args)
}

// Configuration reports a missing required setting or unprovisioned state.
func Configuration(format string, args ...any) error {
	return build(goerrors.CategoryInternal, http.StatusInternalServerError, CodeConfiguration, format, args)
}

// Upstream reports a failed call to the broker or the provider. status is the
// upstream HTTP status, or 0 when the request never completed.
func Upstream(status int, format string, args ...any) error {
	err := build(goerrors.CategoryExternal, http.StatusBadGateway, CodeUpstream, format, args)
	if status > 0 {
		err.WithMetadata(map[string]any{"upstream_status": status})
	}
	return err
}

// WrapUpstream wraps a transport failure talking to an external service.
func WrapUpstream(source error, format string, args ...any) error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, fmt.Sprintf(format, args...)).
		WithCode(http.StatusBadGateway).
		WithTextCode(CodeUpstream)
}

// Parse reports an upstream response body that could not be decoded.
func Parse(source error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if source == nil {
		return build(goerrors.CategoryExternal, http.StatusBadGateway, CodeParse, "%s", []any{msg})
	}
	return goerrors.Wrap(source, goerrors.CategoryExternal, msg).
		WithCode(http.StatusBadGateway).
		WithTextCode(CodeParse)
}

// As extracts the rich error from err's chain.
func As(err error) (*goerrors.Error, bool) {
	var rich *goerrors.Error
	if err == nil || !goerrors.As(err, &rich) {
		return nil, false
	}
	return rich, true
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, textCode string) bool {
	rich, ok := As(err)
	return ok && rich.TextCode == textCode
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool { return HasCode(err, CodeUnauthorized) }

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return HasCode(err, CodeValidation) }

// IsNotFound reports whether err is a not-found failure.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConfiguration reports whether err is a configuration failure.
func IsConfiguration(err error) bool { return HasCode(err, CodeConfiguration) }

// IsUpstream reports whether err came from the broker or the provider,
// including undecodable responses.
func IsUpstream(err error) bool {
	rich, ok := As(err)
	return ok && rich.Category == goerrors.CategoryExternal
}

// StatusCode maps err to an HTTP status. Errors outside the taxonomy map to 500.
func StatusCode(err error) int {
	if rich, ok := As(err); ok && rich.Code > 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}

// Type returns a short snake_case label for err used in JSON error bodies.
func Type(err error) string {
	rich, ok := As(err)
	if !ok {
		return "internal_error"
	}
	switch rich.TextCode {
	case CodeUnauthorized:
		return "authentication_error"
	case CodeValidation:
		return "invalid_request_error"
	case CodeNotFound:
		return "not_found"
	case CodeConfiguration:
		return "configuration_error"
	case CodeUpstream, CodeParse:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
