package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/abuse/internal/abuse"
)

// toHTTPError maps abuse errors onto API responses.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, abuse.ErrConfiguration):
		return huma.Error422UnprocessableEntity(err.Error())
	case errors.Is(err, abuse.ErrUnsupported):
		return huma.Error501NotImplemented(err.Error())
	case errors.Is(err, abuse.ErrBackendUnavailable):
		return huma.Error503ServiceUnavailable("backend unavailable")
	default:
		return huma.Error500InternalServerError("internal server error")
	}
}
