package apperr

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HTTPError converts a service error into the echo error returned by
// handlers. Errors without a kind are reported as a generic 500.
func HTTPError(err error) error {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, Reason(err))
}
