package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthsecure/healthsecure/internal/platform/auth"
)

const maxPanicStack = 8 << 10

// Recovery turns a handler panic into a 500 and logs it with the caller's
// account, role and route. The panic value is never sent to the client.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				buf := make([]byte, maxPanicStack)
				buf = buf[:runtime.Stack(buf, false)]

				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("account_id", auth.UserIDFromContext(req.Context())).
					Str("role", auth.RoleFromContext(req.Context())).
					Str("method", req.Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf).
					Msg("handler panic")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
