package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Recovery converts handler panics into the same error envelope the
// domain handlers produce, so clients never see an echo default page.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("request_id", RequestIDFromContext(c)).
						Interface("panic", r).
						Bytes("stack", debug.Stack()).
						Msg("panic recovered")

					if !c.Response().Committed {
						err = c.JSON(http.StatusInternalServerError, map[string]string{
							"code":    "internal_error",
							"message": "internal server error",
						})
					}
				}
			}()
			return next(c)
		}
	}
}
