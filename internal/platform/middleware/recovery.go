package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/platform/auth"
)

// handlerPanic carries a panic raised on the RequestTimeout goroutine back
// to the request goroutine with its original stack.
type handlerPanic struct {
	value any
	stack []byte
}

// Recovery turns a handler panic into a 500 and logs it with the request id,
// the caller, and the order and test the route addressed.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				value, stack := r, []byte(nil)
				if hp, ok := r.(*handlerPanic); ok {
					value, stack = hp.value, hp.stack
				} else {
					stack = debug.Stack()
				}
				if e, ok := value.(error); ok && errors.Is(e, http.ErrAbortHandler) {
					panic(value)
				}

				rid, _ := c.Get("request_id").(string)
				evt := logger.Error().
					Str("request_id", rid).
					Str("user_id", auth.UserIDFromContext(c.Request().Context())).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(value)).
					Str("stack", string(stack))
				if id := c.Param("id"); id != "" {
					evt = evt.Str("order_id", id)
				}
				if test := c.Param("test"); test != "" {
					evt = evt.Str("test", test)
				}
				evt.Msg("panic recovered")

				// A hijacked websocket has no response left to write.
				if c.Response().Committed {
					err = nil
					return
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
					"code":    "Internal",
					"message": "internal server error",
				})
			}()
			return next(c)
		}
	}
}
