package middleware

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/labstack/echo/v4"
)

type handlerResult struct {
	err   error
	panic *handlerPanic
}

// RequestTimeout bounds the request's own work and answers 504 when the
// handler overruns. Paths in skip (the live work-queue socket) run without a
// deadline. Remote order writes are detached from the request, so a mutation
// held with ?wait=true that times out has still been accepted.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipped[c.Request().URL.Path] {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan handlerResult, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- handlerResult{panic: &handlerPanic{value: r, stack: debug.Stack()}}
					}
				}()
				done <- handlerResult{err: next(c)}
			}()

			select {
			case res := <-done:
				if res.panic != nil {
					// Re-raised here so Recovery, which runs on this goroutine, sees it.
					panic(res.panic)
				}
				return res.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeout(c, timeout)
				}
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeout(c echo.Context, timeout time.Duration) error {
	if c.Response().Committed {
		return nil
	}
	msg := "request processing exceeded " + timeout.String()
	if c.Request().Method != http.MethodGet && c.QueryParam("wait") == "true" {
		msg = "the change was accepted but its remote write did not resolve within " + timeout.String()
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"code":    "Timeout",
		"message": msg,
	})
}
