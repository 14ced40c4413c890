package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labops/internal/platform/auditqueue"
	"github.com/ehr/labops/internal/platform/auth"
)

// ViewHeader names the dashboard view a request came from.
const ViewHeader = "X-Client-View"

type originKey struct{}

// WithOrigin stores the client origin on ctx.
func WithOrigin(ctx context.Context, o auditqueue.Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFromContext returns the origin captured by Origin, or the zero value.
func OriginFromContext(ctx context.Context) auditqueue.Origin {
	o, _ := ctx.Value(originKey{}).(auditqueue.Origin)
	return o
}

// Origin captures where an API request came from so audit entries can carry
// it, and logs every mutating request under /api/ once it completes.
func Origin(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			rid, _ := c.Get("request_id").(string)
			o := auditqueue.Origin{
				UserAgent: req.UserAgent(),
				View:      req.Header.Get(ViewHeader),
				RemoteIP:  c.RealIP(),
				RequestID: rid,
			}
			c.SetRequest(req.WithContext(WithOrigin(req.Context(), o)))

			err := next(c)

			if !strings.HasPrefix(req.URL.Path, "/api/") || !isMutation(req.Method) {
				return err
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			ctx := c.Request().Context()
			logger.Info().
				Str("type", "work_queue_access").
				Str("request_id", rid).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Strs("user_roles", auth.RolesFromContext(ctx)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("view", o.View).
				Str("remote_ip", o.RemoteIP).
				Int("status", status).
				Msg("mutation")
			return err
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
