package worklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/labops/internal/domain/order"
	"github.com/ehr/labops/internal/platform/auth"
	"github.com/ehr/labops/internal/platform/middleware"
	"github.com/ehr/labops/internal/platform/websocket"
	"github.com/ehr/labops/pkg/pagination"
)

type Handler struct {
	svc *Service
	ws  *websocket.Handler
}

// NewHandler wires the REST routes and the live-view WebSocket endpoint.
func NewHandler(svc *Service, hub *websocket.Hub, wsOpts ...websocket.HandlerOption) *Handler {
	h := &Handler{svc: svc}
	opts := append([]websocket.HandlerOption{websocket.WithSessions(h.openSession)}, wsOpts...)
	h.ws = websocket.NewHandler(hub, opts...)
	return h
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readRoles := auth.RequireRole(auth.RoleLabTech, auth.RoleLabManager, auth.RolePhysician)
	writeRoles := auth.RequireRole(auth.RoleLabTech, auth.RoleLabManager)

	read := api.Group("", readRoles)
	read.GET("/orders", h.ListOrders)
	read.GET("/orders/:id", h.GetOrder)
	read.GET("/audit/queue", h.AuditQueue)
	h.ws.RegisterRoutes(read)

	write := api.Group("", writeRoles)
	write.POST("/orders", h.CreateOrder)
	write.POST("/orders/:id/transition", h.TransitionOrder)
	write.POST("/orders/:id/cancel", h.CancelOrder)
	write.POST("/orders/:id/tests/:test/cancel", h.CancelTest)
	write.PUT("/orders/:id/results/:test", h.EnterResult)
	write.POST("/orders/:id/results/:test/acknowledge", h.AcknowledgeCriticalValue)
}

func actorFrom(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		UserID: auth.UserIDFromContext(ctx),
		Roles:  auth.RolesFromContext(ctx),
		Origin: middleware.OriginFromContext(ctx),
	}
}

// toHTTPError maps rejections onto status codes. Anything else is a server
// error.
func toHTTPError(err error) error {
	var rej *Rejection
	if !errors.As(err, &rej) {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusConflict
	switch rej.Code {
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeReasonRequired, CodeInvalidOrder:
		status = http.StatusUnprocessableEntity
	}
	return echo.NewHTTPError(status, map[string]string{
		"code":    string(rej.Code),
		"message": rej.Message,
	})
}

func filterFromQuery(c echo.Context) (FilterState, error) {
	f := FilterState{
		Search:     c.QueryParam("search"),
		Status:     order.Status(c.QueryParam("status")),
		Priority:   order.Priority(c.QueryParam("priority")),
		Department: c.QueryParam("department"),
		SortKey:    SortKey(c.QueryParam("sort")),
		SortDir:    SortDir(c.QueryParam("dir")),
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return FilterState{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = &t
	}
	return f, f.Validate()
}

// respond writes an accepted mutation. With ?wait=true the response is held
// until the remote write resolves, and a failed write is reported as 502.
// Giving up on the wait (request deadline) leaves the write running.
func (h *Handler) respond(c echo.Context, out *Outcome) error {
	if out.Changed() && c.QueryParam("wait") == "true" {
		if err := out.Handle.Wait(c.Request().Context()); err != nil {
			// The request gave up, not the write; it is still in flight.
			if ctxErr := c.Request().Context().Err(); ctxErr != nil {
				return ctxErr
			}
			return echo.NewHTTPError(http.StatusBadGateway, map[string]string{
				"code":    "RemoteWriteFailed",
				"message": err.Error(),
			})
		}
		o, err := h.svc.Order(out.Order.ID)
		if err == nil {
			out.Order = o
		}
		return c.JSON(http.StatusOK, h.svc.Present(out.Order))
	}
	if !out.Changed() {
		return c.JSON(http.StatusOK, h.svc.Present(out.Order))
	}
	return c.JSON(http.StatusAccepted, h.svc.Present(out.Order))
}

func (h *Handler) ListOrders(c echo.Context) error {
	f, err := filterFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	orders, err := h.svc.Orders(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	pg := pagination.FromContext(c)
	page := pagination.Slice(orders, pg)
	return c.JSON(http.StatusOK, pagination.NewResponse(h.svc.PresentAll(page), len(orders), pg.Limit, pg.Offset))
}

func (h *Handler) GetOrder(c echo.Context) error {
	o, err := h.svc.Order(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, h.svc.Present(o))
}

func (h *Handler) CreateOrder(c echo.Context) error {
	var in NewOrder
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.CreateOrder(c.Request().Context(), in, actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, h.svc.Present(o))
}

type transitionRequest struct {
	Status order.Status `json:"status"`
	Reason string       `json:"reason"`
}

func (h *Handler) TransitionOrder(c echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.RequestStatusTransition(c.Request().Context(), c.Param("id"), req.Status, req.Reason, actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return h.respond(c, out)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelOrder(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.CancelOrder(c.Request().Context(), c.Param("id"), req.Reason, actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return h.respond(c, out)
}

func (h *Handler) CancelTest(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.CancelTest(c.Request().Context(), c.Param("id"), c.Param("test"), req.Reason, actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return h.respond(c, out)
}

func (h *Handler) EnterResult(c echo.Context) error {
	var in ResultInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.EnterResult(c.Request().Context(), c.Param("id"), c.Param("test"), in, actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return h.respond(c, out)
}

func (h *Handler) AcknowledgeCriticalValue(c echo.Context) error {
	out, err := h.svc.AcknowledgeCriticalValue(c.Request().Context(), c.Param("id"), c.Param("test"), actorFrom(c))
	if err != nil {
		return toHTTPError(err)
	}
	return h.respond(c, out)
}

func (h *Handler) AuditQueue(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]int{"depth": h.svc.AuditQueueDepth()})
}

// -- live view sessions --

type viewPayload struct {
	Filter FilterState `json:"filter"`
	Total  int         `json:"total"`
	Orders []OrderView `json:"orders"`
}

type searchPayload struct {
	Term string `json:"term"`
}

type liveSession struct {
	svc *Service
	lv  *LiveView
}

func (h *Handler) openSession(_ echo.Context, client *websocket.Client) (websocket.Session, error) {
	s := &liveSession{svc: h.svc}
	s.lv = h.svc.OpenLiveView(func(f FilterState, orders []order.Order) {
		ev, err := websocket.NewEvent(EventView, "", "", viewPayload{
			Filter: f,
			Total:  len(orders),
			Orders: h.svc.PresentAll(orders),
		})
		if err == nil {
			client.Deliver(ev)
		}
	})
	return s, nil
}

// Handle applies "filter", "search" and "refresh" messages.
func (s *liveSession) Handle(_ context.Context, msg websocket.ClientMessage) error {
	switch msg.Action {
	case "filter":
		var f FilterState
		if err := json.Unmarshal(msg.Payload, &f); err != nil {
			return fmt.Errorf("invalid filter: %w", err)
		}
		return s.lv.SetFilter(f)
	case "search":
		var p searchPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("invalid search: %w", err)
		}
		s.lv.SetSearch(p.Term)
		return nil
	case "refresh":
		s.lv.Refresh()
		return nil
	}
	return fmt.Errorf("unknown action: %s", msg.Action)
}

func (s *liveSession) Close() { s.lv.Close() }
