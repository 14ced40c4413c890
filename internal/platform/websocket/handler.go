package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

// Session handles the non-subscription messages of one connection.
type Session interface {
	Handle(ctx context.Context, msg ClientMessage) error
	Close()
}

// SessionFactory opens a session for a newly connected client. It runs while
// the upgrade request is still available, so it may read auth and headers
// from c.
type SessionFactory func(c echo.Context, client *Client) (Session, error)

type HandlerOption func(*Handler)

// WithAllowedOrigins restricts upgrades to the listed origins. "*" allows any.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.origins = origins }
}

func WithSessions(f SessionFactory) HandlerOption {
	return func(h *Handler) { h.sessions = f }
}

func WithHandlerLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// Handler upgrades HTTP connections and pumps messages.
type Handler struct {
	hub      *Hub
	sessions SessionFactory
	origins  []string
	logger   zerolog.Logger
	upgrader gorillawebsocket.Upgrader
}

func NewHandler(hub *Hub, opts ...HandlerOption) *Handler {
	h := &Handler{hub: hub, origins: []string{"*"}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// RegisterRoutes registers the WebSocket endpoint on the provided Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group, m ...echo.MiddlewareFunc) {
	g.GET("/ws", h.HandleConnect, m...)
}

// HandleConnect upgrades the connection, registers the client with the hub
// and starts its read and write pumps. Initial topics come from the
// comma-separated "topics" query parameter.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), 256)
	if topics := c.QueryParam("topics"); topics != "" {
		for _, t := range strings.Split(topics, ",") {
			if t = strings.TrimSpace(t); t != "" {
				client.Topics = append(client.Topics, t)
			}
		}
	}
	h.hub.Register(client)

	var session Session
	if h.sessions != nil {
		session, err = h.sessions(c, client)
		if err != nil {
			h.logger.Warn().Err(err).Str("client_id", client.ID).Msg("websocket: session rejected")
			h.hub.Unregister(client)
			_ = ws.WriteControl(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.ClosePolicyViolation, err.Error()),
				time.Now().Add(writeWait))
			return ws.Close()
		}
	}

	h.logger.Debug().Str("client_id", client.ID).Strs("topics", client.Topics).Msg("websocket: client connected")
	go h.writePump(client, ws)
	go h.readPump(client, ws, session)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn, session Session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if session != nil {
			session.Close()
		}
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Debug().Str("client_id", client.ID).Msg("websocket: client disconnected")
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.Deliver(errorEvent("malformed message"))
			continue
		}
		if h.hub.ProcessMessage(client, msg) {
			continue
		}
		if session == nil {
			client.Deliver(errorEvent("unknown action: " + msg.Action))
			continue
		}
		if err := session.Handle(ctx, msg); err != nil {
			client.Deliver(errorEvent(err.Error()))
		}
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = ws.WriteControl(gorillawebsocket.CloseMessage,
		gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

func errorEvent(message string) Event {
	e, _ := NewEvent("error", "", "", map[string]string{"message": message})
	return e
}
