package websocket

import (
	"net/http"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler upgrades HTTP requests to websocket sessions attached to the hub.
type Handler struct {
	hub      *Hub
	log      zerolog.Logger
	upgrader gws.Upgrader
}

func NewHandler(hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{
		hub: hub,
		log: log.With().Str("component", "ws-handler").Logger(),
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens at the middleware layer before the upgrade;
			// cross-origin browser clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the websocket endpoint on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.serve)
}

func (h *Handler) serve(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	s := newSession(uuid.NewString(), ws, h.hub, h.log)
	h.hub.Register(s)
	h.log.Info().Str("session_id", s.ID).Msg("session connected")

	go s.writePump()
	s.readPump(c.Request().Context())

	h.log.Info().Str("session_id", s.ID).Msg("session disconnected")
	return nil
}
