package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/tournabot/engine/notify"
)

type WebSocketHandler struct {
	hub      *notify.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hub *notify.Hub, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SubscribeHandler обрабатывает GET /ws?guild_id=...  или  /ws?thread=...
// Клиент подписывается ровно на одну комнату на соединение.
func (h *WebSocketHandler) SubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var room string
	switch {
	case r.URL.Query().Get("guild_id") != "":
		room = notify.GuildRoom(r.URL.Query().Get("guild_id"))
	case r.URL.Query().Get("thread") != "":
		room = notify.ThreadRoom(r.URL.Query().Get("thread"))
	default:
		badRequestResponse(w, r, errors.New("query must include guild_id or thread"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	notify.NewClient(h.hub, conn, room, h.logger).Serve()
}
