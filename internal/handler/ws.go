package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/middleware"
	"github.com/voisinage/internal/ws"
)

// WSHandler поднимает соединение подписок для участника из токена.
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler: allowedOrigins — тот же список, что у CORS.
func NewWSHandler(hub *ws.Hub, allowedOrigins string) *WSHandler {
	origins := newOriginPolicy(allowedOrigins)
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Без Origin приходят не браузерные клиенты; токен у них всё равно проверен.
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins.allows(origin)
			},
		},
	}
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	me := middleware.GetParticipant(r.Context())
	if me.ID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// При отказе Upgrade сам отвечает клиенту (400/403).
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugw("ws upgrade rejected", "user", me.ID, "reason", err.Error())
		return
	}
	// Подписки живут, пока живут read/write pump, а не пока жив запрос.
	ctx, cancel := context.WithCancel(context.Background())
	client := ws.NewClient(h.hub, conn, me)
	client.Start(ctx, cancel)
	h.hub.Register(client)
}
