package handler

import (
	"net/http"

	"moodchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Дозволяє з'єднання з будь-якого домену. У продакшені налаштувати!
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket оновлює HTTP-з'єднання до WebSocket і запускає сесію
func (h *Handler) ServeWebSocket(c *gin.Context) {
	anonID, ok := h.authenticate(c)
	if !ok {
		return
	}

	lang := c.Query("lang")
	if h.Localizer != nil && !h.Localizer.Supports(lang) {
		lang = ""
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.Log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := chathub.NewWebSocketClient(anonID, conn, h.Log)
	client.Run()
	h.Hub.Connect(client, lang)
}
