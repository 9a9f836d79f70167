package handler

import (
	"context"
	"net/http"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/identity"
	"moodchat/backend/internal/localization"
	"moodchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Handler містить посилання на ChatHub та сервіси, потрібні маршрутам
type Handler struct {
	Hub       *chathub.ManagerService
	Matcher   *chathub.MatcherService
	Store     storage.Gateway
	Keys      chathub.KeySource
	Identity  *identity.Service
	Localizer *localization.Localizer
	Clock     clockwork.Clock
	Log       *zap.Logger
}

func NewHandler(hub *chathub.ManagerService, deps chathub.SessionDeps, ident *identity.Service) *Handler {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Handler{
		Hub:       hub,
		Matcher:   deps.Matcher,
		Store:     deps.Store,
		Keys:      deps.Keys,
		Identity:  ident,
		Localizer: deps.Localizer,
		Clock:     clock,
		Log:       log.Named("http"),
	}
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", h.Health)
	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)

	api := r.Group("/api", h.RequireIdentity)
	api.POST("/rooms/join", h.JoinRoom)
	api.GET("/rooms/:id", h.GetRoom)
	api.GET("/rooms/:id/messages", h.ListMessages)
	api.POST("/rooms/:id/leave", h.LeaveRoom)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) requestContext(c *gin.Context) context.Context {
	return c.Request.Context()
}
