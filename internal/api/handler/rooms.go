package handler

import (
	"errors"
	"net/http"

	"moodchat/backend/internal/chathub"
	"moodchat/backend/internal/models"
	"moodchat/backend/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type joinRequest struct {
	Mood string `json:"mood" binding:"required"`
}

// JoinRoom runs one matchmaking step for the caller and returns the room.
func (h *Handler) JoinRoom(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mood is required"})
		return
	}
	mood, err := models.ParseMood(req.Mood)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "moods": models.Moods})
		return
	}

	room, err := h.Matcher.JoinOrCreate(h.requestContext(c), mood, anonIDFrom(c))
	if err != nil {
		h.Log.Warn("join failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Matchmaking failed, try again"})
		return
	}
	c.JSON(http.StatusOK, room)
}

// loadRoom fetches the :id room and checks the caller is in it.
// On failure the response has already been written.
func (h *Handler) loadRoom(c *gin.Context) (*models.Room, bool) {
	room, err := h.Store.GetRoom(h.requestContext(c), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return nil, false
	case err != nil:
		h.Log.Error("get room failed", zap.String("room_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		return nil, false
	}
	if !room.HasParticipant(anonIDFrom(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a participant of this room"})
		return nil, false
	}
	return room, true
}

// GetRoom returns the room to one of its participants.
func (h *Handler) GetRoom(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// ListMessages returns the decrypted history. An ended room answers 410.
func (h *Handler) ListMessages(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	ctx := h.requestContext(c)
	userID := anonIDFrom(c)

	msgs, err := h.Store.ListMessages(ctx, room.ID, userID)
	switch {
	case storage.IsAccessDenied(err):
		c.JSON(http.StatusGone, gin.H{"error": "Room has ended", "reason": string(chathub.EndAccessDenied)})
		return
	case err != nil:
		h.Log.Error("list messages failed", zap.String("room_id", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	key, err := h.Keys.RoomKey(ctx, room, userID)
	if err != nil {
		h.Log.Error("room key unavailable", zap.String("room_id", room.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load messages"})
		return
	}

	out := make([]models.DisplayMessage, 0, len(msgs))
	for _, m := range msgs {
		dm, err := chathub.RenderMessage(m, userID, key)
		if err != nil {
			h.Log.Warn("message could not be decrypted", zap.String("message_id", m.ID), zap.Error(err))
		}
		out = append(out, dm)
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID, "messages": out})
}

// LeaveRoom ends the room and signs the caller out.
func (h *Handler) LeaveRoom(c *gin.Context) {
	room, ok := h.loadRoom(c)
	if !ok {
		return
	}
	ctx := h.requestContext(c)
	userID := anonIDFrom(c)

	var errs error
	if room.Status == models.StatusWaiting && room.User1ID == userID {
		_, err := h.Store.DeleteWaitingRoom(ctx, room.ID, userID)
		errs = multierr.Append(errs, err)
	}
	err := h.Store.EndRoom(ctx, room.ID, userID, h.Clock.Now())
	if !errors.Is(err, storage.ErrNotFound) {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, h.Identity.SignOut(ctx, userID))
	h.Keys.Forget(room.ID)

	if errs != nil {
		h.Log.Warn("leave incomplete", zap.String("room_id", room.ID), zap.Error(errs))
	}
	c.Status(http.StatusNoContent)
}
