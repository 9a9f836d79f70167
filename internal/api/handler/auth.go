package handler

import (
	"errors"
	"net/http"
	"strings"

	"moodchat/backend/internal/identity"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const anonIDKey = "anon_id"

// GetAnonID створює AnonID та повертає JWT
func (h *Handler) GetAnonID(c *gin.Context) {
	token, anonID, err := h.Identity.SignInAnonymously()
	if err != nil {
		h.Log.Error("sign in failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"anon_id":    anonID,
		"expires_in": int(h.Identity.TTL().Seconds()),
	})
}

// tokenFromRequest takes the bearer token from the Authorization header or,
// for browsers opening a websocket, the token query parameter.
func tokenFromRequest(c *gin.Context) string {
	if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return c.Query("token")
}

// authenticate validates the request token and returns the anon id it carries.
// On failure the response has already been written.
func (h *Handler) authenticate(c *gin.Context) (string, bool) {
	token := tokenFromRequest(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return "", false
	}

	anonID, err := h.Identity.Verify(h.requestContext(c), token)
	switch {
	case err == nil:
		return anonID, true
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrRevoked):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
	default:
		h.Log.Error("token verification failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Could not verify token"})
	}
	return "", false
}

// RequireIdentity is middleware storing the caller's anon id in the context.
func (h *Handler) RequireIdentity(c *gin.Context) {
	anonID, ok := h.authenticate(c)
	if !ok {
		return
	}
	c.Set(anonIDKey, anonID)
	c.Next()
}

func anonIDFrom(c *gin.Context) string {
	return c.GetString(anonIDKey)
}
