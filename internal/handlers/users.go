package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/store"
)

// OnlineSource reads the online set from a shared store.
type OnlineSource interface {
	Online(ctx context.Context) ([]models.OnlineUser, error)
}

// LocalOnline is the in-process view of who is online.
type LocalOnline interface {
	Online() []models.OnlineUser
}

type UserHandler struct {
	users  UserStore
	shared OnlineSource
	local  LocalOnline
}

// NewUserHandler wires the directory endpoints. shared may be nil.
func NewUserHandler(users UserStore, shared OnlineSource, local LocalOnline) *UserHandler {
	return &UserHandler{users: users, shared: shared, local: local}
}

// GetAllUsers lists everyone except the caller as public profiles
func (h *UserHandler) GetAllUsers(c *gin.Context) {
	users, ok := h.listOthers(c)
	if !ok {
		return
	}
	public := make([]models.PublicUser, 0, len(users))
	for i := range users {
		public = append(public, users[i].Public())
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": public})
}

// AdminGetAllUsers lists everyone except the caller with full records (admin only)
func (h *UserHandler) AdminGetAllUsers(c *gin.Context) {
	users, ok := h.listOthers(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "users": users})
}

func (h *UserHandler) listOthers(c *gin.Context) ([]models.User, bool) {
	users, err := h.users.ListExcept(c.Request.Context(), c.GetString(middleware.ContextUserID))
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to list users")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return nil, false
	}
	return users, true
}

// Online returns the current online set, preferring the shared mirror
func (h *UserHandler) Online(c *gin.Context) {
	if h.shared != nil {
		users, err := h.shared.Online(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"success": true, "count": len(users), "users": users})
			return
		}
		log.Warn().Err(err).Str("module", "handlers").Msg("shared online set unavailable, using local hub")
	}
	users := h.local.Online()
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(users), "users": users})
}

// DeleteUser removes a user by username (admin only)
func (h *UserHandler) DeleteUser(c *gin.Context) {
	username := c.Param("username")
	err := h.users.DeleteByUsername(c.Request.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "User not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Str("username", username).Msg("failed to delete user")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	log.Info().Str("module", "handlers").Str("username", username).Str("by", c.GetString(middleware.ContextUserID)).Msg("user deleted")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User deleted successfully"})
}

// MakeAdmin promotes a user by username (admin only)
func (h *UserHandler) MakeAdmin(c *gin.Context) {
	username := c.Param("username")
	err := h.users.MakeAdmin(c.Request.Context(), username)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "User not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Str("username", username).Msg("failed to promote user")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	log.Info().Str("module", "handlers").Str("username", username).Str("by", c.GetString(middleware.ContextUserID)).Msg("user promoted")
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "User made admin successfully"})
}
