package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/models"
	"github.com/mossy-p/webrtc-calling/internal/store"
)

// UserStore is the user directory as the HTTP layer sees it.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	ListExcept(ctx context.Context, excludeID string) ([]models.User, error)
	DeleteByUsername(ctx context.Context, username string) error
	MakeAdmin(ctx context.Context, username string) error
}

// TokenRevoker denylists a token id until it expires.
type TokenRevoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

type AuthHandler struct {
	users   UserStore
	revoker TokenRevoker
	cfg     *config.Config
}

// NewAuthHandler wires the auth endpoints. revoker may be nil, in which case
// logout only clears the cookie.
func NewAuthHandler(users UserStore, revoker TokenRevoker, cfg *config.Config) *AuthHandler {
	return &AuthHandler{users: users, revoker: revoker, cfg: cfg}
}

// Signup creates an account
func (h *AuthHandler) Signup(c *gin.Context) {
	var req models.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to hash password")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	user := &models.User{
		FullName:       req.FullName,
		Username:       req.Username,
		Email:          req.Email,
		Password:       string(hashed),
		Gender:         req.Gender,
		ProfilePicture: req.ProfilePicture,
		IsAdmin:        h.cfg.AdminUsername != "" && req.Username == h.cfg.AdminUsername,
	}
	if user.ProfilePicture == "" {
		user.ProfilePicture = models.DefaultProfilePicture
	}

	if err := h.users.Create(c.Request.Context(), user); err != nil {
		switch {
		case errors.Is(err, store.ErrUsernameTaken):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "User already exists"})
		case errors.Is(err, store.ErrEmailTaken):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Email already exists"})
		default:
			log.Error().Err(err).Str("module", "handlers").Msg("failed to create user")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		}
		return
	}

	log.Info().Str("module", "handlers").Str("user_id", user.ID).Str("username", user.Username).Msg("user signed up")
	c.JSON(http.StatusCreated, gin.H{"success": true, "message": "User created successfully", "user": user})
}

// Login checks credentials, returns a token and sets it as the jwt cookie
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body"})
		return
	}

	user, err := h.users.FindByUsername(c.Request.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "User not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to load user")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid credentials"})
		return
	}

	token, _, err := middleware.NewToken(h.cfg.JWTSecret, user.ID, h.cfg.TokenTTL)
	if err != nil {
		log.Error().Err(err).Str("module", "handlers").Msg("failed to generate token")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to generate token"})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.CookieName, token, int(h.cfg.TokenTTL.Seconds()), "/", "", h.cfg.CookieSecure, true)

	log.Info().Str("module", "handlers").Str("user_id", user.ID).Msg("user logged in")
	c.JSON(http.StatusOK, models.LoginResponse{
		Message: "Login successful",
		User:    user,
		Token:   token,
	})
}

// Logout revokes the presented token and clears the cookie
func (h *AuthHandler) Logout(c *gin.Context) {
	if claims, ok := c.Get(middleware.ContextClaims); ok && h.revoker != nil {
		cl := claims.(*middleware.JWTClaims)
		if cl.ExpiresAt != nil {
			if err := h.revoker.Revoke(c.Request.Context(), cl.ID, cl.ExpiresAt.Time); err != nil {
				log.Error().Err(err).Str("module", "handlers").Msg("failed to revoke token")
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
				return
			}
		}
	}

	c.SetCookie(middleware.CookieName, "", -1, "/", "", h.cfg.CookieSecure, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}
