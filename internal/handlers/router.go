package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/webrtc-calling/config"
	"github.com/mossy-p/webrtc-calling/internal/middleware"
	"github.com/mossy-p/webrtc-calling/internal/presence"
	"github.com/mossy-p/webrtc-calling/internal/signaling"
)

// Denylist revokes tokens on logout and is consulted on every request.
type Denylist interface {
	TokenRevoker
	middleware.RevocationChecker
}

// Deps are the collaborators the router wires together. Denylist and Online
// are optional.
type Deps struct {
	Config   *config.Config
	Users    UserStore
	Denylist Denylist
	Online   OnlineSource
	Hub      *presence.Hub
	Relay    *signaling.Relay
}

// NewRouter builds the gin engine with every route of the service.
func NewRouter(d Deps) *gin.Engine {
	if d.Config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.Config.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": d.Hub.ConnectionCount(),
		})
	})

	router.StaticFS("/public", publicFS())

	var (
		revoker TokenRevoker
		checker middleware.RevocationChecker
	)
	if d.Denylist != nil {
		revoker, checker = d.Denylist, d.Denylist
	}
	auth := middleware.JWTAuth(d.Config.JWTSecret, checker)

	authHandler := NewAuthHandler(d.Users, revoker, d.Config)
	userHandler := NewUserHandler(d.Users, d.Online, d.Hub)
	signalingHandler := NewSignalingHandler(d.Hub, d.Relay, d.Config.WS)

	api := router.Group("/api")
	{
		authGroup := api.Group("/auth")
		authGroup.POST("/signup", authHandler.Signup)
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/logout", auth, authHandler.Logout)

		userGroup := api.Group("/user", auth)
		userGroup.GET("/getAllUsers", userHandler.GetAllUsers)
		userGroup.GET("/online", userHandler.Online)

		adminGroup := api.Group("/admin", auth, middleware.RequireAdmin(d.Users))
		adminGroup.GET("/getAllUsers", userHandler.AdminGetAllUsers)
		adminGroup.DELETE("/deleteUser/:username", userHandler.DeleteUser)
		adminGroup.PATCH("/makeAdmin/:username", userHandler.MakeAdmin)
	}

	// WebSocket signaling endpoint
	router.GET("/ws/signal", auth, signalingHandler.HandleSignaling)

	return router
}
