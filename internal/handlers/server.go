package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/telehealth-signaling/config"
	"github.com/mossy-p/telehealth-signaling/internal/auth"
	"github.com/mossy-p/telehealth-signaling/internal/hub"
	"github.com/mossy-p/telehealth-signaling/internal/middleware"
)

// Presence receives online/offline transitions of registered users.
type Presence interface {
	Online(ctx context.Context, user string) error
	Offline(ctx context.Context, user string) error
}

// NoopPresence discards presence updates.
type NoopPresence struct{}

func (NoopPresence) Online(context.Context, string) error  { return nil }
func (NoopPresence) Offline(context.Context, string) error { return nil }

// Server carries the dependencies shared by the HTTP and WebSocket handlers.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	verifier auth.Verifier
	presence Presence
	upgrader websocket.Upgrader

	// presenceMu orders presence writes against hub registrations.
	presenceMu sync.Mutex
}

// NewServer wires the handlers to h. A nil presence disables mirroring.
func NewServer(cfg *config.Config, h *hub.Hub, presence Presence) *Server {
	if presence == nil {
		presence = NoopPresence{}
	}
	return &Server{
		cfg: cfg,
		hub: h,
		verifier: auth.Verifier{
			SharedSecret: cfg.SharedSecret,
			JWTSecret:    cfg.JWTSecret,
		},
		presence: presence,
		upgrader: newUpgrader(),
	}
}

// NewRouter builds the gin engine with every route the relay serves.
func (s *Server) NewRouter() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(s.cfg.AllowedOrigins))

	router.GET("/health", s.Health)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", s.Login)
		apiGroup.GET("/offers", middleware.JWTAuth(s.cfg.JWTSecret), s.ListOffers)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", s.HandleSignaling)
	}

	return router
}

// Health reports liveness plus the size of the hub's registries.
func (s *Server) Health(c *gin.Context) {
	stats := s.hub.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"peers":  stats.Peers,
		"offers": stats.Offers,
	})
}
