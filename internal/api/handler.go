package api

import (
	"net/http"
	"time"

	"autotrade-core/internal/broker"
	"autotrade-core/internal/engine"
	"autotrade-core/internal/events"
	"autotrade-core/internal/monitor"
	"autotrade-core/pkg/crypto"
	"autotrade-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Bus       *events.Bus
	Queries   *db.UserQueries
	Engine    engine.Service
	Funds     *broker.FundsService
	Metrics   *monitor.SystemMetrics
	Encryptor *crypto.Encryptor
	JWTSecret string
}

// NewServer builds the router and middleware stack.
func NewServer(bus *events.Bus, queries *db.UserQueries, svc engine.Service, funds *broker.FundsService, metrics *monitor.SystemMetrics, enc *crypto.Encryptor, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       bus,
		Queries:   queries,
		Engine:    svc,
		Funds:     funds,
		Metrics:   metrics,
		Encryptor: enc,
		JWTSecret: jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)
		api.GET("/market-status", s.getMarketStatus)

		// Auth endpoints (no auth required)
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			at := protected.Group("/autotrading")
			{
				at.GET("/status", s.getAutoTradingStatus)
				at.POST("/enable", s.enableAutoTrading)
				at.POST("/disable", s.disableAutoTrading)
				at.PUT("/settings", s.updateSettings)
				at.POST("/pause", s.pauseAutoTrading)
				at.POST("/resume", s.resumeAutoTrading)
				at.POST("/emergency-stop", s.emergencyStop)
			}

			protected.GET("/trades", s.listTrades)
			protected.GET("/balance", s.getBalance)

			brokers := protected.Group("/broker")
			{
				brokers.POST("/link", s.linkBroker)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
