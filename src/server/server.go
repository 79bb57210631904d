package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"signal-hub/src/interfaces"
	"signal-hub/src/logger"
	"signal-hub/src/models"

	"github.com/gin-gonic/gin"
)

// -----------------------------------------------------------------------------
// HTTPServer
// -----------------------------------------------------------------------------

type HTTPServer struct {
	Config *models.MConfig
	Logger *logger.Logger
	Hub    interfaces.IEventHub

	engine     *gin.Engine
	httpServer *http.Server
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewHTTPServer(cfg *models.MConfig, hub interfaces.IEventHub, logger *logger.Logger) *HTTPServer {
	// Set Gin mode
	if cfg.LogLevel != "DEBUG" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &HTTPServer{
		Config: cfg,
		Logger: logger,
		Hub:    hub,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery())

	// Add CORS Middleware
	s.engine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://127.0.0.1:") || strings.HasPrefix(origin, "http://localhost:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// setup web routes
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *HTTPServer) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.getHealth)
	api.GET("/config", s.getConfig)
	api.GET("/subscriptions", s.listSubscriptions)
	api.POST("/subscriptions", s.createSubscription)
	api.DELETE("/subscriptions/:id", s.deleteSubscription)
	api.POST("/events", s.publishEvent)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// Handler exposes the router for httptest.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

// Start serves until Stop is called. A clean shutdown returns nil.
func (s *HTTPServer) Start() error {
	s.Logger.Info("Starting server on %s", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// -----------------------------------------------------------------------------
// Route Handlers
// -----------------------------------------------------------------------------

func (s *HTTPServer) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"engine": s.Hub.HealthSnapshot(),
	})
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fanout": s.Config.Fanout,
		"routes": s.Config.Routes,
	})
}

// -----------------------------------------------------------------------------

type subscriptionRequest struct {
	UserID   string           `json:"user_id" binding:"required"`
	Criteria models.MCriteria `json:"criteria"`
}

func (s *HTTPServer) createSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	subID, err := s.Hub.Subscribe(req.UserID, req.Criteria)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription_id": subID})
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) listSubscriptions(c *gin.Context) {
	userID := userIDFrom(c)
	if userID == "" {
		writeError(c, http.StatusBadRequest, errMissingUser)
		return
	}
	subs := s.Hub.Subscriptions(userID)
	if subs == nil {
		subs = []models.MSubscription{}
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

// -----------------------------------------------------------------------------

func (s *HTTPServer) deleteSubscription(c *gin.Context) {
	if !s.Hub.Unsubscribe(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------

// publishEvent is the producer entry point. The event is queued and the call
// returns before routing.
func (s *HTTPServer) publishEvent(c *gin.Context) {
	var event models.MEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if event.Type == "" {
		writeError(c, http.StatusBadRequest, errMissingType)
		return
	}
	assignEventID(&event)

	if !s.Hub.Broadcast(event) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingress queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": event.ID})
}
