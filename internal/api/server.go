// Package api exposes a read-mostly status server over the trading loop.
// It never drives trading; the only mutating endpoints toggle the kill
// switch for operators.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pumpfun-trading-bot/internal/execution"
	"pumpfun-trading-bot/internal/pipeline"
	"pumpfun-trading-bot/internal/risk"
)

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server is the status HTTP API
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	pipeline   *pipeline.Pipeline
	guard      *risk.Guard
	exits      *execution.ExitExecutor
	killSwitch *execution.KillSwitch
	startedAt  time.Time
}

// NewServer creates the status server
func NewServer(
	config ServerConfig,
	pipe *pipeline.Pipeline,
	guard *risk.Guard,
	exits *execution.ExitExecutor,
	killSwitch *execution.KillSwitch,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:     router,
		logger:     logger.With().Str("component", "api").Logger(),
		pipeline:   pipe,
		guard:      guard,
		exits:      exits,
		killSwitch: killSwitch,
		startedAt:  time.Now().UTC(),
	}
	server.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/positions", s.handlePositions)
		api.GET("/exits", s.handleExits)
		api.GET("/killswitch", s.handleKillSwitchStatus)
		api.POST("/killswitch/engage", s.handleKillSwitchEngage)
		api.POST("/killswitch/release", s.handleKillSwitchRelease)
	}
}

// Start begins serving in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server failed")
		}
	}()
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pipeline": s.pipeline.StatsSnapshot(),
		"exits":    s.exits.Stats(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"positions": s.guard.Positions(),
	})
}

func (s *Server) handleExits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"history": s.guard.ExitHistory(),
		"results": s.exits.Results(),
	})
}

func (s *Server) handleKillSwitchStatus(c *gin.Context) {
	engaged, reason, since := s.killSwitch.Status()
	c.JSON(http.StatusOK, gin.H{
		"engaged": engaged,
		"reason":  reason,
		"since":   since,
	})
}

func (s *Server) handleKillSwitchEngage(c *gin.Context) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "manual"
	}

	s.killSwitch.Engage(body.Reason)
	c.JSON(http.StatusOK, gin.H{"engaged": true})
}

func (s *Server) handleKillSwitchRelease(c *gin.Context) {
	s.killSwitch.Release()
	c.JSON(http.StatusOK, gin.H{"engaged": false})
}
