package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentbattle/internal/battle"
	"github.com/mbd888/agentbattle/internal/health"
	"github.com/mbd888/agentbattle/internal/metrics"
	"github.com/mbd888/agentbattle/internal/usdc"
	"github.com/mbd888/agentbattle/internal/validation"
)

func (s *Server) routes() {
	r := s.router
	r.GET("/health", s.healthHandler)
	r.GET("/health/live", s.livenessHandler)
	r.GET("/health/ready", s.readinessHandler)
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	v1 := r.Group("/v1")
	v1.GET("", s.infoHandler)
	v1.POST("/sessions", s.createSession)
	v1.GET("/sessions", s.listSessions)

	sess := v1.Group("/sessions/:id", validation.SessionParamMiddleware())
	sess.GET("", s.getSession)
	sess.DELETE("", s.deleteSession)
	sess.POST("/intents", s.limiter.Middleware(), s.dispatchIntent)
	sess.GET("/timeline", s.getTimeline)
	sess.GET("/summary", s.getSummary)
	sess.GET("/actions", s.getActions)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Sessions  int             `json:"sessions"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Sessions:  s.store.Count(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	var ok bool
	if ok, resp.Checks = s.health.CheckAll(ctx); !ok {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// livenessHandler fails only once the server has begun draining.
func (s *Server) livenessHandler(c *gin.Context) {
	if s.draining.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	d := s.battles.Defaults()
	c.JSON(http.StatusOK, gin.H{
		"name":        "Agent Battle",
		"description": "Two-party agent transaction simulator",
		"version":     Version,
		"currency":    "USDC",
		"intents":     battle.Kinds,
		"defaults": gin.H{
			"requesterStable":      usdc.Compact(d.RequesterStable),
			"providerStable":       usdc.Compact(d.ProviderStable),
			"gas":                  usdc.CompactUnits(d.Gas, usdc.GasDecimals),
			"maxRounds":            d.DefaultMaxRounds,
			"deadlineSeconds":      int64(d.DefaultDeadline.Seconds()),
			"disputeWindowSeconds": int64(d.DefaultDisputeWindow.Seconds()),
		},
	})
}
