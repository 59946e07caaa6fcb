package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/ldp/internal/auth"
	"github.com/danmuck/ldp/internal/observability"
	"github.com/danmuck/ldp/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const defaultListLimit = 100

func (s *Service) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.log))
	r.Use(observability.RequestMetricsMiddleware(s.metrics, s.cfg.Name))
	if origins := normalizeOrigins(s.cfg.CorsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	sessions := r.Group("/sessions")
	if s.cfg.AdminToken != "" {
		sessions.Use(requireToken(auth.StaticToken{Token: s.cfg.AdminToken}))
	}
	sessions.GET("", s.handleListSessions)
	sessions.GET("/live", s.handleLiveSessions)
	sessions.GET("/:conn/rtt", s.handleRTTSamples)
	sessions.POST("/:conn/ping", s.handlePing)
	return r
}

func requireToken(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"node":            s.cfg.Name,
		"uptime":          time.Since(s.appeared).String(),
		"active_sessions": len(s.ActiveSessions()),
	})
}

func (s *Service) handleListSessions(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	sessions, err := s.db.ListSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = []store.SessionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Service) handleLiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.ActiveSessions()})
}

func (s *Service) handleRTTSamples(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	samples, err := s.db.RTTSamples(c.Request.Context(), c.Param("conn"), limit)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conn_id": c.Param("conn"), "samples": samples})
}

func (s *Service) handlePing(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.SessionDeadAfter)
	defer cancel()
	rtt, err := s.Ping(ctx, c.Param("conn"))
	switch {
	case errors.Is(err, ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no live session"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "ping timed out"})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"conn_id": c.Param("conn"), "rtt": rtt.String(), "rtt_us": rtt.Microseconds()})
	}
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return n, true
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, origin)
	}
	return out
}
