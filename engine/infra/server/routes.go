package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flapi/flapi/engine/config"
	"github.com/flapi/flapi/pkg/routeutil"
)

// registerRoutes wires the static surface. Endpoint routes are dynamic and
// resolved per request through the dispatcher, so reloads take effect
// without re-registration.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/", s.handleBanner)
	router.GET("/config", s.handleConfigDump)
	router.DELETE("/config", s.handleConfigReload)
	router.POST("/config/:slug/cache/refresh", s.handleCacheRefresh)
	router.POST("/config/:slug/reload", s.handleEndpointReload)
	router.GET("/doc", s.handleDocPage)
	router.GET("/doc.yaml", s.handleDoc)
	router.GET("/metrics", s.metricsHandler())
	if s.mcpHandler != nil {
		router.Any("/mcp", gin.WrapH(s.mcpHandler))
	}
	router.NoRoute(s.dispatch)
}

func (s *Server) handleBanner(c *gin.Context) {
	cfg := s.store.Config()
	c.JSON(http.StatusOK, gin.H{
		"project":     cfg.ProjectName,
		"description": cfg.ProjectDescription,
		"endpoints":   len(s.store.Snapshot()),
	})
}

// handleConfigDump lists the live endpoints with their routing surface.
func (s *Server) handleConfigDump(c *gin.Context) {
	type endpointSummary struct {
		URLPath   string   `json:"url_path,omitempty"`
		Method    string   `json:"method,omitempty"`
		Slug      string   `json:"slug,omitempty"`
		Formats   []string `json:"formats"`
		Cached    bool     `json:"cached"`
		Auth      bool     `json:"auth"`
		RateLimit bool     `json:"rate_limit"`
	}
	endpoints := s.store.Snapshot()
	out := make([]endpointSummary, 0, len(endpoints))
	for _, ep := range endpoints {
		summary := endpointSummary{
			Formats:   ep.ResponseFormat.FormatsOrDefault(),
			Cached:    ep.Cache.Enabled,
			Auth:      ep.Auth.Enabled,
			RateLimit: ep.RateLimit.Enabled,
		}
		if ep.IsRest() {
			summary.URLPath = ep.URLPath
			summary.Method = ep.HTTPMethod()
			summary.Slug = routeutil.EncodeSlug(ep.URLPath)
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, gin.H{"project": s.store.Config().ProjectName, "endpoints": out})
}

// handleConfigReload re-parses every endpoint file and swaps the snapshot.
func (s *Server) handleConfigReload(c *gin.Context) {
	if err := s.store.ReloadAll(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "endpoints": len(s.store.Snapshot())})
}

// handleEndpointReload re-parses one endpoint's file, addressed by its URL
// slug. The previous endpoint stays live when the reload fails.
func (s *Server) handleEndpointReload(c *gin.Context) {
	slug := c.Param("slug")
	ep := s.findBySlug(slug)
	if ep == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no endpoint matches this slug"})
		return
	}
	if err := s.store.ReloadEndpoint(c.Request.Context(), ep.URLPath); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "endpoint": ep.URLPath})
}

// handleCacheRefresh triggers one endpoint's cache refresh, addressed by its
// URL slug.
func (s *Server) handleCacheRefresh(c *gin.Context) {
	slug := c.Param("slug")
	ep := s.findBySlug(slug)
	if ep == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no endpoint matches this slug"})
		return
	}
	if !ep.Cache.Enabled {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "endpoint has no cache"})
		return
	}
	if err := s.pipe.Cache().Refresh(c.Request.Context(), ep, map[string]string{}); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed", "endpoint": ep.URLPath})
}

func (s *Server) findBySlug(slug string) *config.Endpoint {
	for _, ep := range s.store.Snapshot() {
		if ep.IsRest() && routeutil.MatchSlug(slug, ep.URLPath) {
			return ep
		}
	}
	return nil
}
