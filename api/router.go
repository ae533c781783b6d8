package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clipper/config"
	"clipper/logger"
)

func SetupRouter(h *Handler, cfg *config.Config, gatherer prometheus.Gatherer, log logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(log), CORSMiddleware())

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	// The signature is the credential for file links, so they sit outside auth.
	v1.GET("/files/*key", h.handleGetFile)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(cfg))
	{
		authed.POST("/jobs", h.handleCreateJob)
		authed.GET("/jobs", h.handleListJobs)
		authed.GET("/jobs/:jobId", h.handleGetJobStatus)
		authed.DELETE("/jobs/:jobId", h.handleDeleteJob)
		authed.PATCH("/jobs/:jobId/cancel", h.handleCancelJob)
		authed.GET("/stats", h.handleGetStats)
		authed.GET("/clips/:clipId/download", h.handleDownloadClip)
	}
	return r
}
