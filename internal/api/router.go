package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/rebound-engine/rebound/pkg/config"
	"github.com/rebound-engine/rebound/pkg/health"
	"github.com/rebound-engine/rebound/pkg/logging"
	"github.com/rebound-engine/rebound/pkg/metrics"
	"github.com/rebound-engine/rebound/pkg/tracing"
)

// NewRouter creates and configures the ops API router
func NewRouter(cfg *config.Config, handler *Handler, healthService *health.Service, m *metrics.Metrics, ts *tracing.TracingService, logger *logging.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	if ts != nil {
		router.Use(ts.TracingMiddleware())
	}
	router.Use(LoggingMiddleware(logger))
	router.Use(ErrorHandlingMiddleware())
	router.Use(SecurityHeadersMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	if m != nil {
		router.Use(m.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	router.GET("/health", healthService.Handler())
	router.GET("/health/live", healthService.LivenessHandler())
	router.GET("/health/ready", healthService.ReadinessHandler())

	router.GET("/api/v1", func(c *gin.Context) {
		SuccessResponse(c, gin.H{
			"name":    "Rebound Ops API",
			"version": "1.0.0",
			"status":  "ok",
		})
	})

	v1 := router.Group("/api/v1")
	{
		circuits := v1.Group("/circuits")
		{
			circuits.GET("", handler.ListCircuits)
			circuits.GET("/:key", handler.GetCircuit)
		}

		v1.GET("/analytics/:key", handler.GetAnalytics)

		blacklist := v1.Group("/blacklist")
		{
			blacklist.GET("/:key", handler.ListBlacklist)
			blacklist.DELETE("/:key/:strategy", handler.ClearBlacklist)
		}
	}

	return router
}
