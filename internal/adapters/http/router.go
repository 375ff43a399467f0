package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/app"
	"github.com/varkas/meshroom/internal/config"
)

// SetupRouter builds the local diagnostics surface: health, room and session
// introspection, and prometheus metrics. It binds to loopback only; nothing
// here is meant for other peers.
func SetupRouter(cfg *config.Config, orch *app.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/room", func(c *gin.Context) {
		c.JSON(200, orch.RoomSnapshot())
	})
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(200, orch.SessionsSnapshot())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Msg("diagnostics router setup")
	return r
}
