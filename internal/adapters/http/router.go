package http

import (
	"context"
	"net/http"

	"github.com/dkeye/VoiceSFU/internal/adapters/signal"
	"github.com/dkeye/VoiceSFU/internal/app/orch"
	"github.com/dkeye/VoiceSFU/internal/config"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware keeps a stable browser token in the cookie session.
// It only labels log lines; it is not an identity.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get("ct").(string)
		if token == "" {
			token = genClientToken()
			s.Set("ct", token)
			if err := s.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctrl *signal.SignalWSController, gatherer prometheus.Gatherer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("SFUSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		if !o.Alive() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "engine_down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	// GET /api/participants: who is connected and what they send
	api.GET("/participants", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"participants": o.Participants()})
	})

	// DELETE /api/participants/:id: drop a connection
	api.DELETE("/participants/:id", func(c *gin.Context) {
		if !o.Kick(domain.ConnID(c.Param("id"))) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// GET /api/session: counters and the mute flag
	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Info())
	})

	return r
}
