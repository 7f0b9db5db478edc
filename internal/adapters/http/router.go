// Package http exposes the call intents and the state feed to the UI layer.
package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peercall/peercall/internal/app"
	"github.com/peercall/peercall/internal/config"
	"github.com/peercall/peercall/internal/core"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware pins a stable per-browser user id in a cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry, history core.HistoryRecorder) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("PeercallSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &CallHandlers{Registry: reg, History: history}

	api := r.Group("/api")
	call := api.Group("/call")
	call.POST("/place", h.PlaceCall)
	call.POST("/answer", h.AnswerCall)
	call.POST("/decline", h.DeclineCall)
	call.POST("/hangup", h.HangUp)
	call.POST("/toggle-mute", h.ToggleMute)
	call.POST("/toggle-video", h.ToggleVideo)
	call.POST("/switch-camera", h.SwitchCamera)
	call.GET("/state", h.State)
	call.GET("/history", h.ListHistory)

	api.GET("/ws/state", func(c *gin.Context) {
		h.HandleStateFeed(ctx, cfg, c)
	})

	return r
}
