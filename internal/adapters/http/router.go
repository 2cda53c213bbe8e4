package http

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/health"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	sessionName     = "PulseSessions"
	sessionTokenKey = "token"
)

// ClientTokenMiddleware exposes the token stored in the session cookie, if any,
// as "client_token".
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := sessions.Default(c).Get(sessionTokenKey).(string); ok && token != "" {
			c.Set("client_token", token)
		}
		c.Next()
	}
}

// APIKeyMiddleware guards domain-facing endpoints. An empty key disables the check.
func APIKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Api-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, hc *health.Handler) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))

	if hc != nil {
		r.GET("/healthz", gin.WrapF(hc.Liveness))
		r.GET("/readyz", gin.WrapF(hc.Readiness))
	}

	h := &handlers{svc: o.Service, identity: o.Identity}
	ctrl := signal.NewSignalWSController(o, signal.Settings{
		ReadLimit:    cfg.Transport.ReadLimit,
		SendBuffer:   cfg.Transport.SendBuffer,
		InboundQueue: cfg.Transport.InboundQueue,
		WriteTimeout: cfg.Transport.WriteTimeout,
		PingPeriod:   cfg.Transport.PingPeriod,
	})

	api := r.Group("/api")
	api.POST("/session", h.createSession)
	api.DELETE("/session", h.deleteSession)
	api.GET("/ws", ClientTokenMiddleware(), func(c *gin.Context) {
		ctrl.HandleSignal(ctx, c)
	})

	domainAPI := api.Group("", APIKeyMiddleware(cfg.APIKey))
	domainAPI.POST("/rooms/:room/events", h.publishRoomEvent)
	domainAPI.POST("/users/:user/notify", h.notifyUser)
	domainAPI.GET("/presence", h.onlineUsers)
	domainAPI.GET("/presence/:user", h.presence)
	domainAPI.GET("/rooms", h.rooms)
	domainAPI.GET("/rooms/:room/members", h.members)
	domainAPI.GET("/cluster", h.cluster)

	log.Info().Str("module", "adapters.http").Str("instance", string(o.Service.Instance)).Msg("router setup")
	return r
}
