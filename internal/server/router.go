package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openspans/callcore/internal/config"
	"github.com/openspans/callcore/internal/core"
	"github.com/openspans/callcore/internal/relay"
)

// ClientTokenMiddleware assigns each browser a stable token cookie; the
// token is the user id the relay feed is keyed on.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, rel *relay.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("CallSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := NewWSController(rel, cfg)
	api := r.Group("/api")

	api.GET("/ws/relay", func(c *gin.Context) {
		log.Info().Str("module", "server").Str("uid", c.GetString("client_token")).Msg("ws relay endpoint hit")
		ctrl.HandleRelay(ctx, c)
	})

	// Call history lookup against the durable store.
	api.GET("/calls/:id", func(c *gin.Context) {
		record, err := rel.Store().GetCall(c.Request.Context(), c.Param("id"))
		if errors.Is(err, core.ErrNoSuchCall) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such call"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, record)
	})

	api.GET("/calls/:id/participants", func(c *gin.Context) {
		parts, err := rel.Store().Participants(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, parts)
	})

	log.Info().Str("module", "server").Msg("router setup")
	return r
}
