package server

import (
	"strings"
	"time"

	"github.com/fitloop/cadence/internal/actorctx"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ActorMiddleware threads the calling actor into the request context so audit
// rows name who asked for the change.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actor := strings.TrimSpace(c.GetHeader("X-Actor-ID")); actor != "" {
			c.Request = c.Request.WithContext(actorctx.WithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}
