package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error().Str("errors", c.Errors.String())
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		case c.Request.Method == http.MethodGet:
			ev = log.Debug()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("elapsed", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("http request")
	}
}

// CommandLimit rate limits state-changing requests. Reads and emergency
// stops are never limited.
func CommandLimit(perMinute float64, burst int) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(perMinute/60), burst)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		if strings.HasSuffix(c.Request.URL.Path, "/emergency-stop") {
			c.Next()
			return
		}
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{Error: &Error{Code: CodeRateLimited, Message: "too many commands"}})
			return
		}
		c.Next()
	}
}
