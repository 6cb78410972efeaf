// Package gin adapts the HTTP tool server to Gin routers.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates payment handling to the x402/http package.
package gin

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	x402http "github.com/nacorid/x402/http"
)

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "x402_request_id"

// NewRequestLogger tags each request with an X-Request-ID, stores it in both
// the gin and the request context, and logs one line per request.
//
// Example usage:
//
//	r := gin.New()
//	r.Use(gin.Recovery(), x402gin.NewRequestLogger(logger))
//	r.POST("/tools/:name", x402gin.ToolHandler(tools))
func NewRequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		id := x402http.RequestID(c.Request)
		c.Set(RequestIDKey, id)
		c.Header(x402http.RequestIDHeader, id)
		c.Request = c.Request.WithContext(x402http.WithRequestID(c.Request.Context(), id))

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"route", c.FullPath(),
			"status", status,
			"duration", time.Since(start),
		)
	}
}

// ToolHandler serves a priced tool call through ts. The route must declare
// a :name parameter.
func ToolHandler(ts *x402http.ToolServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ts.ServeTool(c.Writer, c.Request, c.Param("name"))
	}
}

// GetRequestID returns the id stored by NewRequestLogger, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
