// Package middleware provides Echo middleware for logging, metrics, and header hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// quietPaths are probed constantly and only logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
}

// RequestLogger returns an Echo middleware that logs each request with slog.
// The level follows the response status.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()
			logger.Log(req.Context(), requestLevel(req.URL.Path, res.Status), "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"range", req.Header.Get("Range"),
				"bytes_out", res.Size,
			)
			return err
		}
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case quietPaths[path]:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
