package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"stream-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusBody struct {
	Status       string   `json:"status"`
	Version      string   `json:"version"`
	UpstreamURL  string   `json:"upstream_url"`
	AllowedHosts []string `json:"allowed_hosts"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusBody{
		Status:       "ok",
		Version:      string(h.version),
		UpstreamURL:  h.cfg.Upstream.BaseURL,
		AllowedHosts: h.cfg.Upstream.Hosts(),
	})
}
