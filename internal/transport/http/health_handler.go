package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"licensor/internal/services"
)

// HealthHandler serves liveness and readiness information.
type HealthHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewHealthHandler builds the handler.
func NewHealthHandler(service services.LicenseService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Health handles GET /healthz.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.service.Health(r.Context())
	if !status.Healthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, status)
}
