// Package v1 provides the /v1 HTTP handlers.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/config"
	"github.com/xiaot623/localapi/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	config  *config.Config
	logger  *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, cfg *config.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		config:  cfg,
		logger:  logger,
	}
}

// RegisterRoutes registers the routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Turns
	e.POST("/v1/responses", h.CreateResponse)
	e.GET("/v1/responses/:response_id", h.GetResponse)

	// Threads
	e.GET("/v1/threads/:thread_id/messages", h.GetThreadMessages)
	e.GET("/v1/threads/:thread_id/summary", h.GetThreadSummary)
	e.POST("/v1/threads/:thread_id/summarize", h.SummarizeThread)
	e.GET("/v1/threads/:thread_id/context", h.GetThreadContext)

	// Meta
	e.GET("/v1/models", h.ListModels)
	e.GET("/v1/config", h.GetConfig)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
