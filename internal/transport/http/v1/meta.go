package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/adapter/llm"
	"github.com/xiaot623/localapi/internal/domain"
)

// ListModels lists the backend's models.
// GET /v1/models
func (h *Handler) ListModels(c echo.Context) error {
	models, err := h.service.ListModels(c.Request().Context())
	if err != nil {
		traceID := domain.NewTraceID()
		h.logger.Warn("list models failed", zap.String("trace_id", traceID), zap.Error(err))
		return c.JSON(http.StatusBadGateway, domain.ErrorResponse{Error: internalError, TraceID: traceID})
	}
	return c.JSON(http.StatusOK, llm.ModelsResponse{
		Object: "list",
		Data:   models,
	})
}

// GetConfig returns the non-secret configuration.
// GET /v1/config
func (h *Handler) GetConfig(c echo.Context) error {
	out := h.config.Public()
	out["tools"] = h.service.ToolNames()
	return c.JSON(http.StatusOK, out)
}
