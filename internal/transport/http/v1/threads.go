package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/localapi/internal/service"
)

// GetThreadMessages returns a thread's latest messages, oldest first.
// GET /v1/threads/:thread_id/messages?limit=50
func (h *Handler) GetThreadMessages(c echo.Context) error {
	limit := service.DefaultMessageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > service.MaxMessageLimit {
			return badRequest(c, fmt.Sprintf("limit must be an integer in 1..%d", service.MaxMessageLimit))
		}
		limit = n
	}

	msgs, err := h.service.GetThreadMessages(c.Request().Context(), c.Param("thread_id"), limit)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

// GetThreadSummary returns a thread's summary.
// GET /v1/threads/:thread_id/summary
func (h *Handler) GetThreadSummary(c echo.Context) error {
	summary, err := h.service.GetSummary(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"thread_id":  summary.ThreadID,
		"summary":    summary.Content,
		"updated_at": summary.UpdatedAt,
	})
}

// SummarizeThread folds a thread now.
// POST /v1/threads/:thread_id/summarize
func (h *Handler) SummarizeThread(c echo.Context) error {
	threadID := c.Param("thread_id")
	summary, err := h.service.Summarize(c.Request().Context(), threadID)
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"thread_id": threadID,
		"summary":   summary,
	})
}

// GetThreadContext reports how the next prompt would be assembled.
// GET /v1/threads/:thread_id/context
func (h *Handler) GetThreadContext(c echo.Context) error {
	report, err := h.service.InspectContext(c.Request().Context(), c.Param("thread_id"))
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}
