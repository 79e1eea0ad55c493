package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/domain"
)

// CreateResponse runs one turn.
// POST /v1/responses
func (h *Handler) CreateResponse(c echo.Context) error {
	var req domain.TurnRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if req.Stream {
		return h.streamResponse(c, req)
	}

	res, err := h.service.Respond(c.Request().Context(), req)
	if err != nil {
		return h.turnError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// streamResponse writes the turn as server-sent events. Failures before the
// first event are returned as a JSON error.
func (h *Handler) streamResponse(c echo.Context, req domain.TurnRequest) error {
	w := c.Response()
	started := false

	err := h.service.RespondStream(c.Request().Context(), req, func(ev domain.StreamEvent) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err == nil {
		return nil
	}
	if !started {
		return h.turnError(c, err)
	}
	// The status line is gone; the error event was already sent.
	h.logger.Debug("stream ended with error", zap.Error(err))
	return nil
}

// GetResponse returns a stored response.
// GET /v1/responses/:response_id
func (h *Handler) GetResponse(c echo.Context) error {
	detail, err := h.service.GetResponse(c.Request().Context(), c.Param("response_id"))
	if err != nil {
		return h.queryError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}
