package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/domain"
)

const internalError = "internal error"

// turnError writes the client view of a failed turn. Invalid input gets
// its reason; everything else is reported generically with a trace id.
func (h *Handler) turnError(c echo.Context, err error) error {
	body := domain.ErrorResponse{Error: internalError}
	status := http.StatusInternalServerError

	te, ok := domain.AsTurnError(err)
	if !ok {
		body.TraceID = domain.NewTraceID()
		h.logger.Error("turn failed", zap.String("trace_id", body.TraceID), zap.Error(err))
		return c.JSON(status, body)
	}

	body.TraceID = te.TraceID
	body.ResponseID = te.ResponseID
	switch te.Kind {
	case domain.TurnErrorInvalid:
		status = http.StatusBadRequest
		body.Error = te.Err.Error()
	case domain.TurnErrorBackend:
		status = http.StatusBadGateway
	}
	return c.JSON(status, body)
}

// queryError maps read-path errors.
func (h *Handler) queryError(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, domain.ErrorResponse{Error: "not found"})
	}
	traceID := domain.NewTraceID()
	h.logger.Error("request failed", zap.String("trace_id", traceID), zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, domain.ErrorResponse{Error: internalError, TraceID: traceID})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: msg, TraceID: domain.NewTraceID()})
}
