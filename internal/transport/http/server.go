// Package http provides the HTTP server for the local responses API.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/config"
	"github.com/xiaot623/localapi/internal/service"
	v1 "github.com/xiaot623/localapi/internal/transport/http/v1"
	"github.com/xiaot623/localapi/internal/transport/ws"
)

// NewServer creates the echo server with the REST, SSE and websocket routes.
func NewServer(svc *service.Service, cfg *config.Config, logger *zap.Logger) *echo.Echo {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(requestLogger(logger.Named("http")))
	e.Use(middleware.Recover())

	// Handlers
	v1Handler := v1.NewHandler(svc, cfg, logger.Named("v1"))
	wsServer := ws.NewServer(svc, logger.Named("ws"))

	// Register Routes
	v1Handler.RegisterRoutes(e)
	wsServer.RegisterRoutes(e)

	return e
}

// healthPath is polled by probes and kept out of the access log.
const healthPath = "/health"

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().URL.Path == healthPath
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
