// Package ws serves streamed turns over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/localapi/internal/domain"
	"github.com/xiaot623/localapi/internal/service"
)

const (
	maxMessageSize = 1 << 20
	readTimeout    = 60 * time.Second
	writeTimeout   = 10 * time.Second
)

// Server handles WebSocket connections.
type Server struct {
	service  *service.Service
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: svc,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Local service; any origin may connect.
				return true
			},
		},
	}
}

// RegisterRoutes registers the websocket route.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/ws/respond", s.HandleRespond)
}

// HandleRespond reads one turn request frame, streams the turn's events as
// JSON text frames and closes the connection. A client that goes away
// cancels the turn.
func (s *Server) HandleRespond(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", zap.Error(err))
		return nil
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			s.logger.Debug("websocket closed before request", zap.Error(err))
		}
		return nil
	}

	var req domain.TurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(conn, domain.ErrorEvent("invalid request", domain.NewTraceID()))
		s.close(conn)
		return nil
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// The client sends nothing after the request; a read error means it
	// closed the connection.
	conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	started := false
	err = s.service.RespondStream(ctx, req, func(ev domain.StreamEvent) error {
		started = true
		return s.write(conn, ev)
	})
	if err != nil && !started {
		s.write(conn, errorEvent(err))
	}
	s.close(conn)
	return nil
}

func (s *Server) write(conn *websocket.Conn, ev domain.StreamEvent) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		s.logger.Debug("failed to write websocket frame", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func errorEvent(err error) domain.StreamEvent {
	te, ok := domain.AsTurnError(err)
	if !ok {
		return domain.ErrorEvent("internal error", domain.NewTraceID())
	}
	if te.Kind == domain.TurnErrorInvalid {
		return domain.ErrorEvent(te.Err.Error(), te.TraceID)
	}
	return domain.ErrorEvent("internal error", te.TraceID)
}
