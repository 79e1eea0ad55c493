package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/localapi/internal/domain"
)

// Client sends turns to /ws/respond and prints the streamed reply. It
// keeps the thread id announced by the server so later turns continue the
// same conversation.
type Client struct {
	addr     string
	threadID string
	store    bool
	out      io.Writer
	dialer   *websocket.Dialer
}

// NewClient creates a chat client. threadID may be empty to start a new
// thread on the first turn.
func NewClient(addr, threadID string, store bool, out io.Writer) *Client {
	return &Client{
		addr:     addr,
		threadID: threadID,
		store:    store,
		out:      out,
		dialer:   websocket.DefaultDialer,
	}
}

// ThreadID returns the current thread.
func (c *Client) ThreadID() string {
	return c.threadID
}

// Send runs one turn and returns the final usage.
func (c *Client) Send(ctx context.Context, text string) (*domain.Usage, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	store := c.store
	req := domain.TurnRequest{ThreadID: c.threadID, InputText: text, Store: &store, Stream: true}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev domain.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, errors.New("connection closed before the reply ended")
			}
			return nil, fmt.Errorf("read event: %w", err)
		}

		switch ev.Type {
		case domain.StreamEventStart:
			c.threadID = ev.ThreadID
		case domain.StreamEventDelta:
			fmt.Fprint(c.out, ev.Text)
		case domain.StreamEventEnd:
			fmt.Fprintln(c.out)
			return ev.Usage, nil
		case domain.StreamEventError:
			fmt.Fprintln(c.out)
			return nil, fmt.Errorf("server error: %s (trace %s)", ev.Message, ev.TraceID)
		}
	}
}
