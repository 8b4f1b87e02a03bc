package v1

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/catface996/aiops-executor/internal/domain"
	"github.com/catface996/aiops-executor/internal/log"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamError is the final frame of a stream that ended before the terminal
// event. The client reconnects with the cursor.
type streamError struct {
	Error  string `json:"error"`
	Cursor string `json:"cursor,omitempty"`
}

func newStreamError(err error) streamError {
	out := streamError{Error: err.Error()}
	var disc *domain.StreamDisconnectError
	if errors.As(err, &disc) && disc.Cursor != nil {
		out.Cursor = disc.Cursor.String()
	}
	return out
}

// resumeCursor reads the resume position from Last-Event-ID or ?after.
func resumeCursor(c echo.Context) (*domain.Cursor, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("after")
	}
	return domain.ParseCursor(raw)
}

// Stream streams execution events via SSE. Every frame carries the event
// cursor as its id; the stream ends after the terminal event.
// GET /executions/:execution_id/stream
func (h *Handler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	after, err := resumeCursor(c)
	if err != nil {
		return badRequest(c, "invalid cursor")
	}

	events, errc, err := h.service.Stream(ctx, executionID, after)
	if err != nil {
		return writeError(c, err)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	logger := log.WithExecution(executionID)
	for ev := range events {
		if err := writeSSEEvent(c, ev); err != nil {
			logger.WithError(err).Debug("SSE client went away")
			return nil
		}
	}

	if err, ok := <-errc; ok && err != nil {
		logger.WithError(err).Info("Event stream interrupted")
		data, _ := json.Marshal(newStreamError(err))
		fmt.Fprintf(c.Response(), "event: error\ndata: %s\n\n", data)
		c.Response().Flush()
	}
	return nil
}

// writeSSEEvent writes a single event in SSE format:
// id: <cursor>\nevent: <event_type>\ndata: <json>\n\n
func writeSSEEvent(c echo.Context, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(c.Response(), "id: %s\nevent: %s\ndata: %s\n\n", ev.Cursor(), ev.Type, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// StreamWebSocket mirrors the SSE stream over a WebSocket. Each event is one
// text message; an interrupted stream ends with an error message carrying the
// resume cursor.
// GET /executions/:execution_id/ws?after=
func (h *Handler) StreamWebSocket(c echo.Context) error {
	executionID := c.Param("execution_id")

	after, err := domain.ParseCursor(c.QueryParam("after"))
	if err != nil {
		return badRequest(c, "invalid cursor")
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	// Resolve before upgrading so unknown or non-streaming executions get a
	// plain HTTP status.
	events, errc, err := h.service.Stream(ctx, executionID, after)
	if err != nil {
		return writeError(c, err)
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.WithExecution(executionID).WithError(err).Warn("Failed to upgrade WebSocket")
		return nil
	}
	defer ws.Close()

	// The read side only watches for the client closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err, ok := <-errc; ok && err != nil {
					ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					ws.WriteJSON(newStreamError(err))
				}
				ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				return nil
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
