package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from arbitrary origins; the API key (when
		// configured) guards mutations, not this read-only stream.
		return true
	},
}

// stream pushes the lifecycle events of one computation over a WebSocket.
// Events carry no backlog, so clients subscribe before dispatching or read
// the current state from the store first. The stream ends after a terminal
// event.
func (g *Gateway) stream(c echo.Context) error {
	corr, err := uuid.Parse(c.QueryParam("correlation_uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid correlation uuid")
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	events, release, err := g.events.Subscribe(ctx, &corr)
	if err != nil {
		g.logger.WithError(err).Error("failed to subscribe to computation events")
		return echo.NewHTTPError(http.StatusBadGateway, "event stream unavailable")
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written its handshake error.
		return nil
	}
	defer conn.Close()

	// The reader only watches for the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger := g.logger.WithField("correlation_uuid", corr)
	logger.Debug("event stream opened")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(event); err != nil {
				return nil
			}
			if event.Status.Terminal() {
				deadline := time.Now().Add(time.Second)
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				logger.Debug("event stream closed after terminal event")
				return nil
			}
		}
	}
}
