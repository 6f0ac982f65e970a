// ABOUTME: WebSocket endpoint streaming lifecycle events to real-time consumers
// ABOUTME: One broadcaster subscription per connection, with read and write pumps

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/session-gateway/internal/events"
)

// WebSocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 512
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Callers are not authenticated; any origin may watch events.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one WebSocket consumer. The channel is receive-only: inbound
// frames are read just to service control messages.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	events <-chan events.Event
	cancel context.CancelFunc
}

// handleWebSocket upgrades the request and streams every lifecycle event as
// a {"event": name, "data": payload} text frame.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	// The request context ends when the handler returns; the subscription
	// has to outlive it.
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := g.broadcaster.Subscribe(ctx)

	c := &wsClient{
		id:     uuid.New().String(),
		conn:   conn,
		events: ch,
		cancel: cancel,
	}
	g.logger.Info("ws client connected", "ws_id", c.id, "remote", r.RemoteAddr)

	go g.wsWritePump(c)
	go g.wsReadPump(c)
}

// wsReadPump discards client frames and keeps the read deadline alive on
// pongs. Any read error ends the subscription.
func (g *Gateway) wsReadPump(c *wsClient) {
	defer func() {
		c.cancel()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("ws read error", "ws_id", c.id, "error", err)
			}
			g.logger.Info("ws client disconnected", "ws_id", c.id)
			return
		}
	}
}

// wsWritePump forwards events and pings until the subscription closes or a
// write fails.
func (g *Gateway) wsWritePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				// Broadcaster closed or the read pump gave up.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"))
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				g.logger.Error("failed to marshal ws event", "event", ev.Name, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
