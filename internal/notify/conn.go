package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
)

// PingInterval is how often idle connections are pinged.
var PingInterval = 30 * time.Second

// ServeConn pumps notifications of s to c until the client goes away or ctx ends, then
// unregisters s. Clients may send {"type":"ping"} and receive {"type":"pong"}.
func (h *Hub) ServeConn(ctx context.Context, c *websocket.Conn, s *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.Unregister(s)

	h.logger.Infof("notification session opened for %s", s.PlayerID)
	defer h.logger.Infof("notification session closed for %s", s.PlayerID)

	go func() {
		defer cancel()
		h.writePump(ctx, c, s)
	}()
	h.readPump(ctx, c, s)
}

func (h *Hub) readPump(ctx context.Context, c *websocket.Conn, s *Session) {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway &&
				!errors.Is(err, context.Canceled) {
				h.logger.Warnf("read error for %s: %v (CloseStatus: %d)", s.PlayerID, err, status)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet frame
		if err := json.Unmarshal(msg, &packet); err != nil {
			h.logger.Debugf("invalid json from %s: %v", s.PlayerID, err)
			continue
		}
		if packet.Type == "ping" {
			pong, _ := json.Marshal(frame{Type: "pong"})
			s.write(pong)
		}
	}
}

func (h *Hub) writePump(ctx context.Context, c *websocket.Conn, s *Session) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.Out():
			if !ok {
				_ = c.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Warnf("failed to write to websocket for %s: %v", s.PlayerID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Warnf("failed to ping %s: %v, assuming disconnect", s.PlayerID, err)
				return
			}
		}
	}
}
