package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // self-hosted: no browser-origin restriction to enforce
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleWebSocket upgrades the connection and relays every lifecycle
// envelope published on the event broadcast hub (model loaded / unloaded
// / evicted) until the client disconnects. Adapted from the teacher's
// WebSocketHub: that hub's register/unregister/broadcast triad now lives
// in internal/events.Broadcast, generalized to serve both this handler
// and any other in-process subscriber; this handler is a thin JSON-over-
// WS adapter on top of it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	envelopes, cancel := s.broadcast.Subscribe()
	defer cancel()

	go readPump(conn)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains and discards client frames purely to notice disconnects;
// this feed is one-directional. Closing conn on exit unblocks the writer
// loop's next write attempt.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
