package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Bearer-token auth already ran; the console may be served from a
	// different origin than the gateway.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the envelope for everything sent over the event socket.
type wsMessage struct {
	Type string `json:"type"` // "snapshot" or "event"
	Data any    `json:"data"`
}

// handleEventsWS upgrades the connection and streams call events to the
// console. On connect the client receives a snapshot of every call the
// event store currently holds, then live events as they happen.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.live.Watch()
	defer cancel()

	write := func(msg wsMessage) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	}

	if err := write(wsMessage{Type: "snapshot", Data: s.live.Calls()}); err != nil {
		return
	}

	// Drain client frames so close and pong handling work; the console
	// never sends application data.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.logger.Debug("event socket connected", "remote_addr", r.RemoteAddr)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := write(wsMessage{Type: "event", Data: ev}); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
