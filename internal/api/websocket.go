package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// handleWebSocket pushes the current snapshot, then every newer one. A
// client that falls behind only ever receives the latest version.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var sent uint64
	push := func() bool {
		snap := s.store.Load()
		if sent != 0 && snap.Version <= sent {
			return true
		}
		data, err := s.cache.encode("status", snap.Version, func() any { return snap })
		if err != nil {
			s.logger.Error("Failed to encode snapshot", zap.Error(err))
			return false
		}
		conn.SetWriteDeadline(time.Now().Add(s.config.WSWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return false
		}
		sent = snap.Version
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-updates:
			if !push() {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.config.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and signals when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
