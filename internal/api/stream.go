package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// handleAuditStream pushes new audit events matching the query filter to a
// websocket client. Slow clients miss events; recording is never delayed.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Subscribe before the handshake completes so no event recorded after
	// the client sees the upgrade is missed.
	events, cancel := s.components.Audit.Subscribe(streamBuffer)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Audit stream upgrade failed", zap.Error(err))
		return
	}
	s.addStream(conn)
	defer s.removeStream(conn)

	s.logger.Info("Audit stream opened",
		zap.String("user_id", UserID(r.Context())),
		zap.String("source_address", ClientAddress(r.Context())),
	)

	// The reader only handles control frames and notices the client leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !filter.Match(event) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug("Audit stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) addStream(conn *websocket.Conn) {
	s.streamsMu.Lock()
	s.streams[conn] = struct{}{}
	s.streamsMu.Unlock()
}

func (s *Server) removeStream(conn *websocket.Conn) {
	s.streamsMu.Lock()
	delete(s.streams, conn)
	s.streamsMu.Unlock()
	conn.Close()
}
