package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	wsMaxMessageSize = 1 << 20
	wsSendBuffer     = 64
)

// wsSession is one WebSocket client. Requests arrive as text frames and
// each produces one response frame; deferred generate responses are
// funneled through the send channel so only the write pump touches the
// connection.
type wsSession struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	session := &wsSession{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: s.logger,
	}

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	s.logger.Info("WebSocket client connected",
		zap.String("session", session.id),
		zap.String("remote", r.RemoteAddr),
	)

	go session.writePump()
	session.readPump(s.dispatcher)

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()

	session.close()
	s.logger.Info("WebSocket client disconnected", zap.String("session", session.id))
}

// respond queues one response frame, dropping it if the session closed
// before the job finished.
func (ws *wsSession) respond(body []byte) {
	select {
	case ws.send <- body:
	case <-ws.done:
	}
}

func (ws *wsSession) close() {
	ws.closeOnce.Do(func() {
		close(ws.done)
		ws.conn.Close()
	})
}

func (ws *wsSession) readPump(dispatcher *Dispatcher) {
	ws.conn.SetReadLimit(wsMaxMessageSize)
	ws.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		kind, message, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Debug("WebSocket read failed",
					zap.String("session", ws.id),
					zap.Error(err),
				)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		dispatcher.Handle(message, ws.respond)
	}
}

func (ws *wsSession) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case body := <-ws.send:
			ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				ws.close()
				return
			}
		case <-ticker.C:
			ws.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.close()
				return
			}
		case <-ws.done:
			return
		}
	}
}
