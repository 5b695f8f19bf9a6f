package network

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ptalk/internal/state"
)

// ============================================================================
// Per-connection pumps
// ============================================================================

type outFrame struct {
	kind int
	data []byte
}

type session struct {
	id   string
	conn *websocket.Conn
	send chan outFrame
	done chan struct{}
}

// serve runs one connection until it fails or ctx ends.
func (m *Manager) serve(ctx context.Context, conn *websocket.Conn) {
	s := &session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan outFrame, m.cfg.SendBuf),
		done: make(chan struct{}),
	}
	m.connMu.Lock()
	m.sess = s
	m.connMu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopWatch()

	log := m.logger.With("session", s.id)
	log.Info("connected to server", "server_url", m.ServerURL())

	writerDone := make(chan struct{})
	go m.writePump(s, writerDone)

	m.publish(state.ConnectivityOnline)
	m.sendHandshake()
	if m.listening.Load() {
		m.send(websocket.TextMessage, []byte(msgStart))
	}

	err := m.readPump(s)

	m.connMu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.connMu.Unlock()

	close(s.done)
	<-writerDone
	conn.Close()

	if ctx.Err() == nil && !isNormalClose(err) {
		log.Warn("server connection lost", "err", err)
	} else {
		log.Info("server connection closed")
	}
	m.fw.fail(ErrTransferInterrupted)
}

func (m *Manager) readPump(s *session) error {
	conn := s.conn
	conn.SetReadLimit(m.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		kind, b, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))

		switch kind {
		case websocket.TextMessage:
			framesTotal.WithLabelValues("in", "text").Inc()
			m.handleText(b)
		case websocket.BinaryMessage:
			framesTotal.WithLabelValues("in", "binary").Inc()
			m.handleBinary(b)
		}
	}
}

func (m *Manager) writePump(s *session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(m.cfg.WriteTimeout))
			return

		case f := <-s.send:
			if f.kind == websocket.CloseMessage {
				s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnect"),
					time.Now().Add(m.cfg.WriteTimeout))
				s.conn.Close()
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				m.logger.Warn("server write failed", "session", s.id, "err", err)
				s.conn.Close()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				m.logger.Warn("server ping failed", "session", s.id, "err", err)
				s.conn.Close()
				return
			}
		}
	}
}

// send queues a frame on the current connection without blocking.
func (m *Manager) send(kind int, data []byte) error {
	m.connMu.Lock()
	s := m.sess
	m.connMu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	select {
	case s.send <- outFrame{kind: kind, data: data}:
		if kind == websocket.BinaryMessage {
			framesTotal.WithLabelValues("out", "binary").Inc()
		} else {
			framesTotal.WithLabelValues("out", "text").Inc()
		}
		return nil
	case <-s.done:
		return ErrNotConnected
	default:
		return ErrSendQueueFull
	}
}

func (m *Manager) sendJSON(v interface{ Marshal() ([]byte, error) }) error {
	b, err := v.Marshal()
	if err != nil {
		return err
	}
	return m.send(websocket.TextMessage, b)
}

func (m *Manager) sendHandshake() {
	m.mu.Lock()
	cmds := m.cmds
	m.mu.Unlock()
	if cmds == nil {
		return
	}
	if err := m.sendJSON(cmds.Handshake()); err != nil {
		m.logger.Warn("handshake not sent", "err", err)
	}
}

// drainAndClose closes the connection after the frames already queued.
func (m *Manager) drainAndClose() {
	if err := m.send(websocket.CloseMessage, nil); err != nil {
		m.closeSession()
	}
}

func (m *Manager) closeSession() {
	m.connMu.Lock()
	s := m.sess
	m.connMu.Unlock()
	if s != nil {
		s.conn.Close()
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, context.Canceled)
}
