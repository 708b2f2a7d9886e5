package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edit-relay/backend/internal/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound frame buffer per session.
	sendBuffer = 256
)

// Session owns one client socket pinned to a document. Outbound frames go
// through a buffered channel drained by a single write pump, so writes to
// the socket are never concurrent.
type Session struct {
	ID    string
	DocID string

	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(conn *websocket.Conn, docID string) *Session {
	return &Session{
		ID:    uuid.New().String(),
		DocID: docID,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
	}
}

// Send enqueues a text frame for delivery. Frames are dropped when the
// session is closed or its buffer is full; a slow client must catch up via
// its reconnect+snapshot loop.
func (s *Session) Send(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		logger.Warn("session %s send buffer full, dropping frame", s.ID)
	}
}

// writePump drains the send channel onto the socket. A failed write is
// terminal for the session.
func (s *Session) writePump() {
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("write to session %s failed, closing: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

// Close shuts the session down; safe to call multiple times.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
