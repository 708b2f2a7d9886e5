package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks are delegated to the reverse proxy in front of the
		// replica fleet.
		return true
	},
}

// Server accepts WebSocket connections at /ws and drives the edit relay:
// handshake, inbound dispatch, local fanout, and bus publication.
type Server struct {
	serverID  string
	registry  *Registry
	persister *Persister
	store     Store
}

// NewServer wires a relay server for one replica.
func NewServer(serverID string, registry *Registry, persister *Persister, store Store) *Server {
	return &Server{
		serverID:  serverID,
		registry:  registry,
		persister: persister,
		store:     store,
	}
}

// HandleWebSocket upgrades the connection, pins it to a document, and pushes
// the initial snapshot. The docId query parameter is mandatory; without it
// the socket is closed with reason "missing docId".
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("docId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade WebSocket from %s: %v", r.RemoteAddr, err)
		return
	}

	if docID == "" {
		logger.Warn("no docId supplied on connect from %s, closing", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing docId")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	doc := s.registry.GetOrLoad(r.Context(), docID)
	sess := newSession(conn, docID)
	go sess.writePump()

	rec := doc.Attach(sess)
	s.sendSnapshot(sess, docID, rec)
	logger.Info("session %s attached to doc %s (server=%s, remote=%s)",
		sess.ID, docID, s.serverID, r.RemoteAddr)

	go s.readPump(sess, doc)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleWebSocket(w, r)
}

func (s *Server) sendSnapshot(sess *Session, docID string, rec protocol.SnapshotRecord) {
	frame := protocol.SnapshotFrame{
		Type:     protocol.TypeSnapshot,
		DocID:    docID,
		Text:     rec.Text,
		Version:  rec.Version,
		ServerID: s.serverID,
	}
	data, _ := json.Marshal(frame)
	sess.Send(data)
}

// readPump processes inbound frames in arrival order until the socket
// closes, then detaches the session.
func (s *Server) readPump(sess *Session, doc *Document) {
	defer func() {
		remaining := doc.Detach(sess)
		sess.Close()
		logger.Info("session %s detached from doc %s (remaining=%d)", sess.ID, doc.DocID(), remaining)
	}()

	sess.conn.SetReadLimit(maxMessageSize)

	for {
		messageType, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("read from session %s failed: %v", sess.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(sess, doc, message)
	}
}

func (s *Server) dispatch(sess *Session, doc *Document, raw []byte) {
	fields, err := protocol.DecodeFields(raw)
	if err != nil {
		logger.Warn("dropping malformed frame from session %s: %v", sess.ID, err)
		return
	}

	switch fields.Type() {
	case protocol.TypeOp, protocol.TypeEdit:
		s.handleOp(sess, doc, raw, fields)
	case protocol.TypePing:
		s.handlePing(sess)
	case protocol.TypeSnapshotRequest:
		s.sendSnapshot(sess, doc.DocID(), doc.Snapshot())
	default:
		// Unknown types carry no relay semantics; rebroadcast verbatim to
		// the document's other local sessions.
		doc.Fanout(raw, sess)
	}
}

// handleOp applies a client edit, publishes it on the bus, echoes the
// enhanced copy to local sessions (sender included, as its confirmation),
// and schedules the snapshot write.
func (s *Server) handleOp(sess *Session, doc *Document, raw []byte, fields protocol.Fields) {
	if id, ok := fields.String("docId"); ok && id != sess.DocID {
		logger.Warn("session %s sent op for doc %q while pinned to %q, dropping", sess.ID, id, sess.DocID)
		return
	}

	text, hasText := fields.String("text")
	incoming, ok := fields.Int64("version")
	if !ok {
		incoming = -1
	}

	newVersion, stale := doc.ApplyLocal(text, hasText, incoming)
	if stale {
		logger.Warn("applying conflicting op for doc %s: incomingVersion=%d newVersion=%d",
			doc.DocID(), incoming, newVersion)
	}

	// Publish to the bus before the local fanout so remote replicas observe
	// ops in the order this replica accepted them.
	env := protocol.Envelope{
		ServerID:      s.serverID,
		DocID:         doc.DocID(),
		Type:          protocol.TypeOp,
		ServerVersion: newVersion,
		Payload:       raw,
	}
	if data, err := json.Marshal(env); err == nil {
		if err := s.store.PublishOp(context.Background(), doc.DocID(), data); err != nil {
			logger.Warn("failed to publish op for doc %s: %v", doc.DocID(), err)
		}
	}

	enhanced, err := protocol.Enhance(raw, s.serverID, newVersion)
	if err != nil {
		enhanced = raw
	}
	doc.Fanout(enhanced, nil)

	s.persister.Enqueue(doc.DocID(), doc.Snapshot())
}

func (s *Server) handlePing(sess *Session) {
	data, _ := json.Marshal(protocol.Pong{
		Type:      protocol.TypePong,
		ServerID:  s.serverID,
		Timestamp: time.Now().UnixMilli(),
	})
	sess.Send(data)
}

// Stats reports live counters for the /stats endpoint.
func (s *Server) Stats() map[string]interface{} {
	docs, sessions := s.registry.Counts()
	return map[string]interface{}{
		"serverId":     s.serverID,
		"docCount":     docs,
		"sessionCount": sessions,
	}
}
