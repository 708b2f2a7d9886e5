// Package client implements the sync loop on the other side of the wire:
// connection lifecycle, debounced full-buffer edits, snapshot adoption,
// pending-op replay, and reconnect with exponential backoff. Convergence of
// the relay depends on this behavior as much as on the server's.
package client

import (
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edit-relay/backend/internal/logger"
	"github.com/edit-relay/backend/internal/protocol"
)

const (
	defaultDebounce     = 300 * time.Millisecond
	defaultPingInterval = 20 * time.Second
	defaultBackoffBase  = 500 * time.Millisecond
	defaultBackoffMax   = 30 * time.Second

	clientWriteWait = 10 * time.Second
)

// Options configures a Client. URL is the ws endpoint (e.g.
// ws://host:8080/ws); DocID pins the document. Zero durations take the
// defaults above.
type Options struct {
	URL   string
	DocID string

	// OnChange fires after a snapshot or a remote op changes the buffer.
	// It is invoked under the applying-remote guard: SetText calls made
	// from inside it do not trigger an outbound edit.
	OnChange func(text string, version int64)

	Debounce     time.Duration
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

type pendingOp struct {
	opID  string
	frame []byte
}

// Client maintains one socket at a time against a relay replica.
type Client struct {
	opts Options

	mu             sync.Mutex
	conn           *websocket.Conn // nil while disconnected
	text           string
	serverVersion  int64
	applyingRemote bool
	dirty          bool // local change not yet captured by flushEdit
	pending        []pendingOp
	lastSentOpID   string
	sequence       int64
	needFlush      bool
	debounce       *time.Timer

	writeMu sync.Mutex

	done    chan struct{}
	once    sync.Once
	closeWG sync.WaitGroup
}

// New builds a client; call Start to connect.
func New(opts Options) *Client {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	return &Client{
		opts: opts,
		done: make(chan struct{}),
	}
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	c.closeWG.Add(1)
	go c.run()
}

// Close tears the client down and waits for its goroutines.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.debounce != nil {
		c.debounce.Stop()
	}
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.closeWG.Wait()
}

// SetText records a local keystroke: the buffer is replaced and a debounced
// edit is scheduled. Calls during remote application update the buffer
// without emitting an edit.
func (c *Client) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if text == c.text {
		return
	}
	c.text = text
	if c.applyingRemote {
		return
	}
	c.dirty = true

	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.opts.Debounce, c.flushEdit)
}

// Text returns the current buffer and the last adopted server version.
func (c *Client) Text() (string, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, c.serverVersion
}

// PendingOps returns the number of edits awaiting server confirmation.
func (c *Client) PendingOps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Backoff returns the reconnect delay for the given attempt:
// min(max, base * 2^attempt).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (c *Client) dialURL() string {
	return c.opts.URL + "?docId=" + url.QueryEscape(c.opts.DocID)
}

func (c *Client) run() {
	defer c.closeWG.Done()

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.dialURL(), nil)
		if err != nil {
			logger.Warn("dial %s failed: %v", c.opts.URL, err)
			if !c.sleep(Backoff(attempt, c.opts.BackoffBase, c.opts.BackoffMax)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		c.onOpen(conn)
		c.readLoop(conn)
		c.onClosed(conn)

		if !c.sleep(Backoff(attempt, c.opts.BackoffBase, c.opts.BackoffMax)) {
			return
		}
		attempt++
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

// onOpen installs the connection, requests a fresh snapshot, and starts the
// ping timer. Pending ops are not replayed until that snapshot arrives.
func (c *Client) onOpen(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.needFlush = true
	c.mu.Unlock()

	f := protocol.Fields{}
	f.SetString("type", protocol.TypeSnapshotRequest)
	f.SetString("reqId", uuid.New().String())
	if frame, err := f.Encode(); err == nil {
		c.writeFrame(frame)
	}

	c.closeWG.Add(1)
	go c.pingLoop(conn)
}

func (c *Client) onClosed(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.closeWG.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			f := protocol.Fields{}
			f.SetString("type", protocol.TypePing)
			f.SetInt64("ts", time.Now().UnixMilli())
			if frame, err := f.Encode(); err == nil {
				c.writeFrame(frame)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Warn("connection to %s lost: %v", c.opts.URL, err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	fields, err := protocol.DecodeFields(data)
	if err != nil {
		logger.Warn("dropping malformed frame: %v", err)
		return
	}

	switch fields.Type() {
	case protocol.TypeSnapshot:
		c.handleSnapshot(fields)
	case protocol.TypeOp, protocol.TypeEdit:
		c.handleOp(fields)
	case protocol.TypePong:
		// Liveness only.
	}
}

func (c *Client) handleSnapshot(fields protocol.Fields) {
	text, _ := fields.String("text")
	version, _ := fields.Int64("version")

	c.mu.Lock()
	// A snapshot never clobbers a local edit that is still unflushed or
	// awaiting confirmation; only the version is reconciled. The local text
	// wins once the pending edits replay.
	adopted := !c.dirty && len(c.pending) == 0
	if adopted {
		c.text = text
	}
	if version > c.serverVersion {
		c.serverVersion = version
	}
	flush := c.needFlush
	c.needFlush = false
	replay := make([]pendingOp, len(c.pending))
	copy(replay, c.pending)
	c.mu.Unlock()

	if adopted {
		c.notifyChange(text, version)
	}

	// Replay edits queued while disconnected, in order, now that the
	// post-open snapshot has been adopted.
	if flush {
		for _, op := range replay {
			c.writeFrame(op.frame)
		}
	}
}

func (c *Client) handleOp(fields protocol.Fields) {
	opID, _ := fields.String("opId")
	version, ok := fields.Int64("serverVersion")
	if !ok {
		version, _ = fields.Int64("version")
	}

	c.mu.Lock()
	if opID != "" && c.removePendingLocked(opID) {
		// Our own edit echoed back: confirmation. Adopt the authoritative
		// version but leave the buffer alone.
		if version > c.serverVersion {
			c.serverVersion = version
		}
		c.mu.Unlock()
		return
	}
	if version <= c.serverVersion {
		c.mu.Unlock()
		return
	}
	if text, hasText := fields.String("text"); hasText {
		c.text = text
	}
	c.serverVersion = version
	text := c.text
	c.mu.Unlock()

	c.notifyChange(text, version)
}

func (c *Client) removePendingLocked(opID string) bool {
	for i, op := range c.pending {
		if op.opID == opID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return true
		}
	}
	return false
}

// notifyChange invokes OnChange under the applying-remote guard so a UI
// echoing the assignment back through SetText does not emit an edit.
func (c *Client) notifyChange(text string, version int64) {
	if c.opts.OnChange == nil {
		return
	}
	c.mu.Lock()
	c.applyingRemote = true
	c.mu.Unlock()

	c.opts.OnChange(text, version)

	c.mu.Lock()
	c.applyingRemote = false
	c.mu.Unlock()
}

// flushEdit emits the debounced edit frame carrying the entire buffer and
// records it on the pending queue. If the socket is down the frame stays
// queued for replay after reconnect.
func (c *Client) flushEdit() {
	c.mu.Lock()
	opID := uuid.New().String()
	c.sequence++

	f := protocol.Fields{}
	f.SetString("type", protocol.TypeEdit)
	f.SetString("opId", opID)
	f.SetString("docId", c.opts.DocID)
	f.SetString("text", c.text)
	f.SetInt64("version", c.serverVersion+1)
	f.SetInt64("timestamp", time.Now().UnixMilli())
	f.SetInt64("sequence", c.sequence)
	frame, err := f.Encode()
	if err != nil {
		c.mu.Unlock()
		return
	}

	c.lastSentOpID = opID
	c.dirty = false
	c.pending = append(c.pending, pendingOp{opID: opID, frame: frame})
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		c.writeFrame(frame)
	}
}

// writeFrame serializes all socket writes; a write error is left for the
// read loop to observe as a closed connection.
func (c *Client) writeFrame(frame []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.Warn("write to %s failed: %v", c.opts.URL, err)
	}
}
