package relay

import (
	"sync"
	"time"

	"github.com/edit-relay/backend/internal/protocol"
)

// Document is the per-replica room for one document: the current text and
// version plus the locally attached sessions. All mutation happens under
// the document's own mutex; the mutex is never held across socket I/O.
type Document struct {
	docID string

	mu           sync.Mutex
	text         string
	version      int64
	sessions     map[string]*Session
	lastActivity time.Time
}

func newDocument(docID string) *Document {
	return &Document{
		docID:        docID,
		sessions:     make(map[string]*Session),
		lastActivity: time.Now(),
	}
}

// DocID returns the document's identifier.
func (d *Document) DocID() string {
	return d.docID
}

// seed installs a loaded snapshot. Only called before the document is
// published in the registry.
func (d *Document) seed(rec protocol.SnapshotRecord) {
	d.mu.Lock()
	d.text = rec.Text
	d.version = rec.Version
	d.mu.Unlock()
}

// Attach adds a session and returns the state to push as its initial
// snapshot frame.
func (d *Document) Attach(s *Session) protocol.SnapshotRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID] = s
	d.lastActivity = time.Now()
	return protocol.SnapshotRecord{Text: d.text, Version: d.version}
}

// Detach removes a session and reports how many remain attached.
func (d *Document) Detach(s *Session) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s.ID)
	d.lastActivity = time.Now()
	return len(d.sessions)
}

// ApplyLocal applies a client edit under last-write-wins. The assigned
// version is max(current+1, incoming), so a client proposing a version
// ahead of ours is honored and a stale client still gets a monotonic bump.
// incoming is the client's proposed next version, or -1 when absent.
// stale reports that the client was behind; the edit is applied regardless.
func (d *Document) ApplyLocal(text string, hasText bool, incoming int64) (newVersion int64, stale bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	newVersion = d.version + 1
	if incoming > newVersion {
		newVersion = incoming
	}
	stale = incoming >= 0 && incoming <= d.version

	if hasText {
		d.text = text
	}
	d.version = newVersion
	d.lastActivity = time.Now()
	return newVersion, stale
}

// ApplyRemote applies an envelope from the bus only when its server-assigned
// version is strictly greater than ours. Stale deliveries return false and
// leave the document untouched.
func (d *Document) ApplyRemote(text string, hasText bool, serverVersion int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if serverVersion <= d.version {
		return false
	}
	if hasText {
		d.text = text
	}
	d.version = serverVersion
	d.lastActivity = time.Now()
	return true
}

// Snapshot returns the current (text, version) pair.
func (d *Document) Snapshot() protocol.SnapshotRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return protocol.SnapshotRecord{Text: d.text, Version: d.version}
}

// Fanout sends a frame to every attached session except skip. The session
// set is copied under the lock; sends happen outside it, serialized per
// session by its write pump.
func (d *Document) Fanout(data []byte, skip *Session) {
	d.mu.Lock()
	targets := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if skip != nil && s.ID == skip.ID {
			continue
		}
		targets = append(targets, s)
	}
	d.mu.Unlock()

	for _, s := range targets {
		s.Send(data)
	}
}

// SessionCount returns the number of attached sessions.
func (d *Document) SessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// idleFor reports whether the document has had no sessions and no activity
// for at least the given duration.
func (d *Document) idleFor(idle time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions) == 0 && time.Since(d.lastActivity) >= idle
}

// closeSessions force-closes every attached session; used at shutdown.
func (d *Document) closeSessions() {
	d.mu.Lock()
	targets := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		targets = append(targets, s)
	}
	d.mu.Unlock()

	for _, s := range targets {
		s.Close()
	}
}
