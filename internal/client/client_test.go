package client

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edit-relay/backend/internal/protocol"
	"github.com/edit-relay/backend/internal/relay"
	"github.com/edit-relay/backend/internal/relay/relaytest"
)

const testWait = 3 * time.Second

// newRelayRig starts a single relay replica on a real socket, backed by an
// in-memory store.
func newRelayRig(t *testing.T, serverID string) (string, *relay.Registry, *relaytest.KV) {
	t.Helper()

	kv := relaytest.NewKV()
	st := relaytest.NewStore(relaytest.NewBus(), kv)
	registry := relay.NewRegistry(st)
	persister := relay.NewPersister(st, 1)
	server := relay.NewServer(serverID, registry, persister, st)
	broker := relay.NewBroker(serverID, registry, persister, st)
	require.NoError(t, broker.Run(context.Background()))

	hs := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(func() {
		registry.CloseAll()
		hs.Close()
		persister.Close()
	})

	return "ws" + strings.TrimPrefix(hs.URL, "http"), registry, kv
}

// startRelay serves a relay replica for the given store on ln. The returned
// stop func closes every session and the listener, so the address can be
// reused by a later replica.
func startRelay(t *testing.T, serverID string, st *relaytest.Store, ln net.Listener) (*relay.Registry, func()) {
	t.Helper()

	registry := relay.NewRegistry(st)
	persister := relay.NewPersister(st, 1)
	server := relay.NewServer(serverID, registry, persister, st)
	broker := relay.NewBroker(serverID, registry, persister, st)
	require.NoError(t, broker.Run(context.Background()))

	hs := &http.Server{Handler: http.HandlerFunc(server.HandleWebSocket)}
	go hs.Serve(ln)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			registry.CloseAll()
			hs.Close()
			persister.Close()
		})
	}
	return registry, stop
}

// recorder captures OnChange notifications.
type recorder struct {
	mu      sync.Mutex
	seen    []string
	latest  string
	version int64
}

func (r *recorder) onChange(text string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, text)
	r.latest = text
	r.version = version
}

func (r *recorder) state() (string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.version
}

func (r *recorder) sawText(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seen {
		if s == text {
			return true
		}
	}
	return false
}

func fastOptions(url, docID string) Options {
	return Options{
		URL:          url,
		DocID:        docID,
		Debounce:     20 * time.Millisecond,
		PingInterval: time.Hour,
		BackoffBase:  10 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
	}
}

func TestBackoffSchedule(t *testing.T) {
	base := 500 * time.Millisecond
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // 32s capped
		{10, 30 * time.Second},
		{40, 30 * time.Second}, // shift overflow guarded
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestEditRoundTripConfirmsPending(t *testing.T) {
	url, registry, kv := newRelayRig(t, "R1")

	c := New(fastOptions(url, "d1"))
	c.Start()
	defer c.Close()

	c.SetText("hi")

	require.Eventually(t, func() bool {
		doc := registry.Get("d1")
		return doc != nil && doc.Snapshot() == (protocol.SnapshotRecord{Text: "hi", Version: 1})
	}, testWait, 10*time.Millisecond)

	// The echo confirms the op: pending drains and the authoritative
	// version is adopted without touching the buffer.
	require.Eventually(t, func() bool {
		return c.PendingOps() == 0
	}, testWait, 10*time.Millisecond)

	text, version := c.Text()
	assert.Equal(t, "hi", text)
	assert.Equal(t, int64(1), version)

	require.Eventually(t, func() bool {
		rec, ok := kv.Snapshot("d1")
		return ok && rec == (protocol.SnapshotRecord{Text: "hi", Version: 1})
	}, testWait, 10*time.Millisecond)
}

func TestDebounceCoalescesKeystrokes(t *testing.T) {
	url, registry, _ := newRelayRig(t, "R1")

	c := New(fastOptions(url, "d1"))
	c.Start()
	defer c.Close()

	// Rapid keystrokes within the debounce window become one edit.
	c.SetText("a")
	c.SetText("ab")
	c.SetText("abc")

	require.Eventually(t, func() bool {
		doc := registry.Get("d1")
		return doc != nil && doc.Snapshot() == (protocol.SnapshotRecord{Text: "abc", Version: 1})
	}, testWait, 10*time.Millisecond)
}

func TestSnapshotAdoptedOnConnect(t *testing.T) {
	url, registry, kv := newRelayRig(t, "R1")
	kv.Seed("d4", protocol.SnapshotRecord{Text: "restored", Version: 42})

	rec := &recorder{}
	opts := fastOptions(url, "d4")
	opts.OnChange = rec.onChange

	c := New(opts)
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		text, version := rec.state()
		return text == "restored" && version == 42
	}, testWait, 10*time.Millisecond)

	text, version := c.Text()
	assert.Equal(t, "restored", text)
	assert.Equal(t, int64(42), version)

	// Adopting the snapshot must not itself emit an edit.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(42), registry.Get("d4").Snapshot().Version)
}

func TestQueuedEditsReplayedAfterConnect(t *testing.T) {
	url, registry, _ := newRelayRig(t, "R1")

	c := New(fastOptions(url, "d1"))
	defer c.Close()

	// Edit while disconnected: it lands on the pending queue.
	c.SetText("offline")
	require.Eventually(t, func() bool {
		return c.PendingOps() == 1
	}, testWait, 5*time.Millisecond)

	c.Start()

	require.Eventually(t, func() bool {
		doc := registry.Get("d1")
		return doc != nil && doc.Snapshot().Text == "offline"
	}, testWait, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.PendingOps() == 0
	}, testWait, 10*time.Millisecond)
}

func TestRemoteUpdatesApplied(t *testing.T) {
	url, _, _ := newRelayRig(t, "R1")

	recB := &recorder{}
	optsB := fastOptions(url, "d1")
	optsB.OnChange = recB.onChange
	b := New(optsB)
	b.Start()
	defer b.Close()

	a := New(fastOptions(url, "d1"))
	a.Start()
	defer a.Close()

	a.SetText("from-a")

	require.Eventually(t, func() bool {
		text, _ := b.Text()
		return text == "from-a"
	}, testWait, 10*time.Millisecond)
	assert.True(t, recB.sawText("from-a"))
	assert.Equal(t, 0, b.PendingOps())
}

func TestOwnEchoDoesNotFireOnChange(t *testing.T) {
	url, registry, _ := newRelayRig(t, "R1")

	rec := &recorder{}
	opts := fastOptions(url, "d1")
	opts.OnChange = rec.onChange

	c := New(opts)
	c.Start()
	defer c.Close()

	c.SetText("mine")

	require.Eventually(t, func() bool {
		doc := registry.Get("d1")
		return doc != nil && doc.Snapshot().Text == "mine" && c.PendingOps() == 0
	}, testWait, 10*time.Millisecond)

	// The confirmation echo never replays our own text through OnChange.
	assert.False(t, rec.sawText("mine"))
}

func TestSnapshotDoesNotClobberUnflushedEdit(t *testing.T) {
	c := New(fastOptions("ws://unused", "d1"))
	defer c.Close()

	// A keystroke lands just before the attach-time snapshot. The snapshot
	// must reconcile the version without wiping the buffer.
	c.SetText("local")
	c.handleFrame([]byte(`{"type":"snapshot","docId":"d1","text":"server","version":7}`))

	text, version := c.Text()
	assert.Equal(t, "local", text)
	assert.Equal(t, int64(7), version)

	// Same once the edit has been flushed but not yet confirmed.
	require.Eventually(t, func() bool {
		return c.PendingOps() == 1
	}, testWait, 5*time.Millisecond)
	c.handleFrame([]byte(`{"type":"snapshot","docId":"d1","text":"server","version":9}`))

	text, version = c.Text()
	assert.Equal(t, "local", text)
	assert.Equal(t, int64(9), version)
}

func TestReconnectReplaysPendingEdits(t *testing.T) {
	kv := relaytest.NewKV()
	st := relaytest.NewStore(relaytest.NewBus(), kv)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	url := "ws://" + addr

	_, stop := startRelay(t, "R1", st, ln)

	c := New(fastOptions(url, "d1"))
	c.Start()
	defer c.Close()

	c.SetText("first")
	require.Eventually(t, func() bool {
		rec, ok := kv.Snapshot("d1")
		return ok && rec == (protocol.SnapshotRecord{Text: "first", Version: 1})
	}, testWait, 10*time.Millisecond)

	// Drop the replica mid-session. The edit made during the outage stays
	// queued while the client backs off and retries.
	stop()
	c.SetText("second")
	require.Eventually(t, func() bool {
		return c.PendingOps() == 1
	}, testWait, 5*time.Millisecond)

	ln2, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	registry2, stop2 := startRelay(t, "R1", st, ln2)
	defer stop2()

	// After reconnect the post-open snapshot ("first", 1) is reconciled and
	// the queued edit replays on top of it.
	require.Eventually(t, func() bool {
		doc := registry2.Get("d1")
		return doc != nil && doc.Snapshot() == (protocol.SnapshotRecord{Text: "second", Version: 2})
	}, testWait, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.PendingOps() == 0
	}, testWait, 10*time.Millisecond)

	text, version := c.Text()
	assert.Equal(t, "second", text)
	assert.Equal(t, int64(2), version)
}

func TestStaleServerFramesIgnored(t *testing.T) {
	url, _, kv := newRelayRig(t, "R1")
	kv.Seed("d1", protocol.SnapshotRecord{Text: "current", Version: 10})

	c := New(fastOptions(url, "d1"))
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		_, version := c.Text()
		return version == 10
	}, testWait, 10*time.Millisecond)

	// A frame carrying an older version must not regress the buffer.
	c.handleFrame([]byte(`{"type":"op","text":"old","serverVersion":4}`))

	text, version := c.Text()
	assert.Equal(t, "current", text)
	assert.Equal(t, int64(10), version)
}
