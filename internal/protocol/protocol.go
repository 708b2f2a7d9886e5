// Package protocol defines the wire messages exchanged between clients,
// relay replicas, and the snapshot store, plus the key and channel naming
// both sides of the wire agree on.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Message types carried in the "type" field of live-channel frames.
// A frame without a "type" field is treated as an op.
const (
	TypeOp              = "op"
	TypeEdit            = "edit"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSnapshot        = "snapshot"
	TypeSnapshotRequest = "snapshot_request"
)

// SnapshotRecord is the persisted form of a document, stored as JSON under
// the doc:<docId>:snapshot key.
type SnapshotRecord struct {
	Text    string `json:"text"`
	Version int64  `json:"version"`
}

// SnapshotFrame is the snapshot message pushed to a client on attach and in
// reply to a snapshot_request. It shares its shape with SnapshotRecord plus
// routing metadata.
type SnapshotFrame struct {
	Type     string `json:"type"`
	DocID    string `json:"docId"`
	Text     string `json:"text"`
	Version  int64  `json:"version"`
	ServerID string `json:"serverId"`
}

// Pong is the reply to a client ping.
type Pong struct {
	Type      string `json:"type"`
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope wraps a client op for transit on the pub/sub bus. Payload is the
// original client frame, verbatim.
type Envelope struct {
	ServerID      string          `json:"serverId"`
	DocID         string          `json:"docId"`
	Type          string          `json:"type"`
	ServerVersion int64           `json:"serverVersion"`
	Payload       json.RawMessage `json:"payload"`
}

// SnapshotKey returns the store key holding a document's persisted snapshot.
func SnapshotKey(docID string) string {
	return "doc:" + docID + ":snapshot"
}

// OpsChannel returns the pub/sub channel carrying a document's op envelopes.
func OpsChannel(docID string) string {
	return "doc:" + docID + ":ops"
}

// OpsPattern matches every document's ops channel; replicas subscribe to it
// once at startup.
const OpsPattern = "doc:*:ops"

// DocIDFromChannel derives the document id from an ops channel name, or ""
// if the name does not match. Callers fall back to the envelope's docId.
func DocIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, "doc:") || !strings.HasSuffix(channel, ":ops") {
		return ""
	}
	return channel[len("doc:") : len(channel)-len(":ops")]
}

// Fields is a decoded JSON object frame with every field preserved verbatim,
// known or not. Unknown fields survive a decode/encode round trip so that
// unrecognized message types can be rebroadcast untouched and ops can be
// enhanced without dropping client extensions.
type Fields map[string]json.RawMessage

// DecodeFields parses a text frame into Fields. The frame must be a JSON
// object.
func DecodeFields(data []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Encode serializes the fields back to a JSON object.
func (f Fields) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// Type returns the frame's "type" field, defaulting to "op" when absent or
// malformed.
func (f Fields) Type() string {
	if s, ok := f.String("type"); ok {
		return s
	}
	return TypeOp
}

// String returns the named field as a string.
func (f Fields) String(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Int64 returns the named field as an integer.
func (f Fields) Int64(key string) (int64, bool) {
	raw, ok := f[key]
	if !ok {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// SetString sets a string field, replacing any existing value.
func (f Fields) SetString(key, value string) {
	data, _ := json.Marshal(value)
	f[key] = data
}

// SetInt64 sets an integer field, replacing any existing value.
func (f Fields) SetInt64(key string, value int64) {
	f[key] = json.RawMessage(strconv.FormatInt(value, 10))
}

// Enhance returns a copy of a raw op frame with serverId and serverVersion
// stamped in, leaving every other field as the client sent it. Downstream
// clients adopt the authoritative version from these fields.
func Enhance(raw []byte, serverID string, serverVersion int64) ([]byte, error) {
	f, err := DecodeFields(raw)
	if err != nil {
		return nil, err
	}
	f.SetString("serverId", serverID)
	f.SetInt64("serverVersion", serverVersion)
	return f.Encode()
}
