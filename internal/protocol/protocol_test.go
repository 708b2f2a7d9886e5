package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "doc:d1:snapshot", SnapshotKey("d1"))
	assert.Equal(t, "doc:d1:ops", OpsChannel("d1"))
}

func TestDocIDFromChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    string
	}{
		{"doc:d1:ops", "d1"},
		{"doc:some-long.id_42:ops", "some-long.id_42"},
		{"doc::ops", ""},
		{"room:d1", ""},
		{"doc:d1:snapshot", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DocIDFromChannel(tt.channel), "channel %q", tt.channel)
	}
}

func TestFieldsTypeDefaultsToOp(t *testing.T) {
	f, err := DecodeFields([]byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeOp, f.Type())

	f, err = DecodeFields([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypePing, f.Type())
}

func TestFieldsAccessors(t *testing.T) {
	f, err := DecodeFields([]byte(`{"text":"hello","version":7,"flag":true}`))
	require.NoError(t, err)

	text, ok := f.String("text")
	assert.True(t, ok)
	assert.Equal(t, "hello", text)

	v, ok := f.Int64("version")
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	_, ok = f.String("missing")
	assert.False(t, ok)

	// Wrong-typed fields read as absent.
	_, ok = f.String("version")
	assert.False(t, ok)
	_, ok = f.Int64("flag")
	assert.False(t, ok)
}

func TestDecodeFieldsRejectsNonObjects(t *testing.T) {
	_, err := DecodeFields([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeFields([]byte(`[1,2,3]`))
	assert.Error(t, err)
}

func TestEnhancePreservesUnknownFields(t *testing.T) {
	raw := []byte(`{"type":"edit","opId":"o1","text":"x","custom":{"nested":[1,2]},"note":"keep me"}`)

	out, err := Enhance(raw, "R1", 5)
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &got))

	assert.JSONEq(t, `"R1"`, string(got["serverId"]))
	assert.JSONEq(t, `5`, string(got["serverVersion"]))
	assert.JSONEq(t, `"o1"`, string(got["opId"]))
	assert.JSONEq(t, `{"nested":[1,2]}`, string(got["custom"]))
	assert.JSONEq(t, `"keep me"`, string(got["note"]))
}

func TestEnvelopeCarriesPayloadVerbatim(t *testing.T) {
	inner := []byte(`{"type":"edit","opId":"o9","text":"abc","version":3}`)
	env := Envelope{
		ServerID:      "R2",
		DocID:         "d7",
		Type:          TypeOp,
		ServerVersion: 3,
		Payload:       inner,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "R2", back.ServerID)
	assert.Equal(t, "d7", back.DocID)
	assert.Equal(t, int64(3), back.ServerVersion)
	assert.JSONEq(t, string(inner), string(back.Payload))
}

func TestSnapshotFrameShape(t *testing.T) {
	data, err := json.Marshal(SnapshotFrame{
		Type:     TypeSnapshot,
		DocID:    "d1",
		Text:     "hi",
		Version:  1,
		ServerID: "R1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"snapshot","docId":"d1","text":"hi","version":1,"serverId":"R1"}`, string(data))
}
