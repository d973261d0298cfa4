package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTrip frames a message, reads it back and returns the decoded form.
func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, m))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, m.Code(), got.Code())
	return got
}

func TestQueryWriteRoundTrip(t *testing.T) {
	m := &QueryWrite{ID: 7, Ranges: []ChunkRange{
		{Chunk: 100, Chunks: 3},
		{Chunk: 4096, Chunks: 1},
	}}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestSnapshotReadRepliesRoundTrip(t *testing.T) {
	ok := &SnapshotReadOK{ID: 9, Ranges: []RangeExc{
		{Chunk: 5, Excs: []uint64{1000, 1001}},
		{Chunk: 99, Excs: []uint64{0}},
	}}
	assert.Equal(t, ok, roundTrip(t, ok))

	org := &SnapshotReadOriginOK{ID: 9, Ranges: []ChunkRange{{Chunk: 7, Chunks: 2}}}
	assert.Equal(t, org, roundTrip(t, org))
}

func TestIdentifyRoundTrip(t *testing.T) {
	m := &Identify{ID: ^uint64(0), Snap: 10, Off: 0, Len: 1 << 21}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestSnapshotListRoundTrip(t *testing.T) {
	m := &SnapshotList{Snapshots: []SnapInfo{
		{Snap: 10, Prio: -128, Usecnt: 3, Ctime: 1234567890},
		{Snap: 20, Prio: 127, Usecnt: 0, Ctime: 1234567999},
	}}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestStatusRoundTrip(t *testing.T) {
	m := &StatusOK{
		Ctime: 111,
		Meta:  OverallStatus{ChunksizeBits: 12, Used: 50, Free: 1000},
		Store: OverallStatus{ChunksizeBits: 12, Used: 7, Free: 500},
		Rows: []StatusRow{
			{Ctime: 222, Snap: 10, Counts: []uint64{1, 2}},
			{Ctime: 333, Snap: 20, Counts: []uint64{0, 2}},
		},
	}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestProtocolErrorRoundTrip(t *testing.T) {
	m := &ProtocolError{Err: ErrUnknownMessage, Culprit: 0xbeadffff, Message: "server received unknown message"}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestChangelistRoundTrip(t *testing.T) {
	m := &StreamChangelistOK{ChunksizeBits: 12, Chunks: []uint64{1, 5, 9, 1 << 40}}
	assert.Equal(t, m, roundTrip(t, m))
}

func TestServerReadyRoundTrip(t *testing.T) {
	m := &ServerReady{SocketPath: "/var/run/snapstore/server.sock"}
	got := roundTrip(t, m).(*ServerReady)
	assert.Equal(t, m.SocketPath, got.SocketPath)
}

// Unrecognized codes decode to Unknown instead of failing, so the
// dispatcher can answer with a typed error.
func TestUnknownCode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Unknown{RawCode: 0xdeadbeef, Body: []byte{1, 2, 3}}))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	unknown, ok := got.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), unknown.RawCode)
	assert.Equal(t, []byte{1, 2, 3}, unknown.Body)
}

// Truncated bodies are rejected rather than mis-decoded.
func TestTruncatedBody(t *testing.T) {
	m := &QueryWrite{ID: 7, Ranges: []ChunkRange{{Chunk: 100, Chunks: 3}}}
	body := m.MarshalBody()
	_, err := Decode(CodeQueryWrite, body[:len(body)-4])
	assert.ErrorIs(t, err, ErrBadBody)
}

func TestEmptyBodies(t *testing.T) {
	for _, m := range []Message{
		&ListSnapshots{},
		&RequestOriginSectors{},
		&ShutdownServer{},
		&CreateSnapshotOK{},
		&DeleteSnapshotError{},
	} {
		assert.Equal(t, m, roundTrip(t, m))
	}
}
