package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dittolab/snapstore/pkg/buffer"
	"github.com/dittolab/snapstore/pkg/client"
	"github.com/dittolab/snapstore/pkg/devio"
	"github.com/dittolab/snapstore/pkg/protocol"
	"github.com/dittolab/snapstore/pkg/snap"
)

func testDev(t *testing.T, dir, name string, size int64) *devio.Dev {
	t.Helper()
	dev, err := devio.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, dev.Truncate(size))
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

// startServer formats a store, starts a server over it and returns the
// socket path plus a cancel func that waits for shutdown.
func startServer(t *testing.T) (string, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	metadev := testDev(t, dir, "meta.img", 16<<20)
	orgdev := testDev(t, dir, "origin.img", 4<<20)

	cache := buffer.New(4<<20, 4096)
	eng := snap.New(metadev, metadev, orgdev, cache, nil)
	require.NoError(t, eng.Format(snap.DefaultFormatOptions()))
	require.NoError(t, eng.Start())

	socket := filepath.Join(dir, "server.sock")
	srv := New(Config{Socket: socket, MaxClients: 8}, eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	// Wait for the socket to appear.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return socket, cancel
}

func TestServerManagementRoundTrip(t *testing.T) {
	socket, _ := startServer(t)

	c, err := client.Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.CreateSnapshot(10))
	require.NoError(t, c.CreateSnapshot(20))
	assert.ErrorContains(t, c.CreateSnapshot(10), "unable to create")

	snaps, err := c.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, uint32(10), snaps[0].Snap)

	require.NoError(t, c.SetPriority(10, 7))
	count, err := c.AdjustUsecount(10, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), count)

	state, err := c.SnapshotState(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(protocol.StateLive), state)

	sectors, err := c.OriginSectors()
	require.NoError(t, err)
	assert.Equal(t, uint64(4<<20>>9), sectors)

	status, err := c.Status()
	require.NoError(t, err)
	assert.Len(t, status.Rows, 2)

	require.NoError(t, c.DeleteSnapshot(20))
	snaps, err = c.ListSnapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

// The data-plane opcodes work over the socket: identify, snapshot read
// with read locks, origin write deferral, finish read.
func TestServerDataPlane(t *testing.T) {
	socket, _ := startServer(t)

	mgmt, err := client.Dial(socket)
	require.NoError(t, err)
	defer mgmt.Close()
	require.NoError(t, mgmt.CreateSnapshot(10))

	// Raw connections for the data plane: one snapshot client, one
	// origin client.
	snapConn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer snapConn.Close()
	origConn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer origConn.Close()

	sectors, err := mgmt.OriginSectors()
	require.NoError(t, err)

	require.NoError(t, protocol.WriteMessage(snapConn, &protocol.Identify{ID: 1, Snap: 10, Len: sectors}))
	reply, err := protocol.ReadMessage(snapConn)
	require.NoError(t, err)
	require.IsType(t, &protocol.IdentifyOK{}, reply)

	require.NoError(t, protocol.WriteMessage(origConn, &protocol.Identify{ID: 2, Snap: ^uint32(0), Len: sectors}))
	reply, err = protocol.ReadMessage(origConn)
	require.NoError(t, err)
	require.IsType(t, &protocol.IdentifyOK{}, reply)

	// Snapshot read resolves to the origin and takes a read lock.
	rng := []protocol.ChunkRange{{Chunk: 42, Chunks: 1}}
	require.NoError(t, protocol.WriteMessage(snapConn, &protocol.QuerySnapshotRead{ID: 1, Ranges: rng}))
	reply, err = protocol.ReadMessage(snapConn)
	require.NoError(t, err)
	require.IsType(t, &protocol.SnapshotReadOriginOK{}, reply)

	// Origin write of the locked chunk: the ack must wait.
	require.NoError(t, protocol.WriteMessage(origConn, &protocol.QueryWrite{ID: 2, Ranges: rng}))
	require.NoError(t, origConn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err = protocol.ReadMessage(origConn)
	require.Error(t, err, "origin write acknowledged before the read drained")
	require.NoError(t, origConn.SetReadDeadline(time.Time{}))

	// Finishing the read releases the parked acknowledgment.
	require.NoError(t, protocol.WriteMessage(snapConn, &protocol.FinishSnapshotRead{ID: 1, Ranges: rng}))
	reply, err = protocol.ReadMessage(origConn)
	require.NoError(t, err)
	ack, ok := reply.(*protocol.OriginWriteOK)
	require.True(t, ok)
	assert.Equal(t, uint32(2), ack.ID)

	// The chunk now has an exception; a new snapshot read resolves to
	// the snapshot store.
	require.NoError(t, protocol.WriteMessage(snapConn, &protocol.QuerySnapshotRead{ID: 3, Ranges: rng}))
	reply, err = protocol.ReadMessage(snapConn)
	require.NoError(t, err)
	read, ok := reply.(*protocol.SnapshotReadOK)
	require.True(t, ok)
	require.Len(t, read.Ranges, 1)
	assert.NotZero(t, read.Ranges[0].Excs[0])
}

// A shutdown request from a client stops the server cleanly.
func TestServerShutdownRequest(t *testing.T) {
	dir := t.TempDir()
	metadev := testDev(t, dir, "meta.img", 16<<20)
	orgdev := testDev(t, dir, "origin.img", 4<<20)
	cache := buffer.New(4<<20, 4096)
	eng := snap.New(metadev, metadev, orgdev, cache, nil)
	require.NoError(t, eng.Format(snap.DefaultFormatOptions()))
	require.NoError(t, eng.Start())

	socket := filepath.Join(dir, "server.sock")
	srv := New(Config{Socket: socket, MaxClients: 8}, eng)
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)

	c, err := client.Dial(socket)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Shutdown())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down on request")
	}

	// A clean shutdown clears the busy flag.
	eng2 := snap.New(metadev, metadev, orgdev, nil, nil)
	require.NoError(t, eng2.Load())
	assert.False(t, eng2.Busy())
}
