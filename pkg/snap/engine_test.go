package snap

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dittolab/snapstore/pkg/buffer"
	"github.com/dittolab/snapstore/pkg/devio"
)

const testChunkBits = 12

func testDev(t *testing.T, name string, size int64) *devio.Dev {
	t.Helper()
	dev, err := devio.Create(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	require.NoError(t, dev.Truncate(size))
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

// testEngine formats a combined-layout store over temp files.
func testEngine(t *testing.T) *Engine {
	t.Helper()
	metadev := testDev(t, "meta.img", 16<<20)
	orgdev := testDev(t, "origin.img", 4<<20)
	cache := buffer.New(4<<20, 1<<testChunkBits)
	e := New(metadev, metadev, orgdev, cache, nil)
	require.NoError(t, e.Format(FormatOptions{
		JournalBytes:  8 << testChunkBits,
		MetaChunkBits: testChunkBits,
		SnapChunkBits: testChunkBits,
	}))
	return e
}

// testEngineSeparate formats a store with a dedicated snapshot-data device
// of the given chunk count.
func testEngineSeparate(t *testing.T, snapChunks int64) *Engine {
	t.Helper()
	metadev := testDev(t, "meta.img", 16<<20)
	snapdev := testDev(t, "snap.img", snapChunks<<testChunkBits)
	orgdev := testDev(t, "origin.img", 4<<20)
	cache := buffer.New(4<<20, 1<<testChunkBits)
	e := New(metadev, snapdev, orgdev, cache, nil)
	require.NoError(t, e.Format(FormatOptions{
		JournalBytes:  8 << testChunkBits,
		MetaChunkBits: testChunkBits,
		SnapChunkBits: testChunkBits,
	}))
	return e
}

func chunkPattern(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 1<<testChunkBits)
}

func writeOriginChunk(t *testing.T, e *Engine, chunk uint64, fill byte) {
	t.Helper()
	_, err := e.orgdev.WriteAt(chunkPattern(fill), int64(chunk)<<testChunkBits)
	require.NoError(t, err)
}

func readSnapChunk(t *testing.T, e *Engine, exc uint64) []byte {
	t.Helper()
	data := make([]byte, 1<<testChunkBits)
	_, err := e.snapdev.ReadAt(data, int64(exc)<<testChunkBits)
	require.NoError(t, err)
	return data
}

// leafExceptions collects every exception of a logical chunk.
func leafExceptions(t *testing.T, e *Engine, chunk uint64) map[uint64]uint64 {
	t.Helper()
	leafbuf, path, err := e.probe(chunk)
	require.NoError(t, err)
	defer e.releasePath(path)
	defer e.cache.Release(leafbuf)

	found := make(map[uint64]uint64) // exception chunk -> sharemap
	asLeaf(leafbuf.Data).forEachException(func(logical, share, exception uint64) {
		if logical == chunk {
			found[exception] = share
		}
	})
	return found
}

func commit(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.FinishCopyout())
	require.NoError(t, e.commitTransaction())
}

// Two snapshots, one origin write: one exception shared by both, one
// snapdata chunk allocated, both snapshots read the pre-write bytes.
func TestOriginWriteSharedException(t *testing.T) {
	e := testEngine(t)

	bit0, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	bit1, err := e.CreateSnapshot(20)
	require.NoError(t, err)
	require.Equal(t, 0, bit0)
	require.Equal(t, 1, bit1)
	require.Equal(t, uint64(0b11), e.Snapmask())

	writeOriginChunk(t, e, 7, 'A')
	freeBefore := e.snap.img.FreeChunks

	exc, created, err := e.makeUnique(7, OriginSnapBit)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)

	assert.Equal(t, freeBefore-1, e.snap.img.FreeChunks)
	excs := leafExceptions(t, e, 7)
	require.Len(t, excs, 1)
	assert.Equal(t, uint64(0b11), excs[exc])

	// The device-mapper client now writes the new bytes to the origin.
	writeOriginChunk(t, e, 7, 'B')

	for _, bit := range []int{bit0, bit1} {
		unique, got, err := e.testUnique(7, bit)
		require.NoError(t, err)
		assert.False(t, unique) // shared between the two snapshots
		require.Equal(t, exc, got)
		assert.Equal(t, chunkPattern('A'), readSnapChunk(t, e, got))
	}
}

// Snapshot-private overwrite: the writer's bit is unshared into a new
// exception; the other snapshot keeps the first copy-out.
func TestSnapshotWriteUnshares(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	_, err = e.CreateSnapshot(20)
	require.NoError(t, err)

	writeOriginChunk(t, e, 7, 'A')
	shared, created, err := e.makeUnique(7, OriginSnapBit)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)

	private, created, err := e.makeUnique(7, 0)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)
	require.NotEqual(t, shared, private)

	excs := leafExceptions(t, e, 7)
	require.Len(t, excs, 2)
	assert.Equal(t, uint64(0b10), excs[shared])
	assert.Equal(t, uint64(0b01), excs[private])

	// Snapshot 10 now writes through its private chunk; 20 still sees
	// the first copy-out.
	unique, got, err := e.testUnique(7, 0)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, private, got)
	assert.Equal(t, chunkPattern('A'), readSnapChunk(t, e, got)) // copied before overwrite

	unique, got, err = e.testUnique(7, 1)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, shared, got)
}

// Deleting a snapshot clears its bit; an exception whose sharemap reaches
// zero returns its chunk to the free bitmap.
func TestDeleteReclaimsSpace(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	_, err = e.CreateSnapshot(20)
	require.NoError(t, err)

	writeOriginChunk(t, e, 7, 'A')
	shared, _, err := e.makeUnique(7, OriginSnapBit)
	require.NoError(t, err)
	commit(t, e)
	private, _, err := e.makeUnique(7, 0)
	require.NoError(t, err)
	commit(t, e)

	freeBefore := e.snap.img.FreeChunks
	require.NoError(t, e.DeleteSnapshot(20))

	assert.Equal(t, freeBefore+1, e.snap.img.FreeChunks)
	assert.Equal(t, uint64(0b01), e.Snapmask())
	assert.Equal(t, uint32(1), e.img.Snapshots)

	excs := leafExceptions(t, e, 7)
	require.Len(t, excs, 1)
	assert.Equal(t, uint64(0b01), excs[private])
	_, gone := excs[shared]
	assert.False(t, gone)
}

// Victim selection under pressure: the eligible low-priority snapshot is
// squashed in place, its slot retained, and the blocked write proceeds.
func TestVictimSquashUnderPressure(t *testing.T) {
	e := testEngineSeparate(t, 40)

	_, err := e.CreateSnapshot(1) // prio 0, usecnt 0
	require.NoError(t, err)

	free := e.snap.img.FreeChunks
	require.Equal(t, uint64(39), free) // chunk 0 reserved as the nil exception
	for chunk := uint64(0); chunk < free; chunk++ {
		writeOriginChunk(t, e, chunk, 'A')
		_, created, err := e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err)
		require.True(t, created)
		require.NoError(t, e.maybeCommit())
	}
	commit(t, e)
	require.Equal(t, uint64(0), e.snap.img.FreeChunks)

	_, err = e.CreateSnapshot(2)
	require.NoError(t, err)
	recB := e.findSnap(2)
	recB.Usecnt = 1
	recB.Prio = 5

	// The next copy-out overflows snapdata; snapshot 1 must be squashed.
	writeOriginChunk(t, e, 100, 'C')
	exc, created, err := e.makeUnique(100, OriginSnapBit)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)

	recA := e.findSnap(1)
	require.NotNil(t, recA, "squashed record keeps its slot")
	assert.True(t, recA.Squashed())
	assert.Equal(t, uint32(2), e.img.Snapshots)
	assert.False(t, e.findSnap(2).Squashed())

	excs := leafExceptions(t, e, 100)
	assert.Equal(t, uint64(1)<<e.findSnap(2).Bit, excs[exc])
}

// make_unique is idempotent: a second call creates no exception and dirties
// nothing. The snapshot side returns the existing exception again; the origin
// side returns no exception address on the second call.
func TestMakeUniqueIdempotent(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)

	writeOriginChunk(t, e, 3, 'A')
	first, created, err := e.makeUnique(3, OriginSnapBit)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)
	require.Zero(t, e.cache.DirtyCount())

	second, created, err := e.makeUnique(3, OriginSnapBit)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, second) // origin already unique reports no new exception
	assert.Zero(t, e.cache.DirtyCount())

	// Snapshot-side idempotence returns the same exception both times.
	exc1, created, err := e.makeUnique(3, 0)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, exc1)
}

// Squashed snapshots drop out of the active mask but keep their slots.
func TestSnapmaskTracksSquash(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	_, err = e.CreateSnapshot(20)
	require.NoError(t, err)
	require.Equal(t, uint64(0b11), e.calcSnapmask())

	rec := e.findSnap(10)
	mask := uint64(1) << rec.Bit
	rec.Bit = SnapshotSquashed
	require.NoError(t, e.deleteTreeRange(mask, 0))

	assert.Equal(t, uint64(0b10), e.Snapmask())
	assert.Equal(t, e.Snapmask(), e.calcSnapmask())
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if rec := &e.img.Snaplist[i]; !rec.Squashed() {
			assert.NotZero(t, e.Snapmask()&(1<<rec.Bit))
		}
	}
}

// Free counts in the superblock match the bitmap zero-bit population
// after commits.
func TestFreeCountsMatchBitmaps(t *testing.T) {
	e := testEngine(t)
	e.SelfCheck(true)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)

	for chunk := uint64(0); chunk < 20; chunk++ {
		writeOriginChunk(t, e, chunk, byte('a'+chunk%26))
		_, _, err := e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err)
		commit(t, e) // self-check recounts after every commit
	}

	counted, err := e.countFree(&e.meta)
	require.NoError(t, err)
	assert.Equal(t, e.meta.img.FreeChunks, counted)
}

// CreateSnapshot allocates distinct bits, refuses duplicate tags and
// reuses bits freed by deletion.
func TestSnapshotTable(t *testing.T) {
	e := testEngine(t)

	bit0, err := e.CreateSnapshot(100)
	require.NoError(t, err)
	bit1, err := e.CreateSnapshot(200)
	require.NoError(t, err)
	require.NotEqual(t, bit0, bit1)

	_, err = e.CreateSnapshot(100)
	assert.ErrorIs(t, err, ErrSnapshotExists)

	require.NoError(t, e.DeleteSnapshot(100))
	bit2, err := e.CreateSnapshot(300)
	require.NoError(t, err)
	assert.Equal(t, bit0, bit2) // lowest free bit is reused

	assert.ErrorIs(t, e.DeleteSnapshot(999), ErrSnapshotNotFound)
}

// Reload from disk: a clean shutdown persists the snapshot table and the
// exception tree.
func TestShutdownAndReload(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	writeOriginChunk(t, e, 5, 'A')
	exc, _, err := e.makeUnique(5, OriginSnapBit)
	require.NoError(t, err)
	commit(t, e)
	require.NoError(t, e.Shutdown())

	e2 := New(e.metadev, e.snapdev, e.orgdev, nil, nil)
	require.NoError(t, e2.Load())
	e2.SetCache(buffer.New(4<<20, e2.BlockSize()))
	assert.False(t, e2.Busy())
	assert.Equal(t, uint64(0b01), e2.Snapmask())

	unique, got, err := e2.testUnique(5, 0)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, exc, got)
}
