package snap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dittolab/snapstore/pkg/buffer"
)

// smallBlockEngine formats a store with 512-byte blocks so splits and
// extra tree levels happen with modest insert counts.
func smallBlockEngine(t *testing.T) *Engine {
	t.Helper()
	metadev := testDev(t, "meta.img", 8<<20)
	orgdev := testDev(t, "origin.img", 4<<20)
	cache := buffer.New(1<<20, 512)
	e := New(metadev, metadev, orgdev, cache, nil)
	require.NoError(t, e.Format(FormatOptions{
		JournalBytes:  64 * 512,
		MetaChunkBits: 9,
		SnapChunkBits: 9,
	}))
	return e
}

// checkTreeInvariants walks every leaf checking the structural and
// sharemap invariants against the active mask.
func checkTreeInvariants(t *testing.T, e *Engine) {
	t.Helper()
	err := e.traverseLeaves(func(l leaf) error {
		require.True(t, l.valid())
		count := l.count()
		for i := 0; i < count; i++ {
			if i > 0 {
				assert.Greater(t, l.rchunk(i), l.rchunk(i-1))
			}
			var seen uint64
			for off := l.mapOffset(i); off < l.mapOffset(i+1); off += excSize {
				share := l.share(off)
				assert.NotZero(t, share)
				assert.Zero(t, seen&share, "disjoint sharemaps")
				assert.Zero(t, share&^e.Snapmask(), "shares within the active mask")
				seen |= share
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// Thousands of inserts with 512-byte blocks force leaf splits, interior
// splits and new root levels; every chunk must remain findable and the
// invariants must hold throughout.
func TestTreeGrowth(t *testing.T) {
	e := smallBlockEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)

	const chunks = 2000
	seen := make(map[uint64]uint64)
	for chunk := uint64(0); chunk < chunks; chunk++ {
		exc, created, err := e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err, "chunk %d", chunk)
		require.True(t, created)
		seen[chunk] = exc
		require.NoError(t, e.maybeCommit())
	}
	commit(t, e)

	assert.Greater(t, e.img.TreeLevels, uint32(1), "tree grew levels")
	checkTreeInvariants(t, e)

	for chunk, exc := range seen {
		unique, got, err := e.testUnique(chunk, 0)
		require.NoError(t, err)
		assert.True(t, unique, "chunk %d", chunk)
		assert.Equal(t, exc, got, "chunk %d", chunk)
	}
}

// Deleting the only snapshot reclaims every exception, merges leaves and
// collapses the tree back toward a single level.
func TestTreeDeleteCollapses(t *testing.T) {
	e := smallBlockEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)

	freeBefore := e.snap.img.FreeChunks
	metaFreeBefore := e.meta.img.FreeChunks

	const chunks = 2000
	for chunk := uint64(0); chunk < chunks; chunk++ {
		_, _, err := e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err)
		require.NoError(t, e.maybeCommit())
	}
	commit(t, e)
	require.Greater(t, e.img.TreeLevels, uint32(1))

	require.NoError(t, e.DeleteSnapshot(10))

	assert.Equal(t, uint64(0), e.Snapmask())
	assert.Equal(t, freeBefore, e.snap.img.FreeChunks, "all exception chunks returned")
	assert.Equal(t, uint32(1), e.img.TreeLevels, "tree collapsed")
	assert.Equal(t, metaFreeBefore, e.meta.img.FreeChunks, "all tree blocks returned")
	checkTreeInvariants(t, e)

	// The store is still usable after the collapse.
	_, err = e.CreateSnapshot(11)
	require.NoError(t, err)
	exc, created, err := e.makeUnique(42, OriginSnapBit)
	require.NoError(t, err)
	require.True(t, created)
	commit(t, e)
	unique, got, err := e.testUnique(42, 0)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, exc, got)
}

// Changelists report exactly the chunks whose sharing differs between two
// snapshot bits.
func TestChangedChunks(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10) // bit 0
	require.NoError(t, err)
	_, err = e.CreateSnapshot(20) // bit 1
	require.NoError(t, err)

	// Chunks 1 and 2 get origin writes shared by both snapshots; chunk 2
	// then diverges through a private write to snapshot 10.
	for _, chunk := range []uint64{1, 2} {
		writeOriginChunk(t, e, chunk, 'A')
		_, _, err = e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err)
	}
	_, _, err = e.makeUnique(2, 0) // diverge snapshot 10 at chunk 2
	require.NoError(t, err)
	commit(t, e)

	chunks, err := e.changedChunks(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, chunks)
}

// Status sharing statistics count chunks by how many snapshots share
// them.
func TestCalcSharing(t *testing.T) {
	e := testEngine(t)
	_, err := e.CreateSnapshot(10)
	require.NoError(t, err)
	_, err = e.CreateSnapshot(20)
	require.NoError(t, err)

	// Two chunks shared by both, one private to snapshot 10.
	for _, chunk := range []uint64{1, 2} {
		_, _, err = e.makeUnique(chunk, OriginSnapBit)
		require.NoError(t, err)
	}
	_, _, err = e.makeUnique(3, 0)
	require.NoError(t, err)
	commit(t, e)

	table, err := e.calcSharing()
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, uint64(1), table[0][0], "one chunk private to bit 0")
	assert.Equal(t, uint64(2), table[0][1], "two chunks shared with one other")
	assert.Equal(t, uint64(0), table[1][0])
	assert.Equal(t, uint64(2), table[1][1])
}
