package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 512

// memDevice is an in-memory Device for tests.
type memDevice struct {
	data   []byte
	reads  int
	writes int
}

func newMemDevice(size int) *memDevice {
	return &memDevice{data: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.reads++
	return copy(p, d.data[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.writes++
	return copy(d.data[off:], p), nil
}

func TestReadMissThenHit(t *testing.T) {
	dev := newMemDevice(1 << 20)
	copy(dev.data[10<<9:], []byte("hello"))
	c := New(64*testBlockSize, testBlockSize)

	b, err := c.Read(dev, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b.Data[:5])
	assert.Equal(t, 1, dev.reads)
	c.Release(b)

	b2, err := c.Read(dev, 10)
	require.NoError(t, err)
	assert.Same(t, b, b2)
	assert.Equal(t, 1, dev.reads, "second read hits the cache")
	c.Release(b2)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestDirtyListOrder(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)

	// Dirty in a specific order; the journal depends on it.
	for _, sector := range []uint64{5, 3, 9} {
		b := c.GetBlk(dev, sector)
		c.ReleaseDirty(b)
	}
	var order []uint64
	require.NoError(t, c.ForEachDirty(func(b *Buf) error {
		order = append(order, b.Sector())
		return nil
	}))
	assert.Equal(t, []uint64{5, 3, 9}, order)

	// Re-dirtying does not reorder.
	b := c.GetBlk(dev, 5)
	c.ReleaseDirty(b)
	order = nil
	require.NoError(t, c.ForEachDirty(func(b *Buf) error {
		order = append(order, b.Sector())
		return nil
	}))
	assert.Equal(t, []uint64{5, 3, 9}, order)
}

func TestWriteHomeClearsDirty(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)

	b := c.GetBlk(dev, 4)
	copy(b.Data, "payload")
	c.ReleaseDirty(b)
	require.Equal(t, 1, c.DirtyCount())

	require.NoError(t, c.WriteHome(b))
	assert.Zero(t, c.DirtyCount())
	assert.False(t, b.Dirty())
	assert.Equal(t, []byte("payload"), dev.data[4<<9:4<<9+7])
}

func TestWriteToKeepsDirty(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)

	b := c.GetBlk(dev, 4)
	copy(b.Data, "journal")
	c.SetDirty(b)
	require.NoError(t, c.WriteTo(b, 100))
	assert.True(t, b.Dirty(), "journal staging leaves the buffer dirty")
	assert.Equal(t, []byte("journal"), dev.data[100<<9:100<<9+7])
	c.Release(b)
}

func TestFlushAll(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)
	for sector := uint64(0); sector < 5; sector++ {
		b := c.GetBlk(dev, sector*8)
		b.Data[0] = byte(sector)
		c.ReleaseDirty(b)
	}
	require.NoError(t, c.FlushAll())
	assert.Zero(t, c.DirtyCount())
	for sector := uint64(0); sector < 5; sector++ {
		assert.Equal(t, byte(sector), dev.data[sector*8<<9])
	}
}

func TestEvictionRespectsBudget(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(16*testBlockSize, testBlockSize) // floor of 16 buffers

	for sector := uint64(0); sector < 40; sector++ {
		b, err := c.Read(dev, sector)
		require.NoError(t, err)
		c.Release(b)
	}
	assert.LessOrEqual(t, c.Stats().Buffers, 16)
}

func TestDirtyBuffersSurviveEviction(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(16*testBlockSize, testBlockSize)

	dirty := c.GetBlk(dev, 999)
	dirty.Data[0] = 0xAA
	c.ReleaseDirty(dirty)

	for sector := uint64(0); sector < 40; sector++ {
		b, err := c.Read(dev, sector)
		require.NoError(t, err)
		c.Release(b)
	}

	// The dirty buffer is still cached and still dirty.
	again := c.GetBlk(dev, 999)
	assert.Same(t, dirty, again)
	assert.Equal(t, byte(0xAA), again.Data[0])
	assert.True(t, again.Dirty())
	c.Release(again)
}

func TestEvictRefusesBusyAndDirty(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)

	held := c.GetBlk(dev, 1)
	assert.ErrorIs(t, c.Evict(held), ErrBusy)

	c.ReleaseDirty(held)
	assert.ErrorIs(t, c.Evict(held), ErrDirtyEvict)

	require.NoError(t, c.WriteHome(held))
	assert.NoError(t, c.Evict(held))
}

func TestDiscardDropsDirty(t *testing.T) {
	dev := newMemDevice(1 << 20)
	c := New(64*testBlockSize, testBlockSize)

	b := c.GetBlk(dev, 2)
	c.ReleaseDirty(b)
	require.Equal(t, 1, c.DirtyCount())
	require.NoError(t, c.Discard(b))
	assert.Zero(t, c.DirtyCount())

	// The next access misses.
	fresh := c.GetBlk(dev, 2)
	assert.NotSame(t, b, fresh)
	c.Release(fresh)
}
