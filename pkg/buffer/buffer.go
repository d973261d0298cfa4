// Package buffer implements the buffered block cache underneath the
// snapshot metadata engine.
//
// Buffers are keyed by (device, sector) and hold exactly one
// allocation-sized block. A global dirty list preserves the order in which
// buffers were dirtied; the journal depends on that order when it writes a
// transaction, so the list is never reordered. Clean buffers with no
// references sit on an LRU list and are evicted when the cache exceeds its
// memory budget.
//
// Dirty buffers are never written back to their home location directly by
// the cache; the journal stages them first and calls WriteHome afterwards.
package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/devio"
)

var (
	// ErrBusy is returned when evicting a buffer that still has references.
	ErrBusy = errors.New("buffer still referenced")

	// ErrDirtyEvict is returned when evicting a dirty buffer.
	ErrDirtyEvict = errors.New("buffer still dirty")
)

// Device is the positional I/O surface a buffer reads and writes through.
// *devio.Dev satisfies it; tests substitute in-memory fakes.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

type bufKey struct {
	dev    Device
	sector uint64
}

// Buf is a single cached block.
type Buf struct {
	dev    Device
	sector uint64

	// Data is the block payload. Callers edit it in place and mark the
	// buffer dirty through the cache.
	Data []byte

	refs    int
	dirty   bool
	dirtyEl *list.Element
	lruEl   *list.Element
}

// Sector returns the buffer's home sector.
func (b *Buf) Sector() uint64 { return b.sector }

// Dirty reports whether the buffer differs from its home location.
func (b *Buf) Dirty() bool { return b.dirty }

// Refs returns the buffer's reference count.
func (b *Buf) Refs() int { return b.refs }

// Stats contains cache counters for observability.
type Stats struct {
	Buffers int
	Dirty   int
	Hits    uint64
	Misses  uint64
}

// Cache is the buffer cache. It is owned by the single dispatch goroutine
// and carries no internal locking.
type Cache struct {
	blockSize int
	max       int

	bufs  map[bufKey]*Buf
	dirty *list.List // *Buf, in dirty order
	lru   *list.List // *Buf, clean and unreferenced, front = coldest

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache with the given memory budget. The budget counts block
// payloads only; at least 16 buffers are always allowed.
func New(memBytes int64, blockSize int) *Cache {
	max := int(memBytes / int64(blockSize))
	if max < 16 {
		max = 16
	}
	return &Cache{
		blockSize: blockSize,
		max:       max,
		bufs:      make(map[bufKey]*Buf),
		dirty:     list.New(),
		lru:       list.New(),
	}
}

// BlockSize returns the configured block size.
func (c *Cache) BlockSize() int { return c.blockSize }

func (c *Cache) hold(b *Buf) {
	if b.lruEl != nil {
		c.lru.Remove(b.lruEl)
		b.lruEl = nil
	}
	b.refs++
}

// GetBlk returns the buffer for (dev, sector) without reading the device.
// A fresh buffer's payload is zeroed; the caller initializes it.
func (c *Cache) GetBlk(dev Device, sector uint64) *Buf {
	key := bufKey{dev, sector}
	if b, ok := c.bufs[key]; ok {
		c.hits.Add(1)
		c.hold(b)
		return b
	}
	c.misses.Add(1)
	c.reclaim()
	b := &Buf{dev: dev, sector: sector, Data: make([]byte, c.blockSize)}
	c.bufs[key] = b
	b.refs = 1
	return b
}

// Read returns the buffer for (dev, sector), fetching the block from the
// device on a miss.
func (c *Cache) Read(dev Device, sector uint64) (*Buf, error) {
	key := bufKey{dev, sector}
	if b, ok := c.bufs[key]; ok {
		c.hits.Add(1)
		c.hold(b)
		return b, nil
	}
	c.misses.Add(1)
	c.reclaim()
	b := &Buf{dev: dev, sector: sector, Data: make([]byte, c.blockSize)}
	if _, err := dev.ReadAt(b.Data, int64(sector)<<devio.SectorBits); err != nil {
		return nil, fmt.Errorf("read block at sector %d: %w", sector, err)
	}
	c.bufs[key] = b
	b.refs = 1
	return b, nil
}

// reclaim evicts cold clean buffers until the cache is under budget.
func (c *Cache) reclaim() {
	for len(c.bufs) >= c.max {
		el := c.lru.Front()
		if el == nil {
			// Everything is referenced or dirty; run over budget rather
			// than fail. The journal will drain the dirty list shortly.
			logger.Warn("buffer cache over budget", "buffers", len(c.bufs), "dirty", c.dirty.Len())
			return
		}
		b := c.lru.Remove(el).(*Buf)
		b.lruEl = nil
		delete(c.bufs, bufKey{b.dev, b.sector})
	}
}

// SetDirty marks the buffer dirty, appending it to the dirty list the first
// time.
func (c *Cache) SetDirty(b *Buf) {
	if b.dirty {
		return
	}
	b.dirty = true
	b.dirtyEl = c.dirty.PushBack(b)
}

// Release drops one reference. An unreferenced clean buffer joins the LRU.
func (c *Cache) Release(b *Buf) {
	if b.refs <= 0 {
		logger.Warn("buffer released with no references", "sector", b.sector)
		return
	}
	b.refs--
	if b.refs == 0 && !b.dirty && b.lruEl == nil {
		b.lruEl = c.lru.PushBack(b)
	}
}

// ReleaseDirty marks the buffer dirty and drops one reference.
func (c *Cache) ReleaseDirty(b *Buf) {
	c.SetDirty(b)
	c.Release(b)
}

// WriteTo writes the buffer payload to an arbitrary sector, leaving the
// buffer's dirty state alone. The journal uses this to stage dirty blocks.
func (c *Cache) WriteTo(b *Buf, sector uint64) error {
	if _, err := b.dev.WriteAt(b.Data, int64(sector)<<devio.SectorBits); err != nil {
		return fmt.Errorf("write block to sector %d: %w", sector, err)
	}
	return nil
}

// WriteHome writes the buffer to its home sector and clears its dirty flag.
func (c *Cache) WriteHome(b *Buf) error {
	if _, err := b.dev.WriteAt(b.Data, int64(b.sector)<<devio.SectorBits); err != nil {
		return fmt.Errorf("write block home to sector %d: %w", b.sector, err)
	}
	if b.dirty {
		b.dirty = false
		c.dirty.Remove(b.dirtyEl)
		b.dirtyEl = nil
		if b.refs == 0 && b.lruEl == nil {
			b.lruEl = c.lru.PushBack(b)
		}
	}
	return nil
}

// DirtyCount returns the number of dirty buffers.
func (c *Cache) DirtyCount() int { return c.dirty.Len() }

// ForEachDirty calls fn for every dirty buffer in dirty order. fn must not
// change the buffer's dirty state.
func (c *Cache) ForEachDirty(fn func(*Buf) error) error {
	for el := c.dirty.Front(); el != nil; el = el.Next() {
		if err := fn(el.Value.(*Buf)); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll writes every dirty buffer to its home location. Used at clean
// shutdown and by store initialization, which both bypass the journal.
func (c *Cache) FlushAll() error {
	for c.dirty.Len() > 0 {
		b := c.dirty.Front().Value.(*Buf)
		if err := c.WriteHome(b); err != nil {
			return err
		}
	}
	return nil
}

// Evict removes a specific buffer from the cache. The buffer must be clean
// and unreferenced; freeing a B-tree block goes through here.
func (c *Cache) Evict(b *Buf) error {
	if b.refs != 0 {
		return fmt.Errorf("evict sector %d: %w", b.sector, ErrBusy)
	}
	if b.dirty {
		return fmt.Errorf("evict sector %d: %w", b.sector, ErrDirtyEvict)
	}
	if b.lruEl != nil {
		c.lru.Remove(b.lruEl)
		b.lruEl = nil
	}
	delete(c.bufs, bufKey{b.dev, b.sector})
	return nil
}

// Discard drops a buffer without writing it back, dirty or not. Used when
// the block it caches has been freed.
func (c *Cache) Discard(b *Buf) error {
	if b.refs != 0 {
		return fmt.Errorf("discard sector %d: %w", b.sector, ErrBusy)
	}
	if b.dirty {
		b.dirty = false
		c.dirty.Remove(b.dirtyEl)
		b.dirtyEl = nil
	}
	if b.lruEl != nil {
		c.lru.Remove(b.lruEl)
		b.lruEl = nil
	}
	delete(c.bufs, bufKey{b.dev, b.sector})
	return nil
}

// EvictAll drops every clean unreferenced buffer.
func (c *Cache) EvictAll() {
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		b := el.Value.(*Buf)
		c.lru.Remove(el)
		b.lruEl = nil
		delete(c.bufs, bufKey{b.dev, b.sector})
		el = next
	}
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Buffers: len(c.bufs),
		Dirty:   c.dirty.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}
