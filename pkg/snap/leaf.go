package snap

import (
	"encoding/binary"
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
)

// B-tree leaves are edited directly in their block buffers, so every field
// lives at an explicit offset and all access goes through this codec.
//
// A directory map at the bottom of the block points at exceptions stored at
// the top. The difference between two successive directory offsets gives
// the number of exceptions for a chunk; map[count] is a sentinel whose
// offset is the upper boundary of the exception region (the block size for
// a fresh leaf). Inserts grow the exception region downward toward the
// directory; the free space is the gap between the two.
//
// Each exception pairs a physical chunk with a sharemap naming the
// snapshots that map this logical chunk there. An origin write creates one
// exception shared by every snapshot that doesn't already have one;
// snapshot writes later unshare bits out of it.

const (
	leafMagic    = 0x1eaf
	leafHdrSize  = 24
	mapEntrySize = 8
	excSize      = 16
)

// leaf is a view over one leaf block's payload.
type leaf struct {
	b []byte
}

func asLeaf(b []byte) leaf { return leaf{b} }

func (l leaf) magic() uint16      { return binary.LittleEndian.Uint16(l.b[0:]) }
func (l leaf) count() int         { return int(binary.LittleEndian.Uint32(l.b[4:])) }
func (l leaf) setCount(n int)     { binary.LittleEndian.PutUint32(l.b[4:], uint32(n)) }
func (l leaf) baseChunk() uint64  { return binary.LittleEndian.Uint64(l.b[8:]) }

func (l leaf) mapOffset(i int) int {
	return int(binary.LittleEndian.Uint32(l.b[leafHdrSize+i*mapEntrySize:]))
}

func (l leaf) setMapOffset(i, off int) {
	binary.LittleEndian.PutUint32(l.b[leafHdrSize+i*mapEntrySize:], uint32(off))
}

func (l leaf) rchunk(i int) uint32 {
	return binary.LittleEndian.Uint32(l.b[leafHdrSize+i*mapEntrySize+4:])
}

func (l leaf) setRchunk(i int, rchunk uint32) {
	binary.LittleEndian.PutUint32(l.b[leafHdrSize+i*mapEntrySize+4:], rchunk)
}

func (l leaf) share(off int) uint64     { return binary.LittleEndian.Uint64(l.b[off:]) }
func (l leaf) setShare(off int, s uint64) { binary.LittleEndian.PutUint64(l.b[off:], s) }
func (l leaf) chunk(off int) uint64     { return binary.LittleEndian.Uint64(l.b[off+8:]) }
func (l leaf) setChunk(off int, c uint64) { binary.LittleEndian.PutUint64(l.b[off+8:], c) }

// initLeaf formats a block as an empty leaf; the sentinel records the block
// size so the exception region boundary is always derivable.
func initLeaf(b []byte) {
	for i := range b {
		b[i] = 0
	}
	l := asLeaf(b)
	binary.LittleEndian.PutUint16(b[0:], leafMagic)
	binary.LittleEndian.PutUint16(b[2:], 0) // version
	l.setCount(0)
	binary.LittleEndian.PutUint64(b[8:], 0)  // base chunk
	binary.LittleEndian.PutUint64(b[16:], 0) // reserved mask
	l.setMapOffset(0, len(b))
}

func (l leaf) valid() bool { return l.magic() == leafMagic }

// mapTop returns the byte offset just past the directory (including the
// sentinel).
func (l leaf) mapTop() int {
	return leafHdrSize + (l.count()+1)*mapEntrySize
}

// freeSpace is the gap between the directory and the exception region.
func (l leaf) freeSpace() int {
	return l.mapOffset(0) - l.mapTop()
}

// payload is the number of bytes in use: directory entries plus exceptions.
func (l leaf) payload() int {
	lower := l.count() * mapEntrySize
	upper := l.mapOffset(l.count()) - l.mapOffset(0)
	return lower + upper
}

// findEntry returns the index of the entry for target, or (i, false) with
// the insertion position when absent.
func (l leaf) findEntry(target uint32) (int, bool) {
	count := l.count()
	for i := 0; i < count; i++ {
		if r := l.rchunk(i); r >= target {
			return i, r == target
		}
	}
	return count, false
}

// originUnique reports whether every active snapshot already has an
// exception for the chunk, i.e. an origin write need not copy out.
func (l leaf) originUnique(chunk uint64, snapmask uint64) bool {
	i, found := l.findEntry(uint32(chunk - l.baseChunk()))
	if !found {
		return snapmask == 0
	}
	var using uint64
	for off := l.mapOffset(i); off < l.mapOffset(i+1); off += excSize {
		using |= l.share(off)
	}
	return ^using&snapmask == 0
}

// snapshotUnique reports whether the snapshot's exception for the chunk is
// unshared. The matching exception address, if any, is returned either way.
func (l leaf) snapshotUnique(chunk uint64, snapbit int) (unique bool, exception uint64) {
	mask := uint64(1) << snapbit
	i, found := l.findEntry(uint32(chunk - l.baseChunk()))
	if !found {
		return false, 0
	}
	for off := l.mapOffset(i); off < l.mapOffset(i+1); off += excSize {
		if share := l.share(off); share&mask != 0 {
			return share&^mask == 0, l.chunk(off)
		}
	}
	return false, 0
}

// addException inserts an exception for chunk into the leaf. For origin
// writes (snapbit == OriginSnapBit) the new sharemap covers every active
// snapshot that doesn't already have an exception here; for snapshot writes
// the writer's bit is cleared from its old exception first. Returns ErrFull
// when the leaf can't hold the insert, so the caller may split and retry.
func (l leaf) addException(chunk, exception uint64, snapbit int, active uint64) error {
	target := uint32(chunk - l.baseChunk())
	free := l.freeSpace()

	i, found := l.findEntry(target)
	var sharemap uint64
	ins := l.mapOffset(i)

	if !found {
		if free < excSize+mapEntrySize {
			return ErrFull
		}
		// Move the directory tail (including the sentinel) up one slot and
		// claim entry i.
		from := leafHdrSize + i*mapEntrySize
		to := l.mapTop()
		copy(l.b[from+mapEntrySize:to+mapEntrySize], l.b[from:to])
		l.setMapOffset(i, ins)
		l.setRchunk(i, target)
		l.setCount(l.count() + 1)
		if snapbit == OriginSnapBit {
			sharemap = active
		} else {
			sharemap = 1 << snapbit
		}
	} else {
		if free < excSize {
			return ErrFull
		}
		if snapbit == OriginSnapBit {
			var using uint64
			for off := ins; off < l.mapOffset(i+1); off += excSize {
				using |= l.share(off)
			}
			sharemap = ^using & active
		} else {
			mask := uint64(1) << snapbit
			for off := ins; off < l.mapOffset(i+1); off += excSize {
				if share := l.share(off); share&mask != 0 {
					l.setShare(off, share&^mask)
					break
				}
			}
			sharemap = mask
		}
	}

	// Move the exception region down one slot and store the new exception
	// at the insert position.
	bottom := l.mapOffset(0)
	copy(l.b[bottom-excSize:ins-excSize], l.b[bottom:ins])
	l.setShare(ins-excSize, sharemap)
	l.setChunk(ins-excSize, exception)
	for j := 0; j <= i; j++ {
		l.setMapOffset(j, l.mapOffset(j)-excSize)
	}
	return nil
}

// split moves the upper half of the leaf's entries into dst (a fresh block
// of the same size) and compacts the lower half against the top of the
// original block. Returns the first logical chunk of the upper half.
func (l leaf) split(dst leaf) uint64 {
	count := l.count()
	nhead := (count + 1) / 2
	ntail := count - nhead
	splitpoint := uint64(l.rchunk(nhead)) + l.baseChunk()

	phead := l.mapOffset(0)
	ptail := l.mapOffset(nhead)
	tailsize := l.mapOffset(count) - ptail

	// Upper half to the new leaf: header, directory tail (with sentinel),
	// exception bytes at their original offsets.
	copy(dst.b[:leafHdrSize], l.b[:leafHdrSize])
	copy(dst.b[leafHdrSize:leafHdrSize+(ntail+1)*mapEntrySize],
		l.b[leafHdrSize+nhead*mapEntrySize:leafHdrSize+(count+1)*mapEntrySize])
	copy(dst.b[ptail:ptail+tailsize], l.b[ptail:ptail+tailsize])
	dst.setCount(ntail)

	// Lower half compacts to the top of the original block.
	copy(l.b[phead+tailsize:ptail+tailsize], l.b[phead:ptail])
	l.setCount(nhead)
	for i := 0; i <= nhead; i++ {
		l.setMapOffset(i, l.mapOffset(i)+tailsize)
	}
	l.setRchunk(nhead, 0) // tidy the sentinel

	return splitpoint
}

// merge appends src's entries to l. Both leaves keep their exception data
// packed against the block top, so src's directory offsets stay valid once
// l's data moves down and src's bytes land at the top, just above it.
func (l leaf) merge(src leaf) {
	nhead, ntail := l.count(), src.count()
	tailsize := src.mapOffset(ntail) - src.mapOffset(0)
	phead, ptail := l.mapOffset(0), l.mapOffset(nhead)

	copy(l.b[phead-tailsize:ptail-tailsize], l.b[phead:ptail])
	for i := 0; i <= nhead; i++ {
		l.setMapOffset(i, l.mapOffset(i)-tailsize)
	}
	copy(l.b[ptail-tailsize:ptail], src.b[src.mapOffset(0):src.mapOffset(ntail)])
	copy(l.b[leafHdrSize+nhead*mapEntrySize:leafHdrSize+(nhead+ntail+1)*mapEntrySize],
		src.b[leafHdrSize:leafHdrSize+(ntail+1)*mapEntrySize])
	l.setCount(nhead + ntail)
}

// deleteSnapshots clears the snapmask bits out of every exception in the
// leaf, frees exceptions whose sharemap reaches zero through freeExc, and
// compacts both the exception region and the directory. Returns whether
// anything changed.
func (l leaf) deleteSnapshots(snapmask uint64, freeExc func(chunk uint64) error) (bool, error) {
	count := l.count()
	p := l.mapOffset(count)
	dest := p
	var any uint64

	// Top to bottom, clearing bits and packing surviving exceptions
	// against the top of the block.
	for i := count - 1; i >= 0; i-- {
		for p != l.mapOffset(i) {
			p -= excSize
			share := l.share(p)
			any |= share & snapmask
			if remaining := share &^ snapmask; remaining != 0 {
				dest -= excSize
				l.setShare(dest, remaining)
				l.setChunk(dest, l.chunk(p))
			} else if err := freeExc(l.chunk(p)); err != nil {
				return false, err
			}
		}
		l.setMapOffset(i, dest)
	}

	// Remove empties from the directory.
	d := 0
	for i := 0; i < count; i++ {
		if l.mapOffset(i) != l.mapOffset(i+1) {
			if d != i {
				l.setMapOffset(d, l.mapOffset(i))
				l.setRchunk(d, l.rchunk(i))
			}
			d++
		}
	}
	l.setMapOffset(d, l.mapOffset(count))
	l.setRchunk(d, 0)
	l.setCount(d)

	l.checkShares(snapmask)
	return any != 0, nil
}

// checkShares reports exceptions still carrying bits of a mask that should
// be gone.
func (l leaf) checkShares(snapmask uint64) {
	for i := 0; i < l.count(); i++ {
		for off := l.mapOffset(i); off < l.mapOffset(i+1); off += excSize {
			if share := l.share(off); share&snapmask != 0 {
				logger.Error("leaf sharemap still carries deleted snapshots",
					"share", fmt.Sprintf("%#x", share), "snapmask", fmt.Sprintf("%#x", snapmask))
			}
		}
	}
}

// forEachException visits every (logical chunk, sharemap, physical chunk)
// triple in the leaf.
func (l leaf) forEachException(fn func(chunk uint64, share uint64, exception uint64)) {
	base := l.baseChunk()
	for i := 0; i < l.count(); i++ {
		logical := base + uint64(l.rchunk(i))
		for off := l.mapOffset(i); off < l.mapOffset(i+1); off += excSize {
			fn(logical, l.share(off), l.chunk(off))
		}
	}
}
