package snap

import (
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/devio"
)

// FormatOptions configures store initialization.
type FormatOptions struct {
	// JournalBytes is the journal size; rounded up to whole chunks.
	JournalBytes uint32

	// MetaChunkBits and SnapChunkBits are log2 chunk sizes. They must be
	// equal when metadata and snapshot data share one device.
	MetaChunkBits uint32
	SnapChunkBits uint32
}

// DefaultFormatOptions match the traditional 4K chunks with a 100-chunk
// journal.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		JournalBytes:  100 * 4096,
		MetaChunkBits: 12,
		SnapChunkBits: 12,
	}
}

// Format initializes a fresh snapshot store across the engine's devices:
// superblock, allocation bitmaps with the reserved prefix, a journal of
// valid empty commit blocks and a one-leaf exception tree.
func (e *Engine) Format(opts FormatOptions) error {
	separate := e.metadev != e.snapdev

	e.img = DiskSuper{}
	e.flags = 0
	e.img.Metadata.ChunkBits = opts.MetaChunkBits
	e.img.Snapdata.ChunkBits = opts.SnapChunkBits

	size, err := e.metadev.Size()
	if err != nil {
		return err
	}
	e.img.Metadata.Chunks = uint64(size) >> opts.MetaChunkBits

	if separate {
		size, err = e.snapdev.Size()
		if err != nil {
			return err
		}
		e.img.Snapdata.Chunks = uint64(size) >> opts.SnapChunkBits
	}

	size, err = e.orgdev.Size()
	if err != nil {
		return err
	}
	e.img.OrgSectors = uint64(size) >> devio.SectorBits
	e.img.OrgOffset = 0

	if err := e.setup(); err != nil {
		return err
	}
	e.img.TreeLevels = 1
	e.img.CreateTime = nowUnix()
	e.snapmask = 0

	chunkSize := uint32(1) << opts.SnapChunkBits
	jsChunks := (opts.JournalBytes + chunkSize - 1) / chunkSize
	e.img.JournalSize = jsChunks
	e.img.JournalNext = 0
	// Pre-seeding the sequence with the journal size keeps the initial
	// commit blocks below every real transaction.
	e.img.Sequence = jsChunks

	if err := e.initAllocation(); err != nil {
		return err
	}
	e.setDirty()

	leafbuf, err := e.newLeaf()
	if err != nil {
		return err
	}
	rootbuf, err := e.newNode()
	if err != nil {
		e.cache.Release(leafbuf)
		return err
	}
	root := asNode(rootbuf.Data)
	root.setCount(1)
	root.setSector(0, leafbuf.Sector())
	e.img.TreeRoot = rootbuf.Sector()
	e.cache.ReleaseDirty(rootbuf)
	e.cache.ReleaseDirty(leafbuf)

	// Fill the journal with valid empty commit blocks carrying the
	// post-init usage counters, so a recovery scan before the first real
	// transaction restores consistent accounting.
	for i := uint32(0); i < jsChunks; i++ {
		buf := e.cache.GetBlk(e.metadev, e.journalSector(i))
		encodeCommit(buf.Data, &commitBlock{
			Sequence: int32(i),
			SnapUsed: e.snap.chunksUsed,
			MetaUsed: e.meta.chunksUsed,
		})
		e.cache.ReleaseDirty(buf)
	}

	if err := e.SaveState(); err != nil {
		return err
	}
	logger.Info("snapshot store initialized",
		"meta_chunks", e.img.Metadata.Chunks,
		"snap_chunks", e.img.Snapdata.Chunks,
		"journal_chunks", jsChunks,
		"combined", !separate)
	return nil
}

// initAllocation lays out the bitmaps and the journal behind the
// superblock and writes every bitmap block: the reserved prefix
// (superblock, bitmaps, journal) pre-marked, and the tail bits past the
// last in-range chunk filled so they are never handed out.
func (e *Engine) initAllocation() error {
	separate := e.metadev != e.snapdev
	csb := e.meta.chunkSectBits

	metaBitmapBaseChunk := (SBSector + 2*e.meta.chunkSectors() - 1) >> csb
	e.img.Metadata.BitmapBlocks = e.calcBitmapBlocks(e.img.Metadata.Chunks)
	e.img.Metadata.BitmapBase = metaBitmapBaseChunk << csb
	e.img.Metadata.LastAlloc = 0

	reserved := metaBitmapBaseChunk + e.img.Metadata.BitmapBlocks + uint64(e.img.JournalSize)
	if reserved >= e.img.Metadata.Chunks {
		return fmt.Errorf("metadata device too small for %d reserved chunks: %w", reserved, ErrFull)
	}
	e.img.Metadata.FreeChunks = e.img.Metadata.Chunks - reserved
	e.meta.chunksUsed += reserved

	if separate {
		snapBitmapBaseChunk := (e.img.Metadata.BitmapBase >> csb) + e.img.Metadata.BitmapBlocks
		e.img.Snapdata.BitmapBlocks = e.calcBitmapBlocks(e.img.Snapdata.Chunks)
		e.img.Snapdata.BitmapBase = snapBitmapBaseChunk << csb
		// Chunk 0 is reserved: exception address zero means "no
		// exception" on the wire.
		e.img.Snapdata.FreeChunks = e.img.Snapdata.Chunks - 1
		e.img.Snapdata.LastAlloc = 0
		e.snap.chunksUsed++

		e.img.Metadata.FreeChunks -= e.img.Snapdata.BitmapBlocks
		e.meta.chunksUsed += e.img.Snapdata.BitmapBlocks
	}

	snapBitmapBlocks := uint64(0)
	if separate {
		snapBitmapBlocks = e.img.Snapdata.BitmapBlocks
	}
	e.img.JournalBase = e.img.Metadata.BitmapBase +
		((e.img.Metadata.BitmapBlocks + snapBitmapBlocks) << csb)

	// Metadata space bitmap: reserve the prefix, mask the tail.
	metaReserved := e.img.Metadata.Chunks - e.img.Metadata.FreeChunks
	if err := e.writeBitmaps(&e.img.Metadata, metaReserved); err != nil {
		return err
	}
	if separate {
		if err := e.writeBitmaps(&e.img.Snapdata, 1); err != nil {
			return err
		}
	}
	logger.Info("allocation initialized",
		"bitmap_base", e.img.Metadata.BitmapBase,
		"journal_base", e.img.JournalBase,
		"reserved_chunks", metaReserved)
	return nil
}

// writeBitmaps writes a space's bitmap blocks with the first `reserved`
// chunks pre-allocated and the out-of-range tail bits set.
func (e *Engine) writeBitmaps(img *AllocImage, reserved uint64) error {
	bitsPerBlock := uint64(e.meta.allocSize) << 3
	for i := uint64(0); i < img.BitmapBlocks; i++ {
		buf := e.cache.GetBlk(e.metadev, img.BitmapBase+(i<<e.meta.chunkSectBits))
		for j := range buf.Data {
			buf.Data[j] = 0
		}
		blockFirst := i * bitsPerBlock
		for bit := blockFirst; bit < blockFirst+bitsPerBlock && bit < reserved; bit++ {
			setBitmapBit(buf.Data, bit-blockFirst)
		}
		if i == img.BitmapBlocks-1 {
			for bit := img.Chunks; bit < blockFirst+bitsPerBlock; bit++ {
				setBitmapBit(buf.Data, bit-blockFirst)
			}
		}
		e.cache.ReleaseDirty(buf)
	}
	return nil
}
