package snap

import (
	"fmt"
	"math/bits"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/buffer"
)

// Bitmap blocks always use the metadata block size, one bit per chunk,
// LSB-first within each byte.

func getBitmapBit(bitmap []byte, bit uint64) bool {
	return bitmap[bit>>3]&(1<<(bit&7)) != 0
}

func setBitmapBit(bitmap []byte, bit uint64) {
	bitmap[bit>>3] |= 1 << (bit & 7)
}

func clearBitmapBit(bitmap []byte, bit uint64) {
	bitmap[bit>>3] &^= 1 << (bit & 7)
}

// bitmapShift returns log2 of the number of chunks covered by one bitmap
// block.
func (e *Engine) bitmapShift() uint32 { return e.meta.img.ChunkBits + 3 }

// calcBitmapBlocks returns the number of bitmap blocks covering chunks.
func (e *Engine) calcBitmapBlocks(chunks uint64) uint64 {
	shift := e.bitmapShift()
	return (chunks + (1 << shift) - 1) >> shift
}

// bitmapBuf reads the bitmap block holding the given block number.
func (e *Engine) bitmapBuf(as *allocSpace, blocknum uint64) (*buffer.Buf, error) {
	sector := as.img.BitmapBase + (blocknum << e.meta.chunkSectBits)
	return e.cache.Read(e.metadev, sector)
}

// allocChunkRange scans [from, from+count) for the first clear bit,
// byte-at-a-time, sets it and returns the chunk. Returns ErrFull when the
// range has no free chunk.
func (e *Engine) allocChunkRange(as *allocSpace, from, count uint64) (uint64, error) {
	shift := uint64(e.bitmapShift())
	mask := uint64(1)<<shift - 1
	blocknum := from >> shift
	bit := from & 7
	offset := (from & mask) >> 3
	length := (count + bit + 7) >> 3

	for {
		buf, err := e.bitmapBuf(as, blocknum)
		if err != nil {
			return 0, err
		}
		tail := uint64(e.meta.allocSize) - offset
		n := min(tail, length)
		length -= n

		for i := uint64(0); i < n; i++ {
			c := buf.Data[offset+i]
			if c == 0xff {
				continue
			}
			freeBit := uint64(bits.TrailingZeros8(^c))
			chunk := freeBit + ((offset + i) << 3) + (blocknum << shift)
			setBitmapBit(buf.Data, chunk&mask)
			e.cache.ReleaseDirty(buf)
			as.img.FreeChunks--
			e.setDirty()
			return chunk, nil
		}

		e.cache.Release(buf)
		if length == 0 {
			return 0, ErrFull
		}
		if blocknum++; blocknum == as.img.BitmapBlocks {
			blocknum = 0
		}
		offset = 0
	}
}

// allocChunk allocates one chunk, scanning forward from the rotating cursor
// and wrapping once.
func (e *Engine) allocChunk(as *allocSpace) (uint64, error) {
	last, total := as.img.LastAlloc, as.img.Chunks
	chunk, err := e.allocChunkRange(as, last, total-last)
	if err == ErrFull {
		chunk, err = e.allocChunkRange(as, 0, last)
	}
	if err != nil {
		logger.Warn("failed to allocate chunk", "space_free", as.img.FreeChunks)
		return 0, err
	}
	as.img.LastAlloc = chunk
	e.setDirty()
	return chunk, nil
}

// freeChunk clears a chunk's bitmap bit. Double frees are reported but not
// fatal; the caller's count is not incremented for them.
func (e *Engine) freeChunk(as *allocSpace, chunk uint64) (bool, error) {
	shift := uint64(e.bitmapShift())
	mask := uint64(1)<<shift - 1
	buf, err := e.bitmapBuf(as, chunk>>shift)
	if err != nil {
		return false, fmt.Errorf("free chunk %d: %w", chunk, err)
	}
	if !getBitmapBit(buf.Data, chunk&mask) {
		logger.Warn("chunk already free", "chunk", chunk)
		e.cache.Release(buf)
		return false, nil
	}
	clearBitmapBit(buf.Data, chunk&mask)
	e.cache.ReleaseDirty(buf)
	as.img.FreeChunks++
	e.setDirty()
	return true, nil
}

// allocBlock allocates a metadata chunk and returns its sector address.
func (e *Engine) allocBlock() (uint64, error) {
	chunk, err := e.allocChunk(&e.meta)
	if err != nil {
		return 0, err
	}
	e.meta.chunksUsed++
	return chunk << e.meta.chunkSectBits, nil
}

// allocException allocates a snapshot-data chunk.
func (e *Engine) allocException() (uint64, error) {
	chunk, err := e.allocChunk(&e.snap)
	if err != nil {
		return 0, err
	}
	e.snap.chunksUsed++
	return chunk, nil
}

// freeBlock returns a metadata block to the bitmap.
func (e *Engine) freeBlock(sector uint64) error {
	freed, err := e.freeChunk(&e.meta, sector>>e.meta.chunkSectBits)
	if freed {
		e.meta.chunksUsed--
	}
	return err
}

// freeException returns a snapshot-data chunk to the bitmap.
func (e *Engine) freeException(chunk uint64) error {
	freed, err := e.freeChunk(&e.snap, chunk)
	if freed {
		e.snap.chunksUsed--
	}
	return err
}

// countFree counts the zero bits of a space's bitmap. Self-check mode runs
// it after every commit.
func (e *Engine) countFree(as *allocSpace) (uint64, error) {
	var count uint64
	bytes := (as.img.Chunks + 7) >> 3
	blockSize := uint64(e.meta.allocSize)
	for block := uint64(0); bytes > 0; block++ {
		buf, err := e.bitmapBuf(as, block)
		if err != nil {
			return 0, err
		}
		n := min(blockSize, bytes)
		bytes -= n
		for _, b := range buf.Data[:n] {
			count += uint64(bits.OnesCount8(^b))
		}
		e.cache.Release(buf)
	}
	// The tail bits past the last in-range chunk are pre-set at init, so
	// they never count as free.
	return count, nil
}
