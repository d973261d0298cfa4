package snap

import (
	"fmt"

	"github.com/dittolab/snapstore/pkg/devio"
)

// The copy-out engine batches contiguous (source, destination) chunk
// transfers into single read/write pairs. The top bit of the source chunk
// selects the device: set means the shared exception is read back from the
// snapshot store (snapshot-write unshare), clear means the origin.

const srcSnapBit = 1 << 63

// copyout queues one chunk transfer, extending the current run when it
// stays contiguous and under the buffer cap, otherwise flushing the run
// and starting a new one.
func (e *Engine) copyout(chunk, exception uint64) error {
	if e.copyChunks > 0 &&
		e.srcChunk+uint64(e.copyChunks) == chunk &&
		e.destChunk+uint64(e.copyChunks) == exception &&
		e.copyChunks < copybufChunks {
		e.copyChunks++
		return nil
	}
	if err := e.FinishCopyout(); err != nil {
		return err
	}
	e.copyChunks = 1
	e.srcChunk = chunk
	e.destChunk = exception
	return nil
}

// FinishCopyout flushes the pending run. It must run before committing a
// transaction so the journaled exception addresses never point at chunks
// that have not been copied yet.
func (e *Engine) FinishCopyout() error {
	if e.copyChunks == 0 {
		return nil
	}
	fromSnap := e.srcChunk&srcSnapBit != 0
	source := e.srcChunk &^ uint64(srcSnapBit)
	bits := e.snap.img.ChunkBits
	size := e.copyChunks << bits

	src := e.orgdev
	if fromSnap {
		src = e.snapdev
	}
	srcOff := int64(source) << bits
	if !fromSnap {
		srcOff += int64(e.img.OrgOffset) << devio.SectorBits
	}
	if _, err := src.ReadAt(e.copybuf[:size], srcOff); err != nil {
		return fmt.Errorf("copyout read of %d chunks at %d: %w", e.copyChunks, source, err)
	}
	if _, err := e.snapdev.WriteAt(e.copybuf[:size], int64(e.destChunk)<<bits); err != nil {
		return fmt.Errorf("copyout write of %d chunks at %d: %w", e.copyChunks, e.destChunk, err)
	}
	e.m.Copyout(e.copyChunks)
	e.copyChunks = 0
	return nil
}
