package snap

import (
	"encoding/binary"
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/buffer"
)

// The journal is journal_size consecutive metadata chunks at journal_base.
// A transaction is the post-images of every dirty metadata block followed
// by one commit block naming their home sectors. There is only ever one
// open transaction, so commit never has to worry about journal wrap beyond
// keeping each transaction under maxCommitBlocks.

const (
	commitMagic   = "MAGICNUM"
	commitHdrSize = 36
)

// commitBlock is the decoded form of a journal commit block.
type commitBlock struct {
	Checksum uint32
	Sequence int32
	Entries  uint32
	SnapUsed uint64
	MetaUsed uint64
	Sectors  []uint64
}

func isCommitBlock(b []byte) bool {
	return string(b[:8]) == commitMagic
}

// checksumBlock sums the block as little-endian 32-bit words. A valid
// commit block sums to zero.
func checksumBlock(b []byte) uint32 {
	var sum uint32
	for i := 0; i+4 <= len(b); i += 4 {
		sum += binary.LittleEndian.Uint32(b[i:])
	}
	return sum
}

func encodeCommit(b []byte, cb *commitBlock) {
	for i := range b {
		b[i] = 0
	}
	copy(b[0:8], commitMagic)
	binary.LittleEndian.PutUint32(b[12:], uint32(cb.Sequence))
	binary.LittleEndian.PutUint32(b[16:], cb.Entries)
	binary.LittleEndian.PutUint64(b[20:], cb.SnapUsed)
	binary.LittleEndian.PutUint64(b[28:], cb.MetaUsed)
	for i, sector := range cb.Sectors {
		binary.LittleEndian.PutUint64(b[commitHdrSize+8*i:], sector)
	}
	// Checksum last: make the 32-bit additive sum of the block zero.
	binary.LittleEndian.PutUint32(b[8:], 0)
	binary.LittleEndian.PutUint32(b[8:], -checksumBlock(b))
}

func decodeCommit(b []byte) *commitBlock {
	cb := &commitBlock{
		Checksum: binary.LittleEndian.Uint32(b[8:]),
		Sequence: int32(binary.LittleEndian.Uint32(b[12:])),
		Entries:  binary.LittleEndian.Uint32(b[16:]),
		SnapUsed: binary.LittleEndian.Uint64(b[20:]),
		MetaUsed: binary.LittleEndian.Uint64(b[28:]),
	}
	cb.Sectors = make([]uint64, cb.Entries)
	for i := range cb.Sectors {
		cb.Sectors[i] = binary.LittleEndian.Uint64(b[commitHdrSize+8*i:])
	}
	return cb
}

// journalSector returns the sector of journal position i.
func (e *Engine) journalSector(i uint32) uint64 {
	return e.img.JournalBase + (uint64(i) << e.meta.chunkSectBits)
}

// nextJournalBlock advances the journal cursor, wrapping at journal_size.
func (e *Engine) nextJournalBlock() uint32 {
	next := e.img.JournalNext
	if e.img.JournalNext++; e.img.JournalNext == e.img.JournalSize {
		e.img.JournalNext = 0
	}
	return next
}

// commitTransaction drains the dirty list through the journal: every dirty
// block is staged at the next journal positions, the commit block follows,
// then the dirty blocks are written home in the same order.
func (e *Engine) commitTransaction() error {
	if e.cache.DirtyCount() == 0 {
		return nil
	}
	limit := e.maxCommitBlocks
	if jlimit := int(e.img.JournalSize) - 1; jlimit < limit {
		limit = jlimit
	}
	if e.cache.DirtyCount() > limit {
		return fmt.Errorf("transaction of %d blocks exceeds commit capacity %d", e.cache.DirtyCount(), limit)
	}

	cb := commitBlock{
		Sequence: int32(e.img.Sequence),
		SnapUsed: e.snap.chunksUsed,
		MetaUsed: e.meta.chunksUsed,
	}
	e.img.Sequence++

	err := e.cache.ForEachDirty(func(b *buffer.Buf) error {
		pos := e.nextJournalBlock()
		cb.Sectors = append(cb.Sectors, b.Sector())
		return e.cache.WriteTo(b, e.journalSector(pos))
	})
	if err != nil {
		return fmt.Errorf("stage transaction: %w", err)
	}
	cb.Entries = uint32(len(cb.Sectors))

	pos := e.nextJournalBlock()
	commitBuf := e.cache.GetBlk(e.metadev, e.journalSector(pos))
	encodeCommit(commitBuf.Data, &cb)
	if err := e.cache.WriteTo(commitBuf, e.journalSector(pos)); err != nil {
		e.cache.Release(commitBuf)
		return fmt.Errorf("write commit block: %w", err)
	}
	e.cache.Release(commitBuf)

	if err := e.cache.FlushAll(); err != nil {
		return fmt.Errorf("write transaction home: %w", err)
	}
	e.m.JournalCommit(len(cb.Sectors))

	if e.img.Flags&sbSelfCheck != 0 {
		if err := e.verifyFreeCounts(); err != nil {
			return err
		}
	}
	return nil
}

// verifyFreeCounts recounts the bitmaps and repairs the superblock counts
// if they drifted.
func (e *Engine) verifyFreeCounts() error {
	counted, err := e.countFree(&e.meta)
	if err != nil {
		return err
	}
	if counted != e.meta.img.FreeChunks {
		logger.Warn("metadata free chunk count wrong", "counted", counted, "recorded", e.meta.img.FreeChunks)
		e.meta.img.FreeChunks = counted
		e.setDirty()
	}
	if e.combined() {
		return nil
	}
	counted, err = e.countFree(&e.snap)
	if err != nil {
		return err
	}
	if counted != e.snap.img.FreeChunks {
		logger.Warn("snapdata free chunk count wrong", "counted", counted, "recorded", e.snap.img.FreeChunks)
		e.snap.img.FreeChunks = counted
		e.setDirty()
	}
	return nil
}

// RecoverJournal scans the whole journal, locates the newest commit and
// replays its transaction. One scribbled (torn) commit block adjacent to
// the newest commit is tolerated; anything else inconsistent is fatal.
func (e *Engine) RecoverJournal() error {
	size := int32(e.img.JournalSize)
	scribbled, lastBlock, newestBlock := int32(-1), int32(-1), int32(-1)
	var sequence int32

	for i := int32(0); i < size; i++ {
		buf, err := e.cache.Read(e.metadev, e.journalSector(uint32(i)))
		if err != nil {
			return fmt.Errorf("journal scan at %d: %w", i, err)
		}
		data := buf.Data

		if !isCommitBlock(data) {
			e.cache.Release(buf)
			continue
		}

		if checksumBlock(data) != 0 {
			logger.Warn("journal block failed checksum", "position", i)
			if scribbled != -1 {
				e.cache.Release(buf)
				return fmt.Errorf("too many scribbled blocks in journal: %w", ErrCorrupt)
			}
			if newestBlock != -1 && newestBlock != lastBlock {
				e.cache.Release(buf)
				return fmt.Errorf("scribbled block not last written: %w", ErrCorrupt)
			}
			scribbled = i
			if lastBlock != -1 {
				newestBlock = lastBlock
			}
			sequence++
			e.cache.Release(buf)
			continue
		}

		blockSeq := decodeCommit(data).Sequence
		if lastBlock != -1 && blockSeq != sequence+1 {
			delta := sequence - blockSeq
			if delta <= 0 || delta > size {
				e.cache.Release(buf)
				return fmt.Errorf("bad journal sequence (%d after %d): %w", blockSeq, sequence, ErrCorrupt)
			}
			if newestBlock != -1 {
				e.cache.Release(buf)
				return fmt.Errorf("multiple journal sequence wraps: %w", ErrCorrupt)
			}
			if scribbled != -1 && scribbled != i-1 {
				e.cache.Release(buf)
				return fmt.Errorf("scribbled block not last written: %w", ErrCorrupt)
			}
			newestBlock = lastBlock
		}
		lastBlock = i
		sequence = blockSeq
		e.cache.Release(buf)
	}

	if lastBlock == -1 {
		return fmt.Errorf("no commit blocks found in journal: %w", ErrCorrupt)
	}
	if newestBlock == -1 {
		newestBlock = lastBlock
	}

	buf, err := e.cache.Read(e.metadev, e.journalSector(uint32(newestBlock)))
	if err != nil {
		return fmt.Errorf("read newest commit: %w", err)
	}
	commit := decodeCommit(buf.Data)
	entries := int32(commit.Entries)
	logger.Info("replaying journal", "newest", newestBlock, "entries", entries, "sequence", commit.Sequence)

	for i := int32(0); i < entries; i++ {
		pos := (newestBlock - entries + i + size) % size
		databuf, err := e.cache.Read(e.metadev, e.journalSector(uint32(pos)))
		if err != nil {
			e.cache.Release(buf)
			return fmt.Errorf("journal replay at %d: %w", pos, err)
		}
		if isCommitBlock(databuf.Data) {
			e.cache.Release(databuf)
			e.cache.Release(buf)
			return fmt.Errorf("data block %d marked as commit block: %w", pos, ErrCorrupt)
		}
		if err := e.cache.WriteTo(databuf, commit.Sectors[i]); err != nil {
			e.cache.Release(databuf)
			e.cache.Release(buf)
			return fmt.Errorf("journal replay write: %w", err)
		}
		e.cache.Release(databuf)
	}

	e.img.JournalNext = uint32((newestBlock + 1) % size)
	e.img.Sequence = uint32(commit.Sequence + 1)
	e.snap.chunksUsed = commit.SnapUsed
	e.meta.chunksUsed = commit.MetaUsed

	e.meta.img.FreeChunks = e.meta.img.Chunks - e.meta.chunksUsed
	if e.combined() {
		e.meta.img.FreeChunks -= e.snap.chunksUsed
	} else {
		e.snap.img.FreeChunks = e.snap.img.Chunks - e.snap.chunksUsed
	}
	e.setDirty()
	e.cache.Release(buf)

	// Replayed blocks sit in the cache keyed by their journal sector; drop
	// them so later reads of the home sectors come from disk.
	e.cache.EvictAll()
	return nil
}
