// Package snap implements the on-disk snapshot engine: the superblock, the
// allocation bitmaps, the write-ahead journal, the exception B-tree, the
// copy-out engine, the read-lock arbiter and the request dispatcher.
//
// The whole engine is single-owner: every method is called from one
// dispatch goroutine, so there is no locking discipline inside the core.
package snap

import "errors"

// Store geometry and limits.
const (
	// SBSector is the fixed sector of the superblock on the metadata device.
	SBSector = 8

	// SBSize is the on-disk superblock size in bytes.
	SBSize = 4096

	// MaxSnapshots is the capacity of the snapshot table. Internal snapshot
	// numbers are bits in a 64-bit sharemap, so this cannot grow without an
	// incompatible format change.
	MaxSnapshots = 64

	// SnapshotSquashed is the sentinel bit number of a snapshot whose
	// contents were discarded under space pressure. The record keeps its
	// slot so clients learn the snapshot is gone.
	SnapshotSquashed = 0xFF

	// MaxNewMetachunks is the worst-case number of metadata chunks a single
	// exception insert can consume (leaf split cascading to a new root).
	MaxNewMetachunks = 10

	// PrioPinned marks a snapshot that is never squashed; PrioDropFirst is
	// the first victim under pressure.
	PrioPinned    = 127
	PrioDropFirst = -128

	// copybufChunks is the copy-out run cap, in chunks.
	copybufChunks = 32
)

// Superblock flags. Dirty is memory-only; Busy and SelfCheck persist.
const (
	sbDirty     = 1 << 0
	sbBusy      = 1 << 1
	sbSelfCheck = 1 << 2
)

// sbMagic identifies a snapshot store superblock. The trailing bytes are
// the date of the latest incompatible format change.
var sbMagic = [8]byte{'s', 'n', 'a', 'p', 0xad, 0x07, 0x04, 0x05}

var (
	// ErrFull signals exhausted space: allocation bitmaps, a leaf with no
	// room for another exception, or a saturated snapshot table. Callers
	// recover by splitting, squashing a victim or surfacing the condition.
	ErrFull = errors.New("out of space")

	// ErrCorrupt signals bad magic, a bad checksum or an impossible
	// journal sequence. Fatal at startup.
	ErrCorrupt = errors.New("snapshot store corrupt")

	// ErrSnapshotExists is returned when creating a snapshot whose tag is
	// already in the table.
	ErrSnapshotExists = errors.New("snapshot tag already exists")

	// ErrSnapshotNotFound is returned for operations on unknown tags.
	ErrSnapshotNotFound = errors.New("snapshot tag not found")
)

// OriginSnapBit is the virtual internal bit of the origin volume.
const OriginSnapBit = -1
