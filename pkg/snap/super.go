package snap

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/buffer"
	"github.com/dittolab/snapstore/pkg/devio"
	"github.com/dittolab/snapstore/pkg/metrics"
)

// SnapRecord is one slot of the snapshot table. Records are contiguous and
// in creation order.
type SnapRecord struct {
	Ctime  uint32 // creation time, unix seconds (low half)
	Tag    uint32 // external name of the snapshot
	Usecnt uint16 // use count on the snapshot device
	Bit    uint8  // internal snapshot number, or SnapshotSquashed
	Prio   int8   // 127 pinned .. -128 drop first
}

// Squashed reports whether the snapshot's contents were discarded.
func (s *SnapRecord) Squashed() bool { return s.Bit == SnapshotSquashed }

// AllocImage is the persistent image of one allocation space.
type AllocImage struct {
	BitmapBase   uint64 // sector of the first bitmap block
	Chunks       uint64 // zero for snapdata means combined layout
	FreeChunks   uint64
	LastAlloc    uint64 // rotating first-fit cursor
	BitmapBlocks uint64
	ChunkBits    uint32 // log2 of the chunk size in bytes
}

// DiskSuper is the persistent superblock image.
type DiskSuper struct {
	CreateTime  uint64
	TreeRoot    uint64 // sector of the B-tree root node
	OrgOffset   uint64 // origin offset in sectors
	OrgSectors  uint64
	Flags       uint64 // Busy, SelfCheck
	Deleting    uint64 // reserved resume mask
	Snaplist    [MaxSnapshots]SnapRecord
	Snapshots   uint32
	TreeLevels  uint32
	JournalBase uint64 // sector
	JournalNext uint32
	JournalSize uint32 // chunks
	Sequence    uint32
	Metadata    AllocImage
	Snapdata    AllocImage
}

// Superblock field offsets in the canonical little-endian layout.
const (
	sbOffMagic       = 0
	sbOffCreateTime  = 8
	sbOffTreeRoot    = 16
	sbOffOrgOffset   = 24
	sbOffOrgSectors  = 32
	sbOffFlags       = 40
	sbOffDeleting    = 48
	sbOffSnaplist    = 56
	snapRecordSize   = 16
	sbOffSnapshots   = 1080
	sbOffTreeLevels  = 1084
	sbOffJournalBase = 1088
	sbOffJournalNext = 1096
	sbOffJournalSize = 1100
	sbOffSequence    = 1104
	sbOffMetadata    = 1112
	sbOffSnapdata    = 1160
	allocImageSize   = 48
)

func putAllocImage(b []byte, a *AllocImage) {
	binary.LittleEndian.PutUint64(b[0:], a.BitmapBase)
	binary.LittleEndian.PutUint64(b[8:], a.Chunks)
	binary.LittleEndian.PutUint64(b[16:], a.FreeChunks)
	binary.LittleEndian.PutUint64(b[24:], a.LastAlloc)
	binary.LittleEndian.PutUint64(b[32:], a.BitmapBlocks)
	binary.LittleEndian.PutUint32(b[40:], a.ChunkBits)
}

func getAllocImage(b []byte, a *AllocImage) {
	a.BitmapBase = binary.LittleEndian.Uint64(b[0:])
	a.Chunks = binary.LittleEndian.Uint64(b[8:])
	a.FreeChunks = binary.LittleEndian.Uint64(b[16:])
	a.LastAlloc = binary.LittleEndian.Uint64(b[24:])
	a.BitmapBlocks = binary.LittleEndian.Uint64(b[32:])
	a.ChunkBits = binary.LittleEndian.Uint32(b[40:])
}

// Encode serializes the superblock into its 4096-byte on-disk form.
func (d *DiskSuper) Encode() []byte {
	b := make([]byte, SBSize)
	copy(b[sbOffMagic:], sbMagic[:])
	binary.LittleEndian.PutUint64(b[sbOffCreateTime:], d.CreateTime)
	binary.LittleEndian.PutUint64(b[sbOffTreeRoot:], d.TreeRoot)
	binary.LittleEndian.PutUint64(b[sbOffOrgOffset:], d.OrgOffset)
	binary.LittleEndian.PutUint64(b[sbOffOrgSectors:], d.OrgSectors)
	binary.LittleEndian.PutUint64(b[sbOffFlags:], d.Flags)
	binary.LittleEndian.PutUint64(b[sbOffDeleting:], d.Deleting)
	for i := range d.Snaplist {
		rec := &d.Snaplist[i]
		off := sbOffSnaplist + i*snapRecordSize
		binary.LittleEndian.PutUint32(b[off:], rec.Ctime)
		binary.LittleEndian.PutUint32(b[off+4:], rec.Tag)
		binary.LittleEndian.PutUint16(b[off+8:], rec.Usecnt)
		b[off+10] = rec.Bit
		b[off+11] = byte(rec.Prio)
	}
	binary.LittleEndian.PutUint32(b[sbOffSnapshots:], d.Snapshots)
	binary.LittleEndian.PutUint32(b[sbOffTreeLevels:], d.TreeLevels)
	binary.LittleEndian.PutUint64(b[sbOffJournalBase:], d.JournalBase)
	binary.LittleEndian.PutUint32(b[sbOffJournalNext:], d.JournalNext)
	binary.LittleEndian.PutUint32(b[sbOffJournalSize:], d.JournalSize)
	binary.LittleEndian.PutUint32(b[sbOffSequence:], d.Sequence)
	putAllocImage(b[sbOffMetadata:], &d.Metadata)
	putAllocImage(b[sbOffSnapdata:], &d.Snapdata)
	return b
}

// Decode deserializes the superblock, validating the magic.
func (d *DiskSuper) Decode(b []byte) error {
	if len(b) < SBSize {
		return fmt.Errorf("superblock too short (%d bytes): %w", len(b), ErrCorrupt)
	}
	if string(b[sbOffMagic:sbOffMagic+8]) != string(sbMagic[:]) {
		return fmt.Errorf("bad superblock magic: %w", ErrCorrupt)
	}
	d.CreateTime = binary.LittleEndian.Uint64(b[sbOffCreateTime:])
	d.TreeRoot = binary.LittleEndian.Uint64(b[sbOffTreeRoot:])
	d.OrgOffset = binary.LittleEndian.Uint64(b[sbOffOrgOffset:])
	d.OrgSectors = binary.LittleEndian.Uint64(b[sbOffOrgSectors:])
	d.Flags = binary.LittleEndian.Uint64(b[sbOffFlags:])
	d.Deleting = binary.LittleEndian.Uint64(b[sbOffDeleting:])
	for i := range d.Snaplist {
		rec := &d.Snaplist[i]
		off := sbOffSnaplist + i*snapRecordSize
		rec.Ctime = binary.LittleEndian.Uint32(b[off:])
		rec.Tag = binary.LittleEndian.Uint32(b[off+4:])
		rec.Usecnt = binary.LittleEndian.Uint16(b[off+8:])
		rec.Bit = b[off+10]
		rec.Prio = int8(b[off+11])
	}
	d.Snapshots = binary.LittleEndian.Uint32(b[sbOffSnapshots:])
	d.TreeLevels = binary.LittleEndian.Uint32(b[sbOffTreeLevels:])
	d.JournalBase = binary.LittleEndian.Uint64(b[sbOffJournalBase:])
	d.JournalNext = binary.LittleEndian.Uint32(b[sbOffJournalNext:])
	d.JournalSize = binary.LittleEndian.Uint32(b[sbOffJournalSize:])
	d.Sequence = binary.LittleEndian.Uint32(b[sbOffSequence:])
	getAllocImage(b[sbOffMetadata:], &d.Metadata)
	getAllocImage(b[sbOffSnapdata:], &d.Snapdata)
	return nil
}

// allocSpace is the runtime view of one allocation space.
type allocSpace struct {
	img            *AllocImage // points into Engine.img (snapdata aliases metadata when combined)
	allocSize      uint32
	chunkSectBits  uint32
	allocPerNode   int // metadata only
	chunksUsed     uint64
}

func (a *allocSpace) chunkSectors() uint64 { return 1 << a.chunkSectBits }

// Engine is the snapshot store engine. It owns the superblock, the buffer
// cache, the lock table and the copy-out state, and is driven by a single
// dispatch goroutine.
type Engine struct {
	img   DiskSuper
	flags uint32 // in-memory: sbDirty

	meta allocSpace
	snap allocSpace

	snapmask uint64

	cache   *buffer.Cache
	metadev *devio.Dev
	snapdev *devio.Dev
	orgdev  *devio.Dev

	locks map[uint64]*snapLock

	copybuf    []byte
	srcChunk   uint64
	destChunk  uint64
	copyChunks int

	maxCommitBlocks int

	m *metrics.EngineMetrics
}

// New creates an engine over open devices. The store is not loaded; call
// Load (optionally after Format).
func New(metadev, snapdev, orgdev *devio.Dev, cache *buffer.Cache, m *metrics.EngineMetrics) *Engine {
	return &Engine{
		metadev: metadev,
		snapdev: snapdev,
		orgdev:  orgdev,
		cache:   cache,
		locks:   make(map[uint64]*snapLock),
		m:       m,
	}
}

// SetCache attaches the buffer cache. The cache block size must match the
// metadata chunk size, which is only known after Load or before Format, so
// construction is two-phase.
func (e *Engine) SetCache(c *buffer.Cache) { e.cache = c }

// BlockSize returns the metadata block size in bytes.
func (e *Engine) BlockSize() int { return int(e.meta.allocSize) }

// Start activates a loaded store: if the previous server died busy the
// journal is recovered, otherwise the store is marked busy.
func (e *Engine) Start() error {
	if e.Busy() {
		logger.Warn("server was not shut down properly, recovering journal")
		if err := e.RecoverJournal(); err != nil {
			return err
		}
		return e.saveSB()
	}
	e.SetBusy(true)
	return e.saveSB()
}

// combined reports whether metadata and snapshot data share one space.
func (e *Engine) combined() bool { return e.img.Snapdata.Chunks == 0 }

// Snapmask returns the active snapshot mask.
func (e *Engine) Snapmask() uint64 { return e.snapmask }

// ChunkBits returns the snapshot-data chunk size in bits.
func (e *Engine) ChunkBits() uint32 { return e.snap.img.ChunkBits }

// OrgSectors returns the origin length in sectors.
func (e *Engine) OrgSectors() uint64 { return e.img.OrgSectors }

// SelfCheck toggles free-count verification after every commit.
func (e *Engine) SelfCheck(on bool) {
	if on {
		e.img.Flags |= sbSelfCheck
	} else {
		e.img.Flags &^= sbSelfCheck
	}
}

// setup derives the runtime allocation views from the persistent image.
// The combined layout requires equal chunk sizes in both spaces.
func (e *Engine) setup() error {
	bsBits := e.img.Metadata.ChunkBits
	csBits := e.img.Snapdata.ChunkBits
	if e.combined() && bsBits != csBits {
		return fmt.Errorf("combined layout with mismatched chunk sizes (%d vs %d bits): %w", bsBits, csBits, ErrCorrupt)
	}
	e.meta = allocSpace{
		img:           &e.img.Metadata,
		allocSize:     1 << bsBits,
		chunkSectBits: bsBits - devio.SectorBits,
	}
	e.snap = allocSpace{
		img:           &e.img.Snapdata,
		allocSize:     1 << csBits,
		chunkSectBits: csBits - devio.SectorBits,
	}
	if e.combined() {
		e.snap.img = &e.img.Metadata
	}
	e.meta.allocPerNode = int(e.meta.allocSize-nodeHdrSize) / indexEntrySize
	e.maxCommitBlocks = int(e.meta.allocSize-commitHdrSize) / 8
	e.copybuf = make([]byte, copybufChunks*int(e.snap.allocSize))
	return nil
}

// Load reads and validates the superblock and derives in-memory state.
func (e *Engine) Load() error {
	raw := make([]byte, SBSize)
	if _, err := e.metadev.ReadAt(raw, SBSector<<devio.SectorBits); err != nil {
		return fmt.Errorf("read superblock: %w", err)
	}
	if err := e.img.Decode(raw); err != nil {
		return err
	}
	if err := e.setup(); err != nil {
		return err
	}
	e.snapmask = e.calcSnapmask()

	// The persisted free counts imply the used counts on a clean load;
	// journal recovery overwrites them from the newest commit block.
	e.meta.chunksUsed = e.meta.img.Chunks - e.meta.img.FreeChunks
	if !e.combined() {
		e.snap.chunksUsed = e.snap.img.Chunks - e.snap.img.FreeChunks
	}
	logger.Info("superblock loaded",
		"snapshots", e.img.Snapshots,
		"snapmask", fmt.Sprintf("%#x", e.snapmask),
		"tree_levels", e.img.TreeLevels,
		"journal_size", e.img.JournalSize)
	return nil
}

// Busy reports whether the on-disk superblock carries the busy flag,
// meaning the previous server did not shut down cleanly.
func (e *Engine) Busy() bool { return e.img.Flags&sbBusy != 0 }

// SetBusy persists the busy flag.
func (e *Engine) SetBusy(on bool) {
	if on {
		e.img.Flags |= sbBusy
	} else {
		e.img.Flags &^= sbBusy
	}
	e.setDirty()
}

func (e *Engine) setDirty() { e.flags |= sbDirty }

// saveSB writes the superblock if it is dirty in memory.
func (e *Engine) saveSB() error {
	if e.flags&sbDirty == 0 {
		return nil
	}
	if _, err := e.metadev.WriteAt(e.img.Encode(), SBSector<<devio.SectorBits); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	e.flags &^= sbDirty
	return nil
}

// SaveState flushes every dirty buffer and the superblock.
func (e *Engine) SaveState() error {
	if err := e.cache.FlushAll(); err != nil {
		return err
	}
	return e.saveSB()
}

// Shutdown performs a clean shutdown: clear busy, commit, flush, save.
func (e *Engine) Shutdown() error {
	if err := e.FinishCopyout(); err != nil {
		return err
	}
	if err := e.commitTransaction(); err != nil {
		return err
	}
	e.SetBusy(false)
	return e.SaveState()
}

func nowUnix() uint64 { return uint64(time.Now().Unix()) }
