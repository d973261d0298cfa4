package snap

import (
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
)

// findSnap returns the record with the given external tag, or nil.
func (e *Engine) findSnap(tag uint32) *SnapRecord {
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if e.img.Snaplist[i].Tag == tag {
			return &e.img.Snaplist[i]
		}
	}
	return nil
}

// calcSnapmask recomputes the active snapshot mask from the table.
func (e *Engine) calcSnapmask() uint64 {
	var mask uint64
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if rec := &e.img.Snaplist[i]; !rec.Squashed() {
			mask |= 1 << rec.Bit
		}
	}
	return mask
}

// CreateSnapshot allocates a free internal bit and appends a record for
// tag. Returns the bit.
func (e *Engine) CreateSnapshot(tag uint32) (int, error) {
	if e.img.Snapshots >= MaxSnapshots {
		return 0, fmt.Errorf("snapshot table full: %w", ErrFull)
	}
	if e.findSnap(tag) != nil {
		return 0, fmt.Errorf("tag %d: %w", tag, ErrSnapshotExists)
	}
	bit := -1
	for i := 0; i < MaxSnapshots; i++ {
		if e.snapmask&(1<<i) == 0 {
			bit = i
			break
		}
	}
	if bit < 0 {
		return 0, fmt.Errorf("no free snapshot bits: %w", ErrFull)
	}

	logger.Info("create snapshot", "tag", tag, "bit", bit)
	e.img.Snaplist[e.img.Snapshots] = SnapRecord{
		Tag:   tag,
		Bit:   uint8(bit),
		Ctime: uint32(nowUnix()),
	}
	e.img.Snapshots++
	e.snapmask |= 1 << bit
	e.setDirty()
	e.m.Snapshots(int(e.img.Snapshots))
	return bit, nil
}

// deleteSnap removes a record from the table and range-deletes its bit
// from the tree. Squashed snapshots have nothing left in the tree.
func (e *Engine) deleteSnap(rec *SnapRecord) error {
	logger.Info("delete snapshot", "tag", rec.Tag, "bit", rec.Bit)
	var mask uint64
	if !rec.Squashed() {
		mask = 1 << rec.Bit
	}

	// Compact the table over the removed record.
	idx := -1
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if &e.img.Snaplist[i] == rec {
			idx = int(i)
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("snapshot record not in table: %w", ErrSnapshotNotFound)
	}
	copy(e.img.Snaplist[idx:], e.img.Snaplist[idx+1:e.img.Snapshots])
	e.img.Snapshots--
	e.img.Snaplist[e.img.Snapshots] = SnapRecord{}
	e.setDirty()
	e.m.Snapshots(int(e.img.Snapshots))

	if mask == 0 {
		logger.Info("snapshot was squashed, skipping tree delete")
		return nil
	}
	return e.deleteTreeRange(mask, 0)
}

// DeleteSnapshot removes the snapshot with the given tag.
func (e *Engine) DeleteSnapshot(tag uint32) error {
	rec := e.findSnap(tag)
	if rec == nil {
		return fmt.Errorf("tag %d: %w", tag, ErrSnapshotNotFound)
	}
	return e.deleteSnap(rec)
}

// findVictim selects the snapshot to squash under space pressure: the
// oldest with use count zero and lowest priority, else the lowest-priority
// snapshot outright. Squashed records are skipped.
func (e *Engine) findVictim() *SnapRecord {
	list := e.img.Snaplist[:e.img.Snapshots]
	best := &list[0]
	for i := 1; i < len(list); i++ {
		snap := &list[i]
		if snap.Squashed() {
			continue
		}
		if !best.Squashed() && snap.Usecnt > 0 && best.Usecnt == 0 {
			continue
		}
		if !best.Squashed() && (snap.Usecnt > 0) == (best.Usecnt > 0) && snap.Prio >= best.Prio {
			continue
		}
		best = snap
	}
	return best
}

// ensureFreeChunks squashes victims until the space has the requested
// number of free chunks, or returns ErrFull when no eligible victim
// remains.
func (e *Engine) ensureFreeChunks(as *allocSpace, need uint64) error {
	for {
		if as.img.FreeChunks >= need {
			return nil
		}
		if e.img.Snapshots == 0 {
			break
		}
		victim := e.findVictim()
		if victim.Squashed() || victim.Prio == PrioPinned {
			break
		}
		logger.Warn("snapshot store full, squashing snapshot", "tag", victim.Tag, "bit", victim.Bit)
		// Squash in place: the record keeps its slot so clients observe
		// the loss instead of a dangling tag.
		mask := uint64(1) << victim.Bit
		victim.Bit = SnapshotSquashed
		e.setDirty()
		if err := e.deleteTreeRange(mask, 0); err != nil {
			return err
		}
	}
	return fmt.Errorf("no squashable snapshot leaves %d chunks free: %w", need, ErrFull)
}
