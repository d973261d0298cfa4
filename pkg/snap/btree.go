package snap

import (
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/buffer"
)

// The tree is traversed with an explicit path vector instead of parent
// pointers: one (buffer, next-entry) pair per level, where next is the
// index just past the child that was followed. In-place edits, splits and
// the range-delete walk all work off this vector.

type pathEntry struct {
	buf  *buffer.Buf
	next int
}

func (e *Engine) readMeta(sector uint64) (*buffer.Buf, error) {
	return e.cache.Read(e.metadev, sector)
}

func (e *Engine) releasePath(path []pathEntry) {
	for i := range path {
		if path[i].buf != nil {
			e.cache.Release(path[i].buf)
		}
	}
}

// probe descends from the root to the leaf covering chunk, recording the
// path. The caller releases both the leaf buffer and the path.
func (e *Engine) probe(chunk uint64) (*buffer.Buf, []pathEntry, error) {
	levels := int(e.img.TreeLevels)
	path := make([]pathEntry, levels)
	nodebuf, err := e.readMeta(e.img.TreeRoot)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < levels; i++ {
		n := asNode(nodebuf.Data)
		next := 1
		for next < n.count() && n.key(next) <= chunk {
			next++
		}
		path[i] = pathEntry{nodebuf, next}
		nodebuf, err = e.readMeta(n.sector(next - 1))
		if err != nil {
			e.releasePath(path[:i+1])
			return nil, nil, err
		}
	}
	if !asLeaf(nodebuf.Data).valid() {
		e.cache.Release(nodebuf)
		e.releasePath(path)
		return nil, nil, fmt.Errorf("bad leaf magic at sector %d: %w", nodebuf.Sector(), ErrCorrupt)
	}
	return nodebuf, path, nil
}

// newLeaf allocates and initializes a fresh leaf block.
func (e *Engine) newLeaf() (*buffer.Buf, error) {
	sector, err := e.allocBlock()
	if err != nil {
		return nil, err
	}
	buf := e.cache.GetBlk(e.metadev, sector)
	initLeaf(buf.Data)
	e.cache.SetDirty(buf)
	return buf, nil
}

// newNode allocates and initializes a fresh interior node block.
func (e *Engine) newNode() (*buffer.Buf, error) {
	sector, err := e.allocBlock()
	if err != nil {
		return nil, err
	}
	buf := e.cache.GetBlk(e.metadev, sector)
	initNode(buf.Data)
	e.cache.SetDirty(buf)
	return buf, nil
}

// addExceptionToTree inserts an exception into the probed leaf, splitting
// the leaf and index nodes upward as needed, growing a new root if the
// split reaches the top. Consumes the leafbuf reference; the path is
// released by the caller.
func (e *Engine) addExceptionToTree(leafbuf *buffer.Buf, target, exception uint64, snapbit int, path []pathEntry) error {
	if asLeaf(leafbuf.Data).addException(target, exception, snapbit, e.snapmask) == nil {
		e.cache.ReleaseDirty(leafbuf)
		return nil
	}

	childbuf, err := e.newLeaf()
	if err != nil {
		e.cache.Release(leafbuf)
		return err
	}
	childkey := asLeaf(leafbuf.Data).split(asLeaf(childbuf.Data))
	childsector := childbuf.Sector()

	dst := leafbuf
	if target >= childkey {
		dst = childbuf
	}
	if err := asLeaf(dst.Data).addException(target, exception, snapbit, e.snapmask); err != nil {
		e.cache.Release(leafbuf)
		e.cache.Release(childbuf)
		return fmt.Errorf("freshly split leaf has no space: %w", err)
	}
	e.cache.ReleaseDirty(leafbuf)
	e.cache.ReleaseDirty(childbuf)

	for level := len(path) - 1; level >= 0; level-- {
		parentbuf := path[level].buf
		parent := asNode(parentbuf.Data)
		pnext := path[level].next

		if parent.count() < e.meta.allocPerNode {
			parent.insertChild(pnext, childkey, childsector)
			e.cache.SetDirty(parentbuf)
			return nil
		}

		half := parent.count() / 2
		newkey := parent.key(half)
		newbuf, err := e.newNode()
		if err != nil {
			return err
		}
		newnode := asNode(newbuf.Data)
		newnode.setCount(parent.count() - half)
		copy(newbuf.Data[nodeHdrSize:nodeHdrSize+newnode.count()*indexEntrySize],
			parentbuf.Data[nodeHdrSize+half*indexEntrySize:nodeHdrSize+parent.count()*indexEntrySize])
		parent.setCount(half)

		if pnext > half {
			pnext -= half
			e.cache.SetDirty(parentbuf)
			parentbuf = newbuf
			parent = newnode
		} else {
			e.cache.SetDirty(newbuf)
		}

		parent.insertChild(pnext, childkey, childsector)
		e.cache.SetDirty(parentbuf)
		childkey = newkey
		childsector = newbuf.Sector()
		e.cache.Release(newbuf)
	}

	// The root split; grow the tree by a level.
	newrootbuf, err := e.newNode()
	if err != nil {
		return err
	}
	newroot := asNode(newrootbuf.Data)
	newroot.setCount(2)
	newroot.setSector(0, e.img.TreeRoot)
	newroot.setKey(1, childkey)
	newroot.setSector(1, childsector)
	e.img.TreeRoot = newrootbuf.Sector()
	e.img.TreeLevels++
	e.setDirty()
	e.cache.ReleaseDirty(newrootbuf)
	return nil
}

// traverseLeaves visits every leaf in key order. visit borrows the buffer
// for the duration of the call.
func (e *Engine) traverseLeaves(visit func(l leaf) error) error {
	levels := int(e.img.TreeLevels)
	path := make([]pathEntry, levels)
	rootbuf, err := e.readMeta(e.img.TreeRoot)
	if err != nil {
		return err
	}
	path[0] = pathEntry{rootbuf, 0}
	level := 0

	for {
		for level < levels-1 {
			n := asNode(path[level].buf.Data)
			childbuf, err := e.readMeta(n.sector(path[level].next))
			if err != nil {
				e.releasePath(path[:level+1])
				return err
			}
			path[level].next++
			level++
			path[level] = pathEntry{childbuf, 0}
		}

		n := asNode(path[level].buf.Data)
		for path[level].next < n.count() {
			leafbuf, err := e.readMeta(n.sector(path[level].next))
			if err != nil {
				e.releasePath(path[:level+1])
				return err
			}
			path[level].next++
			err = visit(asLeaf(leafbuf.Data))
			e.cache.Release(leafbuf)
			if err != nil {
				e.releasePath(path[:level+1])
				return err
			}
		}

		for {
			e.cache.Release(path[level].buf)
			path[level].buf = nil
			if level == 0 {
				return nil
			}
			level--
			if path[level].next < asNode(path[level].buf.Data).count() {
				break
			}
		}
	}
}

// setDirtyCheck dirties a buffer and commits early when the transaction is
// about to outgrow the journal.
func (e *Engine) setDirtyCheck(b *buffer.Buf) error {
	e.cache.SetDirty(b)
	limit := int(e.img.JournalSize) - 1
	if limit > e.maxCommitBlocks {
		limit = e.maxCommitBlocks
	}
	if e.cache.DirtyCount() >= limit {
		return e.commitTransaction()
	}
	return nil
}

// releaseFree releases a buffer that should now be unreferenced, returns
// its block to the allocator and drops it from the cache.
func (e *Engine) releaseFree(b *buffer.Buf) error {
	e.cache.Release(b)
	if b.Refs() > 0 {
		logger.Warn("freed block still in use", "sector", b.Sector(), "refs", b.Refs())
		return nil
	}
	if err := e.freeBlock(b.Sector()); err != nil {
		return err
	}
	return e.cache.Discard(b)
}

func (e *Engine) finishedLevel(path []pathEntry, level int) bool {
	return path[level].next == asNode(path[level].buf.Data).count()
}

// removeIndex removes the entry the path just came through at the given
// level and propagates its pivot key to the nearest ancestor that still
// needs it.
func (e *Engine) removeIndex(path []pathEntry, level int) {
	n := asNode(path[level].buf.Data)
	var pivot uint64
	if path[level].next < n.count() {
		pivot = n.key(path[level].next)
	}
	n.removeEntry(path[level].next - 1)
	path[level].next--
	e.cache.SetDirty(path[level].buf)

	if path[level].next == n.count() {
		return // no pivot for the last entry
	}
	if path[level].next == 0 && level > 0 {
		i := level - 1
		for path[i].next-1 == 0 {
			if i == 0 {
				return
			}
			i--
		}
		asNode(path[i].buf.Data).setKey(path[i].next-1, pivot)
		e.cache.SetDirty(path[i].buf)
	}
}

// deleteTreeRange removes every exception bit in snapmask from the tree,
// starting at resume. Emptied exceptions free their chunks; leaves and
// index nodes merge with their predecessors where the payload fits, and
// the tree drops levels when the root is left with a single child. The
// walk commits whenever the open transaction nears the journal size.
func (e *Engine) deleteTreeRange(snapmask uint64, resume uint64) error {
	levels := int(e.img.TreeLevels)
	level := levels - 1
	hold := make([]*buffer.Buf, levels)

	leafbuf, path, err := e.probe(resume)
	if err != nil {
		return err
	}
	if err := e.commitTransaction(); err != nil {
		return err
	}

	var prevleaf *buffer.Buf
	for {
		any, err := asLeaf(leafbuf.Data).deleteSnapshots(snapmask, e.freeException)
		if err != nil {
			return err
		}
		if any {
			if err := e.setDirtyCheck(leafbuf); err != nil {
				return err
			}
		}

		merged := false
		if prevleaf != nil {
			this, prev := asLeaf(leafbuf.Data), asLeaf(prevleaf.Data)
			if this.payload() <= prev.freeSpace() {
				prev.merge(this)
				e.removeIndex(path, level)
				if err := e.setDirtyCheck(prevleaf); err != nil {
					return err
				}
				if err := e.releaseFree(leafbuf); err != nil {
					return err
				}
				merged = true
			} else {
				e.cache.Release(prevleaf)
			}
		}
		if !merged {
			prevleaf = leafbuf
		}

		if e.finishedLevel(path, level) {
			for {
				nodeMerged := false
				if hold[level] != nil {
					this := asNode(path[level].buf.Data)
					prev := asNode(hold[level].Data)
					if this.count() <= e.meta.allocPerNode-prev.count() {
						prev.merge(this)
						e.removeIndex(path, level-1)
						if err := e.setDirtyCheck(hold[level]); err != nil {
							return err
						}
						if err := e.releaseFree(path[level].buf); err != nil {
							return err
						}
						nodeMerged = true
					} else {
						e.cache.Release(hold[level])
						hold[level] = nil
					}
				}
				if !nodeMerged {
					hold[level] = path[level].buf
				}

				if level == 0 {
					// Drop root levels that degenerated to one child.
					for levels > 1 && asNode(hold[0].Data).count() == 1 {
						e.img.TreeRoot = hold[1].Sector()
						if err := e.releaseFree(hold[0]); err != nil {
							return err
						}
						levels--
						e.img.TreeLevels--
						copy(hold, hold[1:])
						hold[levels] = nil
						e.setDirty()
					}
					if prevleaf != nil {
						e.cache.Release(prevleaf)
					}
					for i := 0; i < levels; i++ {
						if hold[i] != nil {
							e.cache.Release(hold[i])
						}
					}
					if e.cache.DirtyCount() > 0 {
						if err := e.commitTransaction(); err != nil {
							return err
						}
					}
					e.snapmask &^= snapmask
					e.setDirty()
					return e.saveSB()
				}

				level--
				if !e.finishedLevel(path, level) {
					break
				}
			}

			for level < levels-1 {
				n := asNode(path[level].buf.Data)
				nodebuf, err := e.readMeta(n.sector(path[level].next))
				if err != nil {
					return err
				}
				path[level].next++
				level++
				path[level] = pathEntry{nodebuf, 0}
			}
		}

		n := asNode(path[level].buf.Data)
		leafbuf, err = e.readMeta(n.sector(path[level].next))
		if err != nil {
			return err
		}
		path[level].next++
	}
}
