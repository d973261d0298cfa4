package snap

import "encoding/binary"

// Interior nodes carry no magic; they are only ever reached through known
// parent pointers. entries[0].key is never read: a B-tree index holds one
// more child than pivot keys, so the first key is just the lower bound
// inherited from the parent.

const (
	nodeHdrSize    = 8
	indexEntrySize = 16
)

// node is a view over one interior-node block's payload.
type node struct {
	b []byte
}

func asNode(b []byte) node { return node{b} }

func (n node) count() int     { return int(binary.LittleEndian.Uint32(n.b[0:])) }
func (n node) setCount(c int) { binary.LittleEndian.PutUint32(n.b[0:], uint32(c)) }

func (n node) key(i int) uint64 {
	return binary.LittleEndian.Uint64(n.b[nodeHdrSize+i*indexEntrySize:])
}

func (n node) setKey(i int, key uint64) {
	binary.LittleEndian.PutUint64(n.b[nodeHdrSize+i*indexEntrySize:], key)
}

func (n node) sector(i int) uint64 {
	return binary.LittleEndian.Uint64(n.b[nodeHdrSize+i*indexEntrySize+8:])
}

func (n node) setSector(i int, sector uint64) {
	binary.LittleEndian.PutUint64(n.b[nodeHdrSize+i*indexEntrySize+8:], sector)
}

func initNode(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// insertChild inserts (key, sector) at position pos, shifting the tail up.
func (n node) insertChild(pos int, key, sector uint64) {
	from := nodeHdrSize + pos*indexEntrySize
	to := nodeHdrSize + n.count()*indexEntrySize
	copy(n.b[from+indexEntrySize:to+indexEntrySize], n.b[from:to])
	n.setKey(pos, key)
	n.setSector(pos, sector)
	n.setCount(n.count() + 1)
}

// removeEntry removes the entry at position pos, shifting the tail down.
func (n node) removeEntry(pos int) {
	from := nodeHdrSize + (pos+1)*indexEntrySize
	to := nodeHdrSize + n.count()*indexEntrySize
	copy(n.b[nodeHdrSize+pos*indexEntrySize:], n.b[from:to])
	n.setCount(n.count() - 1)
}

// merge appends src's entries to n.
func (n node) merge(src node) {
	dst := nodeHdrSize + n.count()*indexEntrySize
	copy(n.b[dst:dst+src.count()*indexEntrySize], src.b[nodeHdrSize:nodeHdrSize+src.count()*indexEntrySize])
	n.setCount(n.count() + src.count())
}
