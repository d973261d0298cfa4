package snap

import (
	"math/bits"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/protocol"
)

// maxSnapbit returns the highest internal bit currently in the table.
func (e *Engine) maxSnapbit() int {
	max := 0
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if rec := &e.img.Snaplist[i]; !rec.Squashed() && int(rec.Bit) > max {
			max = int(rec.Bit)
		}
	}
	return max
}

// calcSharing walks the whole tree and tabulates, per snapshot bit, how
// many chunks it shares with exactly n other snapshots.
func (e *Engine) calcSharing() ([][]uint64, error) {
	rows := e.maxSnapbit() + 1
	table := make([][]uint64, rows)
	for i := range table {
		table[i] = make([]uint64, rows)
	}
	err := e.traverseLeaves(func(l leaf) error {
		l.forEachException(func(_ uint64, share uint64, _ uint64) {
			shareCount := bits.OnesCount64(share) - 1
			if shareCount < 0 {
				return
			}
			for bit := 0; bit < rows; bit++ {
				if share&(1<<bit) != 0 && shareCount < rows {
					table[bit][shareCount]++
				}
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// handleStatus reports store occupancy and the sharing table.
func (e *Engine) handleStatus(client *Client, m *protocol.Status) {
	table, err := e.calcSharing()
	if err != nil {
		logger.Error("status traversal failed", "error", err)
		e.reply(client, &protocol.StatusError{Message: "unable to compute sharing statistics"})
		return
	}
	columns := len(table)

	reply := &protocol.StatusOK{Ctime: e.img.CreateTime}
	reply.Meta.ChunksizeBits = e.meta.img.ChunkBits
	reply.Meta.Used = e.meta.chunksUsed
	reply.Meta.Free = e.meta.img.Chunks - e.meta.chunksUsed
	if e.combined() {
		reply.Meta.Free -= e.snap.chunksUsed
	}
	reply.Store.ChunksizeBits = e.snap.img.ChunkBits
	reply.Store.Used = e.snap.chunksUsed
	reply.Store.Free = e.snap.img.Chunks - e.snap.chunksUsed

	for i := uint32(0); i < e.img.Snapshots; i++ {
		rec := &e.img.Snaplist[i]
		row := protocol.StatusRow{Ctime: uint64(rec.Ctime), Snap: rec.Tag}
		if rec.Squashed() {
			row.Counts = []uint64{^uint64(0)}
		} else {
			row.Counts = make([]uint64, columns)
			copy(row.Counts, table[rec.Bit])
		}
		reply.Rows = append(reply.Rows, row)
	}
	e.reply(client, reply)
}

// changedChunks returns every logical chunk whose contents differ between
// the two snapshot bits: those where exactly one of the two fully shares
// an exception.
func (e *Engine) changedChunks(bit1, bit2 int) ([]uint64, error) {
	mask1 := uint64(1) << bit1
	mask2 := uint64(1) << bit2
	var chunks []uint64
	err := e.traverseLeaves(func(l leaf) error {
		var lastChunk uint64
		have := false
		l.forEachException(func(chunk uint64, share uint64, _ uint64) {
			if have && chunk == lastChunk {
				return // one entry per logical chunk
			}
			if (share&mask1 == mask1) != (share&mask2 == mask2) {
				chunks = append(chunks, chunk)
				lastChunk = chunk
				have = true
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}
