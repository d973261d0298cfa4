package snap

import (
	"fmt"

	"github.com/dittolab/snapstore/internal/logger"
	"github.com/dittolab/snapstore/pkg/protocol"
)

// rangeBuilder compacts per-chunk results back into contiguous ranges for
// the reply.
type rangeBuilder struct {
	ranges []protocol.ChunkRange
}

func (b *rangeBuilder) add(chunk uint64) {
	n := len(b.ranges)
	if n > 0 {
		last := &b.ranges[n-1]
		if last.Chunk+uint64(last.Chunks) == chunk && last.Chunks < 0xffff {
			last.Chunks++
			return
		}
	}
	b.ranges = append(b.ranges, protocol.ChunkRange{Chunk: chunk, Chunks: 1})
}

type rangeExcBuilder struct {
	ranges []protocol.RangeExc
}

func (b *rangeExcBuilder) add(chunk, exc uint64) {
	n := len(b.ranges)
	if n > 0 {
		last := &b.ranges[n-1]
		if last.Chunk+uint64(len(last.Excs)) == chunk && len(last.Excs) < 0xffff {
			last.Excs = append(last.Excs, exc)
			return
		}
	}
	b.ranges = append(b.ranges, protocol.RangeExc{Chunk: chunk, Excs: []uint64{exc}})
}

// eachChunk visits every chunk of a range list.
func eachChunk(ranges []protocol.ChunkRange, fn func(chunk uint64)) {
	for _, r := range ranges {
		for j := uint16(0); j < r.Chunks; j++ {
			fn(r.Chunk + uint64(j))
		}
	}
}

func (e *Engine) reply(client *Client, m protocol.Message) {
	if client.Conn == nil {
		return
	}
	if err := client.Conn.Reply(m); err != nil {
		logger.Warn("unable to send reply", "client", client.ID, "code", fmt.Sprintf("%#x", m.Code()), "error", err)
	}
}

// clientSnap resolves the client's snapshot record.
func (e *Engine) clientSnap(client *Client) *SnapRecord {
	if client.Snaptag < 0 {
		return nil
	}
	return e.findSnap(uint32(client.Snaptag))
}

// Dispatch handles one decoded request to completion and emits its replies
// (parked origin-write acknowledgments excepted). Returns true when the
// server should shut down.
func (e *Engine) Dispatch(client *Client, msg protocol.Message) bool {
	e.m.Request(opcodeName(msg))
	switch m := msg.(type) {
	case *protocol.Identify:
		e.handleIdentify(client, m)
	case *protocol.QueryWrite:
		if client.Snaptag == protocol.TagOrigin || client.Snaptag == protocol.TagAgent {
			e.handleOriginWrite(client, m)
		} else {
			e.handleSnapshotWrite(client, m)
		}
	case *protocol.QuerySnapshotRead:
		e.handleSnapshotRead(client, m)
	case *protocol.FinishSnapshotRead:
		eachChunk(m.Ranges, func(chunk uint64) {
			e.releaseChunk(chunk, client)
		})
	case *protocol.CreateSnapshot:
		e.handleCreateSnapshot(client, m)
	case *protocol.DeleteSnapshot:
		e.handleDeleteSnapshot(client, m)
	case *protocol.ListSnapshots:
		e.handleListSnapshots(client)
	case *protocol.Priority:
		e.handlePriority(client, m)
	case *protocol.Usecount:
		e.handleUsecount(client, m)
	case *protocol.Status:
		e.handleStatus(client, m)
	case *protocol.RequestSnapshotState:
		e.handleSnapshotState(client, m)
	case *protocol.RequestOriginSectors:
		e.reply(client, &protocol.OriginSectors{Count: e.img.OrgSectors})
	case *protocol.StreamChangelist:
		e.handleChangelist(client, m)
	case *protocol.StartServer:
		// Activation happens at startup; no reply is defined.
		logger.Info("agent requested server start")
	case *protocol.ShutdownServer:
		return true
	case *protocol.ProtocolError:
		logger.Warn("peer reported protocol error",
			"err", fmt.Sprintf("%#x", m.Err), "culprit", fmt.Sprintf("%#x", m.Culprit), "message", m.Message)
	default:
		code := msg.Code()
		logger.Warn("unknown message", "code", fmt.Sprintf("%#x", code))
		e.reply(client, &protocol.ProtocolError{
			Err:     protocol.ErrUnknownMessage,
			Culprit: code,
			Message: "server received unknown message",
		})
	}
	e.publishGauges()
	return false
}

// maybeCommit closes the open transaction early when a long request is
// about to outgrow the journal. The copy-out run flushes first so the
// committed tree never references unwritten chunks.
func (e *Engine) maybeCommit() error {
	limit := e.maxCommitBlocks
	if jlimit := int(e.img.JournalSize) - 1; jlimit < limit {
		limit = jlimit
	}
	if e.cache.DirtyCount() < limit-MaxNewMetachunks {
		return nil
	}
	if err := e.FinishCopyout(); err != nil {
		return err
	}
	return e.commitTransaction()
}

func (e *Engine) publishGauges() {
	e.m.FreeChunks("metadata", e.img.Metadata.FreeChunks)
	if !e.combined() {
		e.m.FreeChunks("snapdata", e.img.Snapdata.FreeChunks)
	}
}

func (e *Engine) handleIdentify(client *Client, m *protocol.Identify) {
	tag := m.Snap
	client.ID = m.ID

	if tag != ^uint32(0) {
		rec := e.findSnap(tag)
		if rec == nil || rec.Squashed() {
			logger.Warn("identify against invalid snapshot", "tag", tag)
			e.reply(client, &protocol.IdentifyError{
				Err:     protocol.ErrInvalidSnapshot,
				Message: fmt.Sprintf("snapshot tag %d is not valid", tag),
			})
			return
		}
		if rec.Usecnt == ^uint16(0) {
			e.reply(client, &protocol.IdentifyError{Err: protocol.ErrUsecount, Message: "use count overflow"})
			return
		}
		rec.Usecnt++
		e.setDirty()
		client.Snaptag = int64(tag)
	} else {
		client.Snaptag = protocol.TagOrigin
	}
	client.identified = true

	if m.Len != e.img.OrgSectors {
		e.reply(client, &protocol.IdentifyError{
			Err:     protocol.ErrSizeMismatch,
			Message: fmt.Sprintf("volume size mismatch for snapshot %d", tag),
		})
		return
	}
	if m.Off != e.img.OrgOffset {
		e.reply(client, &protocol.IdentifyError{
			Err:     protocol.ErrOffsetMismatch,
			Message: fmt.Sprintf("volume offset mismatch for snapshot %d", tag),
		})
		return
	}

	logger.Info("client identified", "id", client.ID, "snaptag", client.Snaptag)
	e.reply(client, &protocol.IdentifyOK{ChunksizeBits: e.snap.img.ChunkBits})
}

// handleOriginWrite prepares origin chunks for writing: chunks still
// shared with snapshots are copied out, and the acknowledgment is parked
// until overlapping snapshot readers drain.
func (e *Engine) handleOriginWrite(client *Client, m *protocol.QueryWrite) {
	var pend *pending
	failed := false

	eachChunk(m.Ranges, func(chunk uint64) {
		_, created, err := e.makeUnique(chunk, OriginSnapBit)
		if err != nil {
			logger.Error("unable to copy out during origin write", "chunk", chunk, "error", err)
			failed = true
			return
		}
		if created {
			e.waitforChunk(chunk, &pend)
		}
		if err := e.maybeCommit(); err != nil {
			logger.Error("mid-request commit failed", "error", err)
			failed = true
		}
	})
	if err := e.FinishCopyout(); err != nil {
		logger.Error("copyout failed", "error", err)
		failed = true
	}
	if err := e.commitTransaction(); err != nil {
		logger.Error("commit failed", "error", err)
		failed = true
	}

	var reply protocol.Message
	if failed {
		reply = &protocol.OriginWriteError{ID: m.ID, Ranges: m.Ranges}
	} else {
		reply = &protocol.OriginWriteOK{ID: m.ID, Ranges: m.Ranges}
	}

	if pend != nil {
		pend.client = client
		pend.reply = reply
		pend.holdCount--
		if pend.holdCount == 0 {
			e.firePending(pend)
		}
		return
	}
	e.reply(client, reply)
}

func (e *Engine) handleSnapshotWrite(client *Client, m *protocol.QueryWrite) {
	rec := e.clientSnap(client)
	if rec == nil {
		e.reply(client, &protocol.ProtocolError{
			Err:     protocol.ErrInvalidSnapshot,
			Culprit: m.Code(),
			Message: "write query from unidentified snapshot client",
		})
		return
	}

	ok := true
	var excs rangeExcBuilder
	eachChunk(m.Ranges, func(chunk uint64) {
		var exc uint64
		if rec.Squashed() {
			logger.Warn("write to squashed snapshot", "tag", rec.Tag, "id", m.ID)
			ok = false
		} else {
			var err error
			exc, _, err = e.makeUnique(chunk, int(rec.Bit))
			if err != nil {
				logger.Error("unable to copy out during snapshot write", "chunk", chunk, "error", err)
				exc = 0
				ok = false
			}
		}
		excs.add(chunk, exc)
		if err := e.maybeCommit(); err != nil {
			logger.Error("mid-request commit failed", "error", err)
			ok = false
		}
	})
	if err := e.FinishCopyout(); err != nil {
		logger.Error("copyout failed", "error", err)
		ok = false
	}
	if err := e.commitTransaction(); err != nil {
		logger.Error("commit failed", "error", err)
		ok = false
	}

	if ok {
		e.reply(client, &protocol.SnapshotWriteOK{ID: m.ID, Ranges: excs.ranges})
	} else {
		e.reply(client, &protocol.SnapshotWriteError{ID: m.ID, Ranges: excs.ranges})
	}
}

// handleSnapshotRead splits the requested chunks into those with
// exceptions (read from the snapshot store) and those resolving to the
// origin, which are read-locked until FinishSnapshotRead.
func (e *Engine) handleSnapshotRead(client *Client, m *protocol.QuerySnapshotRead) {
	rec := e.clientSnap(client)
	if rec == nil {
		e.reply(client, &protocol.ProtocolError{
			Err:     protocol.ErrInvalidSnapshot,
			Culprit: m.Code(),
			Message: "read query from unidentified snapshot client",
		})
		return
	}

	if rec.Squashed() {
		logger.Warn("read from squashed snapshot", "tag", rec.Tag)
		var snap rangeExcBuilder
		eachChunk(m.Ranges, func(chunk uint64) {
			snap.add(chunk, 0)
		})
		e.reply(client, &protocol.SnapshotReadError{ID: m.ID, Ranges: snap.ranges})
		return
	}

	var snap rangeExcBuilder
	var org rangeBuilder
	readFailed := false
	eachChunk(m.Ranges, func(chunk uint64) {
		_, exception, err := e.testUnique(chunk, int(rec.Bit))
		if err != nil {
			logger.Error("read probe failed", "chunk", chunk, "error", err)
			readFailed = true
			return
		}
		if exception != 0 {
			snap.add(chunk, exception)
		} else {
			org.add(chunk)
			e.readlockChunk(chunk, client)
		}
	})
	if readFailed {
		e.reply(client, &protocol.SnapshotReadError{ID: m.ID, Ranges: snap.ranges})
		return
	}
	if len(org.ranges) > 0 {
		e.reply(client, &protocol.SnapshotReadOriginOK{ID: m.ID, Ranges: org.ranges})
	}
	if len(snap.ranges) > 0 {
		e.reply(client, &protocol.SnapshotReadOK{ID: m.ID, Ranges: snap.ranges})
	}
}

func (e *Engine) handleCreateSnapshot(client *Client, m *protocol.CreateSnapshot) {
	if _, err := e.CreateSnapshot(m.Snap); err != nil {
		logger.Warn("create snapshot failed", "tag", m.Snap, "error", err)
		e.reply(client, &protocol.CreateSnapshotError{})
		return
	}
	if err := e.SaveState(); err != nil {
		logger.Error("save state failed", "error", err)
		e.reply(client, &protocol.CreateSnapshotError{})
		return
	}
	e.reply(client, &protocol.CreateSnapshotOK{})
}

func (e *Engine) handleDeleteSnapshot(client *Client, m *protocol.DeleteSnapshot) {
	if err := e.DeleteSnapshot(m.Snap); err != nil {
		logger.Warn("delete snapshot failed", "tag", m.Snap, "error", err)
		e.reply(client, &protocol.DeleteSnapshotError{})
		return
	}
	if err := e.SaveState(); err != nil {
		logger.Error("save state failed", "error", err)
		e.reply(client, &protocol.DeleteSnapshotError{})
		return
	}
	e.reply(client, &protocol.DeleteSnapshotOK{})
}

func (e *Engine) handleListSnapshots(client *Client) {
	list := &protocol.SnapshotList{}
	for i := uint32(0); i < e.img.Snapshots; i++ {
		rec := &e.img.Snaplist[i]
		list.Snapshots = append(list.Snapshots, protocol.SnapInfo{
			Snap:   rec.Tag,
			Prio:   rec.Prio,
			Usecnt: rec.Usecnt,
			Ctime:  uint64(rec.Ctime),
		})
	}
	e.reply(client, list)
}

func (e *Engine) handlePriority(client *Client, m *protocol.Priority) {
	if m.Snap == ^uint32(0) {
		e.reply(client, &protocol.PriorityError{
			Err:     protocol.ErrInvalidSnapshot,
			Message: "cannot set priority for the origin",
		})
		return
	}
	rec := e.findSnap(m.Snap)
	if rec == nil {
		e.reply(client, &protocol.PriorityError{
			Err:     protocol.ErrInvalidSnapshot,
			Message: fmt.Sprintf("snapshot tag %d is not valid", m.Snap),
		})
		return
	}
	rec.Prio = m.Prio
	e.setDirty()
	e.reply(client, &protocol.PriorityOK{Prio: rec.Prio})
}

func (e *Engine) handleUsecount(client *Client, m *protocol.Usecount) {
	if m.Snap == ^uint32(0) {
		e.reply(client, &protocol.UsecountError{
			Err:     protocol.ErrInvalidSnapshot,
			Message: "cannot set the use count of the origin",
		})
		return
	}
	rec := e.findSnap(m.Snap)
	if rec == nil {
		e.reply(client, &protocol.UsecountError{
			Err:     protocol.ErrInvalidSnapshot,
			Message: fmt.Sprintf("snapshot tag %d is not valid", m.Snap),
		})
		return
	}
	next := int32(rec.Usecnt) + m.UsecntDev
	if next>>16 != 0 {
		msg := "use count overflow"
		if m.UsecntDev < 0 {
			msg = "use count underflow"
		}
		e.reply(client, &protocol.UsecountError{Err: protocol.ErrUsecount, Message: msg})
		return
	}
	rec.Usecnt = uint16(next)
	e.setDirty()
	e.reply(client, &protocol.UsecountOK{Usecount: rec.Usecnt})
}

func (e *Engine) handleSnapshotState(client *Client, m *protocol.RequestSnapshotState) {
	state := uint32(protocol.StateNotFound)
	for i := uint32(0); i < e.img.Snapshots; i++ {
		if rec := &e.img.Snaplist[i]; rec.Tag == m.Snap {
			if rec.Squashed() {
				state = protocol.StateSquashed
			} else {
				state = protocol.StateLive
			}
			break
		}
	}
	e.reply(client, &protocol.SnapshotState{Snap: m.Snap, State: state})
}

func (e *Engine) handleChangelist(client *Client, m *protocol.StreamChangelist) {
	snap1 := e.findSnap(m.Snap1)
	snap2 := e.findSnap(m.Snap2)
	if snap1 == nil || snap2 == nil || snap1.Squashed() || snap2.Squashed() {
		e.reply(client, &protocol.StreamChangelistError{Message: "invalid snapshot tag"})
		return
	}
	chunks, err := e.changedChunks(int(snap1.Bit), int(snap2.Bit))
	if err != nil {
		logger.Error("changelist traversal failed", "error", err)
		e.reply(client, &protocol.StreamChangelistError{Message: "unable to generate changelist"})
		return
	}
	logger.Info("streaming changelist", "snap1", m.Snap1, "snap2", m.Snap2, "chunks", len(chunks))
	e.reply(client, &protocol.StreamChangelistOK{
		ChunksizeBits: e.snap.img.ChunkBits,
		Chunks:        chunks,
	})
}

// ClientGone cleans up after a disconnected client: the snapshot use count
// drops, its read locks release (waking parked writers) and its own parked
// replies are forgotten.
func (e *Engine) ClientGone(client *Client) {
	logger.Info("client disconnected", "id", client.ID, "snaptag", client.Snaptag)
	if client.identified && client.Snaptag >= 0 {
		if rec := e.findSnap(uint32(client.Snaptag)); rec != nil {
			if rec.Usecnt == 0 {
				logger.Warn("use count underflow on disconnect", "tag", rec.Tag)
			} else {
				rec.Usecnt--
				e.setDirty()
			}
		}
	}
	e.dropClientPendings(client)
	e.releaseClientLocks(client)
	if err := e.SaveState(); err != nil {
		logger.Error("save state after disconnect failed", "error", err)
	}
}

func opcodeName(m protocol.Message) string {
	switch m.(type) {
	case *protocol.Identify:
		return "identify"
	case *protocol.QueryWrite:
		return "query_write"
	case *protocol.QuerySnapshotRead:
		return "query_snapshot_read"
	case *protocol.FinishSnapshotRead:
		return "finish_snapshot_read"
	case *protocol.CreateSnapshot:
		return "create_snapshot"
	case *protocol.DeleteSnapshot:
		return "delete_snapshot"
	case *protocol.ListSnapshots:
		return "list_snapshots"
	case *protocol.Priority:
		return "priority"
	case *protocol.Usecount:
		return "usecount"
	case *protocol.Status:
		return "status"
	case *protocol.RequestSnapshotState:
		return "snapshot_state"
	case *protocol.RequestOriginSectors:
		return "origin_sectors"
	case *protocol.StreamChangelist:
		return "stream_changelist"
	case *protocol.StartServer:
		return "start_server"
	case *protocol.ShutdownServer:
		return "shutdown_server"
	default:
		return "unknown"
	}
}
