package protocol

// ChunkRange addresses a contiguous run of logical chunks.
type ChunkRange struct {
	Chunk  uint64
	Chunks uint16
}

// RangeExc is a contiguous run of logical chunks with one exception
// address per chunk (0 means no exception / error for that chunk).
type RangeExc struct {
	Chunk uint64
	Excs  []uint64
}

// SnapInfo is one row of a snapshot listing.
type SnapInfo struct {
	Snap   uint32
	Prio   int8
	Usecnt uint16
	Ctime  uint64
}

// OverallStatus summarizes one allocation space.
type OverallStatus struct {
	ChunksizeBits uint32
	Used          uint64
	Free          uint64
}

// StatusRow carries the sharing statistics for one snapshot: Counts[n] is
// the number of chunks this snapshot shares with exactly n other
// snapshots. A squashed snapshot reports Counts[0] == ^uint64(0).
type StatusRow struct {
	Ctime  uint64
	Snap   uint32
	Counts []uint64
}

// ============================================================================
// Requests
// ============================================================================

// Identify binds a client connection to a snapshot (or the origin) and
// validates the volume geometry.
type Identify struct {
	ID  uint64
	Snap uint32
	Off uint64
	Len uint64
}

// QueryWrite asks the server to prepare the listed chunks for writing, on
// the origin (identified clients with TagOrigin) or on the client's
// snapshot.
type QueryWrite struct {
	ID     uint32
	Ranges []ChunkRange
}

// QuerySnapshotRead asks where to read the listed chunks from.
type QuerySnapshotRead struct {
	ID     uint32
	Ranges []ChunkRange
}

// FinishSnapshotRead releases the read locks taken by a snapshot read that
// resolved to the origin.
type FinishSnapshotRead struct {
	ID     uint32
	Ranges []ChunkRange
}

// CreateSnapshot creates a snapshot with the given external tag.
type CreateSnapshot struct{ Snap uint32 }

// DeleteSnapshot deletes the snapshot with the given external tag.
type DeleteSnapshot struct{ Snap uint32 }

// ListSnapshots requests the snapshot table.
type ListSnapshots struct{}

// Priority sets a snapshot's drop priority.
type Priority struct {
	Snap uint32
	Prio int8
}

// Usecount adjusts a snapshot's use count by a signed delta.
type Usecount struct {
	Snap       uint32
	UsecntDev int32
}

// Status requests store usage and sharing statistics.
type Status struct{ Snap uint32 }

// RequestSnapshotState asks whether a snapshot is live, squashed or gone.
type RequestSnapshotState struct{ Snap uint32 }

// RequestOriginSectors asks for the origin length.
type RequestOriginSectors struct{}

// StreamChangelist requests the logical chunks whose contents differ
// between two snapshots.
type StreamChangelist struct {
	Snap1 uint32
	Snap2 uint32
}

// StartServer is sent by the agent to activate a standby server.
type StartServer struct{}

// ShutdownServer requests a clean shutdown.
type ShutdownServer struct{}

// ============================================================================
// Replies
// ============================================================================

// ProtocolError reports an unintelligible message. Culprit echoes the
// offending code.
type ProtocolError struct {
	Err     uint32
	Culprit uint32
	Message string
}

// IdentifyOK acknowledges Identify with the store chunk size.
type IdentifyOK struct{ ChunksizeBits uint32 }

// IdentifyError rejects Identify.
type IdentifyError struct {
	Err     uint32
	Message string
}

// OriginWriteOK acknowledges an origin QueryWrite, echoing its ranges.
type OriginWriteOK struct {
	ID     uint32
	Ranges []ChunkRange
}

// OriginWriteError reports a failed origin QueryWrite.
type OriginWriteError struct {
	ID     uint32
	Ranges []ChunkRange
}

// SnapshotWriteOK answers a snapshot QueryWrite with one exception address
// per chunk.
type SnapshotWriteOK struct {
	ID     uint32
	Ranges []RangeExc
}

// SnapshotWriteError is the failure form of SnapshotWriteOK.
type SnapshotWriteError struct {
	ID     uint32
	Ranges []RangeExc
}

// SnapshotReadOK lists the chunks to read from the snapshot store, with
// their exception addresses.
type SnapshotReadOK struct {
	ID     uint32
	Ranges []RangeExc
}

// SnapshotReadError is the failure form of SnapshotReadOK (squashed
// snapshot).
type SnapshotReadError struct {
	ID     uint32
	Ranges []RangeExc
}

// SnapshotReadOriginOK lists the chunks to read from the origin; the
// server holds read locks on them until FinishSnapshotRead.
type SnapshotReadOriginOK struct {
	ID     uint32
	Ranges []ChunkRange
}

// CreateSnapshotOK, CreateSnapshotError, DeleteSnapshotOK and
// DeleteSnapshotError carry no body.
type CreateSnapshotOK struct{}
type CreateSnapshotError struct{}
type DeleteSnapshotOK struct{}
type DeleteSnapshotError struct{}

// SnapshotList carries the snapshot table.
type SnapshotList struct{ Snapshots []SnapInfo }

// PriorityOK echoes the new priority.
type PriorityOK struct{ Prio int8 }

// PriorityError rejects a Priority request.
type PriorityError struct {
	Err     uint32
	Message string
}

// UsecountOK echoes the new use count.
type UsecountOK struct{ Usecount uint16 }

// UsecountError rejects a Usecount request.
type UsecountError struct {
	Err     uint32
	Message string
}

// StatusOK carries store usage and the per-snapshot sharing table.
type StatusOK struct {
	Ctime uint64
	Meta  OverallStatus
	Store OverallStatus
	Rows  []StatusRow
}

// StatusError rejects a Status request.
type StatusError struct{ Message string }

// Snapshot states reported by SnapshotState.
const (
	StateLive     = 0
	StateNotFound = 1
	StateSquashed = 2
)

// SnapshotState reports a snapshot's state.
type SnapshotState struct {
	Snap  uint32
	State uint32
}

// OriginSectors reports the origin length in sectors.
type OriginSectors struct{ Count uint64 }

// StreamChangelistOK carries the chunks that differ between two snapshots.
type StreamChangelistOK struct {
	ChunksizeBits uint32
	Chunks        []uint64
}

// StreamChangelistError rejects a StreamChangelist request.
type StreamChangelistError struct{ Message string }

// ServerReady announces the server socket to the agent.
type ServerReady struct{ SocketPath string }
