// Package protocol defines the request/reply messages between the snapshot
// server, its clients and the agent, and their canonical little-endian
// wire encoding.
//
// Every message on the wire is {code u32, length u32, body[length]}. The
// framing layer decodes bytes into one of the typed messages below; the
// dispatcher pattern-matches on the Go type.
package protocol

// Message codes. The numbering is part of the wire format; append only.
const (
	CodeProtocolError uint32 = 0xbead0000 + iota
	CodeIdentify
	CodeIdentifyOK
	CodeIdentifyError
	CodeQueryWrite
	CodeOriginWriteOK
	CodeOriginWriteError
	CodeSnapshotWriteOK
	CodeSnapshotWriteError
	CodeQuerySnapshotRead
	CodeSnapshotReadOK
	CodeSnapshotReadError
	CodeSnapshotReadOriginOK
	CodeSnapshotReadOriginError
	CodeFinishSnapshotRead
	CodeCreateSnapshot
	CodeCreateSnapshotOK
	CodeCreateSnapshotError
	CodeDeleteSnapshot
	CodeDeleteSnapshotOK
	CodeDeleteSnapshotError
	CodeDumpTree
	CodeInitializeSnapstore
	CodeNeedServer
	CodeConnectServer
	CodeConnectServerOK
	CodeConnectServerError
	CodeControlSocket
	CodeServerReady
	CodeStartServer
	CodeShutdownServer
	CodeSetIdentity
	CodeUploadLock
	CodeFinishUploadLock
	CodeNeedClients
	CodeUploadClientID
	CodeFinishUploadClientID
	CodeRemoveClientIDs
	CodeListSnapshots
	CodeSnapshotList
	CodePriority
	CodePriorityOK
	CodePriorityError
	CodeUsecount
	CodeUsecountError
	CodeUsecountOK
	CodeStreamChangelist
	CodeStreamChangelistOK
	CodeStreamChangelistError
	CodeSendDelta
	CodeSendDeltaProceed
	CodeSendDeltaDone
	CodeSendDeltaError
	CodeStatus
	CodeStatusOK
	CodeStatusError
	CodeRequestSnapshotState
	CodeSnapshotState
	CodeRequestOriginSectors
	CodeOriginSectors
)

// Error codes carried by typed error replies.
const (
	ErrRefused uint32 = 0xdead0001 + iota
	ErrSizeMismatch
	ErrOffsetMismatch
	ErrInvalidSnapshot
	ErrPriority
	ErrUsecount
	ErrUnknownMessage
	ErrOther
)

// Well-known snapshot tags. TagOrigin identifies a client of the origin
// device; TagAgent marks the control connection.
const (
	TagOrigin = int64(-1)
	TagAgent  = int64(-2)
)
