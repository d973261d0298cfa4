package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxBody bounds the size of a single message body. Changelist replies are
// the largest messages; one million chunks fit comfortably.
const MaxBody = 16 << 20

const headSize = 8

var (
	// ErrBodyTooLong is returned for frames exceeding MaxBody.
	ErrBodyTooLong = errors.New("message body too long")

	// ErrBadBody is returned when a body does not decode as its code's
	// layout.
	ErrBadBody = errors.New("malformed message body")
)

// Message is one request or reply. Concrete types live in messages.go.
type Message interface {
	Code() uint32
	MarshalBody() []byte
}

// Unknown wraps a frame whose code the decoder does not recognize, so the
// dispatcher can reply with a typed protocol error.
type Unknown struct {
	RawCode uint32
	Body    []byte
}

func (m *Unknown) Code() uint32        { return m.RawCode }
func (m *Unknown) MarshalBody() []byte { return m.Body }

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, m Message) error {
	body := m.MarshalBody()
	if len(body) > MaxBody {
		return fmt.Errorf("code %#x: %w", m.Code(), ErrBodyTooLong)
	}
	frame := make([]byte, headSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:], m.Code())
	binary.LittleEndian.PutUint32(frame[4:], uint32(len(body)))
	copy(frame[headSize:], body)
	_, err := w.Write(frame)
	return err
}

// ReadMessage reads and decodes one framed message.
func ReadMessage(r io.Reader) (Message, error) {
	var head [headSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	code := binary.LittleEndian.Uint32(head[0:])
	length := binary.LittleEndian.Uint32(head[4:])
	if length > MaxBody {
		return nil, fmt.Errorf("code %#x length %d: %w", code, length, ErrBodyTooLong)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(code, body)
}

// ============================================================================
// Encoding helpers
// ============================================================================

type enc struct{ b []byte }

func (e *enc) u8(v uint8)   { e.b = append(e.b, v) }
func (e *enc) u16(v uint16) { e.b = binary.LittleEndian.AppendUint16(e.b, v) }
func (e *enc) u32(v uint32) { e.b = binary.LittleEndian.AppendUint32(e.b, v) }
func (e *enc) u64(v uint64) { e.b = binary.LittleEndian.AppendUint64(e.b, v) }

// str appends a NUL-terminated string.
func (e *enc) str(s string) {
	e.b = append(e.b, s...)
	e.b = append(e.b, 0)
}

func (e *enc) ranges(rs []ChunkRange) {
	e.u16(uint16(len(rs)))
	for _, r := range rs {
		e.u64(r.Chunk)
		e.u16(r.Chunks)
	}
}

func (e *enc) rangeExcs(rs []RangeExc) {
	e.u16(uint16(len(rs)))
	for _, r := range rs {
		e.u64(r.Chunk)
		e.u16(uint16(len(r.Excs)))
		for _, x := range r.Excs {
			e.u64(x)
		}
	}
}

type dec struct {
	b    []byte
	off  int
	fail bool
}

func (d *dec) need(n int) bool {
	if d.fail || d.off+n > len(d.b) {
		d.fail = true
		return false
	}
	return true
}

func (d *dec) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *dec) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *dec) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *dec) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

// str consumes the rest of the body as a NUL-terminated string.
func (d *dec) str() string {
	if d.fail {
		return ""
	}
	s := d.b[d.off:]
	d.off = len(d.b)
	for i, c := range s {
		if c == 0 {
			return string(s[:i])
		}
	}
	return string(s)
}

func (d *dec) ranges() []ChunkRange {
	n := int(d.u16())
	rs := make([]ChunkRange, 0, n)
	for i := 0; i < n && !d.fail; i++ {
		rs = append(rs, ChunkRange{Chunk: d.u64(), Chunks: d.u16()})
	}
	return rs
}

func (d *dec) rangeExcs() []RangeExc {
	n := int(d.u16())
	rs := make([]RangeExc, 0, n)
	for i := 0; i < n && !d.fail; i++ {
		r := RangeExc{Chunk: d.u64()}
		chunks := int(d.u16())
		r.Excs = make([]uint64, 0, chunks)
		for j := 0; j < chunks && !d.fail; j++ {
			r.Excs = append(r.Excs, d.u64())
		}
		rs = append(rs, r)
	}
	return rs
}

func (d *dec) done() error {
	if d.fail {
		return ErrBadBody
	}
	return nil
}

// ============================================================================
// Per-message codecs
// ============================================================================

func (m *Identify) Code() uint32 { return CodeIdentify }
func (m *Identify) MarshalBody() []byte {
	e := enc{}
	e.u64(m.ID)
	e.u32(m.Snap)
	e.u64(m.Off)
	e.u64(m.Len)
	return e.b
}

func (m *QueryWrite) Code() uint32 { return CodeQueryWrite }
func (m *QueryWrite) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *QuerySnapshotRead) Code() uint32 { return CodeQuerySnapshotRead }
func (m *QuerySnapshotRead) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *FinishSnapshotRead) Code() uint32 { return CodeFinishSnapshotRead }
func (m *FinishSnapshotRead) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *CreateSnapshot) Code() uint32 { return CodeCreateSnapshot }
func (m *CreateSnapshot) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	return e.b
}

func (m *DeleteSnapshot) Code() uint32 { return CodeDeleteSnapshot }
func (m *DeleteSnapshot) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	return e.b
}

func (m *ListSnapshots) Code() uint32        { return CodeListSnapshots }
func (m *ListSnapshots) MarshalBody() []byte { return nil }

func (m *Priority) Code() uint32 { return CodePriority }
func (m *Priority) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	e.u8(uint8(m.Prio))
	return e.b
}

func (m *Usecount) Code() uint32 { return CodeUsecount }
func (m *Usecount) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	e.u32(uint32(m.UsecntDev))
	return e.b
}

func (m *Status) Code() uint32 { return CodeStatus }
func (m *Status) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	return e.b
}

func (m *RequestSnapshotState) Code() uint32 { return CodeRequestSnapshotState }
func (m *RequestSnapshotState) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	return e.b
}

func (m *RequestOriginSectors) Code() uint32        { return CodeRequestOriginSectors }
func (m *RequestOriginSectors) MarshalBody() []byte { return nil }

func (m *StreamChangelist) Code() uint32 { return CodeStreamChangelist }
func (m *StreamChangelist) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap1)
	e.u32(m.Snap2)
	return e.b
}

func (m *StartServer) Code() uint32        { return CodeStartServer }
func (m *StartServer) MarshalBody() []byte { return nil }

func (m *ShutdownServer) Code() uint32        { return CodeShutdownServer }
func (m *ShutdownServer) MarshalBody() []byte { return nil }

func (m *ProtocolError) Code() uint32 { return CodeProtocolError }
func (m *ProtocolError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Err)
	e.u32(m.Culprit)
	e.str(m.Message)
	return e.b
}

func (m *IdentifyOK) Code() uint32 { return CodeIdentifyOK }
func (m *IdentifyOK) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ChunksizeBits)
	return e.b
}

func (m *IdentifyError) Code() uint32 { return CodeIdentifyError }
func (m *IdentifyError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Err)
	e.str(m.Message)
	return e.b
}

func (m *OriginWriteOK) Code() uint32 { return CodeOriginWriteOK }
func (m *OriginWriteOK) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *OriginWriteError) Code() uint32 { return CodeOriginWriteError }
func (m *OriginWriteError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *SnapshotWriteOK) Code() uint32 { return CodeSnapshotWriteOK }
func (m *SnapshotWriteOK) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.rangeExcs(m.Ranges)
	return e.b
}

func (m *SnapshotWriteError) Code() uint32 { return CodeSnapshotWriteError }
func (m *SnapshotWriteError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.rangeExcs(m.Ranges)
	return e.b
}

func (m *SnapshotReadOK) Code() uint32 { return CodeSnapshotReadOK }
func (m *SnapshotReadOK) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.rangeExcs(m.Ranges)
	return e.b
}

func (m *SnapshotReadError) Code() uint32 { return CodeSnapshotReadError }
func (m *SnapshotReadError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.rangeExcs(m.Ranges)
	return e.b
}

func (m *SnapshotReadOriginOK) Code() uint32 { return CodeSnapshotReadOriginOK }
func (m *SnapshotReadOriginOK) MarshalBody() []byte {
	e := enc{}
	e.u32(m.ID)
	e.ranges(m.Ranges)
	return e.b
}

func (m *CreateSnapshotOK) Code() uint32           { return CodeCreateSnapshotOK }
func (m *CreateSnapshotOK) MarshalBody() []byte    { return nil }
func (m *CreateSnapshotError) Code() uint32        { return CodeCreateSnapshotError }
func (m *CreateSnapshotError) MarshalBody() []byte { return nil }
func (m *DeleteSnapshotOK) Code() uint32           { return CodeDeleteSnapshotOK }
func (m *DeleteSnapshotOK) MarshalBody() []byte    { return nil }
func (m *DeleteSnapshotError) Code() uint32        { return CodeDeleteSnapshotError }
func (m *DeleteSnapshotError) MarshalBody() []byte { return nil }

func (m *SnapshotList) Code() uint32 { return CodeSnapshotList }
func (m *SnapshotList) MarshalBody() []byte {
	e := enc{}
	e.u32(uint32(len(m.Snapshots)))
	for _, s := range m.Snapshots {
		e.u32(s.Snap)
		e.u8(uint8(s.Prio))
		e.u16(s.Usecnt)
		e.u64(s.Ctime)
	}
	return e.b
}

func (m *PriorityOK) Code() uint32 { return CodePriorityOK }
func (m *PriorityOK) MarshalBody() []byte {
	e := enc{}
	e.u8(uint8(m.Prio))
	return e.b
}

func (m *PriorityError) Code() uint32 { return CodePriorityError }
func (m *PriorityError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Err)
	e.str(m.Message)
	return e.b
}

func (m *UsecountOK) Code() uint32 { return CodeUsecountOK }
func (m *UsecountOK) MarshalBody() []byte {
	e := enc{}
	e.u16(m.Usecount)
	return e.b
}

func (m *UsecountError) Code() uint32 { return CodeUsecountError }
func (m *UsecountError) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Err)
	e.str(m.Message)
	return e.b
}

func (m *StatusOK) Code() uint32 { return CodeStatusOK }
func (m *StatusOK) MarshalBody() []byte {
	e := enc{}
	e.u64(m.Ctime)
	for _, s := range []OverallStatus{m.Meta, m.Store} {
		e.u32(s.ChunksizeBits)
		e.u64(s.Used)
		e.u64(s.Free)
	}
	var columns uint32
	for _, row := range m.Rows {
		if n := uint32(len(row.Counts)); n > columns {
			columns = n
		}
	}
	e.u32(uint32(len(m.Rows)))
	e.u32(columns)
	for _, row := range m.Rows {
		e.u64(row.Ctime)
		e.u32(row.Snap)
		for i := uint32(0); i < columns; i++ {
			if int(i) < len(row.Counts) {
				e.u64(row.Counts[i])
			} else {
				e.u64(0)
			}
		}
	}
	return e.b
}

func (m *StatusError) Code() uint32 { return CodeStatusError }
func (m *StatusError) MarshalBody() []byte {
	e := enc{}
	e.str(m.Message)
	return e.b
}

func (m *SnapshotState) Code() uint32 { return CodeSnapshotState }
func (m *SnapshotState) MarshalBody() []byte {
	e := enc{}
	e.u32(m.Snap)
	e.u32(m.State)
	return e.b
}

func (m *OriginSectors) Code() uint32 { return CodeOriginSectors }
func (m *OriginSectors) MarshalBody() []byte {
	e := enc{}
	e.u64(m.Count)
	return e.b
}

func (m *StreamChangelistOK) Code() uint32 { return CodeStreamChangelistOK }
func (m *StreamChangelistOK) MarshalBody() []byte {
	e := enc{}
	e.u64(uint64(len(m.Chunks)))
	e.u32(m.ChunksizeBits)
	for _, c := range m.Chunks {
		e.u64(c)
	}
	return e.b
}

func (m *StreamChangelistError) Code() uint32 { return CodeStreamChangelistError }
func (m *StreamChangelistError) MarshalBody() []byte {
	e := enc{}
	e.str(m.Message)
	return e.b
}

func (m *ServerReady) Code() uint32 { return CodeServerReady }
func (m *ServerReady) MarshalBody() []byte {
	e := enc{}
	e.u32(1) // AF_UNIX
	e.u32(uint32(len(m.SocketPath) + 1))
	e.str(m.SocketPath)
	return e.b
}

// ============================================================================
// Decode
// ============================================================================

// Decode turns (code, body) into a typed message. Unknown codes come back
// as *Unknown rather than an error so the dispatcher can answer them.
func Decode(code uint32, body []byte) (Message, error) {
	d := dec{b: body}
	var m Message
	switch code {
	case CodeIdentify:
		m = &Identify{ID: d.u64(), Snap: d.u32(), Off: d.u64(), Len: d.u64()}
	case CodeQueryWrite:
		m = &QueryWrite{ID: d.u32(), Ranges: d.ranges()}
	case CodeQuerySnapshotRead:
		m = &QuerySnapshotRead{ID: d.u32(), Ranges: d.ranges()}
	case CodeFinishSnapshotRead:
		m = &FinishSnapshotRead{ID: d.u32(), Ranges: d.ranges()}
	case CodeCreateSnapshot:
		m = &CreateSnapshot{Snap: d.u32()}
	case CodeDeleteSnapshot:
		m = &DeleteSnapshot{Snap: d.u32()}
	case CodeListSnapshots:
		m = &ListSnapshots{}
	case CodePriority:
		m = &Priority{Snap: d.u32(), Prio: int8(d.u8())}
	case CodeUsecount:
		m = &Usecount{Snap: d.u32(), UsecntDev: int32(d.u32())}
	case CodeStatus:
		m = &Status{Snap: d.u32()}
	case CodeRequestSnapshotState:
		m = &RequestSnapshotState{Snap: d.u32()}
	case CodeRequestOriginSectors:
		m = &RequestOriginSectors{}
	case CodeStreamChangelist:
		m = &StreamChangelist{Snap1: d.u32(), Snap2: d.u32()}
	case CodeStartServer:
		m = &StartServer{}
	case CodeShutdownServer:
		m = &ShutdownServer{}
	case CodeProtocolError:
		m = &ProtocolError{Err: d.u32(), Culprit: d.u32(), Message: d.str()}
	case CodeIdentifyOK:
		m = &IdentifyOK{ChunksizeBits: d.u32()}
	case CodeIdentifyError:
		m = &IdentifyError{Err: d.u32(), Message: d.str()}
	case CodeOriginWriteOK:
		m = &OriginWriteOK{ID: d.u32(), Ranges: d.ranges()}
	case CodeOriginWriteError:
		m = &OriginWriteError{ID: d.u32(), Ranges: d.ranges()}
	case CodeSnapshotWriteOK:
		m = &SnapshotWriteOK{ID: d.u32(), Ranges: d.rangeExcs()}
	case CodeSnapshotWriteError:
		m = &SnapshotWriteError{ID: d.u32(), Ranges: d.rangeExcs()}
	case CodeSnapshotReadOK:
		m = &SnapshotReadOK{ID: d.u32(), Ranges: d.rangeExcs()}
	case CodeSnapshotReadError:
		m = &SnapshotReadError{ID: d.u32(), Ranges: d.rangeExcs()}
	case CodeSnapshotReadOriginOK:
		m = &SnapshotReadOriginOK{ID: d.u32(), Ranges: d.ranges()}
	case CodeCreateSnapshotOK:
		m = &CreateSnapshotOK{}
	case CodeCreateSnapshotError:
		m = &CreateSnapshotError{}
	case CodeDeleteSnapshotOK:
		m = &DeleteSnapshotOK{}
	case CodeDeleteSnapshotError:
		m = &DeleteSnapshotError{}
	case CodeSnapshotList:
		n := int(d.u32())
		list := &SnapshotList{Snapshots: make([]SnapInfo, 0, n)}
		for i := 0; i < n && !d.fail; i++ {
			list.Snapshots = append(list.Snapshots, SnapInfo{
				Snap:   d.u32(),
				Prio:   int8(d.u8()),
				Usecnt: d.u16(),
				Ctime:  d.u64(),
			})
		}
		m = list
	case CodePriorityOK:
		m = &PriorityOK{Prio: int8(d.u8())}
	case CodePriorityError:
		m = &PriorityError{Err: d.u32(), Message: d.str()}
	case CodeUsecountOK:
		m = &UsecountOK{Usecount: d.u16()}
	case CodeUsecountError:
		m = &UsecountError{Err: d.u32(), Message: d.str()}
	case CodeStatusOK:
		s := &StatusOK{Ctime: d.u64()}
		s.Meta = OverallStatus{ChunksizeBits: d.u32(), Used: d.u64(), Free: d.u64()}
		s.Store = OverallStatus{ChunksizeBits: d.u32(), Used: d.u64(), Free: d.u64()}
		rows := int(d.u32())
		columns := int(d.u32())
		s.Rows = make([]StatusRow, 0, rows)
		for i := 0; i < rows && !d.fail; i++ {
			row := StatusRow{Ctime: d.u64(), Snap: d.u32()}
			row.Counts = make([]uint64, 0, columns)
			for j := 0; j < columns && !d.fail; j++ {
				row.Counts = append(row.Counts, d.u64())
			}
			s.Rows = append(s.Rows, row)
		}
		m = s
	case CodeStatusError:
		m = &StatusError{Message: d.str()}
	case CodeSnapshotState:
		m = &SnapshotState{Snap: d.u32(), State: d.u32()}
	case CodeOriginSectors:
		m = &OriginSectors{Count: d.u64()}
	case CodeStreamChangelistOK:
		count := int(d.u64())
		cl := &StreamChangelistOK{ChunksizeBits: d.u32()}
		cl.Chunks = make([]uint64, 0, count)
		for i := 0; i < count && !d.fail; i++ {
			cl.Chunks = append(cl.Chunks, d.u64())
		}
		m = cl
	case CodeStreamChangelistError:
		m = &StreamChangelistError{Message: d.str()}
	case CodeServerReady:
		d.u32() // address family
		d.u32() // path length
		m = &ServerReady{SocketPath: d.str()}
	default:
		return &Unknown{RawCode: code, Body: body}, nil
	}
	if err := d.done(); err != nil {
		return nil, fmt.Errorf("code %#x: %w", code, err)
	}
	return m, nil
}
