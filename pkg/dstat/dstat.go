// Package dstat walks and builds the statistics record chain carried by
// DStat reports. Every record starts with a big-endian {type u16, len u16}
// header where len covers the whole record, and the chain ends with a
// trailer record.
package dstat

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// Type identifies a record.
type Type uint16

const (
	Trailer Type = iota
	TypeSummary
	TypeIface
	TypeDAG
	TypeDAGVersion
)

func (t Type) String() string {
	switch t {
	case Trailer:
		return "trailer"
	case TypeSummary:
		return "summary"
	case TypeIface:
		return "iface"
	case TypeDAG:
		return "dag"
	case TypeDAGVersion:
		return "dag-version"
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// HeaderSize is the length of the record header, and of the trailer.
const HeaderSize = 4

// DAG flags
const (
	ClockSync uint32 = 1 << 0
	LinkA     uint32 = 1 << 1
	LinkB     uint32 = 1 << 2
	VarLen    uint32 = 1 << 3
)

// Summary holds the overall counters of a measurement point.
type Summary struct {
	MTU          uint16
	Res1         []byte `struc:"[2]pad"`
	PacketCount  uint32
	MatchedCount uint32
	DroppedCount uint32
	Status       uint8
	NoFilters    uint8
	NoCI         uint8
	Res2         []byte `struc:"[1]pad"`
}

// Iface holds the counters of one capture interface.
type Iface struct {
	Iface        [8]byte
	PacketCount  uint32
	MatchedCount uint32
	DroppedCount uint32
	BufferUsage  uint32
}

// DAG holds the extra counters of a DAG capture card.
type DAG struct {
	Iface    [8]byte
	Flags    uint32
	RxErrors uint32
	DsErrors uint32
	Trunc    uint32
	Snaplen  uint16
	Res1     []byte `struc:"[2]pad"`
}

// DAGVersion names the DAG hardware and driver.
type DAGVersion struct {
	Hardware [12]byte
	Driver   [12]byte
}

// Record is one entry of a chain. Body excludes the header.
type Record struct {
	Type Type
	Len  uint16
	Body []byte
}

// Decode unpacks the body into its typed form: *Summary, *Iface, *DAG or
// *DAGVersion.
func (r Record) Decode() (any, error) {
	var v any
	switch r.Type {
	case TypeSummary:
		v = &Summary{}
	case TypeIface:
		v = &Iface{}
	case TypeDAG:
		v = &DAG{}
	case TypeDAGVersion:
		v = &DAGVersion{}
	default:
		return nil, fmt.Errorf("%w: unknown dstat record %s", caperr.ErrProtocolViolation, r.Type)
	}
	size, err := struc.Sizeof(v)
	if err != nil {
		return nil, err
	}
	if len(r.Body) < size {
		return nil, fmt.Errorf("%w: %s record needs %d bytes, have %d", caperr.ErrProtocolViolation, r.Type, size, len(r.Body))
	}
	if err := struc.Unpack(bytes.NewReader(r.Body), v); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", r.Type, err)
	}
	return v, nil
}

// Walker iterates over a received chain. It never reads past the trailer or
// the end of the buffer.
type Walker struct {
	buf  []byte
	off  int
	done bool
	err  error
}

func NewWalker(b []byte) *Walker {
	return &Walker{buf: b}
}

// Next returns the next record. It returns false at the trailer or when the
// chain is malformed; Err tells the two apart.
func (w *Walker) Next() (Record, bool) {
	if w.done {
		return Record{}, false
	}
	rest := w.buf[w.off:]
	if len(rest) < HeaderSize {
		return w.fail("record header at offset %d is truncated", w.off)
	}

	rec := Record{
		Type: Type(binary.BigEndian.Uint16(rest[0:2])),
		Len:  binary.BigEndian.Uint16(rest[2:4]),
	}
	if rec.Type == Trailer {
		w.done = true
		return Record{}, false
	}
	if rec.Len < HeaderSize || int(rec.Len) > len(rest) {
		return w.fail("%s record at offset %d has length %d, %d bytes left", rec.Type, w.off, rec.Len, len(rest))
	}

	rec.Body = rest[HeaderSize:rec.Len]
	w.off += int(rec.Len)
	return rec, true
}

func (w *Walker) fail(format string, args ...any) (Record, bool) {
	w.done = true
	w.err = fmt.Errorf("%w: "+format, append([]any{caperr.ErrProtocolViolation}, args...)...)
	return Record{}, false
}

// Err returns the error that stopped the walk, if any.
func (w *Walker) Err() error {
	return w.err
}

// Offset is the position of the next unread record.
func (w *Walker) Offset() int {
	return w.off
}

// TotalSize returns the length of the chain in b up to and including the
// trailer header.
func TotalSize(b []byte) (int, error) {
	w := NewWalker(b)
	for {
		if _, ok := w.Next(); !ok {
			break
		}
	}
	if err := w.Err(); err != nil {
		return 0, err
	}
	return w.Offset() + HeaderSize, nil
}

// Builder appends records to a chain.
type Builder struct {
	buf bytes.Buffer
	err error
}

func (b *Builder) add(t Type, v any) *Builder {
	if b.err != nil {
		return b
	}
	size, err := struc.Sizeof(v)
	if err != nil {
		b.err = err
		return b
	}
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(t))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(HeaderSize+size))
	b.buf.Write(hdr[:])
	b.err = struc.Pack(&b.buf, v)
	return b
}

func (b *Builder) Summary(s Summary) *Builder       { return b.add(TypeSummary, &s) }
func (b *Builder) Iface(i Iface) *Builder           { return b.add(TypeIface, &i) }
func (b *Builder) DAG(d DAG) *Builder               { return b.add(TypeDAG, &d) }
func (b *Builder) DAGVersion(v DAGVersion) *Builder { return b.add(TypeDAGVersion, &v) }

// Bytes returns the chain terminated by a trailer.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, b.buf.Len()+HeaderSize)
	copy(out, b.buf.Bytes())
	binary.BigEndian.PutUint16(out[len(out)-2:], HeaderSize)
	return out, nil
}

// SetIface stores name in a fixed interface field.
func SetIface(dst *[8]byte, name string) {
	*dst = [8]byte{}
	copy(dst[:], name)
}

// String returns the NUL terminated prefix of a fixed field.
func String(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
