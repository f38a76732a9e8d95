package capfile

import (
	"encoding/binary"
	"fmt"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
)

// CaptureHeader is the envelope preceding every stored frame.
type CaptureHeader struct {
	Iface     [8]byte
	MAMPid    [8]byte
	Timestamp picotime.Time
	Len       uint32 // wire length
	Caplen    uint32 // stored bytes
}

// Packet is a decoded capture record.
type Packet struct {
	Header  CaptureHeader
	Payload []byte
}

// Size is the encoded length of the record.
func (p *Packet) Size() int {
	return CaptureHeaderSize + int(p.Header.Caplen)
}

// Clone returns a copy whose payload does not alias any read buffer.
func (p *Packet) Clone() Packet {
	c := Packet{Header: p.Header, Payload: make([]byte, len(p.Payload))}
	copy(c.Payload, p.Payload)
	return c
}

func (h *CaptureHeader) IfaceString() string  { return cString(h.Iface[:]) }
func (h *CaptureHeader) MAMPidString() string { return cString(h.MAMPid[:]) }

func (h *CaptureHeader) SetIface(s string) {
	h.Iface = [8]byte{}
	copy(h.Iface[:], s)
}

func (h *CaptureHeader) SetMAMPid(s string) {
	h.MAMPid = [8]byte{}
	copy(h.MAMPid[:], s)
}

// Truncate lowers Caplen to caplen when it is smaller. Zero means no limit.
func (h *CaptureHeader) Truncate(caplen uint32) {
	if caplen > 0 && caplen < h.Caplen {
		h.Caplen = caplen
	}
}

// DecodeCaptureHeader parses the fixed part of a capture record.
func DecodeCaptureHeader(b []byte) (CaptureHeader, error) {
	var h CaptureHeader
	if len(b) < CaptureHeaderSize {
		return h, fmt.Errorf("%w: capture header needs %d bytes, have %d", caperr.ErrTruncated, CaptureHeaderSize, len(b))
	}
	copy(h.Iface[:], b[0:8])
	copy(h.MAMPid[:], b[8:16])
	h.Timestamp.Sec = binary.LittleEndian.Uint32(b[16:20])
	h.Timestamp.Psec = binary.LittleEndian.Uint64(b[20:28])
	h.Len = binary.LittleEndian.Uint32(b[28:32])
	h.Caplen = binary.LittleEndian.Uint32(b[32:36])
	return h, nil
}

// Put writes the header into the first CaptureHeaderSize bytes of b.
func (h *CaptureHeader) Put(b []byte) {
	_ = b[CaptureHeaderSize-1]
	copy(b[0:8], h.Iface[:])
	copy(b[8:16], h.MAMPid[:])
	binary.LittleEndian.PutUint32(b[16:20], h.Timestamp.Sec)
	binary.LittleEndian.PutUint64(b[20:28], h.Timestamp.Psec)
	binary.LittleEndian.PutUint32(b[28:32], h.Len)
	binary.LittleEndian.PutUint32(b[32:36], h.Caplen)
}

// DecodePacket parses one record from b and returns it together with the
// number of bytes consumed. The payload aliases b. A zero caplen is reported
// as ErrDesync with the header size consumed so callers can skip it.
func DecodePacket(b []byte) (Packet, int, error) {
	h, err := DecodeCaptureHeader(b)
	if err != nil {
		return Packet{}, 0, err
	}
	if h.Caplen == 0 {
		return Packet{Header: h}, CaptureHeaderSize, fmt.Errorf("%w: caplen is zero", caperr.ErrDesync)
	}
	size := CaptureHeaderSize + int(h.Caplen)
	if len(b) < size {
		return Packet{}, 0, fmt.Errorf("%w: record needs %d bytes, have %d", caperr.ErrTruncated, size, len(b))
	}
	return Packet{Header: h, Payload: b[CaptureHeaderSize:size:size]}, size, nil
}

// EncodePacket returns the encoded record: the header followed by exactly
// Caplen payload bytes.
func EncodePacket(h CaptureHeader, payload []byte) ([]byte, error) {
	return AppendPacket(nil, h, payload)
}

// AppendPacket appends the encoded record to dst.
func AppendPacket(dst []byte, h CaptureHeader, payload []byte) ([]byte, error) {
	if int(h.Caplen) > len(payload) {
		return dst, fmt.Errorf("%w: caplen %d exceeds payload of %d bytes", caperr.ErrInvalidArgument, h.Caplen, len(payload))
	}
	if h.Caplen > h.Len {
		return dst, fmt.Errorf("%w: caplen %d exceeds len %d", caperr.ErrInvalidArgument, h.Caplen, h.Len)
	}
	off := len(dst)
	dst = append(dst, make([]byte, CaptureHeaderSize)...)
	h.Put(dst[off:])
	return append(dst, payload[:h.Caplen]...), nil
}
