package capfile

import (
	"encoding/binary"
	"fmt"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
)

// SendHeader prefixes every frame of a network stream. All fields travel in
// network byte order.
type SendHeader struct {
	Sequence uint32
	Packets  uint32
	Flush    uint32
	Version  Version
}

// Flushed reports whether the sender marked this as its final frame.
func (s *SendHeader) Flushed() bool {
	return s.Flush == 1
}

func DecodeSendHeader(b []byte) (SendHeader, error) {
	var s SendHeader
	if len(b) < SendHeaderSize {
		return s, fmt.Errorf("%w: send header needs %d bytes, have %d", caperr.ErrTruncated, SendHeaderSize, len(b))
	}
	s.Sequence = binary.BigEndian.Uint32(b[0:4])
	s.Packets = binary.BigEndian.Uint32(b[4:8])
	s.Flush = binary.BigEndian.Uint32(b[8:12])
	s.Version.Major = binary.BigEndian.Uint16(b[12:14])
	s.Version.Minor = binary.BigEndian.Uint16(b[14:16])
	return s, nil
}

func (s *SendHeader) Put(b []byte) {
	_ = b[SendHeaderSize-1]
	binary.BigEndian.PutUint32(b[0:4], s.Sequence)
	binary.BigEndian.PutUint32(b[4:8], s.Packets)
	binary.BigEndian.PutUint32(b[8:12], s.Flush)
	binary.BigEndian.PutUint16(b[12:14], s.Version.Major)
	binary.BigEndian.PutUint16(b[14:16], s.Version.Minor)
}
