package filter

import (
	"bytes"
	"fmt"
	"net"

	"github.com/lunixbochs/struc"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
)

// PackedSize is the length of a filter on the wire.
const PackedSize = 216

// packed is the network form exchanged with MArCd. Multi-byte fields are big
// endian. The 16 byte address fields carry dotted-quad strings for peers that
// predate the binary address fields.
type packed struct {
	FilterID    uint32
	Index       uint32
	Iface       [8]byte
	VLANTCI     uint16
	EthType     uint16
	EthSrc      [6]byte
	EthDst      [6]byte
	IPProto     uint8
	LegacySrc   [16]byte
	LegacyDst   [16]byte
	SrcPort     uint16
	DstPort     uint16
	VLANTCIMask uint16
	EthTypeMask uint16
	EthSrcMask  [6]byte
	EthDstMask  [6]byte
	LegacySrcM  [16]byte
	LegacyDstM  [16]byte
	SrcPortMask uint16
	DstPortMask uint16
	Consumer    uint32
	Caplen      uint32
	Dest        [address.WireSize]byte

	Version   uint32
	StartSec  uint32
	StartPsec uint64
	EndSec    uint32
	EndPsec   uint64
	MAMPid    [8]byte
	IPSrc     [4]byte
	IPSrcMask [4]byte
	IPDst     [4]byte
	IPDstMask [4]byte
	Port      uint16
	PortMask  uint16
	Mode      uint8
}

// MarshalBinary encodes the filter for transmission. Local-only predicates
// are dropped.
func (f *Filter) MarshalBinary() ([]byte, error) {
	p := packed{
		FilterID:    f.ID,
		Index:       uint32(f.Index &^ localBits),
		Iface:       f.Iface,
		VLANTCI:     f.VLANTCI,
		EthType:     f.EthType,
		EthSrc:      f.EthSrc,
		EthDst:      f.EthDst,
		IPProto:     f.IPProto,
		SrcPort:     f.SrcPort,
		DstPort:     f.DstPort,
		VLANTCIMask: f.VLANTCIMask,
		EthTypeMask: f.EthTypeMask,
		EthSrcMask:  f.EthSrcMask,
		EthDstMask:  f.EthDstMask,
		SrcPortMask: f.SrcPortMask,
		DstPortMask: f.DstPortMask,
		Consumer:    f.Consumer,
		Caplen:      f.Caplen,
		Version:     f.Version,
		StartSec:    f.StartTime.Sec,
		StartPsec:   f.StartTime.Psec,
		EndSec:      f.EndTime.Sec,
		EndPsec:     f.EndTime.Psec,
		MAMPid:      f.MAMPid,
		IPSrc:       f.IPSrc,
		IPSrcMask:   f.IPSrcMask,
		IPDst:       f.IPDst,
		IPDstMask:   f.IPDstMask,
		Port:        f.Port,
		PortMask:    f.PortMask,
		Mode:        uint8(f.Mode),
	}
	copy(p.LegacySrc[:], dotted(f.IPSrc))
	copy(p.LegacyDst[:], dotted(f.IPDst))
	copy(p.LegacySrcM[:], dotted(f.IPSrcMask))
	copy(p.LegacyDstM[:], dotted(f.IPDstMask))

	dest, err := f.Dest.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(p.Dest[:], dest)

	var buf bytes.Buffer
	buf.Grow(PackedSize)
	if err := struc.Pack(&buf, &p); err != nil {
		return nil, fmt.Errorf("pack filter: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a filter received from a peer. Match state is
// reset.
func (f *Filter) UnmarshalBinary(b []byte) error {
	if len(b) < PackedSize {
		return fmt.Errorf("%w: filter needs %d bytes, have %d", caperr.ErrTruncated, PackedSize, len(b))
	}
	var p packed
	if err := struc.Unpack(bytes.NewReader(b[:PackedSize]), &p); err != nil {
		return fmt.Errorf("unpack filter: %w", err)
	}

	*f = Filter{
		ID:          p.FilterID,
		Version:     p.Version,
		Mode:        Mode(p.Mode),
		Index:       Bits(p.Index) &^ localBits,
		Consumer:    p.Consumer,
		Caplen:      p.Caplen,
		StartTime:   picotime.Time{Sec: p.StartSec, Psec: p.StartPsec},
		EndTime:     picotime.Time{Sec: p.EndSec, Psec: p.EndPsec},
		MAMPid:      p.MAMPid,
		Iface:       p.Iface,
		VLANTCI:     p.VLANTCI,
		VLANTCIMask: p.VLANTCIMask,
		EthType:     p.EthType,
		EthTypeMask: p.EthTypeMask,
		EthSrc:      p.EthSrc,
		EthSrcMask:  p.EthSrcMask,
		EthDst:      p.EthDst,
		EthDstMask:  p.EthDstMask,
		IPProto:     p.IPProto,
		IPSrc:       p.IPSrc,
		IPSrcMask:   p.IPSrcMask,
		IPDst:       p.IPDst,
		IPDstMask:   p.IPDstMask,
		SrcPort:     p.SrcPort,
		SrcPortMask: p.SrcPortMask,
		DstPort:     p.DstPort,
		DstPortMask: p.DstPortMask,
		Port:        p.Port,
		PortMask:    p.PortMask,
	}
	if f.Mode != ModeOr {
		f.Mode = ModeAnd
	}

	// peers without the binary address fields only fill the strings
	if p.Version == 0 {
		f.IPSrc = undotted(p.LegacySrc[:], f.IPSrc)
		f.IPDst = undotted(p.LegacyDst[:], f.IPDst)
		f.IPSrcMask = undotted(p.LegacySrcM[:], f.IPSrcMask)
		f.IPDstMask = undotted(p.LegacyDstM[:], f.IPDstMask)
	}

	return f.Dest.UnmarshalBinary(p.Dest[:])
}

func dotted(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

func undotted(s []byte, fallback [4]byte) [4]byte {
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	ip := net.ParseIP(string(s)).To4()
	if ip == nil {
		return fallback
	}
	var out [4]byte
	copy(out[:], ip)
	return out
}
