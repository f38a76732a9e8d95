// Package filter implements the fixed-field packet filter: a bitmask of
// enabled predicates evaluated against a capture header and its payload.
package filter

import (
	"math"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
)

// Bits selects which predicates participate in matching. Unset predicates
// are wildcards.
type Bits uint32

const (
	DstPort   Bits = 1 << 0
	SrcPort   Bits = 1 << 1
	IPDst     Bits = 1 << 2
	IPSrc     Bits = 1 << 3
	IPProto   Bits = 1 << 4
	EthDst    Bits = 1 << 5
	EthSrc    Bits = 1 << 6
	EthType   Bits = 1 << 7
	VLAN      Bits = 1 << 8
	Iface     Bits = 1 << 9
	MAMPid    Bits = 1 << 10
	EndTime   Bits = 1 << 11
	StartTime Bits = 1 << 12
	Port      Bits = 1 << 13

	// local-only, never sent over the wire
	FrameNum   Bits = 1 << 14
	FrameMaxDT Bits = 1 << 15

	localBits = FrameNum | FrameMaxDT
	linkBits  = VLAN | EthType | EthSrc | EthDst
	netBits   = IPProto | IPSrc | IPDst
	portBits  = SrcPort | DstPort | Port
)

// Mode combines the enabled predicates.
type Mode uint8

const (
	ModeAnd Mode = 1
	ModeOr  Mode = 2
)

func (m Mode) String() string {
	if m == ModeOr {
		return "OR"
	}
	return "AND"
}

// NoCaplen means the filter does not limit the stored length.
const NoCaplen uint32 = math.MaxUint32

// FrameRange is an inclusive range of frame numbers, counted from 1. A bound
// of -1 is open.
type FrameRange struct {
	Lower int
	Upper int
}

func (r FrameRange) contains(n int) bool {
	return (r.Lower < 0 || n >= r.Lower) && (r.Upper < 0 || n <= r.Upper)
}

// Filter holds the predicate values. Values are stored already masked.
type Filter struct {
	ID       uint32
	Version  uint32
	Mode     Mode
	Index    Bits
	Consumer uint32
	Caplen   uint32
	Dest     address.Address

	StartTime picotime.Time
	EndTime   picotime.Time
	MAMPid    [8]byte
	Iface     [8]byte

	VLANTCI     uint16
	VLANTCIMask uint16
	EthType     uint16
	EthTypeMask uint16
	EthSrc      [6]byte
	EthSrcMask  [6]byte
	EthDst      [6]byte
	EthDstMask  [6]byte

	IPProto   uint8
	IPSrc     [4]byte
	IPSrcMask [4]byte
	IPDst     [4]byte
	IPDstMask [4]byte

	SrcPort     uint16
	SrcPortMask uint16
	DstPort     uint16
	DstPortMask uint16
	Port        uint16
	PortMask    uint16

	FrameNum   []FrameRange
	FrameMaxDT picotime.Time

	frame    int
	last     picotime.Time
	haveLast bool
	expired  bool
	hdr      *headers
}

// New returns a filter that matches everything.
func New() *Filter {
	return &Filter{Mode: ModeAnd, Caplen: NoCaplen}
}

// Reset clears the frame counter and interarrival state.
func (f *Filter) Reset() {
	f.frame = 0
	f.haveLast = false
	f.expired = false
}

// ApplyCaplen lowers the stored length of h to the filter caplen.
func (f *Filter) ApplyCaplen(h *capfile.CaptureHeader) {
	if f.Caplen != NoCaplen {
		h.Truncate(f.Caplen)
	}
}

type predicate struct {
	bit   Bits
	match func(f *Filter, h *capfile.CaptureHeader, hdr *headers) bool
}

var predicates = []predicate{
	{StartTime, func(f *Filter, h *capfile.CaptureHeader, _ *headers) bool {
		return !h.Timestamp.Before(f.StartTime)
	}},
	{EndTime, func(f *Filter, h *capfile.CaptureHeader, _ *headers) bool {
		return h.Timestamp.Before(f.EndTime)
	}},
	{MAMPid, func(f *Filter, h *capfile.CaptureHeader, _ *headers) bool {
		return cstrEqual(f.MAMPid[:], h.MAMPid[:])
	}},
	{Iface, func(f *Filter, h *capfile.CaptureHeader, _ *headers) bool {
		return cstrEqual(f.Iface[:], h.Iface[:])
	}},
	{VLAN, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasVLAN && hdr.vlanTCI()&f.VLANTCIMask == f.VLANTCI
	}},
	{EthType, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasEth && hdr.ethType()&f.EthTypeMask == f.EthType
	}},
	{EthSrc, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasEth && maskedEqual(hdr.eth.SrcMAC, f.EthSrcMask[:], f.EthSrc[:])
	}},
	{EthDst, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasEth && maskedEqual(hdr.eth.DstMAC, f.EthDstMask[:], f.EthDst[:])
	}},
	{IPProto, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasIPv4 && uint8(hdr.ip4.Protocol) == f.IPProto
	}},
	{IPSrc, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasIPv4 && maskedEqual(hdr.ip4.SrcIP.To4(), f.IPSrcMask[:], f.IPSrc[:])
	}},
	{IPDst, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		return hdr.hasIPv4 && maskedEqual(hdr.ip4.DstIP.To4(), f.IPDstMask[:], f.IPDst[:])
	}},
	{SrcPort, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		src, _, ok := hdr.ports()
		return ok && src&f.SrcPortMask == f.SrcPort
	}},
	{DstPort, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		_, dst, ok := hdr.ports()
		return ok && dst&f.DstPortMask == f.DstPort
	}},
	{Port, func(f *Filter, _ *capfile.CaptureHeader, hdr *headers) bool {
		src, dst, ok := hdr.ports()
		return ok && (src&f.PortMask == f.Port || dst&f.PortMask == f.Port)
	}},
}

// Match reports whether the packet passes the filter. The frame counter and
// interarrival gate make Match stateful; a Filter must not be shared between
// goroutines.
func (f *Filter) Match(h *capfile.CaptureHeader, payload []byte) bool {
	if f.Index == 0 {
		return true
	}
	f.frame++

	if core := f.Index &^ localBits; core != 0 && !f.matchCore(core, h, payload) {
		return false
	}
	if f.Index&FrameNum != 0 && !f.matchFrameNum() {
		return false
	}
	if f.Index&FrameMaxDT != 0 {
		return f.matchMaxDT(h.Timestamp)
	}
	return true
}

func (f *Filter) matchCore(core Bits, h *capfile.CaptureHeader, payload []byte) bool {
	var hdr *headers
	if core&(linkBits|netBits|portBits) != 0 {
		if f.hdr == nil {
			f.hdr = newHeaders()
		}
		hdr = f.hdr
		hdr.decode(payload)
	}

	or := f.Mode == ModeOr
	for _, p := range predicates {
		if core&p.bit == 0 {
			continue
		}
		m := p.match(f, h, hdr)
		if or && m {
			return true
		}
		if !or && !m {
			return false
		}
	}
	return !or
}

func (f *Filter) matchFrameNum() bool {
	for _, r := range f.FrameNum {
		if r.contains(f.frame) {
			return true
		}
	}
	return false
}

// matchMaxDT rejects every packet once the gap to the previous accepted
// packet exceeds FrameMaxDT.
func (f *Filter) matchMaxDT(ts picotime.Time) bool {
	if f.expired {
		return false
	}
	if f.haveLast && ts.Sub(f.last).After(f.FrameMaxDT) {
		f.expired = true
		return false
	}
	f.last = ts
	f.haveLast = true
	return true
}

func cstrEqual(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return false
		}
		if a[i] == 0 {
			return true
		}
	}
	return true
}

func maskedEqual(v, mask, want []byte) bool {
	if len(v) != len(mask) {
		return false
	}
	for i := range v {
		if v[i]&mask[i] != want[i] {
			return false
		}
	}
	return true
}
