package marc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/lunixbochs/struc"

	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/dstat"
	"github.com/DPMI/libcap-utils-sub001/pkg/filter"
)

const (
	// MAMPidSize is the MAMPid field of every message.
	MAMPidSize = 16
	// PrefixSize covers the type tag and the MAMPid.
	PrefixSize = 4 + MAMPidSize
	// MaxPayload is the largest body following the prefix.
	MaxPayload = 1400
	// MaxMessageSize is the receive buffer every peer must provide.
	MaxMessageSize = PrefixSize + MaxPayload

	initSize       = 258
	initLegacySize = 242
	ciInitSize     = 8
	authSize       = 24
	filterIDSize   = 24
	filterMsgSize  = PrefixSize + filter.PackedSize
	statusFixed    = 32
	maxCIStats     = 1100
	status2Fixed   = 32
	ci2Size        = 20
	status3Fixed   = 36
	ci3Size        = 24
	controlSize    = PrefixSize
)

// Message is one MArC message. Size is the exact number of bytes put on
// the wire, which depends on the contents for some types.
type Message interface {
	Type() Event
	Size() int
	MarshalBinary() ([]byte, error)
}

// VersionEx is a {major, minor, micro} software version.
type VersionEx struct {
	Major uint8
	Minor uint8
	Micro uint8
}

func (v VersionEx) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

func (v VersionEx) bytes() [4]byte { return [4]byte{v.Major, v.Minor, v.Micro, 0} }

func versionEx(b [4]byte) VersionEx { return VersionEx{Major: b[0], Minor: b[1], Micro: b[2]} }

// Drivers is the capture driver bitmask announced at init.
type Drivers uint32

const (
	DriverRaw  Drivers = 1 << 0
	DriverPCAP Drivers = 1 << 1
	DriverDAG  Drivers = 1 << 2
)

// Init is sent by a measurement point after relay discovery.
type Init struct {
	HWAddr     net.HardwareAddr
	Hostname   string
	IP         net.IP
	Port       uint16
	MaxFilters uint16
	MAMPid     string
	Protocol   capfile.Version
	Caputils   VersionEx
	Self       VersionEx
	Drivers    Drivers
	MTU        uint16
	CI         []string

	// Legacy is set when the peer sent the short pre-0.7 layout.
	Legacy bool
}

type initWire struct {
	Type       uint32
	HWAddr     [6]byte
	Pad0       []byte `struc:"[2]pad"`
	Hostname   [200]byte
	IPAddress  [4]byte
	Port       uint16
	MaxFilters uint16
	NoCI       uint16
	MAMPid     [MAMPidSize]byte
	ProtoMajor uint16
	ProtoMinor uint16
	Caputils   [4]byte
	Self       [4]byte
	Drivers    uint32
	MTU        uint16
	Pad1       []byte `struc:"[2]pad"`
}

func (m *Init) Type() Event { return ControlInit }
func (m *Init) Size() int   { return initSize + ciInitSize*len(m.CI) }

func (m *Init) MarshalBinary() ([]byte, error) {
	w := initWire{
		Type:       uint32(ControlInit),
		Port:       m.Port,
		MaxFilters: m.MaxFilters,
		NoCI:       uint16(len(m.CI)),
		MAMPid:     mampid(m.MAMPid),
		ProtoMajor: m.Protocol.Major,
		ProtoMinor: m.Protocol.Minor,
		Caputils:   m.Caputils.bytes(),
		Self:       m.Self.bytes(),
		Drivers:    uint32(m.Drivers),
		MTU:        m.MTU,
	}
	copy(w.HWAddr[:], m.HWAddr)
	copy(w.Hostname[:len(w.Hostname)-1], m.Hostname)
	copy(w.IPAddress[:], m.IP.To4())

	var buf bytes.Buffer
	if err := struc.Pack(&buf, &w); err != nil {
		return nil, err
	}
	for _, ci := range m.CI {
		var name [ciInitSize]byte
		copy(name[:], ci)
		buf.Write(name[:])
	}
	return buf.Bytes(), nil
}

func decodeInit(b []byte) (*Init, error) {
	var w initWire
	if err := unpack(b, initSize, &w); err != nil {
		return nil, err
	}
	m := &Init{
		HWAddr:     append(net.HardwareAddr(nil), w.HWAddr[:]...),
		Hostname:   cstr(w.Hostname[:]),
		IP:         net.IPv4(w.IPAddress[0], w.IPAddress[1], w.IPAddress[2], w.IPAddress[3]).To4(),
		Port:       w.Port,
		MaxFilters: w.MaxFilters,
		MAMPid:     cstr(w.MAMPid[:]),
		Protocol:   capfile.Version{Major: w.ProtoMajor, Minor: w.ProtoMinor},
		Caputils:   versionEx(w.Caputils),
		Self:       versionEx(w.Self),
		Drivers:    Drivers(w.Drivers),
		MTU:        w.MTU,
		Legacy:     len(b) < initSize,
	}
	if m.Legacy {
		return m, nil
	}
	ci, err := fixedEntries(b[initSize:], int(w.NoCI), ciInitSize)
	if err != nil {
		return nil, err
	}
	for _, e := range ci {
		m.CI = append(m.CI, cstr(e))
	}
	return m, nil
}

// Auth authorizes a measurement point and names it.
type Auth struct {
	MAMPid  string
	Version capfile.Version
}

type authWire struct {
	Type   uint32
	MAMPid [MAMPidSize]byte
	Major  uint16
	Minor  uint16
}

func (m *Auth) Type() Event { return ControlAuthorize }
func (m *Auth) Size() int   { return authSize }

func (m *Auth) MarshalBinary() ([]byte, error) {
	return pack(&authWire{
		Type:   uint32(ControlAuthorize),
		MAMPid: mampid(m.MAMPid),
		Major:  m.Version.Major,
		Minor:  m.Version.Minor,
	})
}

func decodeAuth(b []byte) (*Auth, error) {
	var w authWire
	if err := unpack(b, authSize, &w); err != nil {
		return nil, err
	}
	return &Auth{MAMPid: cstr(w.MAMPid[:]), Version: capfile.Version{Major: w.Major, Minor: w.Minor}}, nil
}

// FilterID names a filter: requests, deletes, reloads and verifications
// all share this layout. ID AllFilters addresses every filter.
type FilterID struct {
	Event  Event
	MAMPid string
	ID     uint32
}

// AllFilters is the filter id of reload requests.
const AllFilters = 0xffffffff

type filterIDWire struct {
	Type   uint32
	MAMPid [MAMPidSize]byte
	ID     uint32
}

func (m *FilterID) Type() Event { return m.Event }
func (m *FilterID) Size() int   { return filterIDSize }

func (m *FilterID) MarshalBinary() ([]byte, error) {
	return pack(&filterIDWire{Type: uint32(m.Event), MAMPid: mampid(m.MAMPid), ID: m.ID})
}

func decodeFilterID(e Event, b []byte) (*FilterID, error) {
	var w filterIDWire
	if err := unpack(b, filterIDSize, &w); err != nil {
		return nil, err
	}
	return &FilterID{Event: e, MAMPid: cstr(w.MAMPid[:]), ID: w.ID}, nil
}

// FilterMsg carries a complete filter.
type FilterMsg struct {
	MAMPid string
	Filter *filter.Filter
}

func (m *FilterMsg) Type() Event { return Filter }
func (m *FilterMsg) Size() int   { return filterMsgSize }

func (m *FilterMsg) MarshalBinary() ([]byte, error) {
	if m.Filter == nil {
		return nil, fmt.Errorf("%w: filter message without filter", caperr.ErrInvalidArgument)
	}
	packed, err := m.Filter.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(prefix(Filter, m.MAMPid), packed...), nil
}

func decodeFilterMsg(b []byte) (*FilterMsg, error) {
	if len(b) < filterMsgSize {
		return nil, fmt.Errorf("%w: filter message of %d bytes", caperr.ErrTruncated, len(b))
	}
	f := filter.New()
	if err := f.UnmarshalBinary(b[PrefixSize:]); err != nil {
		return nil, err
	}
	return &FilterMsg{MAMPid: cstr(b[4:PrefixSize]), Filter: f}, nil
}

// StatusLegacy is the original status report with a free text interface
// summary.
type StatusLegacy struct {
	MAMPid    string
	NoFilters int32
	Matched   int32
	NoCI      int32
	CIStats   string
}

type statusLegacyWire struct {
	Type      uint32
	MAMPid    [MAMPidSize]byte
	NoFilters int32
	Matched   int32
	NoCI      int32
}

func (m *StatusLegacy) Type() Event { return Status }

func (m *StatusLegacy) Size() int {
	return statusFixed + min(len(m.CIStats), maxCIStats-1) + 1
}

func (m *StatusLegacy) MarshalBinary() ([]byte, error) {
	b, err := pack(&statusLegacyWire{
		Type:      uint32(Status),
		MAMPid:    mampid(m.MAMPid),
		NoFilters: m.NoFilters,
		Matched:   m.Matched,
		NoCI:      m.NoCI,
	})
	if err != nil {
		return nil, err
	}
	b = append(b, m.CIStats[:min(len(m.CIStats), maxCIStats-1)]...)
	return append(b, 0), nil
}

func decodeStatusLegacy(b []byte) (*StatusLegacy, error) {
	var w statusLegacyWire
	if err := unpack(b, statusFixed, &w); err != nil {
		return nil, err
	}
	m := &StatusLegacy{MAMPid: cstr(w.MAMPid[:]), NoFilters: w.NoFilters, Matched: w.Matched, NoCI: w.NoCI}
	if len(b) > statusFixed {
		m.CIStats = cstr(b[statusFixed:min(len(b), statusFixed+maxCIStats)])
	}
	return m, nil
}

// CIStats are the counters of one capture interface.
type CIStats struct {
	Iface       string
	Packets     uint32
	Matched     uint32
	Dropped     uint32 // extended reports only
	BufferUsage uint32
}

// StatusReport2 is the binary status report.
type StatusReport2 struct {
	MAMPid    string
	Packets   uint32
	Matched   uint32
	Status    uint8
	NoFilters uint8
	CI        []CIStats
}

type status2Wire struct {
	Type      uint32
	MAMPid    [MAMPidSize]byte
	Packets   uint32
	Matched   uint32
	Status    uint8
	NoFilters uint8
	NoCI      uint8
	Pad       []byte `struc:"[1]pad"`
}

type ci2Wire struct {
	Iface       [8]byte
	Packets     uint32
	Matched     uint32
	BufferUsage uint32
}

func (m *StatusReport2) Type() Event { return Status2 }
func (m *StatusReport2) Size() int   { return status2Fixed + ci2Size*len(m.CI) }

func (m *StatusReport2) MarshalBinary() ([]byte, error) {
	if len(m.CI) > 0xff {
		return nil, fmt.Errorf("%w: %d capture interfaces", caperr.ErrInvalidArgument, len(m.CI))
	}
	var buf bytes.Buffer
	hdr := status2Wire{
		Type:      uint32(Status2),
		MAMPid:    mampid(m.MAMPid),
		Packets:   m.Packets,
		Matched:   m.Matched,
		Status:    m.Status,
		NoFilters: m.NoFilters,
		NoCI:      uint8(len(m.CI)),
	}
	if err := struc.Pack(&buf, &hdr); err != nil {
		return nil, err
	}
	for _, ci := range m.CI {
		w := ci2Wire{Packets: ci.Packets, Matched: ci.Matched, BufferUsage: ci.BufferUsage}
		dstat.SetIface(&w.Iface, ci.Iface)
		if err := struc.Pack(&buf, &w); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeStatus2(b []byte) (*StatusReport2, error) {
	var w status2Wire
	if err := unpack(b, status2Fixed, &w); err != nil {
		return nil, err
	}
	m := &StatusReport2{MAMPid: cstr(w.MAMPid[:]), Packets: w.Packets, Matched: w.Matched, Status: w.Status, NoFilters: w.NoFilters}
	entries, err := fixedEntries(b[status2Fixed:], int(w.NoCI), ci2Size)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		var ci ci2Wire
		if err := unpack(e, ci2Size, &ci); err != nil {
			return nil, err
		}
		m.CI = append(m.CI, CIStats{Iface: cstr(ci.Iface[:]), Packets: ci.Packets, Matched: ci.Matched, BufferUsage: ci.BufferUsage})
	}
	return m, nil
}

// StatusReport3 extends StatusReport2 with drop counters.
type StatusReport3 struct {
	MAMPid    string
	Packets   uint32
	Matched   uint32
	Dropped   uint32
	Status    uint8
	NoFilters uint8
	CI        []CIStats
}

type status3Wire struct {
	Type      uint32
	MAMPid    [MAMPidSize]byte
	Packets   uint32
	Matched   uint32
	Dropped   uint32
	Status    uint8
	NoFilters uint8
	NoCI      uint8
	Pad       []byte `struc:"[1]pad"`
}

type ci3Wire struct {
	Iface       [8]byte
	Packets     uint32
	Matched     uint32
	Dropped     uint32
	BufferUsage uint32
}

func (m *StatusReport3) Type() Event { return Status3 }
func (m *StatusReport3) Size() int   { return status3Fixed + ci3Size*len(m.CI) }

func (m *StatusReport3) MarshalBinary() ([]byte, error) {
	if len(m.CI) > 0xff {
		return nil, fmt.Errorf("%w: %d capture interfaces", caperr.ErrInvalidArgument, len(m.CI))
	}
	var buf bytes.Buffer
	hdr := status3Wire{
		Type:      uint32(Status3),
		MAMPid:    mampid(m.MAMPid),
		Packets:   m.Packets,
		Matched:   m.Matched,
		Dropped:   m.Dropped,
		Status:    m.Status,
		NoFilters: m.NoFilters,
		NoCI:      uint8(len(m.CI)),
	}
	if err := struc.Pack(&buf, &hdr); err != nil {
		return nil, err
	}
	for _, ci := range m.CI {
		w := ci3Wire{Packets: ci.Packets, Matched: ci.Matched, Dropped: ci.Dropped, BufferUsage: ci.BufferUsage}
		dstat.SetIface(&w.Iface, ci.Iface)
		if err := struc.Pack(&buf, &w); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeStatus3(b []byte) (*StatusReport3, error) {
	var w status3Wire
	if err := unpack(b, status3Fixed, &w); err != nil {
		return nil, err
	}
	m := &StatusReport3{MAMPid: cstr(w.MAMPid[:]), Packets: w.Packets, Matched: w.Matched, Dropped: w.Dropped, Status: w.Status, NoFilters: w.NoFilters}
	entries, err := fixedEntries(b[status3Fixed:], int(w.NoCI), ci3Size)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		var ci ci3Wire
		if err := unpack(e, ci3Size, &ci); err != nil {
			return nil, err
		}
		m.CI = append(m.CI, CIStats{Iface: cstr(ci.Iface[:]), Packets: ci.Packets, Matched: ci.Matched, Dropped: ci.Dropped, BufferUsage: ci.BufferUsage})
	}
	return m, nil
}

// DStatReport carries a statistics record chain, see package dstat.
type DStatReport struct {
	MAMPid string
	Chain  []byte
}

func (m *DStatReport) Type() Event { return DStat }

// Size is only meaningful for a well formed chain.
func (m *DStatReport) Size() int {
	n, err := dstat.TotalSize(m.Chain)
	if err != nil {
		return PrefixSize
	}
	return PrefixSize + n
}

func (m *DStatReport) MarshalBinary() ([]byte, error) {
	n, err := dstat.TotalSize(m.Chain)
	if err != nil {
		return nil, err
	}
	if n > MaxPayload {
		return nil, fmt.Errorf("%w: statistics chain of %d bytes", caperr.ErrInvalidArgument, n)
	}
	return append(prefix(DStat, m.MAMPid), m.Chain[:n]...), nil
}

// Records walks the chain.
func (m *DStatReport) Records() *dstat.Walker {
	return dstat.NewWalker(m.Chain)
}

func decodeDStat(b []byte) (*DStatReport, error) {
	if len(b) < PrefixSize {
		return nil, fmt.Errorf("%w: dstat message of %d bytes", caperr.ErrTruncated, len(b))
	}
	n, err := dstat.TotalSize(b[PrefixSize:])
	if err != nil {
		return nil, err
	}
	chain := make([]byte, n)
	copy(chain, b[PrefixSize:])
	return &DStatReport{MAMPid: cstr(b[4:PrefixSize]), Chain: chain}, nil
}

// Control is a message without body: terminate, stop, start, distress,
// ping and the flush and authorization requests.
type Control struct {
	Event  Event
	MAMPid string
}

func (m *Control) Type() Event { return m.Event }
func (m *Control) Size() int   { return controlSize }

func (m *Control) MarshalBinary() ([]byte, error) {
	return prefix(m.Event, m.MAMPid), nil
}

// InvalidID answers a request for a filter that does not exist. Only the
// type is sent.
type InvalidID struct{}

func (m *InvalidID) Type() Event { return FilterInvalidID }
func (m *InvalidID) Size() int   { return 4 }

func (m *InvalidID) MarshalBinary() ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(FilterInvalidID)), nil
}

// Raw is any message this package has no layout for, legacy codes
// included. Data follows the type tag.
type Raw struct {
	Event Event
	Data  []byte
}

func (m *Raw) Type() Event { return m.Event }
func (m *Raw) Size() int   { return 4 + len(m.Data) }

func (m *Raw) MarshalBinary() ([]byte, error) {
	return append(binary.BigEndian.AppendUint32(nil, uint32(m.Event)), m.Data...), nil
}

// MAMPid returns the MAMPid field of a raw message, if it has one.
func (m *Raw) MAMPid() string {
	return cstr(m.Data[:min(len(m.Data), MAMPidSize)])
}

// Decode parses one received message according to its type tag.
func Decode(b []byte) (Message, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: message of %d bytes", caperr.ErrTruncated, len(b))
	}
	return decodeAs(Event(binary.BigEndian.Uint32(b)), b)
}

// decodeAs parses b as event e regardless of its tag.
func decodeAs(e Event, b []byte) (Message, error) {
	switch e {
	case ControlInit:
		return decodeInit(b)
	case ControlAuthorize:
		return decodeAuth(b)
	case Status:
		return decodeStatusLegacy(b)
	case Status2:
		return decodeStatus2(b)
	case Status3:
		return decodeStatus3(b)
	case DStat:
		return decodeDStat(b)
	case Filter:
		return decodeFilterMsg(b)
	case FilterRequest, FilterReload, FilterDel, FilterVerify, FilterVerifyAll:
		return decodeFilterID(e, b)
	case FilterInvalidID:
		return &InvalidID{}, nil
	case ControlAuthorizeRequest, ControlTerminate, ControlFlush, ControlFlushAll,
		ControlDistress, ControlStop, ControlStart, ControlPing:
		return &Control{Event: e, MAMPid: cstr(b[4:min(len(b), PrefixSize)])}, nil
	}
	return &Raw{Event: e, Data: append([]byte(nil), b[4:]...)}, nil
}

// MessageMAMPid returns the MAMPid a message carries, if any.
func MessageMAMPid(m Message) string {
	switch m := m.(type) {
	case *Init:
		return m.MAMPid
	case *Auth:
		return m.MAMPid
	case *FilterID:
		return m.MAMPid
	case *FilterMsg:
		return m.MAMPid
	case *StatusLegacy:
		return m.MAMPid
	case *StatusReport2:
		return m.MAMPid
	case *StatusReport3:
		return m.MAMPid
	case *DStatReport:
		return m.MAMPid
	case *Control:
		return m.MAMPid
	case *Raw:
		return m.MAMPid()
	}
	return ""
}

func prefix(e Event, id string) []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, PrefixSize), uint32(e))
	m := mampid(id)
	return append(b, m[:]...)
}

func pack(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpack decodes the fixed part of a message. Short input is zero filled,
// the way peers that omit trailing fields expect.
func unpack(b []byte, size int, v any) error {
	if len(b) < size {
		padded := make([]byte, size)
		copy(padded, b)
		b = padded
	}
	return struc.Unpack(bytes.NewReader(b[:size]), v)
}

// fixedEntries splits the first n entries of size bytes off b.
func fixedEntries(b []byte, n, size int) ([][]byte, error) {
	if n*size > len(b) {
		return nil, fmt.Errorf("%w: %d entries of %d bytes announced, %d bytes received", caperr.ErrProtocolViolation, n, size, len(b))
	}
	out := make([][]byte, n)
	for i := range out {
		out[i] = b[i*size : (i+1)*size]
	}
	return out, nil
}

func mampid(s string) [MAMPidSize]byte {
	var m [MAMPidSize]byte
	copy(m[:], s)
	return m
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
