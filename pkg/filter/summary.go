package filter

import (
	"bytes"
	"fmt"
	"net"
	"strings"
)

// Summary is a printable view of the enabled predicates. Disabled predicates
// are left empty.
type Summary struct {
	ID         uint32   `yaml:"id"`
	Mode       string   `yaml:"mode"`
	Index      string   `yaml:"index"`
	Caplen     *uint32  `yaml:"caplen,omitempty"`
	StartTime  string   `yaml:"start_time,omitempty"`
	EndTime    string   `yaml:"end_time,omitempty"`
	MAMPid     string   `yaml:"mampid,omitempty"`
	Iface      string   `yaml:"iface,omitempty"`
	VLAN       string   `yaml:"vlan,omitempty"`
	EthType    string   `yaml:"eth_type,omitempty"`
	EthSrc     string   `yaml:"eth_src,omitempty"`
	EthDst     string   `yaml:"eth_dst,omitempty"`
	IPProto    string   `yaml:"ip_proto,omitempty"`
	IPSrc      string   `yaml:"ip_src,omitempty"`
	IPDst      string   `yaml:"ip_dst,omitempty"`
	SrcPort    string   `yaml:"src_port,omitempty"`
	DstPort    string   `yaml:"dst_port,omitempty"`
	Port       string   `yaml:"port,omitempty"`
	FrameNum   []string `yaml:"frame_num,omitempty"`
	FrameMaxDT string   `yaml:"frame_max_dt,omitempty"`
	Dest       string   `yaml:"dest,omitempty"`
}

var bitNames = []struct {
	bit  Bits
	name string
}{
	{DstPort, "tp.dport"},
	{SrcPort, "tp.sport"},
	{IPDst, "ip.dst"},
	{IPSrc, "ip.src"},
	{IPProto, "ip.proto"},
	{EthDst, "eth.dst"},
	{EthSrc, "eth.src"},
	{EthType, "eth.type"},
	{VLAN, "eth.vlan"},
	{Iface, "iface"},
	{MAMPid, "mampid"},
	{EndTime, "endtime"},
	{StartTime, "starttime"},
	{Port, "tp.port"},
	{FrameNum, "frame-num"},
	{FrameMaxDT, "frame-max-dt"},
}

func (b Bits) String() string {
	if b == 0 {
		return "none"
	}
	var names []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// Summary describes the filter for display.
func (f *Filter) Summary() Summary {
	s := Summary{
		ID:    f.ID,
		Mode:  f.Mode.String(),
		Index: fmt.Sprintf("%d (%s)", uint32(f.Index), f.Index),
	}
	if f.Caplen != NoCaplen {
		c := f.Caplen
		s.Caplen = &c
	}
	if f.Dest.IsSet() {
		s.Dest = f.Dest.String()
	}

	on := func(b Bits) bool { return f.Index&b != 0 }
	if on(StartTime) {
		s.StartTime = f.StartTime.Format("2006-01-02 15:04:05")
	}
	if on(EndTime) {
		s.EndTime = f.EndTime.Format("2006-01-02 15:04:05")
	}
	if on(MAMPid) {
		s.MAMPid = cstr(f.MAMPid[:])
	}
	if on(Iface) {
		s.Iface = cstr(f.Iface[:])
	}
	if on(VLAN) {
		s.VLAN = fmt.Sprintf("%d/0x%04x", f.VLANTCI, f.VLANTCIMask)
	}
	if on(EthType) {
		name := ethertypeName(f.EthType)
		if name == "" {
			name = fmt.Sprintf("0x%04x", f.EthType)
		}
		s.EthType = name + fmt.Sprintf("/0x%04x", f.EthTypeMask)
	}
	if on(EthSrc) {
		s.EthSrc = net.HardwareAddr(f.EthSrc[:]).String() + "/" + net.HardwareAddr(f.EthSrcMask[:]).String()
	}
	if on(EthDst) {
		s.EthDst = net.HardwareAddr(f.EthDst[:]).String() + "/" + net.HardwareAddr(f.EthDstMask[:]).String()
	}
	if on(IPProto) {
		s.IPProto = fmt.Sprintf("%d", f.IPProto)
	}
	if on(IPSrc) {
		s.IPSrc = net.IP(f.IPSrc[:]).String() + "/" + net.IP(f.IPSrcMask[:]).String()
	}
	if on(IPDst) {
		s.IPDst = net.IP(f.IPDst[:]).String() + "/" + net.IP(f.IPDstMask[:]).String()
	}
	if on(SrcPort) {
		s.SrcPort = fmt.Sprintf("%d/0x%04x", f.SrcPort, f.SrcPortMask)
	}
	if on(DstPort) {
		s.DstPort = fmt.Sprintf("%d/0x%04x", f.DstPort, f.DstPortMask)
	}
	if on(Port) {
		s.Port = fmt.Sprintf("%d/0x%04x", f.Port, f.PortMask)
	}
	if on(FrameNum) {
		for _, r := range f.FrameNum {
			s.FrameNum = append(s.FrameNum, r.String())
		}
	}
	if on(FrameMaxDT) {
		s.FrameMaxDT = f.FrameMaxDT.String()
	}
	return s
}

func (r FrameRange) String() string {
	switch {
	case r.Lower == r.Upper:
		return fmt.Sprintf("%d", r.Lower)
	case r.Lower < 0:
		return fmt.Sprintf("-%d", r.Upper)
	case r.Upper < 0:
		return fmt.Sprintf("%d-", r.Lower)
	}
	return fmt.Sprintf("%d-%d", r.Lower, r.Upper)
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
