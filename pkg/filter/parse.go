package filter

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/gopacket/layers"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
)

// Consumed holds the sorted indices of arguments recognised by Parse.
type Consumed []int

// Contains reports whether index i was consumed.
func (c Consumed) Contains(i int) bool {
	n := sort.SearchInts(c, i)
	return n < len(c) && c[n] == i
}

// Remaining returns the arguments Parse did not consume, in order.
func (c Consumed) Remaining(args []string) []string {
	out := make([]string, 0, len(args))
	for i, a := range args {
		if !c.Contains(i) {
			out = append(out, a)
		}
	}
	return out
}

type option struct {
	bit   Bits
	apply func(f *Filter, value string) error
}

var options = map[string]option{
	"tp.port":      {Port, func(f *Filter, v string) (err error) { f.Port, f.PortMask, err = parsePort(v); return }},
	"starttime":    {StartTime, func(f *Filter, v string) (err error) { f.StartTime, err = picotime.Parse(v); return }},
	"begin":        {StartTime, func(f *Filter, v string) (err error) { f.StartTime, err = picotime.Parse(v); return }},
	"endtime":      {EndTime, func(f *Filter, v string) (err error) { f.EndTime, err = picotime.Parse(v); return }},
	"end":          {EndTime, func(f *Filter, v string) (err error) { f.EndTime, err = picotime.Parse(v); return }},
	"mampid":       {MAMPid, func(f *Filter, v string) error { f.SetMAMPid(v); return nil }},
	"mpid":         {MAMPid, func(f *Filter, v string) error { f.SetMAMPid(v); return nil }},
	"iface":        {Iface, func(f *Filter, v string) error { f.SetIface(v); return nil }},
	"if":           {Iface, func(f *Filter, v string) error { f.SetIface(v); return nil }},
	"eth.vlan":     {VLAN, func(f *Filter, v string) (err error) { f.VLANTCI, f.VLANTCIMask, err = parseVLAN(v); return }},
	"eth.type":     {EthType, func(f *Filter, v string) (err error) { f.EthType, f.EthTypeMask, err = parseEthType(v); return }},
	"eth.src":      {EthSrc, func(f *Filter, v string) (err error) { f.EthSrc, f.EthSrcMask, err = parseEthAddr(v); return }},
	"eth.dst":      {EthDst, func(f *Filter, v string) (err error) { f.EthDst, f.EthDstMask, err = parseEthAddr(v); return }},
	"ip.proto":     {IPProto, func(f *Filter, v string) (err error) { f.IPProto, err = parseIPProto(v); return }},
	"ip.src":       {IPSrc, func(f *Filter, v string) (err error) { f.IPSrc, f.IPSrcMask, err = parseInet(v); return }},
	"ip.dst":       {IPDst, func(f *Filter, v string) (err error) { f.IPDst, f.IPDstMask, err = parseInet(v); return }},
	"tp.sport":     {SrcPort, func(f *Filter, v string) (err error) { f.SrcPort, f.SrcPortMask, err = parsePort(v); return }},
	"tp.dport":     {DstPort, func(f *Filter, v string) (err error) { f.DstPort, f.DstPortMask, err = parsePort(v); return }},
	"frame-max-dt": {FrameMaxDT, func(f *Filter, v string) (err error) { f.FrameMaxDT, err = picotime.Parse(v); return }},
	"frame-num":    {FrameNum, func(f *Filter, v string) (err error) { f.FrameNum, err = parseFrameRanges(v); return }},
	"caplen":       {0, func(f *Filter, v string) (err error) { f.Caplen, err = parseCaplen(v); return }},
	"filter-mode":  {0, func(f *Filter, v string) (err error) { f.Mode, err = parseMode(v); return }},
}

// Parse builds a filter from command line style arguments. Both
// "--flag=value" and "--flag value" are accepted; unrecognised arguments are
// left alone and args is never modified. Parsing stops at "--".
func Parse(args []string) (*Filter, Consumed, error) {
	f := New()
	var consumed Consumed

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		name, value, hasValue := strings.Cut(arg[2:], "=")
		opt, ok := options[name]
		if !ok {
			continue
		}

		consumed = append(consumed, i)
		if !hasValue {
			if i+1 >= len(args) || strings.HasPrefix(args[i+1], "--") {
				return nil, nil, fmt.Errorf("%w: option --%s requires an argument", caperr.ErrInvalidArgument, name)
			}
			i++
			value = args[i]
			consumed = append(consumed, i)
		}

		if err := opt.apply(f, value); err != nil {
			return nil, nil, fmt.Errorf("%w: --%s %q: %v", caperr.ErrInvalidArgument, name, value, err)
		}
		f.Index |= opt.bit
	}
	return f, consumed, nil
}

// SetMAMPid enables MAMPid matching. Only the first 8 bytes are significant.
func (f *Filter) SetMAMPid(s string) {
	f.MAMPid = [8]byte{}
	copy(f.MAMPid[:], s)
	f.Index |= MAMPid
}

// SetIface enables capture interface matching.
func (f *Filter) SetIface(s string) {
	f.Iface = [8]byte{}
	copy(f.Iface[:], s)
	f.Index |= Iface
}

func splitMask(s string) (value, mask string, hasMask bool) {
	return strings.Cut(s, "/")
}

// parseMask reads a decimal or 0x-prefixed hexadecimal mask.
func parseMask(s string, bits int) (uint64, error) {
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}

func parsePort(s string) (port, mask uint16, err error) {
	value, maskStr, hasMask := splitMask(s)
	mask = 0xffff
	if hasMask {
		m, err := parseMask(maskStr, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid mask %q", maskStr)
		}
		mask = uint16(m)
	}

	var p uint64
	if value != "" && value[0] >= '0' && value[0] <= '9' {
		if p, err = strconv.ParseUint(value, 10, 16); err != nil {
			return 0, 0, fmt.Errorf("invalid port %q", value)
		}
	} else {
		n, err := net.LookupPort("tcp", value)
		if err != nil {
			if n, err = net.LookupPort("udp", value); err != nil {
				return 0, 0, fmt.Errorf("unknown service %q", value)
			}
		}
		p = uint64(n)
	}
	return uint16(p) & mask, mask, nil
}

func parseVLAN(s string) (tci, mask uint16, err error) {
	value, maskStr, hasMask := splitMask(s)
	mask = 0xffff
	if hasMask {
		m, err := strconv.ParseUint(maskStr, 0, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid mask %q", maskStr)
		}
		mask = uint16(m)
	}
	v, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid TCI %q", value)
	}
	return uint16(v) & mask, mask, nil
}

func parseEthType(s string) (typ, mask uint16, err error) {
	value, maskStr, hasMask := splitMask(s)
	mask = 0xffff
	if hasMask {
		m, err := parseMask(maskStr, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid mask %q", maskStr)
		}
		mask = uint16(m)
	}
	if v, ok := ethertypeByName(value); ok {
		return v & mask, mask, nil
	}
	v, err := strconv.ParseUint(value, 0, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("unknown ethernet type %q", value)
	}
	return uint16(v) & mask, mask, nil
}

func parseEthAddr(s string) (addr, mask [6]byte, err error) {
	value, maskStr, hasMask := splitMask(s)
	mac, err := address.ParseMAC(value)
	if err != nil {
		return addr, mask, err
	}
	mask = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if hasMask {
		m, err := address.ParseMAC(maskStr)
		if err != nil {
			return addr, mask, err
		}
		copy(mask[:], m)
	}
	for i := range addr {
		addr[i] = mac[i] & mask[i]
	}
	return addr, mask, nil
}

// parseInet accepts an IPv4 address with an optional dotted or CIDR mask.
func parseInet(s string) (addr, mask [4]byte, err error) {
	value, maskStr, hasMask := splitMask(s)
	ip := net.ParseIP(value).To4()
	if ip == nil {
		return addr, mask, fmt.Errorf("invalid IPv4 address %q", value)
	}

	m := net.IPMask(net.IPv4bcast.To4())
	if hasMask {
		if !strings.Contains(maskStr, ".") {
			bits, err := strconv.Atoi(maskStr)
			if err != nil || bits < 0 || bits > 32 {
				return addr, mask, fmt.Errorf("invalid prefix length %q", maskStr)
			}
			m = net.CIDRMask(bits, 32)
		} else {
			mip := net.ParseIP(maskStr).To4()
			if mip == nil {
				return addr, mask, fmt.Errorf("invalid mask %q", maskStr)
			}
			m = net.IPMask(mip)
		}
	}
	copy(mask[:], m)
	copy(addr[:], ip.Mask(m))
	return addr, mask, nil
}

func parseIPProto(s string) (uint8, error) {
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid protocol number %q", s)
		}
		return uint8(v), nil
	}
	if strings.EqualFold(s, "icmp") {
		return uint8(layers.IPProtocolICMPv4), nil
	}
	for i := 0; i < 256; i++ {
		if strings.EqualFold(layers.IPProtocol(i).String(), s) {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// parseFrameRanges reads "N", "A-B", "-B" and "A-" ranges joined by commas.
func parseFrameRanges(s string) ([]FrameRange, error) {
	var out []FrameRange
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		r := FrameRange{Lower: -1, Upper: -1}
		var err error
		switch lower, upper, isRange := strings.Cut(part, "-"); {
		case !isRange:
			r.Lower, err = strconv.Atoi(part)
			r.Upper = r.Lower
		default:
			if lower != "" {
				if r.Lower, err = strconv.Atoi(lower); err != nil {
					break
				}
			}
			if upper != "" {
				r.Upper, err = strconv.Atoi(upper)
			}
		}
		if err != nil || (r.Lower < 0 && r.Upper < 0) {
			return nil, fmt.Errorf("invalid frame range %q", part)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty frame range")
	}
	return out, nil
}

func parseCaplen(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q", s)
	}
	return uint32(v), nil
}

func parseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "and":
		return ModeAnd, nil
	case "or":
		return ModeOr, nil
	}
	return 0, fmt.Errorf("mode must be AND or OR")
}
