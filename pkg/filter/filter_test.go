package filter

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DPMI/libcap-utils-sub001/pkg/address"
	"github.com/DPMI/libcap-utils-sub001/pkg/caperr"
	"github.com/DPMI/libcap-utils-sub001/pkg/capfile"
	"github.com/DPMI/libcap-utils-sub001/pkg/picotime"
)

func mustParse(t *testing.T, args ...string) *Filter {
	t.Helper()
	f, _, err := Parse(args)
	require.NoError(t, err)
	return f
}

func header(mampid, iface string, sec uint32, psec uint64) *capfile.CaptureHeader {
	h := &capfile.CaptureHeader{Timestamp: picotime.Time{Sec: sec, Psec: psec}, Len: 60, Caplen: 60}
	h.SetMAMPid(mampid)
	h.SetIface(iface)
	return h
}

func udpFrame(t *testing.T, vlan uint16, src, dst string, sport, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}

	stack := []gopacket.SerializableLayer{eth}
	if vlan != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{VLANIdentifier: vlan, Type: layers.EthernetTypeIPv4})
	}
	stack = append(stack, ip, udp, gopacket.Payload([]byte("payload")))

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, stack...))
	return buf.Bytes()
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	f := mustParse(t, "capdump", "-o", "out.cap")
	assert.Equal(t, Bits(0), f.Index)
	assert.Equal(t, ModeAnd, f.Mode)
	assert.Equal(t, NoCaplen, f.Caplen)
	assert.True(t, f.Match(header("x", "y", 1, 0), nil))
}

func TestMAMPidOnly(t *testing.T) {
	f := mustParse(t, "--mampid", "foobar")
	assert.Equal(t, MAMPid, f.Index)

	assert.True(t, f.Match(header("foobar", "eth0", 5, 0), nil))
	assert.True(t, f.Match(header("foobar", "eth3", 9, 0), []byte{0xde, 0xad}))
	assert.False(t, f.Match(header("other", "eth0", 5, 0), nil))
}

func TestParseMaskedValues(t *testing.T) {
	t.Run("cidr and dotted masks agree", func(t *testing.T) {
		a := mustParse(t, "--ip.src", "1.2.3.4/26")
		b := mustParse(t, "--ip.src=1.2.3.4/255.255.255.192")
		assert.Equal(t, [4]byte{1, 2, 3, 0}, a.IPSrc)
		assert.Equal(t, [4]byte{255, 255, 255, 192}, a.IPSrcMask)
		assert.Equal(t, a.IPSrc, b.IPSrc)
		assert.Equal(t, a.IPSrcMask, b.IPSrcMask)
	})

	t.Run("ethertype by name", func(t *testing.T) {
		f := mustParse(t, "--eth.type", "arp/0xff00")
		assert.Equal(t, uint16(0x0800), f.EthType)
		assert.Equal(t, uint16(0xff00), f.EthTypeMask)
	})

	t.Run("measurement frame ethertype", func(t *testing.T) {
		f := mustParse(t, "--eth.type", "mp")
		assert.Equal(t, uint16(capfile.EthertypeMP), f.EthType)
	})

	t.Run("port with decimal mask", func(t *testing.T) {
		f := mustParse(t, "--tp.port", "22/123")
		assert.Equal(t, uint16(18), f.Port)
		assert.Equal(t, uint16(123), f.PortMask)
	})

	t.Run("mac with mask", func(t *testing.T) {
		f := mustParse(t, "--eth.src", "01:02:03:04:05:06/ff:ff:ff:00:00:00")
		assert.Equal(t, [6]byte{1, 2, 3, 0, 0, 0}, f.EthSrc)
		assert.Equal(t, [6]byte{0xff, 0xff, 0xff, 0, 0, 0}, f.EthSrcMask)
	})

	t.Run("protocol by name", func(t *testing.T) {
		assert.Equal(t, uint8(17), mustParse(t, "--ip.proto", "udp").IPProto)
		assert.Equal(t, uint8(1), mustParse(t, "--ip.proto", "icmp").IPProto)
		assert.Equal(t, uint8(6), mustParse(t, "--ip.proto", "6").IPProto)
	})
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing value at end", []string{"--ip.src"}},
		{"missing value before flag", []string{"--ip.src", "--mampid", "x"}},
		{"bad address", []string{"--ip.src", "1.2.3"}},
		{"bad ethertype", []string{"--eth.type", "bogus"}},
		{"bad mode", []string{"--filter-mode", "xor"}},
		{"open frame range", []string{"--frame-num", "-"}},
		{"bad caplen", []string{"--caplen", "lots"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse(tt.args)
			assert.ErrorIs(t, err, caperr.ErrInvalidArgument)
		})
	}
}

func TestConsumed(t *testing.T) {
	args := []string{"capdump", "--mampid", "foo", "-x", "--iface=eth0", "file.cap", "--", "--caplen", "10"}
	f, consumed, err := Parse(args)
	require.NoError(t, err)

	assert.Equal(t, Consumed{1, 2, 4}, consumed)
	assert.True(t, consumed.Contains(2))
	assert.False(t, consumed.Contains(3))
	assert.Equal(t, []string{"capdump", "-x", "file.cap", "--", "--caplen", "10"}, consumed.Remaining(args))
	assert.Equal(t, MAMPid|Iface, f.Index)
	assert.Equal(t, NoCaplen, f.Caplen)

	// input is left untouched
	assert.Equal(t, "--mampid", args[1])
}

func TestFrameNum(t *testing.T) {
	f := mustParse(t, "--frame-num", "-10,13,20-25,50-")
	assert.Equal(t, []FrameRange{{-1, 10}, {13, 13}, {20, 25}, {50, -1}}, f.FrameNum)

	h := header("a", "b", 1, 0)
	var matched []int
	for n := 1; n <= 60; n++ {
		if f.Match(h, nil) {
			matched = append(matched, n)
		}
	}
	want := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 13, 20, 21, 22, 23, 24, 25}
	for n := 50; n <= 60; n++ {
		want = append(want, n)
	}
	assert.Equal(t, want, matched)

	f.Reset()
	assert.True(t, f.Match(h, nil))
}

func TestFrameMaxDT(t *testing.T) {
	f := mustParse(t, "--frame-max-dt", "1")
	half := picotime.PicosPerSecond / 2

	assert.True(t, f.Match(header("a", "b", 10, 0), nil))
	assert.True(t, f.Match(header("a", "b", 10, half), nil))
	assert.True(t, f.Match(header("a", "b", 11, 200_000_000_000), nil))
	assert.False(t, f.Match(header("a", "b", 13, 0), nil))
	// once the gap is exceeded nothing passes
	assert.False(t, f.Match(header("a", "b", 13, 1), nil))
}

func TestTimeRange(t *testing.T) {
	f := mustParse(t, "--starttime", "100", "--endtime=200.5")
	assert.False(t, f.Match(header("a", "b", 99, 0), nil))
	assert.True(t, f.Match(header("a", "b", 100, 0), nil))
	assert.True(t, f.Match(header("a", "b", 200, 0), nil))
	assert.False(t, f.Match(header("a", "b", 200, picotime.PicosPerSecond/2), nil))
}

func TestOrMode(t *testing.T) {
	f := mustParse(t, "--filter-mode", "or", "--mampid", "mp1", "--iface", "eth0")
	assert.Equal(t, ModeOr, f.Mode)
	assert.True(t, f.Match(header("mp1", "eth9", 1, 0), nil))
	assert.True(t, f.Match(header("mp9", "eth0", 1, 0), nil))
	assert.False(t, f.Match(header("mp9", "eth9", 1, 0), nil))
}

func TestOrModeKeepsFrameGate(t *testing.T) {
	f := mustParse(t, "--filter-mode", "OR", "--mampid", "mp1", "--frame-num", "1")
	assert.True(t, f.Match(header("mp1", "x", 1, 0), nil))
	assert.False(t, f.Match(header("mp1", "x", 1, 0), nil))
}

func TestPacketPredicates(t *testing.T) {
	plain := udpFrame(t, 0, "10.0.0.1", "192.168.1.20", 1000, 53)
	tagged := udpFrame(t, 100, "10.0.0.1", "192.168.1.20", 1000, 53)
	h := header("a", "b", 1, 0)

	tests := []struct {
		name   string
		args   []string
		plain  bool
		tagged bool
	}{
		{"dport", []string{"--tp.dport", "53"}, true, true},
		{"sport mismatch", []string{"--tp.sport", "53"}, false, false},
		{"either port", []string{"--tp.port", "53"}, true, true},
		{"service name", []string{"--tp.dport", "domain"}, true, true},
		{"protocol", []string{"--ip.proto", "udp"}, true, true},
		{"protocol mismatch", []string{"--ip.proto", "tcp"}, false, false},
		{"source net", []string{"--ip.src", "10.0.0.0/8"}, true, true},
		{"destination net mismatch", []string{"--ip.dst", "10.0.0.0/8"}, false, false},
		{"inner ethertype", []string{"--eth.type", "ip"}, true, true},
		{"vlan", []string{"--eth.vlan", "100"}, false, true},
		{"vlan mismatch", []string{"--eth.vlan", "101"}, false, false},
		{"source mac", []string{"--eth.src", "00:11:22:33:44:55"}, true, true},
		{"multicast destination mac", []string{"--eth.dst", "01:00:00:00:00:00/01:00:00:00:00:00"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustParse(t, tt.args...)
			assert.Equal(t, tt.plain, f.Match(h, plain), "untagged")
			assert.Equal(t, tt.tagged, f.Match(h, tagged), "tagged")
		})
	}
}

func TestPortPredicateNeedsTransportHeader(t *testing.T) {
	f := mustParse(t, "--tp.port", "53")
	frame := udpFrame(t, 0, "10.0.0.1", "10.0.0.2", 53, 53)
	assert.False(t, f.Match(header("a", "b", 1, 0), frame[:20]))
}

func TestApplyCaplen(t *testing.T) {
	f := mustParse(t, "--caplen", "64")
	h := header("a", "b", 1, 0)
	h.Caplen = 100
	f.ApplyCaplen(h)
	assert.Equal(t, uint32(64), h.Caplen)

	h.Caplen = 40
	f.ApplyCaplen(h)
	assert.Equal(t, uint32(40), h.Caplen)

	h.Caplen = 1500
	New().ApplyCaplen(h)
	assert.Equal(t, uint32(1500), h.Caplen)
}

func TestMarshalBinary(t *testing.T) {
	f := mustParse(t, "--ip.src", "10.1.2.3/16", "--mampid", "mp1", "--tp.dport", "80", "--frame-num", "1-5", "--caplen", "96")
	f.ID = 7
	f.Version = 1
	f.Consumer = 3
	dest, err := address.Parse("udp://239.0.0.1:4000")
	require.NoError(t, err)
	f.Dest = dest

	b, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, PackedSize)

	var got Filter
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, uint32(7), got.ID)
	assert.Equal(t, uint32(3), got.Consumer)
	assert.Equal(t, uint32(96), got.Caplen)
	assert.Equal(t, IPSrc|MAMPid|DstPort, got.Index, "local predicates stay local")
	assert.Equal(t, [4]byte{10, 1, 0, 0}, got.IPSrc)
	assert.Equal(t, [4]byte{255, 255, 0, 0}, got.IPSrcMask)
	assert.Equal(t, f.MAMPid, got.MAMPid)
	assert.Equal(t, uint16(80), got.DstPort)
	assert.Equal(t, address.UDP, got.Dest.Type)
	assert.Equal(t, "239.0.0.1", got.Dest.IP.String())
	assert.Equal(t, uint16(4000), got.Dest.Port)
	assert.Equal(t, ModeAnd, got.Mode)

	assert.ErrorIs(t, got.UnmarshalBinary(b[:100]), caperr.ErrTruncated)
}

func TestUnmarshalLegacyAddresses(t *testing.T) {
	f := mustParse(t, "--ip.dst", "192.168.0.0/24")
	b, err := f.MarshalBinary()
	require.NoError(t, err)

	// clear the binary fields; a version 0 peer only fills the strings
	for i := 195; i < 211; i++ {
		b[i] = 0
	}
	var got Filter
	require.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, [4]byte{192, 168, 0, 0}, got.IPDst)
	assert.Equal(t, [4]byte{255, 255, 255, 0}, got.IPDstMask)
}

func TestSummary(t *testing.T) {
	f := mustParse(t, "--eth.type", "arp", "--frame-num", "-3,7,9-", "--caplen", "0")
	s := f.Summary()
	assert.Equal(t, "AND", s.Mode)
	assert.Equal(t, "eth.type,frame-num", f.Index.String())
	assert.Equal(t, []string{"-3", "7", "9-"}, s.FrameNum)
	assert.Contains(t, s.EthType, "ARP")
	require.NotNil(t, s.Caplen)
	assert.Equal(t, uint32(0), *s.Caplen)
	assert.Empty(t, s.IPSrc)
}
